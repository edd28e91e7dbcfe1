package stake

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no stake account exists for the address.
	ErrNotFound = errors.New("stake: account not found")
)

const accountColumns = `address, total_stake, locked_stake, risk_score, completed_trades,
       disputes_lost, banned, cooldown_until, last_order_at, member_since`

// Repository is the row-level access the service composes into transactions.
type Repository interface {
	EnsureForUpdate(ctx context.Context, tx pgx.Tx, address string) (Account, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, address string) (Account, error)
	AdjustStake(ctx context.Context, tx pgx.Tx, address string, totalDelta, lockedDelta int64) error
	RecordSlash(ctx context.Context, tx pgx.Tx, address string, ban bool) error
	MarkOrder(ctx context.Context, tx pgx.Tx, address string) error
	MarkTradeCompleted(ctx context.Context, tx pgx.Tx, address string) error
	Get(ctx context.Context, address string) (Account, error)
}

// PGRepository implements Repository against the stake_accounts table.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(
		&a.Address, &a.TotalStake, &a.LockedStake, &a.RiskScore, &a.CompletedTrades,
		&a.DisputesLost, &a.Banned, &a.CooldownUntil, &a.LastOrderAt, &a.MemberSince,
	)
	return a, err
}

// EnsureForUpdate creates the account row on first use and returns it locked.
func (r *PGRepository) EnsureForUpdate(ctx context.Context, tx pgx.Tx, address string) (Account, error) {
	if _, err := tx.Exec(ctx, `
        INSERT INTO stake_accounts (address) VALUES ($1)
        ON CONFLICT (address) DO NOTHING
    `, address); err != nil {
		return Account{}, fmt.Errorf("stake: ensure account %s: %w", address, err)
	}
	return r.GetForUpdate(ctx, tx, address)
}

// GetForUpdate returns the account row locked for the transaction.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, address string) (Account, error) {
	a, err := scanAccount(tx.QueryRow(ctx, `
        SELECT `+accountColumns+`
        FROM stake_accounts WHERE address = $1 FOR UPDATE
    `, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("stake: get account %s: %w", address, err)
	}
	return a, nil
}

// AdjustStake applies deltas to total and locked stake. The table constraint
// rejects any write violating 0 <= locked <= total.
func (r *PGRepository) AdjustStake(ctx context.Context, tx pgx.Tx, address string, totalDelta, lockedDelta int64) error {
	tag, err := tx.Exec(ctx, `
        UPDATE stake_accounts
        SET total_stake = total_stake + $2,
            locked_stake = locked_stake + $3,
            updated_at = get_tx_timestamp()
        WHERE address = $1
    `, address, totalDelta, lockedDelta)
	if err != nil {
		return fmt.Errorf("stake: adjust %s: %w", address, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordSlash bumps the strike counter and optionally bans the account.
func (r *PGRepository) RecordSlash(ctx context.Context, tx pgx.Tx, address string, ban bool) error {
	if _, err := tx.Exec(ctx, `
        UPDATE stake_accounts
        SET disputes_lost = disputes_lost + 1,
            banned = banned OR $2,
            updated_at = get_tx_timestamp()
        WHERE address = $1
    `, address, ban); err != nil {
		return fmt.Errorf("stake: record slash %s: %w", address, err)
	}
	return nil
}

// MarkOrder stamps last_order_at for rate limiting.
func (r *PGRepository) MarkOrder(ctx context.Context, tx pgx.Tx, address string) error {
	if _, err := tx.Exec(ctx, `
        UPDATE stake_accounts SET last_order_at = get_tx_timestamp() WHERE address = $1
    `, address); err != nil {
		return fmt.Errorf("stake: mark order %s: %w", address, err)
	}
	return nil
}

// MarkTradeCompleted increments the completed-trade counter that feeds the
// trust discount.
func (r *PGRepository) MarkTradeCompleted(ctx context.Context, tx pgx.Tx, address string) error {
	if _, err := tx.Exec(ctx, `
        UPDATE stake_accounts SET completed_trades = completed_trades + 1 WHERE address = $1
    `, address); err != nil {
		return fmt.Errorf("stake: mark trade completed %s: %w", address, err)
	}
	return nil
}

// Get reads an account outside any transaction.
func (r *PGRepository) Get(ctx context.Context, address string) (Account, error) {
	a, err := scanAccount(r.pool.QueryRow(ctx, `
        SELECT `+accountColumns+`
        FROM stake_accounts WHERE address = $1
    `, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("stake: get account %s: %w", address, err)
	}
	return a, nil
}
