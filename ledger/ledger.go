package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// System accounts. Participant accounts use the participant's address as id.
const (
	AccountCustody    = "custody"
	AccountStakeVault = "stake_vault"
	AccountTreasury   = "treasury"
)

var (
	// ErrInsufficientFunds signals the source account cannot cover the transfer.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrInvalidAmount signals a non-positive transfer amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Adapter moves the settlement asset between accounts. Every movement runs
// inside the caller's transaction so it commits or rolls back atomically with
// the state transition that triggered it.
type Adapter interface {
	Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64, reason string) error
	Balance(ctx context.Context, tx pgx.Tx, account string) (int64, error)
}

// PGLedger is the internal double-entry implementation backed by the
// ledger_accounts table.
type PGLedger struct{}

func NewPGLedger() *PGLedger {
	return &PGLedger{}
}

// Transfer debits from and credits to, creating the destination account on
// first use. Source rows are locked in a fixed order to avoid deadlocks
// between concurrent transfers touching the same pair.
func (l *PGLedger) Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if from == to {
		return fmt.Errorf("ledger: self-transfer on account %s", from)
	}

	first, second := from, to
	if second < first {
		first, second = second, first
	}
	for _, acct := range []string{first, second} {
		if _, err := tx.Exec(ctx, `
            INSERT INTO ledger_accounts (id) VALUES ($1)
            ON CONFLICT (id) DO NOTHING
        `, acct); err != nil {
			return fmt.Errorf("ledger: ensure account %s: %w", acct, err)
		}
		if _, err := tx.Exec(ctx, `SELECT 1 FROM ledger_accounts WHERE id=$1 FOR UPDATE`, acct); err != nil {
			return fmt.Errorf("ledger: lock account %s: %w", acct, err)
		}
	}

	tag, err := tx.Exec(ctx, `
        UPDATE ledger_accounts SET balance = balance - $1
        WHERE id = $2 AND balance >= $1
    `, amount, from)
	if err != nil {
		return fmt.Errorf("ledger: debit %s: %w", from, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `
        UPDATE ledger_accounts SET balance = balance + $1 WHERE id = $2
    `, amount, to); err != nil {
		return fmt.Errorf("ledger: credit %s: %w", to, err)
	}

	if _, err := tx.Exec(ctx, `
        INSERT INTO ledger_transfers (from_account, to_account, amount, reason)
        VALUES ($1,$2,$3,$4)
    `, from, to, amount, reason); err != nil {
		return fmt.Errorf("ledger: record transfer: %w", err)
	}

	return nil
}

// Credit mints balance into an account. This is the hook for the external
// on-ramp that brings settlement funds into the system; the core itself only
// ever moves existing balance via Transfer.
func (l *PGLedger) Credit(ctx context.Context, tx pgx.Tx, account string, amount int64, reason string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO ledger_accounts (id, balance) VALUES ($1, $2)
        ON CONFLICT (id) DO UPDATE SET balance = ledger_accounts.balance + $2
    `, account, amount); err != nil {
		return fmt.Errorf("ledger: credit %s: %w", account, err)
	}
	return nil
}

// Balance reads the current balance of an account inside the transaction.
func (l *PGLedger) Balance(ctx context.Context, tx pgx.Tx, account string) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM ledger_accounts WHERE id=$1`, account).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger: balance %s: %w", account, err)
	}
	return balance, nil
}
