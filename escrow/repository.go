package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrAlreadyExists signals the escrow id was used before.
	ErrAlreadyExists = errors.New("escrow: already exists")
	// ErrNotFound signals no escrow exists for the id.
	ErrNotFound = errors.New("escrow: not found")
)

const escrowColumns = `id, sender, recipient, amount, fee, collateral_locked, collateral_owner,
       status::text, proof_ref, created_at, expires_at, dispute_opened_at, closed_at`

// Repository is the row-level access the service composes into transactions.
type Repository interface {
	Insert(ctx context.Context, tx pgx.Tx, e Escrow) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Escrow, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, closedAt *time.Time) error
	SetProof(ctx context.Context, tx pgx.Tx, id, ref string) error
	MarkDisputed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	Get(ctx context.Context, id string) (Escrow, error)
}

// PGRepository implements Repository against the escrows table.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func scanEscrow(row pgx.Row) (Escrow, error) {
	var e Escrow
	err := row.Scan(
		&e.ID, &e.Sender, &e.Recipient, &e.Amount, &e.Fee, &e.CollateralLocked,
		&e.CollateralOwner, &e.Status, &e.ProofRef, &e.CreatedAt, &e.ExpiresAt,
		&e.DisputeOpenedAt, &e.ClosedAt,
	)
	return e, err
}

func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, e Escrow) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO escrows (id, sender, recipient, amount, fee, collateral_locked,
                             collateral_owner, status, expires_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,'locked',$8)
    `, e.ID, e.Sender, e.Recipient, e.Amount, e.Fee, e.CollateralLocked, e.CollateralOwner, e.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return fmt.Errorf("escrow: insert %s: %w", e.ID, err)
	}
	return nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Escrow, error) {
	e, err := scanEscrow(tx.QueryRow(ctx, `
        SELECT `+escrowColumns+` FROM escrows WHERE id = $1 FOR UPDATE
    `, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Escrow{}, ErrNotFound
	}
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: get %s: %w", id, err)
	}
	return e, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, closedAt *time.Time) error {
	tag, err := tx.Exec(ctx, `
        UPDATE escrows SET status = $2::escrow_status, closed_at = $3 WHERE id = $1
    `, id, string(status), closedAt)
	if err != nil {
		return fmt.Errorf("escrow: set status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) SetProof(ctx context.Context, tx pgx.Tx, id, ref string) error {
	if _, err := tx.Exec(ctx, `UPDATE escrows SET proof_ref = $2 WHERE id = $1`, id, ref); err != nil {
		return fmt.Errorf("escrow: set proof %s: %w", id, err)
	}
	return nil
}

func (r *PGRepository) MarkDisputed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	if _, err := tx.Exec(ctx, `
        UPDATE escrows SET status = 'disputed', dispute_opened_at = $2 WHERE id = $1
    `, id, at); err != nil {
		return fmt.Errorf("escrow: mark disputed %s: %w", id, err)
	}
	return nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Escrow, error) {
	e, err := scanEscrow(r.pool.QueryRow(ctx, `
        SELECT `+escrowColumns+` FROM escrows WHERE id = $1
    `, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Escrow{}, ErrNotFound
	}
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: get %s: %w", id, err)
	}
	return e, nil
}
