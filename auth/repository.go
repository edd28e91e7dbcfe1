package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrParticipantNotFound signals that the participant does not exist.
	ErrParticipantNotFound = errors.New("auth: participant not found")
	// ErrDuplicateAccount signals that the email or address is taken.
	ErrDuplicateAccount = errors.New("auth: email or address already registered")
)

// Repository handles data access for authentication.
type Repository interface {
	CreateParticipant(ctx context.Context, params CreateParticipantParams) (Participant, error)
	GetByEmail(ctx context.Context, email string) (Participant, error)
	GetByID(ctx context.Context, id string) (Participant, error)
}

// CreateParticipantParams contains write parameters for new accounts.
type CreateParticipantParams struct {
	Email        string
	Address      string
	PasswordHash string
	Role         Role
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed auth repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const participantColumns = `id, email, address, password_hash, role, created_at`

// CreateParticipant inserts a new account with a hashed password.
func (r *PGRepository) CreateParticipant(ctx context.Context, params CreateParticipantParams) (Participant, error) {
	p, err := scanParticipant(r.pool.QueryRow(ctx, `
        INSERT INTO participants (email, address, password_hash, role)
        VALUES ($1, $2, $3, $4)
        RETURNING `+participantColumns+`
    `, params.Email, params.Address, params.PasswordHash, params.Role))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Participant{}, ErrDuplicateAccount
		}
		return Participant{}, fmt.Errorf("auth: create participant: %w", err)
	}
	return p, nil
}

// GetByEmail retrieves a participant by email address.
func (r *PGRepository) GetByEmail(ctx context.Context, email string) (Participant, error) {
	p, err := scanParticipant(r.pool.QueryRow(ctx, `
        SELECT `+participantColumns+` FROM participants WHERE email = $1
    `, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, ErrParticipantNotFound
		}
		return Participant{}, fmt.Errorf("auth: get participant by email: %w", err)
	}
	return p, nil
}

// GetByID retrieves a participant by ID.
func (r *PGRepository) GetByID(ctx context.Context, id string) (Participant, error) {
	p, err := scanParticipant(r.pool.QueryRow(ctx, `
        SELECT `+participantColumns+` FROM participants WHERE id = $1
    `, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Participant{}, ErrParticipantNotFound
		}
		return Participant{}, fmt.Errorf("auth: get participant by id: %w", err)
	}
	return p, nil
}

func scanParticipant(row pgx.Row) (Participant, error) {
	var p Participant
	err := row.Scan(
		&p.ID,
		&p.Email,
		&p.Address,
		&p.PasswordHash,
		&p.Role,
		&p.CreatedAt,
	)
	if err != nil {
		return Participant{}, err
	}
	return p, nil
}
