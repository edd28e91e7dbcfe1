package dispute

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
	// ErrNotFound signals no dispute exists for the id.
	ErrNotFound = errors.New("dispute: not found")
	// ErrAlreadyVoted signals the arbitrator already cast a ballot.
	ErrAlreadyVoted = errors.New("dispute: already voted")
	// ErrEvidenceExists signals the party already submitted its reference.
	ErrEvidenceExists = errors.New("dispute: evidence already submitted")
	// ErrAlreadyRegistered signals the arbitrator address is taken.
	ErrAlreadyRegistered = errors.New("dispute: arbitrator already registered")
	// ErrArbitratorNotFound signals no arbitrator exists for the address.
	ErrArbitratorNotFound = errors.New("dispute: arbitrator not found")
)

const disputeColumns = `id::text, escrow_id, buyer, seller, amount, reason, tier::text,
       status::text, voting_deadline, favor_buyer, opened_at, resolved_at`

// Repository holds the row-level SQL for disputes, panels, votes, evidence,
// and the arbitrator registry.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanDispute(row pgx.Row) (Record, error) {
	var d Record
	err := row.Scan(
		&d.ID, &d.EscrowID, &d.Buyer, &d.Seller, &d.Amount, &d.Reason, &d.Tier,
		&d.Status, &d.VotingDeadline, &d.FavorBuyer, &d.OpenedAt, &d.ResolvedAt,
	)
	return d, err
}

func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, d Record) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO disputes (id, escrow_id, buyer, seller, amount, reason, tier, status)
        VALUES ($1,$2,$3,$4,$5,$6,$7::dispute_tier,'open')
    `, d.ID, d.EscrowID, d.Buyer, d.Seller, d.Amount, d.Reason, string(d.Tier))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("dispute: escrow %s already disputed: %w", d.EscrowID, err)
		}
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Record, error) {
	d, err := scanDispute(tx.QueryRow(ctx, `
        SELECT `+disputeColumns+` FROM disputes WHERE id = $1 FOR UPDATE
    `, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("dispute: get %s: %w", id, err)
	}
	return d, nil
}

func (r *Repository) SetVoting(ctx context.Context, tx pgx.Tx, id string, deadline time.Time) error {
	if _, err := tx.Exec(ctx, `
        UPDATE disputes SET status = 'voting', voting_deadline = $2 WHERE id = $1
    `, id, deadline); err != nil {
		return fmt.Errorf("dispute: set voting %s: %w", id, err)
	}
	return nil
}

func (r *Repository) SetResolved(ctx context.Context, tx pgx.Tx, id string, favorBuyer bool, at time.Time) error {
	if _, err := tx.Exec(ctx, `
        UPDATE disputes SET status = 'resolved', favor_buyer = $2, resolved_at = $3 WHERE id = $1
    `, id, favorBuyer, at); err != nil {
		return fmt.Errorf("dispute: set resolved %s: %w", id, err)
	}
	return nil
}

func (r *Repository) SetEscalated(ctx context.Context, tx pgx.Tx, id string) error {
	if _, err := tx.Exec(ctx, `
        UPDATE disputes SET status = 'escalated' WHERE id = $1
    `, id); err != nil {
		return fmt.Errorf("dispute: set escalated %s: %w", id, err)
	}
	return nil
}

func (r *Repository) InsertPanel(ctx context.Context, tx pgx.Tx, id string, members []string) error {
	for seat, member := range members {
		if _, err := tx.Exec(ctx, `
            INSERT INTO dispute_panel (dispute_id, arbitrator, seat) VALUES ($1,$2,$3)
        `, id, member, seat); err != nil {
			return fmt.Errorf("dispute: insert panel seat: %w", err)
		}
	}
	return nil
}

func (r *Repository) PanelMembers(ctx context.Context, tx pgx.Tx, id string) ([]string, error) {
	rows, err := tx.Query(ctx, `
        SELECT arbitrator FROM dispute_panel WHERE dispute_id = $1 ORDER BY seat
    `, id)
	if err != nil {
		return nil, fmt.Errorf("dispute: panel members: %w", err)
	}
	defer rows.Close()

	members := make([]string, 0, 4)
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, fmt.Errorf("dispute: scan panel member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r *Repository) InsertVote(ctx context.Context, tx pgx.Tx, v Vote) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO dispute_votes (dispute_id, arbitrator, favor_buyer, notes)
        VALUES ($1,$2,$3,$4)
    `, v.DisputeID, v.Arbitrator, v.FavorBuyer, v.Notes)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyVoted
		}
		return fmt.Errorf("dispute: insert vote: %w", err)
	}
	return nil
}

func (r *Repository) Votes(ctx context.Context, tx pgx.Tx, id string) ([]Vote, error) {
	rows, err := tx.Query(ctx, `
        SELECT dispute_id::text, arbitrator, favor_buyer, COALESCE(notes,''), cast_at
        FROM dispute_votes WHERE dispute_id = $1 ORDER BY cast_at
    `, id)
	if err != nil {
		return nil, fmt.Errorf("dispute: votes: %w", err)
	}
	defer rows.Close()

	votes := make([]Vote, 0, 4)
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.DisputeID, &v.Arbitrator, &v.FavorBuyer, &v.Notes, &v.CastAt); err != nil {
			return nil, fmt.Errorf("dispute: scan vote: %w", err)
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

func (r *Repository) InsertEvidence(ctx context.Context, tx pgx.Tx, e Evidence) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO dispute_evidence (dispute_id, party, evidence_ref)
        VALUES ($1,$2,$3)
    `, e.DisputeID, e.Party, e.Ref)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEvidenceExists
		}
		return fmt.Errorf("dispute: insert evidence: %w", err)
	}
	return nil
}

// --- arbitrator registry ---

const arbitratorColumns = `address, stake, active, disputes_resolved, correct_votes,
       total_votes, total_earned, registered_at`

func scanArbitrator(row pgx.Row) (Arbitrator, error) {
	var a Arbitrator
	err := row.Scan(
		&a.Address, &a.Stake, &a.Active, &a.DisputesResolved, &a.CorrectVotes,
		&a.TotalVotes, &a.TotalEarned, &a.RegisteredAt,
	)
	return a, err
}

func (r *Repository) InsertArbitrator(ctx context.Context, tx pgx.Tx, address string, stakeAmount int64) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO arbitrators (address, stake) VALUES ($1,$2)
    `, address, stakeAmount)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyRegistered
		}
		return fmt.Errorf("dispute: insert arbitrator: %w", err)
	}
	return nil
}

func (r *Repository) GetArbitratorForUpdate(ctx context.Context, tx pgx.Tx, address string) (Arbitrator, error) {
	a, err := scanArbitrator(tx.QueryRow(ctx, `
        SELECT `+arbitratorColumns+` FROM arbitrators WHERE address = $1 FOR UPDATE
    `, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return Arbitrator{}, ErrArbitratorNotFound
	}
	if err != nil {
		return Arbitrator{}, fmt.Errorf("dispute: get arbitrator %s: %w", address, err)
	}
	return a, nil
}

// ListCandidates returns active arbitrators meeting the stake minimum.
// Accuracy filtering happens in Go where the floor is configured.
func (r *Repository) ListCandidates(ctx context.Context, tx pgx.Tx, minStake int64) ([]Arbitrator, error) {
	rows, err := tx.Query(ctx, `
        SELECT `+arbitratorColumns+` FROM arbitrators
        WHERE active AND stake >= $1
        ORDER BY address
    `, minStake)
	if err != nil {
		return nil, fmt.Errorf("dispute: list candidates: %w", err)
	}
	defer rows.Close()

	out := make([]Arbitrator, 0, 16)
	for rows.Next() {
		a, err := scanArbitrator(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan candidate: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repository) RecordVoteCast(ctx context.Context, tx pgx.Tx, address string) error {
	if _, err := tx.Exec(ctx, `
        UPDATE arbitrators SET total_votes = total_votes + 1 WHERE address = $1
    `, address); err != nil {
		return fmt.Errorf("dispute: record vote cast: %w", err)
	}
	return nil
}

// CreditVoter marks a resolved dispute on the arbitrator, counting the vote
// correct and paying the reward when it matched the majority.
func (r *Repository) CreditVoter(ctx context.Context, tx pgx.Tx, address string, correct bool, reward int64) error {
	if _, err := tx.Exec(ctx, `
        UPDATE arbitrators
        SET disputes_resolved = disputes_resolved + 1,
            correct_votes = correct_votes + CASE WHEN $2 THEN 1 ELSE 0 END,
            total_earned = total_earned + $3
        WHERE address = $1
    `, address, correct, reward); err != nil {
		return fmt.Errorf("dispute: credit voter %s: %w", address, err)
	}
	return nil
}

func (r *Repository) SetArbitratorActive(ctx context.Context, tx pgx.Tx, address string, active bool) error {
	if _, err := tx.Exec(ctx, `
        UPDATE arbitrators SET active = $2 WHERE address = $1
    `, address, active); err != nil {
		return fmt.Errorf("dispute: set arbitrator active %s: %w", address, err)
	}
	return nil
}

// ReleaseArbitratorBond retires the arbitrator and zeroes the recorded bond.
// The caller refunds the ledger balance in the same transaction.
func (r *Repository) ReleaseArbitratorBond(ctx context.Context, tx pgx.Tx, address string) error {
	if _, err := tx.Exec(ctx, `
        UPDATE arbitrators SET active = false, stake = 0 WHERE address = $1
    `, address); err != nil {
		return fmt.Errorf("dispute: release arbitrator bond %s: %w", address, err)
	}
	return nil
}

// HasOpenPanels reports whether the arbitrator sits on any unresolved panel.
func (r *Repository) HasOpenPanels(ctx context.Context, tx pgx.Tx, address string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM dispute_panel p
            JOIN disputes d ON d.id = p.dispute_id
            WHERE p.arbitrator = $1 AND d.status IN ('open','voting','escalated')
        )
    `, address).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dispute: open panels %s: %w", address, err)
	}
	return exists, nil
}

// --- pool reads ---

func (r *Repository) Get(ctx context.Context, id string) (Record, error) {
	d, err := scanDispute(r.pool.QueryRow(ctx, `
        SELECT `+disputeColumns+` FROM disputes WHERE id = $1
    `, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("dispute: get %s: %w", id, err)
	}
	return d, nil
}

func (r *Repository) GetArbitrator(ctx context.Context, address string) (Arbitrator, error) {
	a, err := scanArbitrator(r.pool.QueryRow(ctx, `
        SELECT `+arbitratorColumns+` FROM arbitrators WHERE address = $1
    `, address))
	if errors.Is(err, pgx.ErrNoRows) {
		return Arbitrator{}, ErrArbitratorNotFound
	}
	if err != nil {
		return Arbitrator{}, fmt.Errorf("dispute: get arbitrator %s: %w", address, err)
	}
	return a, nil
}

// GetDetail assembles the full read view for a dispute.
func (r *Repository) GetDetail(ctx context.Context, id string) (Detail, error) {
	d, err := r.Get(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	detail := Detail{Record: d}

	rows, err := r.pool.Query(ctx, `
        SELECT arbitrator FROM dispute_panel WHERE dispute_id = $1 ORDER BY seat
    `, id)
	if err != nil {
		return Detail{}, fmt.Errorf("dispute: detail panel: %w", err)
	}
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			rows.Close()
			return Detail{}, fmt.Errorf("dispute: scan panel: %w", err)
		}
		detail.Panel = append(detail.Panel, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Detail{}, err
	}

	rows, err = r.pool.Query(ctx, `
        SELECT dispute_id::text, arbitrator, favor_buyer, COALESCE(notes,''), cast_at
        FROM dispute_votes WHERE dispute_id = $1 ORDER BY cast_at
    `, id)
	if err != nil {
		return Detail{}, fmt.Errorf("dispute: detail votes: %w", err)
	}
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.DisputeID, &v.Arbitrator, &v.FavorBuyer, &v.Notes, &v.CastAt); err != nil {
			rows.Close()
			return Detail{}, fmt.Errorf("dispute: scan vote: %w", err)
		}
		detail.Votes = append(detail.Votes, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Detail{}, err
	}

	rows, err = r.pool.Query(ctx, `
        SELECT dispute_id::text, party, evidence_ref, submitted_at
        FROM dispute_evidence WHERE dispute_id = $1 ORDER BY submitted_at
    `, id)
	if err != nil {
		return Detail{}, fmt.Errorf("dispute: detail evidence: %w", err)
	}
	for rows.Next() {
		var e Evidence
		if err := rows.Scan(&e.DisputeID, &e.Party, &e.Ref, &e.SubmittedAt); err != nil {
			rows.Close()
			return Detail{}, fmt.Errorf("dispute: scan evidence: %w", err)
		}
		detail.Evidence = append(detail.Evidence, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Detail{}, err
	}

	detail.ForBuyer, detail.ForSeller = countVotes(detail.Votes)
	return detail, nil
}
