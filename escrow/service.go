package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"custodia/config"
	"custodia/events"
	"custodia/ledger"
	"custodia/metrics"
	"custodia/policy"
	"custodia/stake"
)

var (
	// ErrInvalidAmount signals a non-positive order amount.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
	// ErrInvalidExpiry signals an expiry not in the future.
	ErrInvalidExpiry = errors.New("escrow: expiry must be in the future")
	// ErrBadStatus signals the escrow is not in a state admitting the
	// requested transition.
	ErrBadStatus = errors.New("escrow: invalid status for transition")
	// ErrNotParty signals the caller is neither side of the escrow.
	ErrNotParty = errors.New("escrow: caller is not a party")
	// ErrNotEntitled signals the caller may not trigger this transition yet.
	ErrNotEntitled = errors.New("escrow: caller not entitled to transition")
	// ErrNotExpired signals a refund attempt before the expiry deadline.
	ErrNotExpired = errors.New("escrow: not expired")
	// ErrProofSubmitted signals a cancel attempt after the counterparty
	// already moved.
	ErrProofSubmitted = errors.New("escrow: proof already submitted")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// StakeOps is the slice of the stake registry the engine drives. Every call
// is scoped to the engine's transaction.
type StakeOps interface {
	EnsureForUpdateTx(ctx context.Context, tx pgx.Tx, address string) (stake.Account, error)
	LockTx(ctx context.Context, tx pgx.Tx, address string, amount int64) error
	UnlockTx(ctx context.Context, tx pgx.Tx, address string, amount int64) error
	SlashTx(ctx context.Context, tx pgx.Tx, address string, amount int64, reason stake.SlashReason) (int64, error)
	MarkOrderTx(ctx context.Context, tx pgx.Tx, address string) error
	MarkTradeCompletedTx(ctx context.Context, tx pgx.Tx, address string) error
}

// Limiter is the rate and volume guard applied at order creation.
type Limiter interface {
	CheckRate(acct stake.Account, now time.Time) error
	ReserveVolumeTx(ctx context.Context, tx pgx.Tx, amount int64, now time.Time) error
}

// Service is the escrow engine. Every transition runs as one transaction:
// the entity row is taken FOR UPDATE, collateral and settlement movements
// happen inside the same transaction, and the timeline/outbox writes ride
// along, so concurrent conflicting transitions serialize on the row lock and
// a failed settlement transfer rolls the whole transition back.
type Service struct {
	pool       TxBeginner
	repo       Repository
	stakes     StakeOps
	collateral policy.CollateralPolicy
	limiter    Limiter
	ledger     ledger.Adapter
	timeline   events.TimelineWriter
	outbox     events.OutboxWriter
	cfg        config.EscrowConfig
	log        zerolog.Logger
	now        func() time.Time
}

func NewService(pool TxBeginner, repo Repository, stakes StakeOps, collateral policy.CollateralPolicy, limiter Limiter, lgr ledger.Adapter, timeline events.TimelineWriter, outbox events.OutboxWriter, cfg config.EscrowConfig, log zerolog.Logger) *Service {
	return &Service{
		pool:       pool,
		repo:       repo,
		stakes:     stakes,
		collateral: collateral,
		limiter:    limiter,
		ledger:     lgr,
		timeline:   timeline,
		outbox:     outbox,
		cfg:        cfg,
		log:        log.With().Str("component", "escrow").Logger(),
		now:        time.Now,
	}
}

// WithClock overrides the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Fee computes amount x feeRateBps / 10000 rounded down, plus the flat
// surcharge for orders under the small-order threshold.
func (s *Service) Fee(amount int64) int64 {
	fee := amount * s.cfg.FeeRateBps / 10_000
	if amount < s.cfg.SmallOrderThreshold {
		fee += s.cfg.SmallOrderSurcharge
	}
	return fee
}

// CreateParams describes a new escrow order. Sender is the initiator funding
// the settlement leg; Counterparty is the liquidity side whose stake backs it.
type CreateParams struct {
	ID           string
	Sender       string
	Counterparty string
	Amount       int64
	ExpiresAt    time.Time
}

// Create validates the order against the risk policy, locks the counterparty
// collateral, and moves amount+fee from the sender into custody.
func (s *Service) Create(ctx context.Context, params CreateParams) (Escrow, error) {
	if params.ID == "" || params.Sender == "" || params.Counterparty == "" {
		return Escrow{}, fmt.Errorf("escrow: missing id or party")
	}
	if params.Sender == params.Counterparty {
		return Escrow{}, fmt.Errorf("escrow: sender and counterparty must differ")
	}
	if params.Amount <= 0 {
		return Escrow{}, ErrInvalidAmount
	}
	now := s.now()
	if !params.ExpiresAt.After(now) {
		return Escrow{}, ErrInvalidExpiry
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin create tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Stake rows lock in address order, the same convention the ledger uses,
	// so mirrored concurrent creates cannot deadlock on each other.
	first, second := params.Sender, params.Counterparty
	if second < first {
		first, second = second, first
	}
	accts := make(map[string]stake.Account, 2)
	for _, addr := range []string{first, second} {
		acct, err := s.stakes.EnsureForUpdateTx(ctx, tx, addr)
		if err != nil {
			return Escrow{}, err
		}
		accts[addr] = acct
	}
	senderAcct, lpAcct := accts[params.Sender], accts[params.Counterparty]

	if err := s.limiter.CheckRate(senderAcct, now); err != nil {
		return Escrow{}, err
	}

	required, err := s.collateral.RequiredCollateral(params.Amount, lpAcct)
	if err != nil {
		return Escrow{}, err
	}

	if err := s.limiter.ReserveVolumeTx(ctx, tx, params.Amount, now); err != nil {
		return Escrow{}, err
	}
	if required > 0 {
		if err := s.stakes.LockTx(ctx, tx, params.Counterparty, required); err != nil {
			return Escrow{}, err
		}
	}

	fee := s.Fee(params.Amount)
	if err := s.ledger.Transfer(ctx, tx, params.Sender, ledger.AccountCustody, params.Amount+fee, "escrow funding "+params.ID); err != nil {
		return Escrow{}, err
	}

	e := Escrow{
		ID:               params.ID,
		Sender:           params.Sender,
		Recipient:        params.Counterparty,
		Amount:           params.Amount,
		Fee:              fee,
		CollateralLocked: required,
		CollateralOwner:  params.Counterparty,
		Status:           StatusLocked,
		CreatedAt:        now,
		ExpiresAt:        params.ExpiresAt,
	}
	if err := s.repo.Insert(ctx, tx, e); err != nil {
		return Escrow{}, err
	}
	if err := s.stakes.MarkOrderTx(ctx, tx, params.Sender); err != nil {
		return Escrow{}, err
	}

	payload := map[string]any{
		"escrow_id":  e.ID,
		"sender":     e.Sender,
		"recipient":  e.Recipient,
		"amount":     e.Amount,
		"fee":        e.Fee,
		"collateral": e.CollateralLocked,
		"expires_at": e.ExpiresAt.UTC(),
	}
	if err := s.timeline.Append(ctx, tx, e.ID, "ESCROW_CREATED", params.Sender, payload); err != nil {
		return Escrow{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicEscrowCreated, payload); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit create: %w", err)
	}

	metrics.RecordEscrowTransition(string(StatusLocked))
	s.log.Info().Str("escrow_id", e.ID).Int64("amount", e.Amount).
		Int64("collateral", e.CollateralLocked).Msg("escrow created")
	return e, nil
}

// SubmitProof records an opaque payment-proof reference. Only the settling
// party may submit; the core never inspects the reference.
func (s *Service) SubmitProof(ctx context.Context, id, actor, ref string) (Escrow, error) {
	if ref == "" {
		return Escrow{}, fmt.Errorf("escrow: empty proof reference")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin proof tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Escrow{}, err
	}
	if e.Status != StatusLocked {
		return Escrow{}, ErrBadStatus
	}
	if actor != e.Recipient {
		return Escrow{}, ErrNotEntitled
	}

	if err := s.repo.SetProof(ctx, tx, id, ref); err != nil {
		return Escrow{}, err
	}
	payload := map[string]any{"escrow_id": id, "proof_ref": ref}
	if err := s.timeline.Append(ctx, tx, id, "PROOF_SUBMITTED", actor, payload); err != nil {
		return Escrow{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicEscrowProof, payload); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit proof: %w", err)
	}

	e.ProofRef = &ref
	return e, nil
}

// Release settles the escrow in favor of the recipient. Before the grace
// period only the initiator may release; afterwards either party may, and the
// releasing party takes the late-release slash.
func (s *Service) Release(ctx context.Context, id, actor string) (Escrow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Escrow{}, err
	}
	if e.Status != StatusLocked {
		return Escrow{}, ErrBadStatus
	}

	now := s.now()
	late := now.After(e.CreatedAt.Add(s.cfg.GracePeriod))
	switch {
	case actor == e.Sender:
	case actor == e.Recipient && late:
	case actor == e.Recipient:
		return Escrow{}, ErrNotEntitled
	default:
		return Escrow{}, ErrNotParty
	}

	if err := s.releaseCollateral(ctx, tx, e); err != nil {
		return Escrow{}, err
	}

	var lateSlash int64
	if late && s.cfg.LateReleaseSlashBps > 0 {
		penalty := e.CollateralLocked * s.cfg.LateReleaseSlashBps / 10_000
		if penalty > 0 {
			lateSlash, err = s.stakes.SlashTx(ctx, tx, actor, penalty, stake.ReasonLateRelease)
			if err != nil {
				return Escrow{}, err
			}
		}
	}

	if err := s.ledger.Transfer(ctx, tx, ledger.AccountCustody, e.Recipient, e.Amount, "escrow release "+id); err != nil {
		return Escrow{}, err
	}
	if e.Fee > 0 {
		if err := s.ledger.Transfer(ctx, tx, ledger.AccountCustody, ledger.AccountTreasury, e.Fee, "escrow fee "+id); err != nil {
			return Escrow{}, err
		}
	}

	for _, party := range []string{e.Sender, e.Recipient} {
		if err := s.stakes.MarkTradeCompletedTx(ctx, tx, party); err != nil {
			return Escrow{}, err
		}
	}

	if err := s.finish(ctx, tx, &e, StatusReleased, now, actor, "ESCROW_RELEASED", events.TopicEscrowReleased, map[string]any{
		"late":       late,
		"late_slash": lateSlash,
	}); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit release: %w", err)
	}

	s.log.Info().Str("escrow_id", id).Bool("late", late).Msg("escrow released")
	return e, nil
}

// Refund returns the settlement leg to the sender after expiry and slashes
// the counterparty for the timeout.
func (s *Service) Refund(ctx context.Context, id, actor string) (Escrow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin refund tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Escrow{}, err
	}
	if e.Status != StatusLocked {
		return Escrow{}, ErrBadStatus
	}
	now := s.now()
	if !now.After(e.ExpiresAt) {
		return Escrow{}, ErrNotExpired
	}

	if err := s.releaseCollateral(ctx, tx, e); err != nil {
		return Escrow{}, err
	}

	var timeoutSlash int64
	if s.cfg.TimeoutSlashBps > 0 {
		penalty := e.CollateralLocked * s.cfg.TimeoutSlashBps / 10_000
		if penalty > 0 {
			timeoutSlash, err = s.stakes.SlashTx(ctx, tx, e.CollateralOwner, penalty, stake.ReasonTimeout)
			if err != nil {
				return Escrow{}, err
			}
		}
	}

	if err := s.ledger.Transfer(ctx, tx, ledger.AccountCustody, e.Sender, e.Amount+e.Fee, "escrow refund "+id); err != nil {
		return Escrow{}, err
	}

	if err := s.finish(ctx, tx, &e, StatusRefunded, now, actor, "ESCROW_REFUNDED", events.TopicEscrowRefunded, map[string]any{
		"timeout_slash": timeoutSlash,
	}); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit refund: %w", err)
	}

	s.log.Info().Str("escrow_id", id).Msg("escrow refunded")
	return e, nil
}

// Cancel lets the sender walk away before the counterparty has moved: no
// proof submitted, not yet expired, no slash.
func (s *Service) Cancel(ctx context.Context, id, actor string) (Escrow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Escrow{}, fmt.Errorf("escrow: begin cancel tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Escrow{}, err
	}
	if e.Status != StatusLocked {
		return Escrow{}, ErrBadStatus
	}
	if actor != e.Sender {
		return Escrow{}, ErrNotEntitled
	}
	if e.ProofRef != nil {
		return Escrow{}, ErrProofSubmitted
	}

	if err := s.releaseCollateral(ctx, tx, e); err != nil {
		return Escrow{}, err
	}
	if err := s.ledger.Transfer(ctx, tx, ledger.AccountCustody, e.Sender, e.Amount+e.Fee, "escrow cancel "+id); err != nil {
		return Escrow{}, err
	}

	if err := s.finish(ctx, tx, &e, StatusCancelled, s.now(), actor, "ESCROW_CANCELLED", events.TopicEscrowCancelled, nil); err != nil {
		return Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Escrow{}, fmt.Errorf("escrow: commit cancel: %w", err)
	}
	return e, nil
}

// MarkDisputedTx transitions the escrow to disputed inside the arbitration
// subsystem's transaction.
func (s *Service) MarkDisputedTx(ctx context.Context, tx pgx.Tx, id, actor string) (Escrow, error) {
	e, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Escrow{}, err
	}
	if e.Status != StatusLocked {
		return Escrow{}, ErrBadStatus
	}
	if actor != e.Sender && actor != e.Recipient {
		return Escrow{}, ErrNotParty
	}

	now := s.now()
	if err := s.repo.MarkDisputed(ctx, tx, id, now); err != nil {
		return Escrow{}, err
	}
	payload := map[string]any{"escrow_id": id}
	if err := s.timeline.Append(ctx, tx, id, "ESCROW_DISPUTED", actor, payload); err != nil {
		return Escrow{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicEscrowDisputed, payload); err != nil {
		return Escrow{}, err
	}

	e.Status = StatusDisputed
	e.DisputeOpenedAt = &now
	metrics.RecordEscrowTransition(string(StatusDisputed))
	return e, nil
}

// ResolveTx settles a disputed escrow inside the arbitration subsystem's
// transaction: collateral is released exactly once, funds route to the
// winner, and the loser is optionally slashed.
func (s *Service) ResolveTx(ctx context.Context, tx pgx.Tx, id, winner string, slashLoser bool, slashAmount int64) (Escrow, error) {
	e, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Escrow{}, err
	}
	if e.Status != StatusDisputed {
		return Escrow{}, ErrBadStatus
	}
	if winner != e.Sender && winner != e.Recipient {
		return Escrow{}, ErrNotParty
	}

	if err := s.releaseCollateral(ctx, tx, e); err != nil {
		return Escrow{}, err
	}

	var (
		next  Status
		loser string
	)
	if winner == e.Recipient {
		next = StatusReleased
		loser = e.Sender
		if err := s.ledger.Transfer(ctx, tx, ledger.AccountCustody, e.Recipient, e.Amount, "dispute release "+id); err != nil {
			return Escrow{}, err
		}
		if e.Fee > 0 {
			if err := s.ledger.Transfer(ctx, tx, ledger.AccountCustody, ledger.AccountTreasury, e.Fee, "escrow fee "+id); err != nil {
				return Escrow{}, err
			}
		}
	} else {
		next = StatusRefunded
		loser = e.Recipient
		if err := s.ledger.Transfer(ctx, tx, ledger.AccountCustody, e.Sender, e.Amount+e.Fee, "dispute refund "+id); err != nil {
			return Escrow{}, err
		}
	}

	var slashed int64
	if slashLoser && slashAmount > 0 {
		slashed, err = s.stakes.SlashTx(ctx, tx, loser, slashAmount, stake.ReasonDisputeLoss)
		if err != nil {
			return Escrow{}, err
		}
	}

	eventType := "ESCROW_RELEASED"
	topic := events.TopicEscrowReleased
	if next == StatusRefunded {
		eventType = "ESCROW_REFUNDED"
		topic = events.TopicEscrowRefunded
	}
	if err := s.finish(ctx, tx, &e, next, s.now(), "", eventType, topic, map[string]any{
		"resolved_by_dispute": true,
		"winner":              winner,
		"loser_slash":         slashed,
	}); err != nil {
		return Escrow{}, err
	}

	s.log.Info().Str("escrow_id", id).Str("winner", winner).
		Int64("loser_slash", slashed).Msg("disputed escrow resolved")
	return e, nil
}

// Get returns the escrow snapshot for an id.
func (s *Service) Get(ctx context.Context, id string) (Escrow, error) {
	return s.repo.Get(ctx, id)
}

// releaseCollateral unlocks the liquidity side's collateral. Callers invoke
// it exactly once, on the terminal transition.
func (s *Service) releaseCollateral(ctx context.Context, tx pgx.Tx, e Escrow) error {
	if e.CollateralLocked == 0 {
		return nil
	}
	return s.stakes.UnlockTx(ctx, tx, e.CollateralOwner, e.CollateralLocked)
}

// finish validates the transition, writes the terminal status, and emits the
// timeline and outbox events.
func (s *Service) finish(ctx context.Context, tx pgx.Tx, e *Escrow, next Status, at time.Time, actor, eventType, topic string, extra map[string]any) error {
	if !canTransition(e.Status, next) {
		return fmt.Errorf("escrow: transition %s -> %s: %w", e.Status, next, ErrBadStatus)
	}
	var closedAt *time.Time
	if next.Terminal() {
		closedAt = &at
	}
	if err := s.repo.SetStatus(ctx, tx, e.ID, next, closedAt); err != nil {
		return err
	}

	payload := map[string]any{
		"escrow_id": e.ID,
		"status":    string(next),
	}
	for k, v := range extra {
		payload[k] = v
	}
	if err := s.timeline.Append(ctx, tx, e.ID, eventType, actor, payload); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, topic, payload); err != nil {
		return err
	}

	e.Status = next
	e.ClosedAt = closedAt
	metrics.RecordEscrowTransition(string(next))
	return nil
}
