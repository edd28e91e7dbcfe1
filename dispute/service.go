package dispute

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"custodia/config"
	"custodia/escrow"
	"custodia/events"
	"custodia/ledger"
	"custodia/metrics"
)

var (
	// ErrBadStatus signals the dispute is not in a state admitting the call.
	ErrBadStatus = errors.New("dispute: invalid status for transition")
	// ErrBadTier signals the operation does not apply to the dispute's tier.
	ErrBadTier = errors.New("dispute: operation not valid for tier")
	// ErrNotParty signals the caller is neither buyer nor seller.
	ErrNotParty = errors.New("dispute: caller is not a party")
	// ErrNotPanelist signals the voter was not selected for the panel.
	ErrNotPanelist = errors.New("dispute: arbitrator not on panel")
	// ErrVotingClosed signals a ballot after the voting deadline.
	ErrVotingClosed = errors.New("dispute: voting window closed")
	// ErrDeadlineNotReached signals a forceResolve before any deadline passed.
	ErrDeadlineNotReached = errors.New("dispute: deadline not reached")
	// ErrBelowMinStake signals an arbitrator bond under the minimum.
	ErrBelowMinStake = errors.New("dispute: bond below minimum stake")
	// ErrPanelsOpen signals deactivation while seated on unresolved panels.
	ErrPanelsOpen = errors.New("dispute: arbitrator has open panels")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// EscrowEngine is the slice of the escrow engine the arbitration subsystem
// calls back into, always inside its own transaction.
type EscrowEngine interface {
	MarkDisputedTx(ctx context.Context, tx pgx.Tx, id, actor string) (escrow.Escrow, error)
	ResolveTx(ctx context.Context, tx pgx.Tx, id, winner string, slashLoser bool, slashAmount int64) (escrow.Escrow, error)
}

// Service runs the dispute lifecycle: open, evidence, panel voting, and the
// escalation path. Resolution races to quorum: the decision locks in the
// moment the vote count reaches the threshold, on the majority standing at
// that instant.
type Service struct {
	pool     TxBeginner
	repo     *Repository
	escrows  EscrowEngine
	ledger   ledger.Adapter
	timeline events.TimelineWriter
	outbox   events.OutboxWriter
	rand     RandomnessSource
	cfg      config.DisputeConfig
	log      zerolog.Logger
	now      func() time.Time
	idGen    func() string
}

func NewService(pool TxBeginner, repo *Repository, escrows EscrowEngine, lgr ledger.Adapter, timeline events.TimelineWriter, outbox events.OutboxWriter, rand RandomnessSource, cfg config.DisputeConfig, log zerolog.Logger) *Service {
	return &Service{
		pool:     pool,
		repo:     repo,
		escrows:  escrows,
		ledger:   lgr,
		timeline: timeline,
		outbox:   outbox,
		rand:     rand,
		cfg:      cfg,
		log:      log.With().Str("component", "dispute").Logger(),
		now:      time.Now,
		idGen:    uuid.NewString,
	}
}

// WithClock overrides the time source; used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDGenerator overrides dispute id generation; used by tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// OpenParams describes a new dispute raised from a locked escrow.
type OpenParams struct {
	EscrowID string
	Actor    string
	Reason   string
	Tier     Tier
}

// Open transitions the escrow to disputed and creates the dispute in the same
// transaction. Community disputes get a panel sampled immediately; if the
// eligible pool cannot seat a full panel the dispute escalates instead of
// waiting on votes that cannot come.
func (s *Service) Open(ctx context.Context, params OpenParams) (Record, error) {
	switch params.Tier {
	case TierAuto, TierCommunity, TierAdmin:
	default:
		return Record{}, fmt.Errorf("dispute: unknown tier %q", params.Tier)
	}
	if params.Reason == "" {
		return Record{}, fmt.Errorf("dispute: reason required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin open tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.escrows.MarkDisputedTx(ctx, tx, params.EscrowID, params.Actor)
	if err != nil {
		return Record{}, err
	}

	now := s.now()
	d := Record{
		ID:       s.idGen(),
		EscrowID: e.ID,
		Buyer:    e.Recipient,
		Seller:   e.Sender,
		Amount:   e.Amount,
		Reason:   params.Reason,
		Tier:     params.Tier,
		Status:   StatusOpen,
		OpenedAt: now,
	}
	if err := s.repo.Insert(ctx, tx, d); err != nil {
		return Record{}, err
	}

	var panel []string
	if params.Tier == TierCommunity {
		candidates, err := s.repo.ListCandidates(ctx, tx, s.cfg.MinArbitratorStake)
		if err != nil {
			return Record{}, err
		}
		pool := candidates[:0]
		for _, c := range candidates {
			if eligible(c, d.Buyer, d.Seller, s.cfg.MinArbitratorStake, s.cfg.AccuracyFloorBps) {
				pool = append(pool, c)
			}
		}
		if len(pool) < s.cfg.PanelSize {
			if err := s.escalate(ctx, tx, &d, "panel_unavailable"); err != nil {
				return Record{}, err
			}
		} else {
			panel = samplePanel(pool, s.cfg.PanelSize, s.rand)
			if err := s.repo.InsertPanel(ctx, tx, d.ID, panel); err != nil {
				return Record{}, err
			}
		}
	}

	payload := map[string]any{
		"dispute_id": d.ID,
		"escrow_id":  d.EscrowID,
		"tier":       string(d.Tier),
		"amount":     d.Amount,
		"panel":      panel,
	}
	if err := s.timeline.Append(ctx, tx, d.ID, "DISPUTE_OPENED", params.Actor, payload); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicDisputeOpened, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit open: %w", err)
	}

	s.log.Info().Str("dispute_id", d.ID).Str("escrow_id", d.EscrowID).
		Str("tier", string(d.Tier)).Int("panel_size", len(panel)).Msg("dispute opened")
	return d, nil
}

// SubmitEvidence records one opaque reference per party while the dispute is
// open or in voting.
func (s *Service) SubmitEvidence(ctx context.Context, disputeID, actor, ref string) error {
	if ref == "" {
		return fmt.Errorf("dispute: empty evidence reference")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin evidence tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return err
	}
	if d.Status != StatusOpen && d.Status != StatusVoting {
		return ErrBadStatus
	}
	if actor != d.Buyer && actor != d.Seller {
		return ErrNotParty
	}

	if err := s.repo.InsertEvidence(ctx, tx, Evidence{DisputeID: disputeID, Party: actor, Ref: ref}); err != nil {
		return err
	}
	payload := map[string]any{"dispute_id": disputeID, "party": actor}
	if err := s.timeline.Append(ctx, tx, disputeID, "EVIDENCE_SUBMITTED", actor, payload); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicDisputeEvidence, payload); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit evidence: %w", err)
	}
	return nil
}

// StartVoting opens the ballot window for a community dispute.
func (s *Service) StartVoting(ctx context.Context, disputeID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin voting tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if d.Tier != TierCommunity {
		return Record{}, ErrBadTier
	}
	if d.Status != StatusOpen {
		return Record{}, ErrBadStatus
	}

	deadline := s.now().Add(s.cfg.VotingPeriod)
	if err := s.repo.SetVoting(ctx, tx, disputeID, deadline); err != nil {
		return Record{}, err
	}
	payload := map[string]any{"dispute_id": disputeID, "voting_deadline": deadline.UTC()}
	if err := s.timeline.Append(ctx, tx, disputeID, "VOTING_STARTED", "", payload); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicDisputeVoting, payload); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit voting: %w", err)
	}

	d.Status = StatusVoting
	d.VotingDeadline = &deadline
	return d, nil
}

// CastVote records a panel member's ballot and resolves immediately once the
// quorum threshold is reached.
func (s *Service) CastVote(ctx context.Context, disputeID, arbitrator string, favorBuyer bool, notes string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin vote tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	if d.Status != StatusVoting {
		return Record{}, ErrBadStatus
	}
	now := s.now()
	if d.VotingDeadline != nil && now.After(*d.VotingDeadline) {
		return Record{}, ErrVotingClosed
	}

	panel, err := s.repo.PanelMembers(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	seated := false
	for _, m := range panel {
		if m == arbitrator {
			seated = true
			break
		}
	}
	if !seated {
		return Record{}, ErrNotPanelist
	}

	if err := s.repo.InsertVote(ctx, tx, Vote{DisputeID: disputeID, Arbitrator: arbitrator, FavorBuyer: favorBuyer, Notes: notes}); err != nil {
		return Record{}, err
	}
	if err := s.repo.RecordVoteCast(ctx, tx, arbitrator); err != nil {
		return Record{}, err
	}

	payload := map[string]any{"dispute_id": disputeID, "arbitrator": arbitrator}
	if err := s.timeline.Append(ctx, tx, disputeID, "VOTE_CAST", arbitrator, payload); err != nil {
		return Record{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicDisputeVoteCast, payload); err != nil {
		return Record{}, err
	}

	votes, err := s.repo.Votes(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	switch decide(votes, s.cfg.Quorum) {
	case OutcomeFavorBuyer:
		if err := s.resolveByVotes(ctx, tx, &d, votes, true); err != nil {
			return Record{}, err
		}
	case OutcomeFavorSeller:
		if err := s.resolveByVotes(ctx, tx, &d, votes, false); err != nil {
			return Record{}, err
		}
	case OutcomeTie, OutcomePending:
		// keep collecting ballots
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit vote: %w", err)
	}
	if d.Status == StatusResolved {
		metrics.RecordDisputeResolved("votes")
	}
	return d, nil
}

// ForceResolve settles or escalates a dispute whose deadline has passed: a
// voting dispute resolves on whatever ballots exist, a dispute with no votes
// (or a tied count) escalates, and an open dispute past the dispute timeout
// escalates rather than sitting deadlocked.
func (s *Service) ForceResolve(ctx context.Context, disputeID string) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin force tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}

	now := s.now()
	switch d.Status {
	case StatusVoting:
		if d.VotingDeadline == nil || !now.After(*d.VotingDeadline) {
			return Record{}, ErrDeadlineNotReached
		}
		votes, err := s.repo.Votes(ctx, tx, disputeID)
		if err != nil {
			return Record{}, err
		}
		if len(votes) == 0 {
			if err := s.escalate(ctx, tx, &d, "no_votes"); err != nil {
				return Record{}, err
			}
			break
		}
		switch decideOnVotesCast(votes) {
		case OutcomeFavorBuyer:
			if err := s.resolveByVotes(ctx, tx, &d, votes, true); err != nil {
				return Record{}, err
			}
		case OutcomeFavorSeller:
			if err := s.resolveByVotes(ctx, tx, &d, votes, false); err != nil {
				return Record{}, err
			}
		default:
			if err := s.escalate(ctx, tx, &d, "tied_votes"); err != nil {
				return Record{}, err
			}
		}
	case StatusOpen:
		if !now.After(d.OpenedAt.Add(s.cfg.DisputeTimeout)) {
			return Record{}, ErrDeadlineNotReached
		}
		if err := s.escalate(ctx, tx, &d, "dispute_timeout"); err != nil {
			return Record{}, err
		}
	default:
		return Record{}, ErrBadStatus
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit force: %w", err)
	}
	if d.Status == StatusResolved {
		metrics.RecordDisputeResolved("force")
	}
	return d, nil
}

// AdminResolve decides an escalated or admin/auto-tier dispute directly.
func (s *Service) AdminResolve(ctx context.Context, disputeID, actor string, favorBuyer bool) (Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: begin admin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	d, err := s.repo.GetForUpdate(ctx, tx, disputeID)
	if err != nil {
		return Record{}, err
	}
	adminTier := d.Tier == TierAdmin || d.Tier == TierAuto
	if d.Status != StatusEscalated && !(d.Status == StatusOpen && adminTier) {
		return Record{}, ErrBadStatus
	}

	if err := s.settle(ctx, tx, &d, favorBuyer, actor); err != nil {
		return Record{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("dispute: commit admin: %w", err)
	}
	metrics.RecordDisputeResolved("admin")

	s.log.Info().Str("dispute_id", d.ID).Bool("favor_buyer", favorBuyer).Msg("dispute resolved by admin")
	return d, nil
}

// RegisterArbitrator bonds a new arbitrator into the registry.
func (s *Service) RegisterArbitrator(ctx context.Context, address string, bond int64) (Arbitrator, error) {
	if bond < s.cfg.MinArbitratorStake {
		return Arbitrator{}, ErrBelowMinStake
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Arbitrator{}, fmt.Errorf("dispute: begin register tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.ledger.Transfer(ctx, tx, address, ledger.AccountStakeVault, bond, "arbitrator bond"); err != nil {
		return Arbitrator{}, err
	}
	if err := s.repo.InsertArbitrator(ctx, tx, address, bond); err != nil {
		return Arbitrator{}, err
	}
	if err := s.timeline.Append(ctx, tx, address, "ARBITRATOR_REGISTERED", address, map[string]any{
		"address": address, "bond": bond,
	}); err != nil {
		return Arbitrator{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Arbitrator{}, fmt.Errorf("dispute: commit register: %w", err)
	}
	return Arbitrator{Address: address, Stake: bond, Active: true}, nil
}

// DeactivateArbitrator retires an arbitrator and refunds the bond, provided
// no unresolved panel still seats them. History is kept.
func (s *Service) DeactivateArbitrator(ctx context.Context, address string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("dispute: begin deactivate tx: %w", err)
	}
	defer tx.Rollback(ctx)

	a, err := s.repo.GetArbitratorForUpdate(ctx, tx, address)
	if err != nil {
		return err
	}
	if !a.Active {
		return ErrBadStatus
	}
	open, err := s.repo.HasOpenPanels(ctx, tx, address)
	if err != nil {
		return err
	}
	if open {
		return ErrPanelsOpen
	}

	if a.Stake > 0 {
		if err := s.ledger.Transfer(ctx, tx, ledger.AccountStakeVault, address, a.Stake, "arbitrator bond refund"); err != nil {
			return err
		}
	}
	if err := s.repo.ReleaseArbitratorBond(ctx, tx, address); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("dispute: commit deactivate: %w", err)
	}
	return nil
}

// GetDispute returns the full read view.
func (s *Service) GetDispute(ctx context.Context, disputeID string) (Detail, error) {
	return s.repo.GetDetail(ctx, disputeID)
}

// GetArbitrator returns an arbitrator profile.
func (s *Service) GetArbitrator(ctx context.Context, address string) (Arbitrator, error) {
	return s.repo.GetArbitrator(ctx, address)
}

// resolveByVotes settles a dispute decided by panel ballots: majority voters
// earn the fixed per-arbitrator reward, the escrow resolves for the winning
// side, and the loser takes the configured slash. Rewards are best-effort: an
// underfunded treasury skips the payout instead of failing the settlement,
// since a dispute stuck in voting has no other way out.
func (s *Service) resolveByVotes(ctx context.Context, tx pgx.Tx, d *Record, votes []Vote, favorBuyer bool) error {
	if err := s.settle(ctx, tx, d, favorBuyer, ""); err != nil {
		return err
	}

	reward := d.Amount * s.cfg.RewardBps / 10_000 / int64(s.cfg.PanelSize)
	for _, v := range votes {
		correct := v.FavorBuyer == favorBuyer
		paid := int64(0)
		if correct && reward > 0 {
			err := s.ledger.Transfer(ctx, tx, ledger.AccountTreasury, v.Arbitrator, reward, "arbitration reward "+d.ID)
			switch {
			case errors.Is(err, ledger.ErrInsufficientFunds):
				s.log.Warn().Str("dispute_id", d.ID).Str("arbitrator", v.Arbitrator).
					Int64("reward", reward).Msg("treasury cannot cover arbitration reward, payout skipped")
			case err != nil:
				return err
			default:
				paid = reward
			}
		}
		if err := s.repo.CreditVoter(ctx, tx, v.Arbitrator, correct, paid); err != nil {
			return err
		}
	}
	return nil
}

// settle finalizes the dispute record and calls back into the escrow engine.
// A dispute is settled at most once; the status guard upstream and the row
// lock make a second settlement impossible.
func (s *Service) settle(ctx context.Context, tx pgx.Tx, d *Record, favorBuyer bool, actor string) error {
	winner := d.Seller
	if favorBuyer {
		winner = d.Buyer
	}
	slashAmount := d.Amount * s.cfg.LoserSlashBps / 10_000

	if _, err := s.escrows.ResolveTx(ctx, tx, d.EscrowID, winner, slashAmount > 0, slashAmount); err != nil {
		return err
	}

	now := s.now()
	if err := s.repo.SetResolved(ctx, tx, d.ID, favorBuyer, now); err != nil {
		return err
	}

	payload := map[string]any{
		"dispute_id":  d.ID,
		"escrow_id":   d.EscrowID,
		"favor_buyer": favorBuyer,
		"winner":      winner,
	}
	if err := s.timeline.Append(ctx, tx, d.ID, "DISPUTE_RESOLVED", actor, payload); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicDisputeResolved, payload); err != nil {
		return err
	}

	d.Status = StatusResolved
	d.FavorBuyer = &favorBuyer
	d.ResolvedAt = &now
	return nil
}

func (s *Service) escalate(ctx context.Context, tx pgx.Tx, d *Record, cause string) error {
	if err := s.repo.SetEscalated(ctx, tx, d.ID); err != nil {
		return err
	}
	payload := map[string]any{"dispute_id": d.ID, "cause": cause}
	if err := s.timeline.Append(ctx, tx, d.ID, "DISPUTE_ESCALATED", "", payload); err != nil {
		return err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicDisputeEscalated, payload); err != nil {
		return err
	}
	d.Status = StatusEscalated
	s.log.Warn().Str("dispute_id", d.ID).Str("cause", cause).Msg("dispute escalated")
	return nil
}
