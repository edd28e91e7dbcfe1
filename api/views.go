package api

import (
	"time"

	"custodia/dispute"
	"custodia/escrow"
	"custodia/stake"
)

// Presentation types. Domain structs carry no JSON annotations so the wire
// shape is pinned down here, in one place.

type escrowView struct {
	ID               string     `json:"id"`
	Sender           string     `json:"sender"`
	Recipient        string     `json:"recipient"`
	Amount           int64      `json:"amount"`
	Fee              int64      `json:"fee"`
	CollateralLocked int64      `json:"collateral_locked"`
	CollateralOwner  string     `json:"collateral_owner"`
	Status           string     `json:"status"`
	ProofRef         *string    `json:"proof_ref,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	ExpiresAt        time.Time  `json:"expires_at"`
	DisputeOpenedAt  *time.Time `json:"dispute_opened_at,omitempty"`
	ClosedAt         *time.Time `json:"closed_at,omitempty"`
}

func toEscrowView(e escrow.Escrow) escrowView {
	return escrowView{
		ID:               e.ID,
		Sender:           e.Sender,
		Recipient:        e.Recipient,
		Amount:           e.Amount,
		Fee:              e.Fee,
		CollateralLocked: e.CollateralLocked,
		CollateralOwner:  e.CollateralOwner,
		Status:           string(e.Status),
		ProofRef:         e.ProofRef,
		CreatedAt:        e.CreatedAt,
		ExpiresAt:        e.ExpiresAt,
		DisputeOpenedAt:  e.DisputeOpenedAt,
		ClosedAt:         e.ClosedAt,
	}
}

type accountView struct {
	Address         string     `json:"address"`
	TotalStake      int64      `json:"total_stake"`
	LockedStake     int64      `json:"locked_stake"`
	AvailableStake  int64      `json:"available_stake"`
	RiskScore       int        `json:"risk_score"`
	CompletedTrades int        `json:"completed_trades"`
	DisputesLost    int        `json:"disputes_lost"`
	Banned          bool       `json:"banned"`
	CooldownUntil   *time.Time `json:"cooldown_until,omitempty"`
	MemberSince     time.Time  `json:"member_since"`
}

func toAccountView(a stake.Account) accountView {
	return accountView{
		Address:         a.Address,
		TotalStake:      a.TotalStake,
		LockedStake:     a.LockedStake,
		AvailableStake:  a.Available(),
		RiskScore:       a.RiskScore,
		CompletedTrades: a.CompletedTrades,
		DisputesLost:    a.DisputesLost,
		Banned:          a.Banned,
		CooldownUntil:   a.CooldownUntil,
		MemberSince:     a.MemberSince,
	}
}

type disputeView struct {
	ID             string     `json:"id"`
	EscrowID       string     `json:"escrow_id"`
	Buyer          string     `json:"buyer"`
	Seller         string     `json:"seller"`
	Amount         int64      `json:"amount"`
	Reason         string     `json:"reason"`
	Tier           string     `json:"tier"`
	Status         string     `json:"status"`
	VotingDeadline *time.Time `json:"voting_deadline,omitempty"`
	FavorBuyer     *bool      `json:"favor_buyer,omitempty"`
	OpenedAt       time.Time  `json:"opened_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

func toDisputeView(d dispute.Record) disputeView {
	return disputeView{
		ID:             d.ID,
		EscrowID:       d.EscrowID,
		Buyer:          d.Buyer,
		Seller:         d.Seller,
		Amount:         d.Amount,
		Reason:         d.Reason,
		Tier:           string(d.Tier),
		Status:         string(d.Status),
		VotingDeadline: d.VotingDeadline,
		FavorBuyer:     d.FavorBuyer,
		OpenedAt:       d.OpenedAt,
		ResolvedAt:     d.ResolvedAt,
	}
}

type voteView struct {
	Arbitrator string    `json:"arbitrator"`
	FavorBuyer bool      `json:"favor_buyer"`
	Notes      string    `json:"notes,omitempty"`
	CastAt     time.Time `json:"cast_at"`
}

type evidenceView struct {
	Party       string    `json:"party"`
	Ref         string    `json:"ref"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type disputeDetailView struct {
	disputeView
	Panel     []string       `json:"panel"`
	Votes     []voteView     `json:"votes"`
	Evidence  []evidenceView `json:"evidence"`
	ForBuyer  int            `json:"votes_for_buyer"`
	ForSeller int            `json:"votes_for_seller"`
}

func toDisputeDetailView(d dispute.Detail) disputeDetailView {
	v := disputeDetailView{
		disputeView: toDisputeView(d.Record),
		Panel:       d.Panel,
		Votes:       make([]voteView, 0, len(d.Votes)),
		Evidence:    make([]evidenceView, 0, len(d.Evidence)),
		ForBuyer:    d.ForBuyer,
		ForSeller:   d.ForSeller,
	}
	for _, vote := range d.Votes {
		v.Votes = append(v.Votes, voteView{
			Arbitrator: vote.Arbitrator,
			FavorBuyer: vote.FavorBuyer,
			Notes:      vote.Notes,
			CastAt:     vote.CastAt,
		})
	}
	for _, e := range d.Evidence {
		v.Evidence = append(v.Evidence, evidenceView{
			Party:       e.Party,
			Ref:         e.Ref,
			SubmittedAt: e.SubmittedAt,
		})
	}
	return v
}

type arbitratorView struct {
	Address          string    `json:"address"`
	Stake            int64     `json:"stake"`
	Active           bool      `json:"active"`
	DisputesResolved int       `json:"disputes_resolved"`
	CorrectVotes     int       `json:"correct_votes"`
	TotalVotes       int       `json:"total_votes"`
	AccuracyBps      *int64    `json:"accuracy_bps,omitempty"`
	TotalEarned      int64     `json:"total_earned"`
	RegisteredAt     time.Time `json:"registered_at"`
}

func toArbitratorView(a dispute.Arbitrator) arbitratorView {
	v := arbitratorView{
		Address:          a.Address,
		Stake:            a.Stake,
		Active:           a.Active,
		DisputesResolved: a.DisputesResolved,
		CorrectVotes:     a.CorrectVotes,
		TotalVotes:       a.TotalVotes,
		TotalEarned:      a.TotalEarned,
		RegisteredAt:     a.RegisteredAt,
	}
	if bps, ok := a.AccuracyBps(); ok {
		v.AccuracyBps = &bps
	}
	return v
}

type participantView struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	Address string `json:"address"`
	Role    string `json:"role"`
}
