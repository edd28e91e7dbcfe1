package dispute

import "time"

// Tier selects how a dispute gets decided.
type Tier string

const (
	// TierAuto is decided directly by the arbitrator-of-last-resort.
	TierAuto Tier = "auto"
	// TierCommunity is decided by a sampled arbitrator panel.
	TierCommunity Tier = "community"
	// TierAdmin is decided administratively.
	TierAdmin Tier = "admin"
)

// Status is the dispute lifecycle state.
type Status string

const (
	StatusOpen      Status = "open"
	StatusVoting    Status = "voting"
	StatusResolved  Status = "resolved"
	StatusEscalated Status = "escalated"
)

// Record mirrors the disputes table. Buyer is the fiat-paying side receiving
// the settlement asset; Seller is the escrow initiator.
type Record struct {
	ID             string
	EscrowID       string
	Buyer          string
	Seller         string
	Amount         int64
	Reason         string
	Tier           Tier
	Status         Status
	VotingDeadline *time.Time
	FavorBuyer     *bool
	OpenedAt       time.Time
	ResolvedAt     *time.Time
}

// Vote is one panel member's ballot.
type Vote struct {
	DisputeID  string
	Arbitrator string
	FavorBuyer bool
	Notes      string
	CastAt     time.Time
}

// Evidence is one party's opaque proof reference; one per side.
type Evidence struct {
	DisputeID   string
	Party       string
	Ref         string
	SubmittedAt time.Time
}

// Arbitrator mirrors the arbitrators table: a separately collateralized role.
type Arbitrator struct {
	Address          string
	Stake            int64
	Active           bool
	DisputesResolved int
	CorrectVotes     int
	TotalVotes       int
	TotalEarned      int64
	RegisteredAt     time.Time
}

// AccuracyBps is correctVotes/totalVotes in basis points; an arbitrator with
// no prior votes has no accuracy yet.
func (a Arbitrator) AccuracyBps() (int64, bool) {
	if a.TotalVotes == 0 {
		return 0, false
	}
	return int64(a.CorrectVotes) * 10_000 / int64(a.TotalVotes), true
}

// Detail is the read view: record plus panel, ballots, evidence, and tally.
type Detail struct {
	Record    Record
	Panel     []string
	Votes     []Vote
	Evidence  []Evidence
	ForBuyer  int
	ForSeller int
}
