package escrow

import "time"

// Status is the escrow lifecycle state. Absence of a row is the implicit
// initial state.
type Status string

const (
	StatusLocked    Status = "locked"
	StatusReleased  Status = "released"
	StatusRefunded  Status = "refunded"
	StatusDisputed  Status = "disputed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusLocked:   {StatusReleased, StatusRefunded, StatusDisputed, StatusCancelled},
	StatusDisputed: {StatusReleased, StatusRefunded},
}

func canTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Escrow mirrors the escrows table. CollateralOwner is the liquidity side
// whose stake backs the order; its collateral is released back exactly once
// on the terminal transition.
type Escrow struct {
	ID               string
	Sender           string
	Recipient        string
	Amount           int64
	Fee              int64
	CollateralLocked int64
	CollateralOwner  string
	Status           Status
	ProofRef         *string
	CreatedAt        time.Time
	ExpiresAt        time.Time
	DisputeOpenedAt  *time.Time
	ClosedAt         *time.Time
}
