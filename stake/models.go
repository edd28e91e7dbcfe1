package stake

import "time"

// Account mirrors the stake_accounts table. One row per participant address;
// rows are never deleted, only banned.
type Account struct {
	Address         string
	TotalStake      int64
	LockedStake     int64
	RiskScore       int
	CompletedTrades int
	DisputesLost    int
	Banned          bool
	CooldownUntil   *time.Time
	LastOrderAt     *time.Time
	MemberSince     time.Time
}

// Available is the stake not locked against open escrows.
func (a Account) Available() int64 {
	return a.TotalStake - a.LockedStake
}

// SlashReason is recorded with every forfeiture.
type SlashReason string

const (
	ReasonLateRelease SlashReason = "late_release"
	ReasonTimeout     SlashReason = "counterparty_timeout"
	ReasonDisputeLoss SlashReason = "dispute_loss"
)
