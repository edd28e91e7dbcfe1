package policy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"custodia/stake"
)

var (
	// ErrRateLimited signals the account placed an order too recently.
	ErrRateLimited = errors.New("policy: rate limited")
	// ErrVolumeCapExceeded signals the rolling daily volume cap is exhausted.
	ErrVolumeCapExceeded = errors.New("policy: daily volume cap exceeded")
)

const volumeWindowLength = 24 * time.Hour

// Limiter enforces the per-account rate limit and the process-wide rolling
// volume cap. The volume aggregate is a single timestamped row
// read-modify-written inside the order's transaction; the reset is lazy.
type Limiter struct {
	window    time.Duration
	maxVolume int64
}

func NewLimiter(rateLimitWindow time.Duration, maxDailyVolume int64) *Limiter {
	return &Limiter{window: rateLimitWindow, maxVolume: maxDailyVolume}
}

// CheckRate compares the account's last order timestamp against the window.
func (l *Limiter) CheckRate(acct stake.Account, now time.Time) error {
	if l.window <= 0 || acct.LastOrderAt == nil {
		return nil
	}
	if now.Sub(*acct.LastOrderAt) < l.window {
		return ErrRateLimited
	}
	return nil
}

// ReserveVolumeTx adds amount to the rolling window inside the caller's
// transaction, resetting the window first when a day has elapsed. Rejecting
// rolls the whole transaction back, so no partial reservation survives.
func (l *Limiter) ReserveVolumeTx(ctx context.Context, tx pgx.Tx, amount int64, now time.Time) error {
	var (
		windowStart time.Time
		volume      int64
	)
	if err := tx.QueryRow(ctx, `
        SELECT window_start, volume FROM volume_window WHERE id = 1 FOR UPDATE
    `).Scan(&windowStart, &volume); err != nil {
		return fmt.Errorf("policy: read volume window: %w", err)
	}

	if now.Sub(windowStart) > volumeWindowLength {
		windowStart = now
		volume = 0
	}

	if volume+amount > l.maxVolume {
		return ErrVolumeCapExceeded
	}

	if _, err := tx.Exec(ctx, `
        UPDATE volume_window SET window_start = $1, volume = $2 WHERE id = 1
    `, windowStart, volume+amount); err != nil {
		return fmt.Errorf("policy: update volume window: %w", err)
	}
	return nil
}
