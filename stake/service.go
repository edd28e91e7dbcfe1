package stake

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"custodia/events"
	"custodia/ledger"
	"custodia/metrics"
)

var (
	// ErrInvalidAmount signals a non-positive deposit, withdrawal, or lock.
	ErrInvalidAmount = errors.New("stake: amount must be positive")
	// ErrBanned signals the account is banned from staking activity.
	ErrBanned = errors.New("stake: account is banned")
	// ErrInsufficientAvailableStake signals the operation exceeds total - locked.
	ErrInsufficientAvailableStake = errors.New("stake: insufficient available stake")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Service is the stake registry plus the slashing module. Deposit and
// Withdraw own their transactions; the Tx-suffixed methods compose into the
// escrow and dispute engines' transactions so collateral movements commit or
// roll back atomically with the transition that caused them.
type Service struct {
	pool     TxBeginner
	repo     Repository
	ledger   ledger.Adapter
	timeline events.TimelineWriter
	outbox   events.OutboxWriter
	log      zerolog.Logger

	banStrikeThreshold int
}

func NewService(pool TxBeginner, repo Repository, lgr ledger.Adapter, timeline events.TimelineWriter, outbox events.OutboxWriter, banStrikeThreshold int, log zerolog.Logger) *Service {
	return &Service{
		pool:               pool,
		repo:               repo,
		ledger:             lgr,
		timeline:           timeline,
		outbox:             outbox,
		log:                log.With().Str("component", "stake").Logger(),
		banStrikeThreshold: banStrikeThreshold,
	}
}

// Deposit moves funds from the participant's ledger account into the stake
// vault and credits total stake.
func (s *Service) Deposit(ctx context.Context, address string, amount int64) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("stake: begin deposit tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := s.repo.EnsureForUpdate(ctx, tx, address)
	if err != nil {
		return Account{}, err
	}
	if acct.Banned {
		return Account{}, ErrBanned
	}

	if err := s.ledger.Transfer(ctx, tx, address, ledger.AccountStakeVault, amount, "stake deposit"); err != nil {
		return Account{}, err
	}
	if err := s.repo.AdjustStake(ctx, tx, address, amount, 0); err != nil {
		return Account{}, err
	}

	payload := map[string]any{"address": address, "amount": amount}
	if err := s.timeline.Append(ctx, tx, address, "STAKE_DEPOSITED", address, payload); err != nil {
		return Account{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicStakeDeposited, payload); err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("stake: commit deposit: %w", err)
	}

	acct.TotalStake += amount
	return acct, nil
}

// Withdraw returns available stake to the participant's ledger account.
func (s *Service) Withdraw(ctx context.Context, address string, amount int64) (Account, error) {
	if amount <= 0 {
		return Account{}, ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("stake: begin withdraw tx: %w", err)
	}
	defer tx.Rollback(ctx)

	acct, err := s.repo.GetForUpdate(ctx, tx, address)
	if err != nil {
		return Account{}, err
	}
	if amount > acct.Available() {
		return Account{}, ErrInsufficientAvailableStake
	}

	if err := s.ledger.Transfer(ctx, tx, ledger.AccountStakeVault, address, amount, "stake withdrawal"); err != nil {
		return Account{}, err
	}
	if err := s.repo.AdjustStake(ctx, tx, address, -amount, 0); err != nil {
		return Account{}, err
	}

	payload := map[string]any{"address": address, "amount": amount}
	if err := s.timeline.Append(ctx, tx, address, "STAKE_WITHDRAWN", address, payload); err != nil {
		return Account{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicStakeWithdrawn, payload); err != nil {
		return Account{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Account{}, fmt.Errorf("stake: commit withdraw: %w", err)
	}

	acct.TotalStake -= amount
	return acct, nil
}

// LockTx reserves available stake against an escrow inside the caller's
// transaction. The account row must already be locked by the caller or here.
func (s *Service) LockTx(ctx context.Context, tx pgx.Tx, address string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	acct, err := s.repo.GetForUpdate(ctx, tx, address)
	if err != nil {
		return err
	}
	if acct.Banned {
		return ErrBanned
	}
	if amount > acct.Available() {
		return ErrInsufficientAvailableStake
	}
	if err := s.repo.AdjustStake(ctx, tx, address, 0, amount); err != nil {
		return err
	}
	metrics.AddLockedStake(amount)
	return nil
}

// UnlockTx releases previously locked stake. A slash can eat into collateral
// that is still locked against an open escrow, leaving less locked than the
// escrow reserved; the unlock clamps to what remains so the settlement still
// commits, and the shortfall is logged.
func (s *Service) UnlockTx(ctx context.Context, tx pgx.Tx, address string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	acct, err := s.repo.GetForUpdate(ctx, tx, address)
	if err != nil {
		return err
	}
	release := amount
	if release > acct.LockedStake {
		s.log.Warn().Str("address", address).Int64("amount", amount).
			Int64("locked", acct.LockedStake).Msg("unlock clamped to remaining locked stake")
		release = acct.LockedStake
	}
	if release == 0 {
		return nil
	}
	if err := s.repo.AdjustStake(ctx, tx, address, 0, -release); err != nil {
		return err
	}
	metrics.AddLockedStake(-release)
	return nil
}

// SlashTx forfeits min(amount, totalStake) to the treasury, bumps the strike
// counter, and bans the account on full forfeiture or when strikes reach the
// configured threshold. Returns the amount actually slashed.
func (s *Service) SlashTx(ctx context.Context, tx pgx.Tx, address string, amount int64, reason SlashReason) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	acct, err := s.repo.GetForUpdate(ctx, tx, address)
	if err != nil {
		return 0, err
	}

	slashed := amount
	if slashed > acct.TotalStake {
		slashed = acct.TotalStake
	}

	fullForfeiture := acct.TotalStake > 0 && slashed == acct.TotalStake
	ban := fullForfeiture || acct.DisputesLost+1 >= s.banStrikeThreshold

	if slashed > 0 {
		lockedDelta := int64(0)
		if acct.TotalStake-slashed < acct.LockedStake {
			// The forfeiture eats into collateral still locked against other
			// escrows. Keep locked <= total; the shortfall shows up when that
			// escrow settles and is logged there.
			lockedDelta = (acct.TotalStake - slashed) - acct.LockedStake
			s.log.Error().Str("address", address).Int64("shortfall", -lockedDelta).
				Msg("slash reduced locked collateral")
		}
		if err := s.repo.AdjustStake(ctx, tx, address, -slashed, lockedDelta); err != nil {
			return 0, err
		}
		if err := s.ledger.Transfer(ctx, tx, ledger.AccountStakeVault, ledger.AccountTreasury, slashed, "slash: "+string(reason)); err != nil {
			return 0, err
		}
		metrics.RecordSlash(string(reason), slashed)
		metrics.AddLockedStake(lockedDelta)
	}
	if err := s.repo.RecordSlash(ctx, tx, address, ban); err != nil {
		return 0, err
	}

	payload := map[string]any{
		"address": address,
		"amount":  slashed,
		"reason":  string(reason),
		"banned":  ban,
	}
	if err := s.timeline.Append(ctx, tx, address, "STAKE_SLASHED", "", payload); err != nil {
		return 0, err
	}
	if err := s.outbox.Enqueue(ctx, tx, events.TopicStakeSlashed, payload); err != nil {
		return 0, err
	}
	if ban && !acct.Banned {
		if err := s.outbox.Enqueue(ctx, tx, events.TopicAccountBanned, map[string]any{"address": address}); err != nil {
			return 0, err
		}
	}

	s.log.Info().Str("address", address).Int64("slashed", slashed).
		Str("reason", string(reason)).Bool("banned", ban).Msg("stake slashed")
	return slashed, nil
}

// EnsureForUpdateTx loads the account inside the caller's transaction with a
// row lock, creating it on first use.
func (s *Service) EnsureForUpdateTx(ctx context.Context, tx pgx.Tx, address string) (Account, error) {
	return s.repo.EnsureForUpdate(ctx, tx, address)
}

// MarkOrderTx stamps the rate-limit timestamp inside the caller's transaction.
func (s *Service) MarkOrderTx(ctx context.Context, tx pgx.Tx, address string) error {
	return s.repo.MarkOrder(ctx, tx, address)
}

// MarkTradeCompletedTx bumps the completed-trade counter inside the caller's
// transaction.
func (s *Service) MarkTradeCompletedTx(ctx context.Context, tx pgx.Tx, address string) error {
	return s.repo.MarkTradeCompleted(ctx, tx, address)
}

// GetProfile returns the stake account for an address.
func (s *Service) GetProfile(ctx context.Context, address string) (Account, error) {
	return s.repo.Get(ctx, address)
}

// GetBalance reads the address's settlement-ledger balance.
func (s *Service) GetBalance(ctx context.Context, address string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("stake: begin balance tx: %w", err)
	}
	defer tx.Rollback(ctx)
	return s.ledger.Balance(ctx, tx, address)
}

// GetAvailable returns total - locked for an address; unknown accounts have
// zero available stake.
func (s *Service) GetAvailable(ctx context.Context, address string) (int64, error) {
	acct, err := s.GetProfile(ctx, address)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return acct.Available(), nil
}
