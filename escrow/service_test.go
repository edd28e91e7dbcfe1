package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"custodia/config"
	"custodia/ledger"
	"custodia/stake"
)

var testEscrowConfig = config.EscrowConfig{
	FeeRateBps:          100,
	SmallOrderThreshold: 1_000,
	SmallOrderSurcharge: 5,
	GracePeriod:         30 * time.Minute,
	LateReleaseSlashBps: 500,
	TimeoutSlashBps:     1_000,
}

type harness struct {
	svc    *Service
	pool   *fakePool
	repo   *fakeRepo
	stakes *fakeStakes
	books  *fakeLedger
	sink   *fakeEvents
	now    time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		pool:   &fakePool{},
		repo:   &fakeRepo{escrows: map[string]Escrow{}},
		stakes: &fakeStakes{accounts: map[string]*stake.Account{}},
		books:  &fakeLedger{},
		sink:   &fakeEvents{},
		now:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.svc = NewService(h.pool, h.repo, h.stakes, fullCollateral{}, passLimiter{}, h.books, h.sink, h.sink, testEscrowConfig, zerolog.Nop())
	h.svc.WithClock(func() time.Time { return h.now })
	return h
}

func (h *harness) createEscrow(t *testing.T, amount int64) Escrow {
	t.Helper()
	h.stakes.accounts["lp"] = &stake.Account{Address: "lp", TotalStake: 1_000_000}
	e, err := h.svc.Create(context.Background(), CreateParams{
		ID:           "esc-1",
		Sender:       "alice",
		Counterparty: "lp",
		Amount:       amount,
		ExpiresAt:    h.now.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	return e
}

func TestFee(t *testing.T) {
	h := newHarness(t)

	cases := []struct {
		amount int64
		want   int64
	}{
		{amount: 10_000, want: 100}, // 1%
		{amount: 999, want: 14},     // 9 + 5 surcharge
		{amount: 1_000, want: 10},   // at the threshold, no surcharge
		{amount: 50, want: 5},       // 0 + 5 surcharge
	}
	for _, tc := range cases {
		if got := h.svc.Fee(tc.amount); got != tc.want {
			t.Errorf("Fee(%d) = %d, want %d", tc.amount, got, tc.want)
		}
	}
}

func TestCreate(t *testing.T) {
	h := newHarness(t)
	e := h.createEscrow(t, 10_000)

	if e.Status != StatusLocked {
		t.Fatalf("expected locked, got %s", e.Status)
	}
	if e.Fee != 100 {
		t.Fatalf("expected fee 100, got %d", e.Fee)
	}
	if e.CollateralLocked != 10_000 {
		t.Fatalf("expected full collateral 10000, got %d", e.CollateralLocked)
	}
	if h.stakes.accounts["lp"].LockedStake != 10_000 {
		t.Fatalf("expected lp stake locked, got %d", h.stakes.accounts["lp"].LockedStake)
	}
	got := h.books.transfers[0]
	if got.from != "alice" || got.to != ledger.AccountCustody || got.amount != 10_100 {
		t.Fatalf("expected funding of amount+fee into custody, got %+v", got)
	}
	if !h.pool.lastTx.committed {
		t.Error("expected create transaction to commit")
	}
}

func TestCreate_LocksStakeRowsInAddressOrder(t *testing.T) {
	h := newHarness(t)
	h.stakes.accounts["alpha"] = &stake.Account{Address: "alpha", TotalStake: 1_000_000}

	// Sender sorts after counterparty; the rows must still lock in address
	// order so two mirrored creates cannot deadlock.
	if _, err := h.svc.Create(context.Background(), CreateParams{
		ID:           "esc-order",
		Sender:       "zeta",
		Counterparty: "alpha",
		Amount:       1_000,
		ExpiresAt:    h.now.Add(time.Hour),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	want := []string{"alpha", "zeta"}
	if len(h.stakes.ensureOrder) != len(want) {
		t.Fatalf("expected %d row locks, got %v", len(want), h.stakes.ensureOrder)
	}
	for i, addr := range want {
		if h.stakes.ensureOrder[i] != addr {
			t.Fatalf("lock %d: expected %s, got %v", i, addr, h.stakes.ensureOrder)
		}
	}
}

func TestCreate_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Create(ctx, CreateParams{ID: "e", Sender: "a", Counterparty: "b", Amount: 0, ExpiresAt: h.now.Add(time.Hour)}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := h.svc.Create(ctx, CreateParams{ID: "e", Sender: "a", Counterparty: "b", Amount: 100, ExpiresAt: h.now}); !errors.Is(err, ErrInvalidExpiry) {
		t.Fatalf("expected ErrInvalidExpiry, got %v", err)
	}
	if _, err := h.svc.Create(ctx, CreateParams{ID: "e", Sender: "a", Counterparty: "a", Amount: 100, ExpiresAt: h.now.Add(time.Hour)}); err == nil {
		t.Fatal("expected self-trade to be rejected")
	}
}

func TestCreate_CollateralPolicyRejection(t *testing.T) {
	h := newHarness(t)
	h.svc = NewService(h.pool, h.repo, h.stakes, rejectCollateral{}, passLimiter{}, h.books, h.sink, h.sink, testEscrowConfig, zerolog.Nop())
	h.svc.WithClock(func() time.Time { return h.now })

	_, err := h.svc.Create(context.Background(), CreateParams{
		ID: "esc-1", Sender: "alice", Counterparty: "lp", Amount: 100, ExpiresAt: h.now.Add(time.Hour),
	})
	if err == nil {
		t.Fatal("expected policy rejection to propagate")
	}
	if h.stakes.lockCalls != 0 {
		t.Error("expected no collateral lock after policy rejection")
	}
}

func TestRelease_BySender(t *testing.T) {
	h := newHarness(t)
	h.createEscrow(t, 10_000)

	e, err := h.svc.Release(context.Background(), "esc-1", "alice")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if e.Status != StatusReleased {
		t.Fatalf("expected released, got %s", e.Status)
	}
	if h.stakes.accounts["lp"].LockedStake != 0 {
		t.Fatal("expected collateral unlocked on release")
	}
	if h.stakes.slashCalls != 0 {
		t.Error("expected no slash on timely release")
	}

	wantTransfers := []transferRecord{
		{from: "alice", to: ledger.AccountCustody, amount: 10_100},
		{from: ledger.AccountCustody, to: "lp", amount: 10_000},
		{from: ledger.AccountCustody, to: ledger.AccountTreasury, amount: 100},
	}
	if len(h.books.transfers) != len(wantTransfers) {
		t.Fatalf("expected %d transfers, got %d: %+v", len(wantTransfers), len(h.books.transfers), h.books.transfers)
	}
	for i, want := range wantTransfers {
		got := h.books.transfers[i]
		if got.from != want.from || got.to != want.to || got.amount != want.amount {
			t.Errorf("transfer %d: got %+v, want %+v", i, got, want)
		}
	}
}

func TestRelease_RecipientBeforeGracePeriod(t *testing.T) {
	h := newHarness(t)
	h.createEscrow(t, 10_000)

	h.now = h.now.Add(29 * time.Minute)
	if _, err := h.svc.Release(context.Background(), "esc-1", "lp"); !errors.Is(err, ErrNotEntitled) {
		t.Fatalf("expected ErrNotEntitled before grace period, got %v", err)
	}
}

func TestRelease_LateRecipientTakesSlash(t *testing.T) {
	h := newHarness(t)
	h.createEscrow(t, 10_000)

	h.now = h.now.Add(45 * time.Minute)
	e, err := h.svc.Release(context.Background(), "esc-1", "lp")
	if err != nil {
		t.Fatalf("late release: %v", err)
	}
	if e.Status != StatusReleased {
		t.Fatalf("expected released, got %s", e.Status)
	}
	// 5% of the 10000 locked collateral.
	if h.stakes.lastSlash.address != "lp" || h.stakes.lastSlash.amount != 500 {
		t.Fatalf("expected 500 slash on the late releaser, got %+v", h.stakes.lastSlash)
	}
	if h.stakes.lastSlash.reason != stake.ReasonLateRelease {
		t.Fatalf("expected late-release reason, got %s", h.stakes.lastSlash.reason)
	}
}

func TestRelease_AfterSlashShortfall(t *testing.T) {
	h := newHarness(t)
	h.createEscrow(t, 10_000)

	// A slash elsewhere ate into the locked collateral while the escrow was
	// open; settlement must release what remains, not wedge.
	h.stakes.accounts["lp"].TotalStake = 3_000
	h.stakes.accounts["lp"].LockedStake = 3_000

	e, err := h.svc.Release(context.Background(), "esc-1", "alice")
	if err != nil {
		t.Fatalf("release after shortfall: %v", err)
	}
	if e.Status != StatusReleased {
		t.Fatalf("expected released, got %s", e.Status)
	}
	if got := h.stakes.accounts["lp"].LockedStake; got != 0 {
		t.Fatalf("expected remaining collateral unlocked, got %d", got)
	}
}

func TestRelease_TwiceFails(t *testing.T) {
	h := newHarness(t)
	h.createEscrow(t, 10_000)

	if _, err := h.svc.Release(context.Background(), "esc-1", "alice"); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if _, err := h.svc.Release(context.Background(), "esc-1", "alice"); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus on double release, got %v", err)
	}
	if h.stakes.unlockCalls != 1 {
		t.Fatalf("collateral must unlock exactly once, got %d", h.stakes.unlockCalls)
	}
}

func TestRelease_Stranger(t *testing.T) {
	h := newHarness(t)
	h.createEscrow(t, 10_000)

	if _, err := h.svc.Release(context.Background(), "esc-1", "mallory"); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
}

func TestRefund(t *testing.T) {
	h := newHarness(t)
	h.createEscrow(t, 10_000)

	h.now = h.now.Add(23 * time.Hour)
	if _, err := h.svc.Refund(context.Background(), "esc-1", "alice"); !errors.Is(err, ErrNotExpired) {
		t.Fatalf("expected ErrNotExpired before the deadline, got %v", err)
	}

	h.now = h.now.Add(2 * time.Hour)
	e, err := h.svc.Refund(context.Background(), "esc-1", "alice")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if e.Status != StatusRefunded {
		t.Fatalf("expected refunded, got %s", e.Status)
	}
	// 10% timeout slash on the collateral owner.
	if h.stakes.lastSlash.address != "lp" || h.stakes.lastSlash.amount != 1_000 {
		t.Fatalf("expected 1000 timeout slash on lp, got %+v", h.stakes.lastSlash)
	}
	last := h.books.transfers[len(h.books.transfers)-1]
	if last.from != ledger.AccountCustody || last.to != "alice" || last.amount != 10_100 {
		t.Fatalf("expected amount+fee back to sender, got %+v", last)
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	h.createEscrow(t, 10_000)

	e, err := h.svc.Cancel(context.Background(), "esc-1", "alice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if e.Status != StatusCancelled {
		t.Fatalf("expected cancelled, got %s", e.Status)
	}
	if h.stakes.slashCalls != 0 {
		t.Error("cancel must not slash anyone")
	}
	last := h.books.transfers[len(h.books.transfers)-1]
	if last.to != "alice" || last.amount != 10_100 {
		t.Fatalf("expected full refund on cancel, got %+v", last)
	}
}

func TestCancel_Guards(t *testing.T) {
	h := newHarness(t)
	h.createEscrow(t, 10_000)

	if _, err := h.svc.Cancel(context.Background(), "esc-1", "lp"); !errors.Is(err, ErrNotEntitled) {
		t.Fatalf("expected only the sender to cancel, got %v", err)
	}

	if _, err := h.svc.SubmitProof(context.Background(), "esc-1", "lp", "proof-123"); err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	if _, err := h.svc.Cancel(context.Background(), "esc-1", "alice"); !errors.Is(err, ErrProofSubmitted) {
		t.Fatalf("expected ErrProofSubmitted after counterparty moved, got %v", err)
	}
}

func TestSubmitProof_OnlyRecipient(t *testing.T) {
	h := newHarness(t)
	h.createEscrow(t, 10_000)

	if _, err := h.svc.SubmitProof(context.Background(), "esc-1", "alice", "ref"); !errors.Is(err, ErrNotEntitled) {
		t.Fatalf("expected ErrNotEntitled for the sender, got %v", err)
	}
	e, err := h.svc.SubmitProof(context.Background(), "esc-1", "lp", "ref")
	if err != nil {
		t.Fatalf("submit proof: %v", err)
	}
	if e.ProofRef == nil || *e.ProofRef != "ref" {
		t.Fatal("expected proof reference recorded")
	}
}

func TestResolveTx(t *testing.T) {
	h := newHarness(t)
	h.createEscrow(t, 10_000)
	if _, err := h.svc.MarkDisputedTx(context.Background(), &fakeTx{}, "esc-1", "alice"); err != nil {
		t.Fatalf("mark disputed: %v", err)
	}

	e, err := h.svc.ResolveTx(context.Background(), &fakeTx{}, "esc-1", "lp", true, 1_000)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if e.Status != StatusReleased {
		t.Fatalf("expected released when the recipient wins, got %s", e.Status)
	}
	if h.stakes.lastSlash.address != "alice" || h.stakes.lastSlash.amount != 1_000 {
		t.Fatalf("expected loser slash on alice, got %+v", h.stakes.lastSlash)
	}
	if h.stakes.lastSlash.reason != stake.ReasonDisputeLoss {
		t.Fatalf("expected dispute-loss reason, got %s", h.stakes.lastSlash.reason)
	}
	if h.stakes.accounts["lp"].LockedStake != 0 {
		t.Fatal("expected collateral unlocked on resolution")
	}
}

func TestResolveTx_SenderWins(t *testing.T) {
	h := newHarness(t)
	h.createEscrow(t, 10_000)
	if _, err := h.svc.MarkDisputedTx(context.Background(), &fakeTx{}, "esc-1", "lp"); err != nil {
		t.Fatalf("mark disputed: %v", err)
	}

	e, err := h.svc.ResolveTx(context.Background(), &fakeTx{}, "esc-1", "alice", false, 0)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if e.Status != StatusRefunded {
		t.Fatalf("expected refunded when the sender wins, got %s", e.Status)
	}
	if h.stakes.slashCalls != 0 {
		t.Error("expected no slash when disabled")
	}
	last := h.books.transfers[len(h.books.transfers)-1]
	if last.to != "alice" || last.amount != 10_100 {
		t.Fatalf("expected amount+fee back to sender, got %+v", last)
	}
}

func TestMarkDisputedTx_Guards(t *testing.T) {
	h := newHarness(t)
	h.createEscrow(t, 10_000)

	if _, err := h.svc.MarkDisputedTx(context.Background(), &fakeTx{}, "esc-1", "mallory"); !errors.Is(err, ErrNotParty) {
		t.Fatalf("expected ErrNotParty, got %v", err)
	}
	if _, err := h.svc.MarkDisputedTx(context.Background(), &fakeTx{}, "esc-1", "alice"); err != nil {
		t.Fatalf("mark disputed: %v", err)
	}
	if _, err := h.svc.MarkDisputedTx(context.Background(), &fakeTx{}, "esc-1", "alice"); !errors.Is(err, ErrBadStatus) {
		t.Fatalf("expected ErrBadStatus on second dispute, got %v", err)
	}
}

// --- fakes ---

type fullCollateral struct{}

func (fullCollateral) RequiredCollateral(amount int64, _ stake.Account) (int64, error) {
	return amount, nil
}

type rejectCollateral struct{}

func (rejectCollateral) RequiredCollateral(int64, stake.Account) (int64, error) {
	return 0, errors.New("blocked")
}

type passLimiter struct{}

func (passLimiter) CheckRate(stake.Account, time.Time) error { return nil }

func (passLimiter) ReserveVolumeTx(context.Context, pgx.Tx, int64, time.Time) error { return nil }

type fakeRepo struct {
	escrows map[string]Escrow
}

func (f *fakeRepo) Insert(ctx context.Context, tx pgx.Tx, e Escrow) error {
	if _, exists := f.escrows[e.ID]; exists {
		return ErrAlreadyExists
	}
	f.escrows[e.ID] = e
	return nil
}

func (f *fakeRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Escrow, error) {
	e, ok := f.escrows[id]
	if !ok {
		return Escrow{}, ErrNotFound
	}
	return e, nil
}

func (f *fakeRepo) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, closedAt *time.Time) error {
	e := f.escrows[id]
	e.Status = status
	e.ClosedAt = closedAt
	f.escrows[id] = e
	return nil
}

func (f *fakeRepo) SetProof(ctx context.Context, tx pgx.Tx, id, ref string) error {
	e := f.escrows[id]
	e.ProofRef = &ref
	f.escrows[id] = e
	return nil
}

func (f *fakeRepo) MarkDisputed(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	e := f.escrows[id]
	e.Status = StatusDisputed
	e.DisputeOpenedAt = &at
	f.escrows[id] = e
	return nil
}

func (f *fakeRepo) Get(ctx context.Context, id string) (Escrow, error) {
	e, ok := f.escrows[id]
	if !ok {
		return Escrow{}, ErrNotFound
	}
	return e, nil
}

type slashRecord struct {
	address string
	amount  int64
	reason  stake.SlashReason
}

type fakeStakes struct {
	accounts    map[string]*stake.Account
	ensureOrder []string
	lockCalls   int
	unlockCalls int
	slashCalls  int
	lastSlash   slashRecord
}

func (f *fakeStakes) EnsureForUpdateTx(ctx context.Context, tx pgx.Tx, address string) (stake.Account, error) {
	f.ensureOrder = append(f.ensureOrder, address)
	acct, ok := f.accounts[address]
	if !ok {
		acct = &stake.Account{Address: address}
		f.accounts[address] = acct
	}
	return *acct, nil
}

func (f *fakeStakes) LockTx(ctx context.Context, tx pgx.Tx, address string, amount int64) error {
	f.lockCalls++
	acct := f.accounts[address]
	if amount > acct.TotalStake-acct.LockedStake {
		return stake.ErrInsufficientAvailableStake
	}
	acct.LockedStake += amount
	return nil
}

func (f *fakeStakes) UnlockTx(ctx context.Context, tx pgx.Tx, address string, amount int64) error {
	f.unlockCalls++
	acct := f.accounts[address]
	if amount > acct.LockedStake {
		amount = acct.LockedStake
	}
	acct.LockedStake -= amount
	return nil
}

func (f *fakeStakes) SlashTx(ctx context.Context, tx pgx.Tx, address string, amount int64, reason stake.SlashReason) (int64, error) {
	f.slashCalls++
	f.lastSlash = slashRecord{address: address, amount: amount, reason: reason}
	if acct, ok := f.accounts[address]; ok {
		if amount > acct.TotalStake {
			amount = acct.TotalStake
		}
		acct.TotalStake -= amount
	}
	return amount, nil
}

func (f *fakeStakes) MarkOrderTx(ctx context.Context, tx pgx.Tx, address string) error {
	return nil
}

func (f *fakeStakes) MarkTradeCompletedTx(ctx context.Context, tx pgx.Tx, address string) error {
	return nil
}

type transferRecord struct {
	from, to string
	amount   int64
	reason   string
}

type fakeLedger struct {
	transfers []transferRecord
}

func (f *fakeLedger) Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64, reason string) error {
	f.transfers = append(f.transfers, transferRecord{from: from, to: to, amount: amount, reason: reason})
	return nil
}

func (f *fakeLedger) Balance(ctx context.Context, tx pgx.Tx, account string) (int64, error) {
	var balance int64
	for _, t := range f.transfers {
		if t.to == account {
			balance += t.amount
		}
		if t.from == account {
			balance -= t.amount
		}
	}
	return balance, nil
}

type fakeEvents struct {
	topics []string
	types  []string
}

func (f *fakeEvents) Append(ctx context.Context, tx pgx.Tx, entityID, eventType, actor string, payload map[string]any) error {
	f.types = append(f.types, eventType)
	return nil
}

func (f *fakeEvents) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	f.topics = append(f.topics, topic)
	return nil
}

type fakePool struct {
	lastTx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.lastTx = &fakeTx{}
	return f.lastTx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
