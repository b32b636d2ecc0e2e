package settlement_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/escrow"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/rail"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

const (
	walletA = "0x00000000000000000000000000000000000000aa"
	walletB = "0x00000000000000000000000000000000000000bb"
)

var t0 = time.Date(2025, 9, 1, 12, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []escrow.WalletEvent
}

func (r *recorder) WalletUpdated(ev escrow.WalletEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

type testEnv struct {
	store  *store.MemoryStore
	svc    *settlement.Service
	events *recorder
	now    time.Time
}

// newTestEnv seeds market m1 (deadline t0+1h) with demo entries
// u1 50 A, u2 50 A, u3 20 B and crypto entries walletA 30 A, walletB 10 B.
// The service clock is past the deadline.
func newTestEnv(t *testing.T, opts ...settlement.Option) *testEnv {
	t.Helper()
	ctx := context.Background()
	env := &testEnv{store: store.NewMemoryStore(), events: &recorder{}, now: t0.Add(2 * time.Hour)}

	deadline := t0.Add(time.Hour)
	require.NoError(t, env.store.CreateMarket(ctx, &model.Market{
		ID: "m1", CreatorID: "creator", Status: model.MarketOpen, EntryDeadline: &deadline, CreatedAt: t0,
	}, []model.Option{{ID: "A", Label: "Yes"}, {ID: "B", Label: "No"}}))

	for i, e := range []struct {
		user, option, provider string
		units                  int64
	}{
		{"u1", "A", rail.ProviderDemoWallet, 50},
		{"u2", "A", rail.ProviderDemoWallet, 50},
		{"u3", "B", rail.ProviderDemoWallet, 20},
		{walletA, "A", rail.ProviderCryptoBaseUSDC, 30},
		{walletB, "B", rail.ProviderCryptoBaseUSDC, 10},
	} {
		require.NoError(t, env.store.InsertEntry(ctx, &model.Entry{
			ID: "e" + string(rune('1'+i)), MarketID: "m1", OptionID: e.option, UserID: e.user,
			Amount: money.FromUnits(e.units), Provider: e.provider, Status: model.EntryActive, CreatedAt: t0,
		}, nil))
	}

	base := []settlement.Option{
		settlement.WithClock(func() time.Time { return env.now }),
		settlement.WithNotifier(env.events),
	}
	env.svc = settlement.NewService(env.store, append(base, opts...)...)
	return env
}

func (env *testEnv) available(t *testing.T, user, currency string) money.Cents {
	t.Helper()
	w, err := env.store.GetWallet(context.Background(), user, currency)
	if errors.Is(err, store.ErrNotFound) {
		return 0
	}
	require.NoError(t, err)
	return w.Available
}

func TestSettleRail_PureAndRepeatable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first, err := env.svc.SettleRail(ctx, "m1", "B", rail.Demo)
	require.NoError(t, err)
	second, err := env.svc.SettleRail(ctx, "m1", "B", rail.Demo)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	assert.Equal(t, money.MustParse("2.00"), first.PlatformFee)
	assert.Equal(t, money.MustParse("0.80"), first.CreatorFee)
	assert.Equal(t, money.MustParse("97.20"), first.DistributablePot)
	assert.Equal(t, map[string]money.Cents{"u3": money.MustParse("97.20")}, first.Payouts)

	_, err = env.store.GetSettlementMarker(ctx, "m1", rail.Demo)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, env.available(t, "u3", "DEMO"))
}

func TestSettleRail_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.SettleRail(ctx, "nope", "A", rail.Demo)
	assert.ErrorIs(t, err, settlement.ErrMarketNotFound)

	_, err = env.svc.SettleRail(ctx, "m1", "Z", rail.Demo)
	assert.ErrorIs(t, err, settlement.ErrUnknownOption)
}

func TestSettleMarket_AppliesEveryRailOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	out, err := env.svc.SettleMarket(ctx, "m1", "A")
	require.NoError(t, err)
	require.Len(t, out.Rails, 3)
	for _, r := range out.Rails {
		assert.True(t, r.Applied, r.Rail.String())
	}

	demo := out.Rails[0]
	assert.Equal(t, rail.Demo, demo.Rail)
	assert.Equal(t, money.MustParse("119.30"), demo.Result.DistributablePot)
	assert.Equal(t, money.MustParse("59.65"), env.available(t, "u1", "DEMO"))
	assert.Equal(t, money.MustParse("59.65"), env.available(t, "u2", "DEMO"))
	assert.Zero(t, env.available(t, "u3", "DEMO"))

	crypto := out.Rails[1]
	assert.Equal(t, money.MustParse("39.65"), env.available(t, walletA, "USDC"))
	require.NotNil(t, crypto.ClaimRoot)

	fees, err := env.store.ListFeeEntries(ctx, "m1")
	require.NoError(t, err)
	byRail := map[string]money.Cents{}
	for _, f := range fees {
		byRail[f.Rail.String()+"/"+string(f.Kind)+"/"+f.Beneficiary] += f.Amount
	}
	assert.Equal(t, map[string]money.Cents{
		"demo/platform/platform":   money.MustParse("0.50"),
		"demo/creator/creator":     money.MustParse("0.20"),
		"crypto/platform/platform": money.MustParse("0.25"),
		"crypto/creator/creator":   money.MustParse("0.10"),
	}, byRail)

	m, err := env.store.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MarketSettled, m.Status)

	for _, r := range rail.All() {
		marker, err := env.store.GetSettlementMarker(ctx, "m1", r)
		require.NoError(t, err, r.String())
		assert.Equal(t, "A", marker.WinningOptionID)
	}

	// A retry is a no-op.
	again, err := env.svc.SettleMarket(ctx, "m1", "A")
	require.NoError(t, err)
	for _, r := range again.Rails {
		assert.False(t, r.Applied, r.Rail.String())
	}
	assert.Equal(t, money.MustParse("59.65"), env.available(t, "u1", "DEMO"))
	assert.Equal(t, money.MustParse("39.65"), env.available(t, walletA, "USDC"))
	fees, err = env.store.ListFeeEntries(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, fees, 4)
}

func TestSettleMarket_RequiresClosedMarket(t *testing.T) {
	env := newTestEnv(t)
	env.now = t0

	_, err := env.svc.SettleMarket(context.Background(), "m1", "A")
	assert.ErrorIs(t, err, settlement.ErrMarketNotClosed)

	m, err := env.store.GetMarket(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, model.MarketOpen, m.Status)
}

func TestApplyRail_RejectsSecondApplication(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.SettleRail(ctx, "m1", "A", rail.Demo)
	require.NoError(t, err)
	require.NoError(t, env.svc.ApplyRail(ctx, result))

	err = env.svc.ApplyRail(ctx, result)
	assert.ErrorIs(t, err, settlement.ErrAlreadySettled)

	other, err := env.svc.SettleRail(ctx, "m1", "B", rail.Demo)
	require.NoError(t, err)
	err = env.svc.ApplyRail(ctx, other)
	assert.ErrorIs(t, err, settlement.ErrWinnerMismatch)

	assert.Equal(t, money.MustParse("59.65"), env.available(t, "u1", "DEMO"))
	assert.Zero(t, env.available(t, "u3", "DEMO"))
}

func TestApplyRail_ConcurrentAttemptsCreditOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.SettleRail(ctx, "m1", "A", rail.Demo)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := env.svc.ApplyRail(ctx, result)
			if err == nil {
				mu.Lock()
				applied++
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, settlement.ErrAlreadySettled)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	assert.Equal(t, money.MustParse("59.65"), env.available(t, "u1", "DEMO"))
}

func TestApplyRail_PublishesPayouts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	result, err := env.svc.SettleRail(ctx, "m1", "A", rail.Crypto)
	require.NoError(t, err)
	require.NoError(t, env.svc.ApplyRail(ctx, result))

	require.Len(t, env.events.events, 1)
	ev := env.events.events[0]
	assert.Equal(t, escrow.ReasonPayout, ev.Reason)
	assert.Equal(t, walletA, ev.UserID)
	assert.Equal(t, "USDC", ev.Currency)
	assert.Equal(t, money.MustParse("39.65"), ev.Delta)

	txs, err := env.store.ListTransactions(ctx, walletA)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, model.TxPayout, txs[0].Kind)
	assert.Equal(t, "payout_m1_"+walletA, txs[0].ExternalRef)
}

type heldLocker struct{ keys []string }

func (l *heldLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.keys = append(l.keys, key)
	return nil, store.ErrLockHeld
}

func TestApplyRail_LockHeldElsewhere(t *testing.T) {
	locker := &heldLocker{}
	env := newTestEnv(t, settlement.WithLocker(locker, time.Minute))
	ctx := context.Background()

	result, err := env.svc.SettleRail(ctx, "m1", "A", rail.Demo)
	require.NoError(t, err)

	err = env.svc.ApplyRail(ctx, result)
	assert.ErrorIs(t, err, store.ErrLockHeld)
	assert.Equal(t, []string{"settle:m1:demo"}, locker.keys)

	_, err = env.store.GetSettlementMarker(ctx, "m1", rail.Demo)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestClose_ReleasesPendingLocks(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	deadline := t0.Add(time.Hour)
	require.NoError(t, st.CreateMarket(ctx, &model.Market{
		ID: "m2", CreatorID: "c", Status: model.MarketOpen, EntryDeadline: &deadline,
	}, []model.Option{{ID: "A"}, {ID: "B"}}))

	ledger := escrow.NewLedger(st, escrow.WithClock(func() time.Time { return t0 }))
	_, err := ledger.Deposit(ctx, "u1", "DEMO", money.FromUnits(10), rail.ProviderDemoWallet, "")
	require.NoError(t, err)
	_, err = ledger.CreateLock(ctx, escrow.LockRequest{UserID: "u1", MarketID: "m2", OptionID: "A", Amount: money.FromUnits(4)})
	require.NoError(t, err)

	svc := settlement.NewService(st,
		settlement.WithClock(func() time.Time { return t0 }),
		settlement.WithLockReleaser(ledger))

	_, err = svc.Close(ctx, "m2", false)
	assert.ErrorIs(t, err, settlement.ErrMarketNotClosed)

	m, err := svc.Close(ctx, "m2", true)
	require.NoError(t, err)
	assert.Equal(t, model.MarketClosed, m.Status)

	w, err := ledger.Wallet(ctx, "u1", "DEMO")
	require.NoError(t, err)
	assert.Equal(t, money.FromUnits(10), w.Available)
	assert.Zero(t, w.EscrowReserved)
}

func TestClaimTree_SkipsWinnersWithoutAddress(t *testing.T) {
	env := newTestEnv(t)
	result := &model.PayoutResult{
		MarketID: "m1",
		Rail:     rail.Crypto,
		Payouts: map[string]money.Cents{
			walletA:    money.MustParse("12.34"),
			"username": money.MustParse("1.00"),
		},
	}

	tree, err := env.svc.ClaimTree(result)
	require.NoError(t, err)
	require.Len(t, tree.Claims, 1)

	claim, proof, ok := tree.Proof(common.HexToAddress(walletA))
	require.True(t, ok)
	assert.True(t, settlement.VerifyClaim(tree.Root, tree.MarketID, claim, proof))
}
