package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/rail"
)

// newPostgresStore starts a throwaway PostgreSQL container and migrates it.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping PostgreSQL integration test in -short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("ledger_test"),
		postgres.WithUsername("test_user"),
		postgres.WithPassword("test_password"),
		postgres.BasicWaitStrategies(),
		testcontainers.WithLabels(map[string]string{"test": "settlement-store", "test-name": t.Name()}),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		cctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	_, err = Migrate(url)
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return NewPostgresStore(pool)
}

func TestPostgresStore_LockLifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	pct := decimal.RequireFromString("2.5")
	require.NoError(t, s.CreateMarket(ctx,
		&model.Market{ID: "m1", CreatorID: "c", Status: model.MarketOpen, PricingModel: model.DefaultPricingModel,
			PlatformFeePct: &pct, CreatedAt: t0},
		[]model.Option{{ID: "A", MarketID: "m1", Label: "Yes"}, {ID: "B", MarketID: "m1", Label: "No"}},
	))
	key := model.WalletKey{UserID: "u1", Currency: "DEMO"}
	require.NoError(t, s.CreditAvailable(ctx, key, money.MustParse("100.25"), &model.WalletTransaction{
		ID: "t1", UserID: "u1", Currency: "DEMO", Kind: model.TxDeposit, Direction: model.Credit,
		Provider: rail.ProviderDemoWallet, ExternalRef: "dep-1", Amount: money.MustParse("100.25"), CreatedAt: t0,
	}))

	require.NoError(t, s.CreateLock(ctx, pendingLock("l1", money.FromUnits(40))))
	err := s.CreateLock(ctx, pendingLock("l2", money.FromUnits(70)))
	assert.True(t, errors.Is(err, ErrInsufficientFunds), "got %v", err)

	l, err := s.FinalizeLock(ctx, "l1", model.LockConsumed, t0, nil)
	require.NoError(t, err)
	assert.Equal(t, model.LockConsumed, l.State)

	_, err = s.FinalizeLock(ctx, "l1", model.LockReleased, t0, nil)
	assert.ErrorIs(t, err, ErrLockNotPending)

	odds := decimal.RequireFromString("1.95")
	require.NoError(t, s.InsertEntry(ctx, &model.Entry{
		ID: "e1", MarketID: "m1", OptionID: "A", UserID: "u1", Amount: money.FromUnits(40),
		Provider: rail.ProviderDemoWallet, Status: model.EntryActive, EscrowLockID: "l1", CreatedAt: t0,
		Quote: &model.Quote{MarketID: "m1", OutcomeID: "A", Amount: money.FromUnits(40), PricingModel: model.DefaultPricingModel,
			After: model.QuoteSide{UserStake: money.FromUnits(40), OddsOrPrice: &odds, EstPayout: money.FromUnits(78)}},
	}, nil))
	e, err := s.GetEntryByLock(ctx, "l1")
	require.NoError(t, err)
	require.NotNil(t, e.Quote)
	assert.Equal(t, money.FromUnits(78), e.Quote.After.EstPayout)
	require.NotNil(t, e.Quote.After.OddsOrPrice)
	assert.True(t, odds.Equal(*e.Quote.After.OddsOrPrice))

	w, err := s.GetWallet(ctx, "u1", "DEMO")
	require.NoError(t, err)
	assert.Equal(t, money.MustParse("60.25"), w.Available)
	assert.Equal(t, money.Cents(0), w.EscrowReserved)

	m, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, money.FromUnits(40), m.PoolTotal)
	require.NotNil(t, m.PlatformFeePct)
	assert.True(t, pct.Equal(*m.PlatformFeePct))

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Entries, 1)
	assert.Len(t, snap.Locks, 1)
	assert.Len(t, snap.Transactions, 1)
}

func TestPostgresStore_SettlementMarkerIsUnique(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	batch := &SettlementBatch{
		Marker:   model.SettlementMarker{MarketID: "m1", Rail: rail.Crypto, WinningOptionID: "A", DistributablePot: 500, SettledAt: t0},
		Currency: "USDC",
		Credits:  []Credit{{UserID: "u9", Amount: 500}},
		Transactions: []model.WalletTransaction{{
			ID: "p1", UserID: "u9", Currency: "USDC", Kind: model.TxPayout, Direction: model.Credit,
			Provider: rail.ProviderCryptoBaseUSDC, ExternalRef: "payout_m1_u9", Amount: 500, MarketID: "m1", CreatedAt: t0,
		}},
	}
	require.NoError(t, s.ApplySettlement(ctx, batch))
	assert.ErrorIs(t, s.ApplySettlement(ctx, batch), ErrDuplicate)

	w, err := s.GetWallet(ctx, "u9", "USDC")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(500), w.Available)

	marker, err := s.GetSettlementMarker(ctx, "m1", rail.Crypto)
	require.NoError(t, err)
	assert.Equal(t, "A", marker.WinningOptionID)
}

func TestPostgresStore_InsertEntryGuards(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateMarket(ctx,
		&model.Market{ID: "m1", CreatorID: "c", Status: model.MarketOpen, PricingModel: model.DefaultPricingModel, CreatedAt: t0},
		[]model.Option{{ID: "A", MarketID: "m1", Label: "Yes"}, {ID: "B", MarketID: "m1", Label: "No"}},
	))
	require.NoError(t, s.CreditAvailable(ctx, model.WalletKey{UserID: "u1", Currency: "DEMO"}, money.FromUnits(100), nil))
	for _, id := range []string{"pending", "released", "consumed"} {
		require.NoError(t, s.CreateLock(ctx, pendingLock(id, money.FromUnits(10))))
	}
	_, err := s.FinalizeLock(ctx, "released", model.LockReleased, t0, nil)
	require.NoError(t, err)
	_, err = s.FinalizeLock(ctx, "consumed", model.LockConsumed, t0, nil)
	require.NoError(t, err)

	entry := func(id, lockID string) *model.Entry {
		return &model.Entry{ID: id, MarketID: "m1", OptionID: "A", UserID: "u1", Amount: money.FromUnits(10),
			Provider: rail.ProviderDemoWallet, Status: model.EntryActive, EscrowLockID: lockID, CreatedAt: t0}
	}

	assert.ErrorIs(t, s.InsertEntry(ctx, entry("e1", "pending"), nil), ErrLockNotPending)
	assert.ErrorIs(t, s.InsertEntry(ctx, entry("e2", "released"), nil), ErrLockNotPending)

	// A reverted lock cannot gain an entry afterwards.
	require.NoError(t, s.UpdateMarketStatus(ctx, "m1", model.MarketOpen, model.MarketClosed))
	assert.ErrorIs(t, s.InsertEntry(ctx, entry("e3", "consumed"), nil), ErrMarketNotOpen)
	_, err = s.RevertConsumedLock(ctx, "consumed", t0, nil)
	require.NoError(t, err)

	m, err := s.GetMarket(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, money.Cents(0), m.PoolTotal)
	entries, err := s.ListEntries(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, entries)

	snap, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap.Locks, 3)
	assert.Empty(t, snap.Entries)
}
