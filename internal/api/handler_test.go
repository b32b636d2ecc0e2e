package api_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/api"
	"github.com/atmx/settlement-engine/internal/escrow"
	"github.com/atmx/settlement-engine/internal/integrity"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/quote"
	"github.com/atmx/settlement-engine/internal/rail"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

var testFees = model.FeeSchedule{PlatformBps: 250, CreatorBps: 100}

// newTestEnv wires the handler over an in-memory store on a chi router.
func newTestEnv(t *testing.T) (*store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	quotes := quote.NewService(ms, quote.WithDefaultFees(testFees))
	ledger := escrow.NewLedger(ms, escrow.WithQuoter(quotes))
	h := api.NewHandler(api.Deps{
		Store:  ms,
		Quotes: quotes,
		Ledger: ledger,
		Settlement: settlement.NewService(ms,
			settlement.WithDefaultFees(testFees),
			settlement.WithLockReleaser(ledger),
		),
		Checker: integrity.NewChecker(ms),
	})

	r := chi.NewRouter()
	h.Mount(r)
	return ms, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decode[map[string]string](t, w)
	return body["code"]
}

func createMarket(t *testing.T, router chi.Router) {
	t.Helper()
	w := do(t, router, http.MethodPost, "/api/v1/markets", api.CreateMarketRequest{
		ID:        "m1",
		CreatorID: "creator",
		Title:     "Will it rain?",
		Options:   []api.OptionSpec{{ID: "A", Label: "Yes"}, {ID: "B", Label: "No"}},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func deposit(t *testing.T, router chi.Router, user string, units int64) {
	t.Helper()
	w := do(t, router, http.MethodPost, "/api/v1/wallets/"+user+"/deposit", api.WalletRequest{
		Currency: rail.Demo.Currency(), Amount: money.FromUnits(units), Provider: rail.ProviderDemoWallet,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
}

func stake(t *testing.T, router chi.Router, user, option string, units int64) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, http.MethodPost, "/api/v1/markets/m1/stakes", escrow.StakeRequest{
		UserID: user, OptionID: option, Provider: rail.ProviderDemoWallet, Amount: money.FromUnits(units),
	})
}

func wallet(t *testing.T, router chi.Router, user string) model.Wallet {
	t.Helper()
	w := do(t, router, http.MethodGet, "/api/v1/wallets/"+user+"/demo", nil)
	require.Equal(t, http.StatusOK, w.Code)
	return decode[model.Wallet](t, w)
}

// --- Markets ---

func TestCreateMarket(t *testing.T) {
	_, router := newTestEnv(t)
	createMarket(t, router)

	w := do(t, router, http.MethodGet, "/api/v1/markets/m1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[struct {
		ID      string         `json:"id"`
		Status  string         `json:"status"`
		Options []model.Option `json:"options"`
	}](t, w)
	assert.Equal(t, "m1", resp.ID)
	assert.Equal(t, "open", resp.Status)
	require.Len(t, resp.Options, 2)
	assert.Equal(t, "m1", resp.Options[0].MarketID)
}

func TestCreateMarket_Validation(t *testing.T) {
	_, router := newTestEnv(t)

	tests := []struct {
		name string
		req  api.CreateMarketRequest
	}{
		{"no creator", api.CreateMarketRequest{Options: []api.OptionSpec{{Label: "a"}, {Label: "b"}}}},
		{"one option", api.CreateMarketRequest{CreatorID: "c", Options: []api.OptionSpec{{Label: "a"}}}},
		{"duplicate option", api.CreateMarketRequest{CreatorID: "c", Options: []api.OptionSpec{{ID: "x"}, {ID: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, "/api/v1/markets", tt.req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestCreateMarket_DuplicateID(t *testing.T) {
	_, router := newTestEnv(t)
	createMarket(t, router)

	w := do(t, router, http.MethodPost, "/api/v1/markets", api.CreateMarketRequest{
		ID: "m1", CreatorID: "creator", Options: []api.OptionSpec{{ID: "A"}, {ID: "B"}},
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestGetMarket_NotFound(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, http.MethodGet, "/api/v1/markets/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListMarkets_StatusFilter(t *testing.T) {
	_, router := newTestEnv(t)
	createMarket(t, router)

	w := do(t, router, http.MethodGet, "/api/v1/markets?status=open", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]model.Market](t, w), 1)

	w = do(t, router, http.MethodGet, "/api/v1/markets?status=settled", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]model.Market](t, w))
}

// --- Quotes ---

func TestQuote(t *testing.T) {
	_, router := newTestEnv(t)
	createMarket(t, router)

	w := do(t, router, http.MethodPost, "/api/v1/markets/m1/quote", map[string]any{
		"outcomeId": "A", "amount": 10, "userId": "u1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	q := decode[model.Quote](t, w)
	assert.Equal(t, "A", q.OutcomeID)
	assert.Equal(t, money.FromUnits(10), q.Amount)
	assert.NotEmpty(t, q.Disclaimer)
}

func TestQuote_Errors(t *testing.T) {
	_, router := newTestEnv(t)
	createMarket(t, router)

	tests := []struct {
		name   string
		path   string
		body   map[string]any
		status int
		code   string
	}{
		{"zero amount", "/api/v1/markets/m1/quote", map[string]any{"outcomeId": "A", "amount": 0}, http.StatusBadRequest, quote.CodeInvalidAmount},
		{"unknown market", "/api/v1/markets/zz/quote", map[string]any{"outcomeId": "A", "amount": 5}, http.StatusNotFound, quote.CodeMarketNotFound},
		{"unknown option", "/api/v1/markets/m1/quote", map[string]any{"outcomeId": "C", "amount": 5}, http.StatusNotFound, quote.CodeOptionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, router, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errorCode(t, w))
		})
	}

	w := do(t, router, http.MethodPost, "/api/v1/markets/m1/quote", map[string]any{"outcomeId": "A", "amount": 5, "mode": "paper"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Stakes and escrow ---

func TestPlaceStake(t *testing.T) {
	ms, router := newTestEnv(t)
	createMarket(t, router)
	deposit(t, router, "u1", 100)

	w := stake(t, router, "u1", "A", 40)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	entry := decode[model.Entry](t, w)
	assert.Equal(t, "m1", entry.MarketID)
	assert.Equal(t, money.FromUnits(40), entry.Amount)
	assert.NotEmpty(t, entry.EscrowLockID)

	// The quote priced at placement is stored with the entry.
	require.NotNil(t, entry.Quote)
	assert.Equal(t, "A", entry.Quote.OutcomeID)
	assert.Equal(t, money.FromUnits(40), entry.Quote.Amount)
	assert.Equal(t, money.FromUnits(40), entry.Quote.After.UserStake)
	stored, err := ms.GetEntryByLock(t.Context(), entry.EscrowLockID)
	require.NoError(t, err)
	require.NotNil(t, stored.Quote)
	assert.Equal(t, entry.Quote.After.EstPayout, stored.Quote.After.EstPayout)
	assert.Equal(t, model.DefaultPricingModel, stored.Quote.PricingModel)

	wl := wallet(t, router, "u1")
	assert.Equal(t, money.FromUnits(60), wl.Available)
	assert.Equal(t, money.Cents(0), wl.EscrowReserved)
}

func TestPlaceStake_Rejections(t *testing.T) {
	_, router := newTestEnv(t)
	createMarket(t, router)
	deposit(t, router, "u1", 100)
	require.Equal(t, http.StatusCreated, stake(t, router, "u1", "A", 10).Code)

	w := stake(t, router, "u1", "B", 10)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, quote.CodeConflictingPosition, errorCode(t, w))

	w = stake(t, router, "u1", "A", 500)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = stake(t, router, "u1", "Z", 10)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/markets/m1/stakes", escrow.StakeRequest{
		UserID: "u1", OptionID: "A", Provider: "paypal", Amount: 100,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Equal(t, money.FromUnits(90), wallet(t, router, "u1").Available)
}

func TestLockLifecycle(t *testing.T) {
	_, router := newTestEnv(t)
	createMarket(t, router)
	deposit(t, router, "u1", 100)

	lockReq := escrow.LockRequest{UserID: "u1", MarketID: "m1", OptionID: "A", Provider: rail.ProviderDemoWallet, Amount: money.FromUnits(30)}
	w := do(t, router, http.MethodPost, "/api/v1/escrow/locks", lockReq)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[model.EscrowLock](t, w)
	assert.Equal(t, model.LockPending, first.State)
	assert.Equal(t, money.FromUnits(30), wallet(t, router, "u1").EscrowReserved)

	w = do(t, router, http.MethodPost, "/api/v1/escrow/locks/"+first.ID+"/release", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.LockReleased, decode[model.EscrowLock](t, w).State)
	assert.Equal(t, money.FromUnits(100), wallet(t, router, "u1").Available)

	w = do(t, router, http.MethodPost, "/api/v1/escrow/locks/"+first.ID+"/consume", nil)
	assert.Equal(t, http.StatusConflict, w.Code, "released lock cannot be consumed")

	w = do(t, router, http.MethodPost, "/api/v1/escrow/locks", lockReq)
	require.Equal(t, http.StatusCreated, w.Code)
	second := decode[model.EscrowLock](t, w)

	w = do(t, router, http.MethodPost, "/api/v1/escrow/locks/"+second.ID+"/consume", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, second.ID, decode[model.Entry](t, w).EscrowLockID)

	w = do(t, router, http.MethodPost, "/api/v1/escrow/locks/missing/consume", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateLock_UnknownMarket(t *testing.T) {
	_, router := newTestEnv(t)
	w := do(t, router, http.MethodPost, "/api/v1/escrow/locks", escrow.LockRequest{UserID: "u1", MarketID: "zz", Amount: 100})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// --- Wallets ---

func TestWallet_DepositWithdraw(t *testing.T) {
	_, router := newTestEnv(t)

	w := do(t, router, http.MethodPost, "/api/v1/wallets/u1/deposit", api.WalletRequest{
		Currency: "demo", Amount: money.FromUnits(25), Provider: rail.ProviderDemoWallet, ExternalRef: "dep-1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DEMO", decode[model.Wallet](t, w).Currency)

	w = do(t, router, http.MethodPost, "/api/v1/wallets/u1/deposit", api.WalletRequest{
		Currency: "DEMO", Amount: money.FromUnits(25), Provider: rail.ProviderDemoWallet, ExternalRef: "dep-1",
	})
	assert.Equal(t, http.StatusConflict, w.Code, "external refs are unique per provider")

	w = do(t, router, http.MethodPost, "/api/v1/wallets/u1/withdraw", api.WalletRequest{Currency: "DEMO", Amount: money.FromUnits(30)})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/wallets/u1/withdraw", api.WalletRequest{Currency: "DEMO", Amount: -5})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/wallets/u1/withdraw", api.WalletRequest{Currency: "DEMO", Amount: money.FromUnits(5)})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, money.FromUnits(20), decode[model.Wallet](t, w).Available)
}

func TestWallet_Unfunded(t *testing.T) {
	_, router := newTestEnv(t)
	wl := wallet(t, router, "ghost")
	assert.Equal(t, "DEMO", wl.Currency)
	assert.Equal(t, money.Cents(0), wl.Available)
}

// --- Settlement ---

func TestSettleMarket_EndToEnd(t *testing.T) {
	_, router := newTestEnv(t)
	createMarket(t, router)
	for _, u := range []string{"u1", "u2", "u3"} {
		deposit(t, router, u, 100)
	}
	require.Equal(t, http.StatusCreated, stake(t, router, "u1", "A", 50).Code)
	require.Equal(t, http.StatusCreated, stake(t, router, "u2", "A", 50).Code)
	require.Equal(t, http.StatusCreated, stake(t, router, "u3", "B", 20).Code)

	w := do(t, router, http.MethodPost, "/api/v1/markets/m1/settle", api.SettleRequest{WinningOptionID: "A"})
	assert.Equal(t, http.StatusConflict, w.Code, "open market without a passed deadline")

	w = do(t, router, http.MethodGet, "/api/v1/markets/m1/payouts?rail=demo&winning_option_id=A", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	preview := decode[model.PayoutResult](t, w)
	assert.Equal(t, money.MustParse("59.65"), preview.Payouts["u1"])
	assert.Equal(t, money.MustParse("0.50"), preview.PlatformFee)
	assert.Equal(t, money.MustParse("0.20"), preview.CreatorFee)
	assert.Equal(t, money.FromUnits(50), wallet(t, router, "u1").Available, "preview writes nothing")

	w = do(t, router, http.MethodPost, "/api/v1/markets/m1/close", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.MarketClosed, decode[model.Market](t, w).Status)

	w = stake(t, router, "u1", "A", 1)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, quote.CodeMarketNotOpen, errorCode(t, w))

	w = do(t, router, http.MethodPost, "/api/v1/markets/m1/settle", api.SettleRequest{WinningOptionID: "A"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, money.MustParse("109.65"), wallet(t, router, "u1").Available)
	assert.Equal(t, money.MustParse("109.65"), wallet(t, router, "u2").Available)
	assert.Equal(t, money.FromUnits(80), wallet(t, router, "u3").Available)

	w = do(t, router, http.MethodPost, "/api/v1/markets/m1/settle", api.SettleRequest{WinningOptionID: "A"})
	require.Equal(t, http.StatusOK, w.Code, "settling again is a no-op")
	assert.Equal(t, money.MustParse("109.65"), wallet(t, router, "u1").Available)

	w = do(t, router, http.MethodPost, "/api/v1/markets/m1/settle", api.SettleRequest{WinningOptionID: "B"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/integrity", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[integrity.Report](t, w).Passed)
}

func TestSettleMarket_Validation(t *testing.T) {
	_, router := newTestEnv(t)
	createMarket(t, router)

	w := do(t, router, http.MethodPost, "/api/v1/markets/m1/settle", api.SettleRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodPost, "/api/v1/markets/zz/settle", api.SettleRequest{WinningOptionID: "A"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/markets/m1/payouts?winning_option_id=Q", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, router, http.MethodGet, "/api/v1/markets/m1/payouts?rail=wire&winning_option_id=A", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Integrity ---

func TestIntegrity_ReportsViolations(t *testing.T) {
	ms, router := newTestEnv(t)
	createMarket(t, router)
	ctx := t.Context()
	// A consumed lock whose entry was never written.
	require.NoError(t, ms.CreditAvailable(ctx, model.WalletKey{UserID: "u9", Currency: "DEMO"}, money.FromUnits(5), nil))
	require.NoError(t, ms.CreateLock(ctx, &model.EscrowLock{
		ID: "orphan", UserID: "u9", MarketID: "m1", OptionID: "A", Provider: rail.ProviderDemoWallet,
		Currency: "DEMO", Amount: money.FromUnits(1), State: model.LockPending,
	}))
	_, err := ms.FinalizeLock(ctx, "orphan", model.LockConsumed, time.Now(), nil)
	require.NoError(t, err)

	w := do(t, router, http.MethodGet, "/api/v1/integrity", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	report := decode[integrity.Report](t, w)
	assert.False(t, report.Passed)
	check := report.Check(integrity.CheckConsumedLocksHaveEntries)
	require.NotNil(t, check)
	assert.Equal(t, []string{"orphan"}, check.OffendingIDs)
}
