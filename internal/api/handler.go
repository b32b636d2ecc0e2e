// Package api exposes the settlement engine over HTTP: market lifecycle,
// stake quotes and placement, escrow locks, wallets, settlement and the
// integrity report.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/escrow"
	"github.com/atmx/settlement-engine/internal/integrity"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/quote"
	"github.com/atmx/settlement-engine/internal/rail"
	"github.com/atmx/settlement-engine/internal/settlement"
	"github.com/atmx/settlement-engine/internal/store"
)

// Handler serves the engine's HTTP API.
type Handler struct {
	store   store.Store
	quotes  *quote.Service
	ledger  *escrow.Ledger
	settler *settlement.Service
	checker *integrity.Checker
	hub     *Hub // optional
	now     func() time.Time
}

// Deps are the services a Handler dispatches to.
type Deps struct {
	Store      store.Store
	Quotes     *quote.Service
	Ledger     *escrow.Ledger
	Settlement *settlement.Service
	Checker    *integrity.Checker
	Hub        *Hub
}

// NewHandler creates a handler. Deps.Hub may be nil.
func NewHandler(d Deps) *Handler {
	return &Handler{
		store:   d.Store,
		quotes:  d.Quotes,
		ledger:  d.Ledger,
		settler: d.Settlement,
		checker: d.Checker,
		hub:     d.Hub,
		now:     time.Now,
	}
}

// Mount registers the /api/v1 routes on r.
func (h *Handler) Mount(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		if h.hub != nil {
			r.Get("/ws", h.hub.HandleWS)
		}

		r.Get("/markets", h.ListMarkets)
		r.Post("/markets", h.CreateMarket)
		r.Get("/markets/{marketID}", h.GetMarket)
		r.Post("/markets/{marketID}/quote", h.Quote)
		r.Post("/markets/{marketID}/stakes", h.PlaceStake)
		r.Post("/markets/{marketID}/close", h.CloseMarket)
		r.Get("/markets/{marketID}/payouts", h.PreviewPayouts)
		r.Post("/markets/{marketID}/settle", h.SettleMarket)

		r.Post("/escrow/locks", h.CreateLock)
		r.Post("/escrow/locks/{lockID}/consume", h.ConsumeLock)
		r.Post("/escrow/locks/{lockID}/release", h.ReleaseLock)

		r.Get("/wallets/{userID}/{currency}", h.GetWallet)
		r.Post("/wallets/{userID}/deposit", h.Deposit)
		r.Post("/wallets/{userID}/withdraw", h.Withdraw)

		r.Get("/integrity", h.Integrity)
	})
}

// --- Request/Response types ---

// OptionSpec is one option of a new market. An empty ID is generated.
type OptionSpec struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// CreateMarketRequest is the JSON body for market creation.
type CreateMarketRequest struct {
	ID             string           `json:"id"`
	CreatorID      string           `json:"creator_id"`
	Title          string           `json:"title"`
	Options        []OptionSpec     `json:"options"`
	EntryDeadline  *time.Time       `json:"entry_deadline"`
	PlatformFeePct *decimal.Decimal `json:"platform_fee_percentage"`
	CreatorFeePct  *decimal.Decimal `json:"creator_fee_percentage"`
}

// MarketResponse is a market with its options.
type MarketResponse struct {
	*model.Market
	Options []model.Option `json:"options"`
}

// SettleRequest is the JSON body for POST /markets/{id}/settle.
type SettleRequest struct {
	WinningOptionID string `json:"winning_option_id"`
}

// WalletRequest is the JSON body for deposits and withdrawals.
type WalletRequest struct {
	Currency    string      `json:"currency"`
	Amount      money.Cents `json:"amount"`
	Provider    string      `json:"provider"`
	ExternalRef string      `json:"external_ref"`
}

// --- Markets ---

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.CreatorID == "" {
		writeError(w, "creator_id is required", http.StatusBadRequest)
		return
	}
	if len(req.Options) < 2 {
		writeError(w, "a market needs at least two options", http.StatusBadRequest)
		return
	}
	for _, pct := range []*decimal.Decimal{req.PlatformFeePct, req.CreatorFeePct} {
		if pct != nil && (pct.IsNegative() || pct.GreaterThan(decimal.NewFromInt(100))) {
			writeError(w, "fee percentages must be between 0 and 100", http.StatusBadRequest)
			return
		}
	}

	market := &model.Market{
		ID:             req.ID,
		CreatorID:      req.CreatorID,
		Title:          req.Title,
		Status:         model.MarketOpen,
		EntryDeadline:  req.EntryDeadline,
		PlatformFeePct: req.PlatformFeePct,
		CreatorFeePct:  req.CreatorFeePct,
		PricingModel:   model.DefaultPricingModel,
		CreatedAt:      h.now().UTC(),
	}
	if market.ID == "" {
		market.ID = uuid.NewString()
	}
	options := make([]model.Option, len(req.Options))
	seen := make(map[string]bool, len(req.Options))
	for i, o := range req.Options {
		id := o.ID
		if id == "" {
			id = uuid.NewString()
		}
		if seen[id] {
			writeError(w, "duplicate option id: "+id, http.StatusBadRequest)
			return
		}
		seen[id] = true
		options[i] = model.Option{ID: id, MarketID: market.ID, Label: o.Label}
	}

	ctx := r.Context()
	if err := h.store.EnsureUser(ctx, market.CreatorID); err != nil {
		writeError(w, "failed to register creator", http.StatusInternalServerError)
		return
	}
	if err := h.store.CreateMarket(ctx, market, options); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			writeError(w, err.Error(), http.StatusConflict)
			return
		}
		writeError(w, "failed to create market", http.StatusInternalServerError)
		return
	}

	slog.Info("market created",
		"id", market.ID,
		"creator", market.CreatorID,
		"options", len(options),
	)
	writeJSON(w, http.StatusCreated, MarketResponse{Market: market, Options: options})
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	marketID := chi.URLParam(r, "marketID")

	market, err := h.store.GetMarket(r.Context(), marketID)
	if err != nil {
		writeStoreError(w, err, "market not found")
		return
	}
	options, err := h.store.GetOptions(r.Context(), marketID)
	if err != nil {
		writeStoreError(w, err, "market not found")
		return
	}
	writeJSON(w, http.StatusOK, MarketResponse{Market: market, Options: options})
}

// ListMarkets handles GET /api/v1/markets
// Returns all markets, optionally filtered by ?status=open|closed|settled.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.store.ListMarkets(r.Context())
	if err != nil {
		writeError(w, "failed to list markets", http.StatusInternalServerError)
		return
	}

	status := model.MarketStatus(strings.ToLower(r.URL.Query().Get("status")))
	filtered := []model.Market{}
	for _, m := range markets {
		if status == "" || m.Status == status {
			filtered = append(filtered, m)
		}
	}
	writeJSON(w, http.StatusOK, filtered)
}

// Quote handles POST /api/v1/markets/{marketID}/quote
// The body uses the quote wire names: outcomeId, amount, userId, mode.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OutcomeID string      `json:"outcomeId"`
		Amount    money.Cents `json:"amount"`
		UserID    string      `json:"userId"`
		Mode      string      `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	mode, err := rail.ParseMode(body.Mode)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	q, err := h.quotes.Quote(r.Context(), quote.Request{
		MarketID:  chi.URLParam(r, "marketID"),
		OutcomeID: body.OutcomeID,
		Amount:    body.Amount,
		UserID:    body.UserID,
		Mode:      mode,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// PlaceStake handles POST /api/v1/markets/{marketID}/stakes
func (h *Handler) PlaceStake(w http.ResponseWriter, r *http.Request) {
	var req escrow.StakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Provider != "" {
		if _, err := rail.ParseProvider(req.Provider); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	req.MarketID = chi.URLParam(r, "marketID")

	entry, err := h.ledger.PlaceStake(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close
// Closes the market regardless of its deadline and releases pending locks.
func (h *Handler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	market, err := h.settler.Close(r.Context(), chi.URLParam(r, "marketID"), true)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, market)
}

// PreviewPayouts handles GET /api/v1/markets/{marketID}/payouts?rail=demo&winning_option_id=A
// It computes one rail's payout without applying it.
func (h *Handler) PreviewPayouts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	railName := q.Get("rail")
	if railName == "" {
		railName = rail.Demo.String()
	}
	rl, err := rail.Parse(railName)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	winner := q.Get("winning_option_id")
	if winner == "" {
		writeError(w, "winning_option_id is required", http.StatusBadRequest)
		return
	}

	result, err := h.settler.SettleRail(r.Context(), chi.URLParam(r, "marketID"), winner, rl)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// SettleMarket handles POST /api/v1/markets/{marketID}/settle
func (h *Handler) SettleMarket(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.WinningOptionID == "" {
		writeError(w, "winning_option_id is required", http.StatusBadRequest)
		return
	}

	out, err := h.settler.SettleMarket(r.Context(), chi.URLParam(r, "marketID"), req.WinningOptionID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if h.hub != nil {
		h.hub.Broadcast(Message{Type: "market_settled", MarketID: out.MarketID})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Escrow ---

// CreateLock handles POST /api/v1/escrow/locks
func (h *Handler) CreateLock(w http.ResponseWriter, r *http.Request) {
	var req escrow.LockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID == "" || req.MarketID == "" {
		writeError(w, "user_id and market_id are required", http.StatusBadRequest)
		return
	}
	if _, err := h.store.GetMarket(r.Context(), req.MarketID); err != nil {
		writeStoreError(w, err, "market not found")
		return
	}

	lock, err := h.ledger.CreateLock(r.Context(), req)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, lock)
}

// ConsumeLock handles POST /api/v1/escrow/locks/{lockID}/consume
func (h *Handler) ConsumeLock(w http.ResponseWriter, r *http.Request) {
	entry, err := h.ledger.ConsumeLock(r.Context(), chi.URLParam(r, "lockID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// ReleaseLock handles POST /api/v1/escrow/locks/{lockID}/release
func (h *Handler) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	lock, err := h.ledger.ReleaseLock(r.Context(), chi.URLParam(r, "lockID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lock)
}

// --- Wallets ---

// GetWallet handles GET /api/v1/wallets/{userID}/{currency}
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := h.ledger.Wallet(r.Context(), chi.URLParam(r, "userID"), strings.ToUpper(chi.URLParam(r, "currency")))
	if err != nil {
		writeError(w, "failed to load wallet", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// Deposit handles POST /api/v1/wallets/{userID}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.ledger.Deposit)
}

// Withdraw handles POST /api/v1/wallets/{userID}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.ledger.Withdraw)
}

type fundsOp func(ctx context.Context, userID, currency string, amount money.Cents, provider, externalRef string) (*model.Wallet, error)

func (h *Handler) moveFunds(w http.ResponseWriter, r *http.Request, op fundsOp) {
	var req WalletRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Currency == "" {
		writeError(w, "currency is required", http.StatusBadRequest)
		return
	}

	wallet, err := op(r.Context(), chi.URLParam(r, "userID"), strings.ToUpper(req.Currency), req.Amount, req.Provider, req.ExternalRef)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wallet)
}

// --- Integrity ---

// Integrity handles GET /api/v1/integrity
// Runs the ledger checks and returns the report; the status is 200 when
// every check passed and 409 otherwise.
func (h *Handler) Integrity(w http.ResponseWriter, r *http.Request) {
	report, err := h.checker.Run(r.Context())
	if err != nil {
		writeError(w, "failed to read ledger", http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if !report.Passed {
		status = http.StatusConflict
	}
	writeJSON(w, status, report)
}
