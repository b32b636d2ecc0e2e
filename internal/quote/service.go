// Package quote produces advisory before/after stake quotes.
//
// A quote reads the market, its option pools and the user's own entries,
// then prices the option twice: as it stands, and as it would stand after
// the requested stake. Quotes never reserve funds and never mutate state.
package quote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/position"
	"github.com/atmx/settlement-engine/internal/pricing"
	"github.com/atmx/settlement-engine/internal/rail"
	"github.com/atmx/settlement-engine/internal/store"
)

// Disclaimer is attached to every quote.
const Disclaimer = "Estimated; final payout depends on final pools at close."

var (
	ErrInvalidAmount       = errors.New("quote: amount must be positive")
	ErrMarketNotFound      = errors.New("quote: prediction not found")
	ErrOptionNotFound      = errors.New("quote: option not found")
	ErrMarketNotOpen       = errors.New("quote: prediction is not open")
	ErrMarketClosed        = errors.New("quote: prediction entry deadline has passed")
	ErrConflictingPosition = position.ErrConflictingPosition
)

// Failure codes reported to callers.
const (
	CodeInvalidAmount       = "invalid_amount"
	CodeMarketNotFound      = "prediction_not_found"
	CodeOptionNotFound      = "option_not_found"
	CodeMarketNotOpen       = "prediction_not_open"
	CodeMarketClosed        = "prediction_closed"
	CodeConflictingPosition = "conflicting_position"
)

// Code maps an error returned by Quote to its failure code, or "" for
// errors that are not quote failures.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidAmount):
		return CodeInvalidAmount
	case errors.Is(err, ErrMarketNotFound):
		return CodeMarketNotFound
	case errors.Is(err, ErrOptionNotFound):
		return CodeOptionNotFound
	case errors.Is(err, ErrMarketNotOpen):
		return CodeMarketNotOpen
	case errors.Is(err, ErrMarketClosed):
		return CodeMarketClosed
	case errors.Is(err, ErrConflictingPosition):
		return CodeConflictingPosition
	}
	return ""
}

// Reader is the read side of the ledger a quote needs.
type Reader interface {
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	GetOptions(ctx context.Context, marketID string) ([]model.Option, error)
	ListUserEntries(ctx context.Context, marketID, userID string) ([]model.Entry, error)
}

// Request is one quote request.
type Request struct {
	MarketID  string      `json:"marketId"`
	OutcomeID string      `json:"outcomeId"`
	Amount    money.Cents `json:"amount"`
	UserID    string      `json:"userId"`
	Mode      rail.Mode   `json:"mode"`
}

// Service computes quotes. It holds no mutable state and is safe for
// concurrent use.
type Service struct {
	reader Reader
	fees   model.FeeSchedule
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultFees sets the fee schedule for markets without explicit fees.
func WithDefaultFees(fees model.FeeSchedule) Option {
	return func(s *Service) { s.fees = fees }
}

// WithClock overrides the time source used for deadline checks.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a quote service over reader.
func NewService(reader Reader, opts ...Option) *Service {
	s := &Service{
		reader: reader,
		fees:   pricing.DefaultFees,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Quote prices adding req.Amount to req.OutcomeID for req.UserID.
func (s *Service) Quote(ctx context.Context, req Request) (*model.Quote, error) {
	start := time.Now()
	q, err := s.quote(ctx, req)
	metrics.QuoteLatency.Observe(time.Since(start).Seconds())

	code := Code(err)
	switch {
	case err == nil:
		code = "ok"
	case code == "":
		code = "error"
		s.logger.Error("quote failed", "market", req.MarketID, "outcome", req.OutcomeID, "error", err)
	}
	metrics.QuotesTotal.WithLabelValues(code).Inc()
	return q, err
}

func (s *Service) quote(ctx context.Context, req Request) (*model.Quote, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}

	market, err := s.reader.GetMarket(ctx, req.MarketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, req.MarketID)
		}
		return nil, err
	}
	if market.Status != model.MarketOpen {
		return nil, fmt.Errorf("%w: status is %s", ErrMarketNotOpen, market.Status)
	}
	if market.DeadlinePassed(s.now()) {
		return nil, fmt.Errorf("%w: deadline was %s", ErrMarketClosed, market.EntryDeadline.Format(time.RFC3339))
	}

	options, err := s.reader.GetOptions(ctx, market.ID)
	if err != nil {
		return nil, err
	}
	var option *model.Option
	for i := range options {
		if options[i].ID == req.OutcomeID {
			option = &options[i]
			break
		}
	}
	if option == nil {
		return nil, fmt.Errorf("%w: %s in %s", ErrOptionNotFound, req.OutcomeID, market.ID)
	}

	mode := req.Mode
	if mode == "" {
		mode = rail.ModeDemo
	}
	var existing money.Cents
	if req.UserID != "" {
		entries, err := s.reader.ListUserEntries(ctx, market.ID, req.UserID)
		if err != nil {
			return nil, err
		}
		book := position.NewBook(entries, mode.Relevant)
		if err := book.CheckConflict(req.UserID, option.ID); err != nil {
			return nil, err
		}
		existing = book.Stake(req.UserID, option.ID)
	}

	pools := pricing.Pools{Total: market.PoolTotal, Option: option.TotalStaked}
	feeBps := pricing.MarketFees(market, s.fees).TotalBps()

	pricingModel := market.PricingModel
	if pricingModel == "" {
		pricingModel = model.DefaultPricingModel
	}

	return &model.Quote{
		MarketID:     market.ID,
		OutcomeID:    option.ID,
		Amount:       req.Amount,
		PricingModel: pricingModel,
		Current:      side(pools, 0, existing, feeBps),
		After:        side(pools, req.Amount, existing+req.Amount, feeBps),
		Disclaimer:   Disclaimer,
	}, nil
}

// side prices the option after adding stake to the pools and applies the
// multiple to the user's resulting total stake.
func side(pools pricing.Pools, stake, userStake money.Cents, feeBps int64) model.QuoteSide {
	out := model.QuoteSide{UserStake: userStake}
	multiple, ok := pricing.PostOddsMultiple(pools, stake, feeBps)
	if !ok {
		return out
	}
	display := pricing.Display(multiple)
	out.OddsOrPrice = &display
	out.EstPayout = pricing.EstimatePayout(userStake, multiple)
	return out
}
