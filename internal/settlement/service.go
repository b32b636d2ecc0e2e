// Package settlement computes and applies per-rail payouts for a resolved
// market.
//
// Each (market, rail) is applied at most once: the payout credits, fee
// entries and a settlement marker are written in one store transaction,
// and the marker's uniqueness rejects every later attempt. A retry after a
// crash either finds the marker and skips, or finds nothing and applies the
// whole rail.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/settlement-engine/internal/escrow"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/payout"
	"github.com/atmx/settlement-engine/internal/pricing"
	"github.com/atmx/settlement-engine/internal/rail"
	"github.com/atmx/settlement-engine/internal/store"
)

// PlatformBeneficiary is the beneficiary recorded on platform fee entries.
const PlatformBeneficiary = "platform"

// DefaultLockTTL bounds how long one rail may hold the settlement lock.
const DefaultLockTTL = 2 * time.Minute

var (
	ErrMarketNotFound  = errors.New("settlement: market not found")
	ErrUnknownOption   = errors.New("settlement: winning option does not belong to market")
	ErrMarketNotClosed = errors.New("settlement: market is not closed")
	ErrAlreadySettled  = errors.New("settlement: rail already settled")
	ErrWinnerMismatch  = errors.New("settlement: market already settled with a different winner")
)

// Locker serializes settlement of one (market, rail) across processes.
// store.RedisLocker satisfies it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

// LockReleaser returns in-flight escrow locks when a market closes.
// escrow.Ledger satisfies it.
type LockReleaser interface {
	ReleaseMarketLocks(ctx context.Context, marketID string) (int, error)
}

// AddressResolver maps a user to the wallet address that receives crypto
// claims.
type AddressResolver func(userID string) (common.Address, bool)

// HexUserAddress treats user ids that are hex addresses as their own
// claim address.
func HexUserAddress(userID string) (common.Address, bool) {
	if !common.IsHexAddress(userID) {
		return common.Address{}, false
	}
	return common.HexToAddress(userID), true
}

// RailOutcome is the settlement of one rail.
type RailOutcome struct {
	Rail    rail.Rail           `json:"rail"`
	Result  *model.PayoutResult `json:"result"`
	Applied bool                `json:"applied"`
	// ClaimRoot is set for the crypto rail when any winner has an address.
	ClaimRoot *common.Hash `json:"claim_root,omitempty"`
}

// MarketSettlement is the outcome of settling every rail of a market.
type MarketSettlement struct {
	MarketID        string        `json:"market_id"`
	WinningOptionID string        `json:"winning_option_id"`
	Rails           []RailOutcome `json:"rails"`
}

// Service settles markets against a store.
type Service struct {
	store    store.Store
	calc     *payout.Calculator
	fees     model.FeeSchedule
	rails    []rail.Rail
	locker   Locker
	lockTTL  time.Duration
	releaser LockReleaser
	notifier escrow.Notifier
	resolve  AddressResolver
	now      func() time.Time
	newID    func() string
	logger   *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithDefaultFees sets the fee schedule for markets without explicit fees.
func WithDefaultFees(fees model.FeeSchedule) Option {
	return func(s *Service) { s.fees = fees }
}

// WithRails overrides the rails SettleMarket visits.
func WithRails(rails ...rail.Rail) Option {
	return func(s *Service) { s.rails = rails }
}

// WithLocker takes a distributed lock around each rail application.
func WithLocker(l Locker, ttl time.Duration) Option {
	return func(s *Service) {
		s.locker = l
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// WithLockReleaser releases pending escrow locks when a market closes.
func WithLockReleaser(r LockReleaser) Option {
	return func(s *Service) { s.releaser = r }
}

// WithNotifier publishes payout credits.
func WithNotifier(n escrow.Notifier) Option {
	return func(s *Service) { s.notifier = n }
}

// WithAddressResolver sets how crypto winners map to claim addresses.
func WithAddressResolver(r AddressResolver) Option {
	return func(s *Service) { s.resolve = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDs overrides the ID generator.
func WithIDs(newID func() string) Option {
	return func(s *Service) { s.newID = newID }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a settlement service over st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{
		store:   st,
		fees:    pricing.DefaultFees,
		rails:   rail.All(),
		lockTTL: DefaultLockTTL,
		resolve: HexUserAddress,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.calc = payout.NewCalculator(s.logger)
	return s
}

// SettleRail computes the payout of one rail from the persisted entries.
// It writes nothing; calling it twice with the same ledger yields the same
// result.
func (s *Service) SettleRail(ctx context.Context, marketID, winningOptionID string, r rail.Rail) (*model.PayoutResult, error) {
	market, err := s.market(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if err := s.checkOption(ctx, marketID, winningOptionID); err != nil {
		return nil, err
	}
	entries, err := s.store.ListEntries(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("list entries of %s: %w", marketID, err)
	}
	return s.calc.Calculate(payout.Input{
		MarketID:        marketID,
		WinningOptionID: winningOptionID,
		Entries:         entries,
		Fees:            pricing.MarketFees(market, s.fees),
		Rail:            r,
	})
}

// ApplyRail persists result: one payout credit per winner, the platform and
// creator fee entries, and the (market, rail) marker, in one transaction.
// A rail that already carries a marker fails with ErrAlreadySettled, or
// ErrWinnerMismatch when the recorded winner differs.
func (s *Service) ApplyRail(ctx context.Context, result *model.PayoutResult) error {
	r := result.Rail
	if s.locker != nil {
		release, err := s.locker.Acquire(ctx, "settle:"+result.MarketID+":"+r.String(), s.lockTTL)
		if err != nil {
			return err
		}
		defer release()
	}

	market, err := s.market(ctx, result.MarketID)
	if err != nil {
		return err
	}
	if err := s.checkMarker(ctx, result); err != nil {
		return err
	}

	batch := s.batch(market, result)
	if err := s.store.ApplySettlement(ctx, batch); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			if markerErr := s.checkMarker(ctx, result); markerErr != nil {
				return markerErr
			}
		}
		metrics.RailsSettled.WithLabelValues(r.String(), "failed").Inc()
		return fmt.Errorf("apply settlement %s/%s: %w", result.MarketID, r, err)
	}

	metrics.RailsSettled.WithLabelValues(r.String(), "applied").Inc()
	metrics.PayoutCents.WithLabelValues(r.String()).Add(float64(result.TotalPaid()))
	metrics.FeeCents.WithLabelValues(r.String(), string(model.FeePlatform)).Add(float64(result.PlatformFee))
	metrics.FeeCents.WithLabelValues(r.String(), string(model.FeeCreator)).Add(float64(result.CreatorFee))
	s.logger.Info("rail settled",
		"market", result.MarketID, "rail", r.String(), "winner", result.WinningOptionID,
		"winners", len(result.Payouts), "distributable", result.DistributablePot.String(),
		"platform_fee", result.PlatformFee.String(), "creator_fee", result.CreatorFee.String())

	for _, c := range batch.Credits {
		s.notify(escrow.WalletEvent{UserID: c.UserID, Currency: batch.Currency, Reason: escrow.ReasonPayout, Delta: c.Amount, MarketID: result.MarketID})
	}
	return nil
}

// checkMarker returns nil when (market, rail) has no marker yet.
func (s *Service) checkMarker(ctx context.Context, result *model.PayoutResult) error {
	marker, err := s.store.GetSettlementMarker(ctx, result.MarketID, result.Rail)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.RailsSettled.WithLabelValues(result.Rail.String(), "skipped").Inc()
	if marker.WinningOptionID != result.WinningOptionID {
		s.logger.Error("settlement winner differs from recorded marker",
			"market", result.MarketID, "rail", result.Rail.String(),
			"recorded", marker.WinningOptionID, "requested", result.WinningOptionID)
		return fmt.Errorf("%w: %s/%s settled with %s", ErrWinnerMismatch, result.MarketID, result.Rail, marker.WinningOptionID)
	}
	s.logger.Warn("rail already settled, skipping",
		"market", result.MarketID, "rail", result.Rail.String(), "settled_at", marker.SettledAt)
	return fmt.Errorf("%w: %s/%s at %s", ErrAlreadySettled, result.MarketID, result.Rail, marker.SettledAt.Format(time.RFC3339))
}

func (s *Service) batch(market *model.Market, result *model.PayoutResult) *store.SettlementBatch {
	now := s.now()
	r := result.Rail
	b := &store.SettlementBatch{
		Marker: model.SettlementMarker{
			MarketID:         result.MarketID,
			Rail:             r,
			WinningOptionID:  result.WinningOptionID,
			DistributablePot: result.DistributablePot,
			SettledAt:        now,
		},
		Currency: r.Currency(),
		Provider: r.Provider(),
	}
	fees := []model.FeeEntry{
		{Kind: model.FeePlatform, Beneficiary: PlatformBeneficiary, Amount: result.PlatformFee},
		{Kind: model.FeeCreator, Beneficiary: market.CreatorID, Amount: result.CreatorFee},
	}
	for _, f := range fees {
		if f.Amount == 0 {
			continue
		}
		f.ID = s.newID()
		f.MarketID = result.MarketID
		f.Rail = r
		f.CreatedAt = now
		b.Fees = append(b.Fees, f)
	}
	for _, userID := range sortedUsers(result.Payouts) {
		amount := result.Payouts[userID]
		if amount <= 0 {
			continue
		}
		b.Credits = append(b.Credits, store.Credit{UserID: userID, Amount: amount})
		b.Transactions = append(b.Transactions, model.WalletTransaction{
			ID:          s.newID(),
			UserID:      userID,
			Currency:    b.Currency,
			Kind:        model.TxPayout,
			Direction:   model.Credit,
			Provider:    b.Provider,
			ExternalRef: "payout_" + result.MarketID + "_" + userID,
			Amount:      amount,
			MarketID:    result.MarketID,
			CreatedAt:   now,
		})
	}
	return b
}

// Close moves an open market to closed and releases its pending escrow
// locks. Unless force is set, the entry deadline must have passed.
func (s *Service) Close(ctx context.Context, marketID string, force bool) (*model.Market, error) {
	market, err := s.market(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market.Status != model.MarketOpen {
		return market, nil
	}
	if !force && !market.DeadlinePassed(s.now()) {
		return nil, fmt.Errorf("%w: %s still accepts entries", ErrMarketNotClosed, marketID)
	}
	if err := s.store.UpdateMarketStatus(ctx, marketID, model.MarketOpen, model.MarketClosed); err != nil && !errors.Is(err, store.ErrStatusConflict) {
		return nil, fmt.Errorf("close market %s: %w", marketID, err)
	}
	s.logger.Info("market closed", "market", marketID, "forced", force)

	if s.releaser != nil {
		released, err := s.releaser.ReleaseMarketLocks(ctx, marketID)
		if err != nil {
			return nil, fmt.Errorf("release pending locks of %s: %w", marketID, err)
		}
		if released > 0 {
			s.logger.Info("pending escrow locks released on close", "market", marketID, "count", released)
		}
	}
	return s.market(ctx, marketID)
}

// SettleMarket settles every configured rail of a market concurrently and
// marks the market settled. An open market past its deadline is closed
// first. Rails settled by an earlier attempt are reported with Applied
// false; the call is safe to retry.
func (s *Service) SettleMarket(ctx context.Context, marketID, winningOptionID string) (*MarketSettlement, error) {
	market, err := s.market(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if market.Status == model.MarketOpen {
		if !market.DeadlinePassed(s.now()) {
			return nil, fmt.Errorf("%w: %s is open", ErrMarketNotClosed, marketID)
		}
		if _, err := s.Close(ctx, marketID, false); err != nil {
			return nil, err
		}
	}
	if err := s.checkOption(ctx, marketID, winningOptionID); err != nil {
		return nil, err
	}

	outcomes := make([]RailOutcome, len(s.rails))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range s.rails {
		g.Go(func() error {
			out, err := s.settleOne(gctx, marketID, winningOptionID, r)
			if err != nil {
				return fmt.Errorf("rail %s: %w", r, err)
			}
			outcomes[i] = *out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := s.store.UpdateMarketStatus(ctx, marketID, model.MarketClosed, model.MarketSettled); err != nil && !errors.Is(err, store.ErrStatusConflict) {
		return nil, fmt.Errorf("mark %s settled: %w", marketID, err)
	}
	return &MarketSettlement{MarketID: marketID, WinningOptionID: winningOptionID, Rails: outcomes}, nil
}

func (s *Service) settleOne(ctx context.Context, marketID, winningOptionID string, r rail.Rail) (*RailOutcome, error) {
	result, err := s.SettleRail(ctx, marketID, winningOptionID, r)
	if err != nil {
		return nil, err
	}
	out := &RailOutcome{Rail: r, Result: result, Applied: true}
	if err := s.ApplyRail(ctx, result); err != nil {
		if !errors.Is(err, ErrAlreadySettled) {
			return nil, err
		}
		out.Applied = false
	}

	if r.Kind == rail.KindCryptoBaseUSDC {
		if tree := s.claimTree(result); tree != nil {
			root := tree.Root
			out.ClaimRoot = &root
		}
	}
	return out, nil
}

// ClaimTree builds the Merkle claim tree of a crypto-rail result. Winners
// without a resolvable address are left out and logged.
func (s *Service) ClaimTree(result *model.PayoutResult) (*ClaimTree, error) {
	var claims []Claim
	for _, userID := range sortedUsers(result.Payouts) {
		amount := result.Payouts[userID]
		if amount <= 0 {
			continue
		}
		addr, ok := s.resolve(userID)
		if !ok {
			s.logger.Warn("crypto winner has no claim address", "market", result.MarketID, "user", userID, "amount", amount.String())
			continue
		}
		claims = append(claims, Claim{Address: addr, Amount: amount})
	}
	return BuildClaimTree(result.MarketID, claims)
}

func (s *Service) claimTree(result *model.PayoutResult) *ClaimTree {
	tree, err := s.ClaimTree(result)
	if err != nil {
		if !errors.Is(err, ErrEmptyClaims) {
			s.logger.Error("build claim tree", "market", result.MarketID, "error", err)
		}
		return nil
	}
	s.logger.Info("crypto claim tree built", "market", result.MarketID, "root", tree.Root.Hex(), "claims", len(tree.Claims))
	return tree
}

func (s *Service) market(ctx context.Context, marketID string) (*model.Market, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, marketID)
		}
		return nil, err
	}
	return m, nil
}

func (s *Service) checkOption(ctx context.Context, marketID, optionID string) error {
	options, err := s.store.GetOptions(ctx, marketID)
	if err != nil {
		return err
	}
	for _, o := range options {
		if o.ID == optionID {
			return nil
		}
	}
	return fmt.Errorf("%w: %s in %s", ErrUnknownOption, optionID, marketID)
}

func (s *Service) notify(ev escrow.WalletEvent) {
	if s.notifier != nil {
		s.notifier.WalletUpdated(ev)
	}
}

func sortedUsers(m map[string]money.Cents) []string {
	users := make([]string, 0, len(m))
	for u := range m {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
