// Package escrow owns wallet balances and the escrow lock lifecycle.
//
// A lock reserves funds against a wallet before the stake entry exists:
//
//	pending ──consume──▶ consumed   (exactly one entry references it)
//	   │
//	   └────release────▶ released   (funds back in available)
//
// Both end states are terminal. Every operation that touches a wallet is
// serialized per (user, currency) inside the process, and the store applies
// each balance change as a conditional update, so two engine instances
// cannot over-commit the same funds either.
//
// Consuming a lock and writing its entry are two store calls. A crash
// between them leaves a consumed lock without an entry; the Reconciler
// detects and repairs that state.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/position"
	"github.com/atmx/settlement-engine/internal/quote"
	"github.com/atmx/settlement-engine/internal/rail"
	"github.com/atmx/settlement-engine/internal/store"
)

// DefaultLockTTL is how long a pending lock may wait for its entry before
// reconciliation releases it.
const DefaultLockTTL = 10 * time.Minute

var (
	ErrInvalidAmount        = errors.New("escrow: amount must be positive")
	ErrInsufficientFunds    = store.ErrInsufficientFunds
	ErrLockNotFound         = errors.New("escrow: lock not found")
	ErrLockAlreadyFinalized = errors.New("escrow: lock already finalized")
	ErrLockExpired          = errors.New("escrow: lock expired")
	ErrLockMismatch         = errors.New("escrow: lock does not match stake request")
	ErrDuplicateReference   = errors.New("escrow: external reference already recorded")
)

// Event reasons published to the Notifier.
const (
	ReasonDeposit    = "deposit"
	ReasonWithdrawal = "withdrawal"
	ReasonLock       = "escrow_lock"
	ReasonRelease    = "escrow_release"
	ReasonStake      = "stake"
	ReasonPayout     = "payout"
)

// WalletEvent describes a balance change. Delta is the change in
// available balance.
type WalletEvent struct {
	UserID   string      `json:"user_id"`
	Currency string      `json:"currency"`
	Reason   string      `json:"reason"`
	Delta    money.Cents `json:"delta"`
	MarketID string      `json:"market_id,omitempty"`
}

// Notifier receives wallet events after they are committed.
type Notifier interface {
	WalletUpdated(ev WalletEvent)
}

// Quoter prices a stake before it is placed.
type Quoter interface {
	Quote(ctx context.Context, req quote.Request) (*model.Quote, error)
}

// Ledger applies wallet and lock operations against a store.
type Ledger struct {
	store    store.Store
	wallets  *walletMutex
	ttl      time.Duration
	now      func() time.Time
	newID    func() string
	notifier Notifier
	quoter   Quoter
	logger   *slog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLockTTL sets the pending-lock lifetime.
func WithLockTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.ttl = ttl }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithIDs overrides the ID generator.
func WithIDs(newID func() string) Option {
	return func(l *Ledger) { l.newID = newID }
}

// WithNotifier sets the wallet event sink.
func WithNotifier(n Notifier) Option {
	return func(l *Ledger) { l.notifier = n }
}

// WithQuoter prices every PlaceStake call and stores the quote on the
// entry it writes.
func WithQuoter(q Quoter) Option {
	return func(l *Ledger) { l.quoter = q }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// NewLedger creates a ledger over st.
func NewLedger(st store.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   st,
		wallets: newWalletMutex(),
		ttl:     DefaultLockTTL,
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Wallet returns the wallet for (userID, currency). A wallet that was never
// funded is returned with zero balances.
func (l *Ledger) Wallet(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	w, err := l.store.GetWallet(ctx, userID, currency)
	if errors.Is(err, store.ErrNotFound) {
		return &model.Wallet{UserID: userID, Currency: currency}, nil
	}
	return w, err
}

// Deposit credits available balance. externalRef, if set, must be unique
// for the provider.
func (l *Ledger) Deposit(ctx context.Context, userID, currency string, amount money.Cents, provider, externalRef string) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	key := model.WalletKey{UserID: userID, Currency: currency}
	unlock := l.wallets.Lock(key)
	defer unlock()

	if err := l.store.EnsureUser(ctx, userID); err != nil {
		return nil, err
	}
	tx := l.transaction(key, model.TxDeposit, model.Credit, provider, externalRef, amount)
	if err := l.store.CreditAvailable(ctx, key, amount, tx); err != nil {
		return nil, l.mapErr(err)
	}
	l.notify(WalletEvent{UserID: userID, Currency: currency, Reason: ReasonDeposit, Delta: amount})
	return l.Wallet(ctx, userID, currency)
}

// Withdraw debits available balance iff it covers amount.
func (l *Ledger) Withdraw(ctx context.Context, userID, currency string, amount money.Cents, provider, externalRef string) (*model.Wallet, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, amount)
	}
	key := model.WalletKey{UserID: userID, Currency: currency}
	unlock := l.wallets.Lock(key)
	defer unlock()

	tx := l.transaction(key, model.TxWithdrawal, model.Debit, provider, externalRef, amount)
	if err := l.store.DebitAvailable(ctx, key, amount, tx); err != nil {
		return nil, l.mapErr(err)
	}
	l.notify(WalletEvent{UserID: userID, Currency: currency, Reason: ReasonWithdrawal, Delta: -amount})
	return l.Wallet(ctx, userID, currency)
}

// LockRequest describes funds to reserve for a stake intent.
type LockRequest struct {
	// ID is optional; a new one is generated when empty.
	ID       string      `json:"lock_id,omitempty"`
	UserID   string      `json:"user_id"`
	MarketID string      `json:"market_id"`
	OptionID string      `json:"option_id"`
	Provider string      `json:"provider"`
	Amount   money.Cents `json:"amount"`
}

// CreateLock reserves req.Amount from the wallet of the provider's rail
// currency and returns the pending lock.
func (l *Ledger) CreateLock(ctx context.Context, req LockRequest) (*model.EscrowLock, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAmount, req.Amount)
	}
	r := rail.Classify(req.Provider)
	key := model.WalletKey{UserID: req.UserID, Currency: r.Currency()}
	unlock := l.wallets.Lock(key)
	defer unlock()

	return l.createLockLocked(ctx, req, r)
}

func (l *Ledger) createLockLocked(ctx context.Context, req LockRequest, r rail.Rail) (*model.EscrowLock, error) {
	now := l.now()
	id := req.ID
	if id == "" {
		id = l.newID()
	}
	provider := req.Provider
	if provider == "" {
		provider = r.Provider()
	}
	if err := l.store.EnsureUser(ctx, req.UserID); err != nil {
		return nil, err
	}
	lock := &model.EscrowLock{
		ID:        id,
		UserID:    req.UserID,
		MarketID:  req.MarketID,
		OptionID:  req.OptionID,
		Provider:  provider,
		Currency:  r.Currency(),
		Amount:    req.Amount,
		State:     model.LockPending,
		CreatedAt: now,
		ExpiresAt: now.Add(l.ttl),
	}
	if err := l.store.CreateLock(ctx, lock); err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			metrics.LockRejections.WithLabelValues("insufficient_funds").Inc()
		}
		return nil, l.mapErr(err)
	}

	metrics.LockTransitions.WithLabelValues(string(model.LockPending)).Inc()
	l.logger.Info("escrow lock created",
		"lock", lock.ID, "user", lock.UserID, "market", lock.MarketID,
		"amount", lock.Amount.String(), "currency", lock.Currency)
	l.notify(WalletEvent{UserID: lock.UserID, Currency: lock.Currency, Reason: ReasonLock, Delta: -lock.Amount, MarketID: lock.MarketID})
	return lock, nil
}

// ConsumeLock converts a pending lock into exactly one entry on the option
// and provider the lock recorded.
func (l *Ledger) ConsumeLock(ctx context.Context, lockID string) (*model.Entry, error) {
	lock, err := l.getLock(ctx, lockID)
	if err != nil {
		return nil, err
	}
	if lock.State == model.LockPending {
		if err := l.checkAcceptsEntries(ctx, lock.MarketID); err != nil {
			return nil, err
		}
	}
	unlock := l.wallets.Lock(model.WalletKey{UserID: lock.UserID, Currency: lock.Currency})
	defer unlock()

	return l.consumeLocked(ctx, lockID, nil)
}

// checkAcceptsEntries fails unless the market is open and before its
// entry deadline.
func (l *Ledger) checkAcceptsEntries(ctx context.Context, marketID string) error {
	market, err := l.store.GetMarket(ctx, marketID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", quote.ErrMarketNotFound, marketID)
		}
		return err
	}
	if market.Status != model.MarketOpen {
		return fmt.Errorf("%w: status is %s", quote.ErrMarketNotOpen, market.Status)
	}
	if market.DeadlinePassed(l.now()) {
		return fmt.Errorf("%w: market %s", quote.ErrMarketClosed, market.ID)
	}
	return nil
}

func (l *Ledger) consumeLocked(ctx context.Context, lockID string, snapshot *model.Quote) (*model.Entry, error) {
	lock, err := l.getLock(ctx, lockID)
	if err != nil {
		return nil, err
	}
	if lock.State.Terminal() {
		metrics.LockRejections.WithLabelValues("finalized").Inc()
		return nil, fmt.Errorf("%w: lock %s is %s", ErrLockAlreadyFinalized, lock.ID, lock.State)
	}
	if !l.now().Before(lock.ExpiresAt) {
		metrics.LockRejections.WithLabelValues("expired").Inc()
		return nil, fmt.Errorf("%w: lock %s expired at %s", ErrLockExpired, lock.ID, lock.ExpiresAt.Format(time.RFC3339))
	}
	if lock.OptionID == "" {
		return nil, fmt.Errorf("%w: lock %s has no option", ErrLockMismatch, lock.ID)
	}

	consumed, err := l.store.FinalizeLock(ctx, lock.ID, model.LockConsumed, l.now(), nil)
	if err != nil {
		return nil, l.mapErr(err)
	}
	metrics.LockTransitions.WithLabelValues(string(model.LockConsumed)).Inc()

	return l.writeEntry(ctx, consumed, snapshot)
}

// writeEntry persists the entry for a consumed lock, or returns the one
// already written. snapshot is the quote shown for the stake, if any.
func (l *Ledger) writeEntry(ctx context.Context, lock *model.EscrowLock, snapshot *model.Quote) (*model.Entry, error) {
	now := l.now()
	entry := &model.Entry{
		ID:           l.newID(),
		MarketID:     lock.MarketID,
		OptionID:     lock.OptionID,
		UserID:       lock.UserID,
		Amount:       lock.Amount,
		Provider:     lock.Provider,
		Status:       model.EntryActive,
		EscrowLockID: lock.ID,
		Quote:        snapshot,
		CreatedAt:    now,
	}
	tx := &model.WalletTransaction{
		ID:          l.newID(),
		UserID:      lock.UserID,
		Currency:    lock.Currency,
		Kind:        model.TxStake,
		Direction:   model.Debit,
		Provider:    lock.Provider,
		ExternalRef: "stake_" + entry.ID,
		Amount:      lock.Amount,
		MarketID:    lock.MarketID,
		EntryID:     entry.ID,
		CreatedAt:   now,
	}
	if err := l.store.InsertEntry(ctx, entry, tx); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			if existing, getErr := l.store.GetEntryByLock(ctx, lock.ID); getErr == nil {
				return existing, nil
			}
		}
		if errors.Is(err, store.ErrMarketNotOpen) {
			// The market closed after the lock was consumed. Hand the funds
			// back now; if that fails the reconciler reverts the lock.
			if revertErr := l.revertConsumed(ctx, lock); revertErr != nil {
				l.logger.Error("revert consumed lock failed", "lock", lock.ID, "market", lock.MarketID, "err", revertErr)
			}
			return nil, fmt.Errorf("%w: lock %s: %v", quote.ErrMarketNotOpen, lock.ID, err)
		}
		return nil, fmt.Errorf("write entry for lock %s: %w", lock.ID, err)
	}

	l.logger.Info("stake entry written",
		"entry", entry.ID, "lock", lock.ID, "user", entry.UserID,
		"market", entry.MarketID, "option", entry.OptionID, "amount", entry.Amount.String())
	l.notify(WalletEvent{UserID: lock.UserID, Currency: lock.Currency, Reason: ReasonStake, MarketID: lock.MarketID})
	return entry, nil
}

// revertConsumed moves a consumed lock with no entry back to released and
// credits its funds. The caller holds the wallet mutex.
func (l *Ledger) revertConsumed(ctx context.Context, lock *model.EscrowLock) error {
	now := l.now()
	tx := &model.WalletTransaction{
		ID:          l.newID(),
		UserID:      lock.UserID,
		Currency:    lock.Currency,
		Kind:        model.TxRelease,
		Direction:   model.Credit,
		Provider:    lock.Provider,
		ExternalRef: "release_" + lock.ID,
		Amount:      lock.Amount,
		MarketID:    lock.MarketID,
		CreatedAt:   now,
	}
	if _, err := l.store.RevertConsumedLock(ctx, lock.ID, now, tx); err != nil {
		return err
	}
	metrics.LockTransitions.WithLabelValues(string(model.LockReleased)).Inc()
	l.logger.Warn("consumed lock reverted", "lock", lock.ID, "market", lock.MarketID, "amount", lock.Amount.String())
	l.notify(WalletEvent{UserID: lock.UserID, Currency: lock.Currency, Reason: ReasonRelease, Delta: lock.Amount, MarketID: lock.MarketID})
	return nil
}

// ReleaseLock returns a pending lock's funds to available.
func (l *Ledger) ReleaseLock(ctx context.Context, lockID string) (*model.EscrowLock, error) {
	lock, err := l.getLock(ctx, lockID)
	if err != nil {
		return nil, err
	}
	unlock := l.wallets.Lock(model.WalletKey{UserID: lock.UserID, Currency: lock.Currency})
	defer unlock()

	return l.releaseLocked(ctx, lock)
}

func (l *Ledger) releaseLocked(ctx context.Context, lock *model.EscrowLock) (*model.EscrowLock, error) {
	now := l.now()
	tx := &model.WalletTransaction{
		ID:          l.newID(),
		UserID:      lock.UserID,
		Currency:    lock.Currency,
		Kind:        model.TxRelease,
		Direction:   model.Credit,
		Provider:    lock.Provider,
		ExternalRef: "release_" + lock.ID,
		Amount:      lock.Amount,
		MarketID:    lock.MarketID,
		CreatedAt:   now,
	}
	released, err := l.store.FinalizeLock(ctx, lock.ID, model.LockReleased, now, tx)
	if err != nil {
		if errors.Is(err, store.ErrLockNotPending) {
			metrics.LockRejections.WithLabelValues("finalized").Inc()
		}
		return nil, l.mapErr(err)
	}

	metrics.LockTransitions.WithLabelValues(string(model.LockReleased)).Inc()
	l.logger.Info("escrow lock released",
		"lock", released.ID, "user", released.UserID, "market", released.MarketID,
		"amount", released.Amount.String())
	l.notify(WalletEvent{UserID: released.UserID, Currency: released.Currency, Reason: ReasonRelease, Delta: released.Amount, MarketID: released.MarketID})
	return released, nil
}

// ReleaseMarketLocks releases every pending lock of a market, e.g. when it
// is voided or closes with stake intents in flight. It returns the number
// of locks released; locks finalized concurrently are skipped.
func (l *Ledger) ReleaseMarketLocks(ctx context.Context, marketID string) (int, error) {
	pending, err := l.store.ListLocks(ctx, store.LockFilter{MarketID: marketID, State: model.LockPending})
	if err != nil {
		return 0, err
	}
	released := 0
	for i := range pending {
		if _, err := l.ReleaseLock(ctx, pending[i].ID); err != nil {
			if errors.Is(err, ErrLockAlreadyFinalized) {
				continue
			}
			return released, err
		}
		released++
	}
	return released, nil
}

// StakeRequest places a stake funded through an escrow lock.
type StakeRequest struct {
	// LockID makes the request idempotent: retrying with the same LockID
	// returns the entry written the first time.
	LockID   string      `json:"lock_id,omitempty"`
	UserID   string      `json:"user_id"`
	MarketID string      `json:"market_id"`
	OptionID string      `json:"option_id"`
	Provider string      `json:"provider"`
	Amount   money.Cents `json:"amount"`
}

// PlaceStake validates the market and the user's position, reserves the
// funds, and consumes the lock into one entry. Validation failures use the
// quote failure sentinels so callers can report the same codes.
func (l *Ledger) PlaceStake(ctx context.Context, req StakeRequest) (*model.Entry, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: %s", quote.ErrInvalidAmount, req.Amount)
	}
	r := rail.Classify(req.Provider)
	if req.Provider == "" {
		req.Provider = r.Provider()
	}
	key := model.WalletKey{UserID: req.UserID, Currency: r.Currency()}
	unlock := l.wallets.Lock(key)
	defer unlock()

	if req.LockID != "" {
		lock, err := l.store.GetLock(ctx, req.LockID)
		switch {
		case err == nil:
			return l.resumeStake(ctx, lock, req)
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	if err := l.validateStake(ctx, req); err != nil {
		return nil, err
	}
	snapshot, err := l.priceStake(ctx, req)
	if err != nil {
		return nil, err
	}

	lock, err := l.createLockLocked(ctx, LockRequest{
		ID:       req.LockID,
		UserID:   req.UserID,
		MarketID: req.MarketID,
		OptionID: req.OptionID,
		Provider: req.Provider,
		Amount:   req.Amount,
	}, r)
	if err != nil {
		return nil, err
	}
	return l.consumeLocked(ctx, lock.ID, snapshot)
}

// resumeStake continues a stake whose lock already exists.
func (l *Ledger) resumeStake(ctx context.Context, lock *model.EscrowLock, req StakeRequest) (*model.Entry, error) {
	if lock.UserID != req.UserID || lock.MarketID != req.MarketID || lock.OptionID != req.OptionID || lock.Amount != req.Amount {
		return nil, fmt.Errorf("%w: lock %s", ErrLockMismatch, lock.ID)
	}
	switch lock.State {
	case model.LockPending:
		if err := l.validateStake(ctx, req); err != nil {
			return nil, err
		}
		snapshot, err := l.priceStake(ctx, req)
		if err != nil {
			return nil, err
		}
		return l.consumeLocked(ctx, lock.ID, snapshot)
	case model.LockConsumed:
		entry, err := l.store.GetEntryByLock(ctx, lock.ID)
		if err == nil {
			return entry, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		return l.writeEntry(ctx, lock, nil)
	default:
		return nil, fmt.Errorf("%w: lock %s is %s", ErrLockAlreadyFinalized, lock.ID, lock.State)
	}
}

func (l *Ledger) validateStake(ctx context.Context, req StakeRequest) error {
	if err := l.checkAcceptsEntries(ctx, req.MarketID); err != nil {
		return err
	}

	options, err := l.store.GetOptions(ctx, req.MarketID)
	if err != nil {
		return err
	}
	found := false
	for _, o := range options {
		if o.ID == req.OptionID {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s in %s", quote.ErrOptionNotFound, req.OptionID, req.MarketID)
	}

	entries, err := l.store.ListUserEntries(ctx, req.MarketID, req.UserID)
	if err != nil {
		return err
	}
	book := position.NewBook(entries, modeFor(req.Provider).Relevant)
	return book.CheckConflict(req.UserID, req.OptionID)
}

// priceStake quotes req with the configured quoter. It returns nil when
// none is set.
func (l *Ledger) priceStake(ctx context.Context, req StakeRequest) (*model.Quote, error) {
	if l.quoter == nil {
		return nil, nil
	}
	q, err := l.quoter.Quote(ctx, quote.Request{
		MarketID:  req.MarketID,
		OutcomeID: req.OptionID,
		Amount:    req.Amount,
		UserID:    req.UserID,
		Mode:      modeFor(req.Provider),
	})
	if err != nil {
		return nil, fmt.Errorf("quote stake: %w", err)
	}
	return q, nil
}

// modeFor returns the quote mode whose entries share a conflict scope with
// provider.
func modeFor(provider string) rail.Mode {
	if rail.Classify(provider).Kind == rail.KindCryptoBaseUSDC {
		return rail.ModeReal
	}
	return rail.ModeDemo
}

func (l *Ledger) getLock(ctx context.Context, id string) (*model.EscrowLock, error) {
	lock, err := l.store.GetLock(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrLockNotFound, id)
		}
		return nil, err
	}
	return lock, nil
}

func (l *Ledger) transaction(key model.WalletKey, kind model.TransactionKind, dir model.Direction, provider, ref string, amount money.Cents) *model.WalletTransaction {
	return &model.WalletTransaction{
		ID:          l.newID(),
		UserID:      key.UserID,
		Currency:    key.Currency,
		Kind:        kind,
		Direction:   dir,
		Provider:    provider,
		ExternalRef: ref,
		Amount:      amount,
		CreatedAt:   l.now(),
	}
}

func (l *Ledger) notify(ev WalletEvent) {
	if l.notifier != nil {
		l.notifier.WalletUpdated(ev)
	}
}

// mapErr translates store sentinels into escrow ones.
func (l *Ledger) mapErr(err error) error {
	switch {
	case errors.Is(err, store.ErrLockNotPending):
		return fmt.Errorf("%w: %v", ErrLockAlreadyFinalized, err)
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrLockNotFound, err)
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %v", ErrDuplicateReference, err)
	}
	return err
}
