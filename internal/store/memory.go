package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/rail"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex guards every map, so each method observes and mutates a
// consistent ledger.
type MemoryStore struct {
	mu           sync.RWMutex
	users        map[string]model.User
	markets      map[string]*model.Market
	options      map[string][]model.Option
	entries      []model.Entry
	entryByLock  map[string]int
	wallets      map[model.WalletKey]*model.Wallet
	locks        map[string]*model.EscrowLock
	transactions []model.WalletTransaction
	externalRefs map[string]struct{}
	markers      map[string]model.SettlementMarker
	fees         []model.FeeEntry
	now          func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:        make(map[string]model.User),
		markets:      make(map[string]*model.Market),
		options:      make(map[string][]model.Option),
		entryByLock:  make(map[string]int),
		wallets:      make(map[model.WalletKey]*model.Wallet),
		locks:        make(map[string]*model.EscrowLock),
		externalRefs: make(map[string]struct{}),
		markers:      make(map[string]model.SettlementMarker),
		now:          time.Now,
	}
}

func (s *MemoryStore) EnsureUser(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ensureUserLocked(userID)
	return nil
}

func (s *MemoryStore) ensureUserLocked(userID string) {
	if _, ok := s.users[userID]; !ok {
		s.users[userID] = model.User{ID: userID, CreatedAt: s.now()}
	}
}

func (s *MemoryStore) CreateMarket(_ context.Context, m *model.Market, options []model.Option) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.markets[m.ID]; ok {
		return fmt.Errorf("%w: market %s", ErrDuplicate, m.ID)
	}

	// Store copies to avoid external mutation.
	copy := *m
	s.markets[m.ID] = &copy
	opts := append([]model.Option(nil), options...)
	for i := range opts {
		opts[i].MarketID = m.ID
	}
	s.options[m.ID] = opts
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.markets))
	for _, m := range s.markets {
		markets = append(markets, *m)
	}
	sort.Slice(markets, func(i, j int) bool { return markets[i].CreatedAt.After(markets[j].CreatedAt) })
	return markets, nil
}

func (s *MemoryStore) GetOptions(_ context.Context, marketID string) ([]model.Option, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.markets[marketID]; !ok {
		return nil, fmt.Errorf("market %s: %w", marketID, ErrNotFound)
	}
	return append([]model.Option(nil), s.options[marketID]...), nil
}

func (s *MemoryStore) UpdateMarketStatus(_ context.Context, id string, from, to model.MarketStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	if m.Status != from {
		return fmt.Errorf("%w: market %s is %s, not %s", ErrStatusConflict, id, m.Status, from)
	}
	m.Status = to
	return nil
}

func (s *MemoryStore) InsertEntry(_ context.Context, e *model.Entry, tx *model.WalletTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.markets[e.MarketID]
	if !ok {
		return fmt.Errorf("market %s: %w", e.MarketID, ErrNotFound)
	}
	optIdx := -1
	for i, o := range s.options[e.MarketID] {
		if o.ID == e.OptionID {
			optIdx = i
			break
		}
	}
	if optIdx < 0 {
		return fmt.Errorf("option %s: %w", e.OptionID, ErrNotFound)
	}
	if m.Status != model.MarketOpen {
		return fmt.Errorf("%w: market %s is %s", ErrMarketNotOpen, m.ID, m.Status)
	}
	if e.EscrowLockID != "" {
		if _, dup := s.entryByLock[e.EscrowLockID]; dup {
			return fmt.Errorf("%w: entry for lock %s", ErrDuplicate, e.EscrowLockID)
		}
		l, ok := s.locks[e.EscrowLockID]
		if !ok {
			return fmt.Errorf("lock %s: %w", e.EscrowLockID, ErrNotFound)
		}
		if l.State != model.LockConsumed {
			return fmt.Errorf("%w: lock %s is %s", ErrLockNotPending, l.ID, l.State)
		}
	}
	if tx != nil {
		if err := s.checkRefLocked(tx); err != nil {
			return err
		}
	}

	s.ensureUserLocked(e.UserID)
	s.entries = append(s.entries, *e)
	if e.EscrowLockID != "" {
		s.entryByLock[e.EscrowLockID] = len(s.entries) - 1
	}
	s.options[e.MarketID][optIdx].TotalStaked += e.Amount
	m.PoolTotal += e.Amount
	if tx != nil {
		s.recordLocked(tx)
	}
	return nil
}

func (s *MemoryStore) ListEntries(_ context.Context, marketID string) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Entry
	for _, e := range s.entries {
		if e.MarketID == marketID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListUserEntries(_ context.Context, marketID, userID string) ([]model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Entry
	for _, e := range s.entries {
		if e.MarketID == marketID && e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetEntryByLock(_ context.Context, lockID string) (*model.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.entryByLock[lockID]
	if !ok {
		return nil, fmt.Errorf("entry for lock %s: %w", lockID, ErrNotFound)
	}
	e := s.entries[idx]
	return &e, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID, currency string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[model.WalletKey{UserID: userID, Currency: currency}]
	if !ok {
		return nil, fmt.Errorf("wallet %s/%s: %w", userID, currency, ErrNotFound)
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) CreditAvailable(_ context.Context, key model.WalletKey, amount money.Cents, tx *model.WalletTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if tx != nil {
		if err := s.checkRefLocked(tx); err != nil {
			return err
		}
	}
	w := s.walletLocked(key)
	w.Available += amount
	w.UpdatedAt = s.now()
	if tx != nil {
		s.recordLocked(tx)
	}
	return nil
}

func (s *MemoryStore) DebitAvailable(_ context.Context, key model.WalletKey, amount money.Cents, tx *model.WalletTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[key]
	if !ok || w.Available < amount {
		return fmt.Errorf("%w: wallet %s/%s", ErrInsufficientFunds, key.UserID, key.Currency)
	}
	if tx != nil {
		if err := s.checkRefLocked(tx); err != nil {
			return err
		}
	}
	w.Available -= amount
	w.UpdatedAt = s.now()
	if tx != nil {
		s.recordLocked(tx)
	}
	return nil
}

func (s *MemoryStore) CreateLock(_ context.Context, l *model.EscrowLock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.locks[l.ID]; ok {
		return fmt.Errorf("%w: lock %s", ErrDuplicate, l.ID)
	}
	key := model.WalletKey{UserID: l.UserID, Currency: l.Currency}
	w, ok := s.wallets[key]
	if !ok || w.Available < l.Amount {
		return fmt.Errorf("%w: wallet %s/%s", ErrInsufficientFunds, key.UserID, key.Currency)
	}
	w.Available -= l.Amount
	w.EscrowReserved += l.Amount
	w.UpdatedAt = s.now()

	copy := *l
	s.locks[l.ID] = &copy
	return nil
}

func (s *MemoryStore) GetLock(_ context.Context, id string) (*model.EscrowLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.locks[id]
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", id, ErrNotFound)
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) FinalizeLock(_ context.Context, id string, to model.LockState, at time.Time, tx *model.WalletTransaction) (*model.EscrowLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", id, ErrNotFound)
	}
	if l.State != model.LockPending {
		return nil, fmt.Errorf("%w: lock %s is %s", ErrLockNotPending, id, l.State)
	}
	if to != model.LockConsumed && to != model.LockReleased {
		return nil, fmt.Errorf("%w: cannot move lock %s to %s", ErrLockNotPending, id, to)
	}
	if tx != nil {
		if err := s.checkRefLocked(tx); err != nil {
			return nil, err
		}
	}

	w := s.walletLocked(model.WalletKey{UserID: l.UserID, Currency: l.Currency})
	w.EscrowReserved -= l.Amount
	if to == model.LockReleased {
		w.Available += l.Amount
	}
	w.UpdatedAt = at

	l.State = to
	finalized := at
	l.FinalizedAt = &finalized
	if tx != nil {
		s.recordLocked(tx)
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) RevertConsumedLock(_ context.Context, id string, at time.Time, tx *model.WalletTransaction) (*model.EscrowLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[id]
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", id, ErrNotFound)
	}
	if l.State != model.LockConsumed {
		return nil, fmt.Errorf("%w: lock %s is %s", ErrLockNotPending, id, l.State)
	}
	if _, hasEntry := s.entryByLock[id]; hasEntry {
		return nil, fmt.Errorf("%w: lock %s already has an entry", ErrDuplicate, id)
	}
	if tx != nil {
		if err := s.checkRefLocked(tx); err != nil {
			return nil, err
		}
	}

	w := s.walletLocked(model.WalletKey{UserID: l.UserID, Currency: l.Currency})
	w.Available += l.Amount
	w.UpdatedAt = at

	l.State = model.LockReleased
	finalized := at
	l.FinalizedAt = &finalized
	if tx != nil {
		s.recordLocked(tx)
	}
	copy := *l
	return &copy, nil
}

func (s *MemoryStore) ListLocks(_ context.Context, filter LockFilter) ([]model.EscrowLock, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.EscrowLock
	for _, l := range s.locks {
		if filter.Match(l) {
			result = append(result, *l)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) ApplySettlement(_ context.Context, b *SettlementBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mk := markerKey(b.Marker.MarketID, b.Marker.Rail)
	if _, done := s.markers[mk]; done {
		return fmt.Errorf("%w: settlement %s", ErrDuplicate, mk)
	}
	for i := range b.Transactions {
		if err := s.checkRefLocked(&b.Transactions[i]); err != nil {
			return err
		}
	}

	s.markers[mk] = b.Marker
	for _, c := range b.Credits {
		s.ensureUserLocked(c.UserID)
		w := s.walletLocked(model.WalletKey{UserID: c.UserID, Currency: b.Currency})
		w.Available += c.Amount
		w.UpdatedAt = b.Marker.SettledAt
	}
	for i := range b.Transactions {
		s.recordLocked(&b.Transactions[i])
	}
	s.fees = append(s.fees, b.Fees...)
	return nil
}

func (s *MemoryStore) GetSettlementMarker(_ context.Context, marketID string, r rail.Rail) (*model.SettlementMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markers[markerKey(marketID, r)]
	if !ok {
		return nil, fmt.Errorf("settlement %s: %w", markerKey(marketID, r), ErrNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) ListFeeEntries(_ context.Context, marketID string) ([]model.FeeEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FeeEntry
	for _, f := range s.fees {
		if f.MarketID == marketID {
			result = append(result, f)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, userID string) ([]model.WalletTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WalletTransaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].UserID == userID {
			result = append(result, s.transactions[i])
		}
	}
	return result, nil
}

// Snapshot copies every table under one read lock.
func (s *MemoryStore) Snapshot(_ context.Context) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		TakenAt:      s.now(),
		Entries:      append([]model.Entry(nil), s.entries...),
		Transactions: append([]model.WalletTransaction(nil), s.transactions...),
	}
	for _, u := range s.users {
		snap.Users = append(snap.Users, u)
	}
	for id, m := range s.markets {
		snap.Markets = append(snap.Markets, *m)
		snap.Options = append(snap.Options, s.options[id]...)
	}
	for _, l := range s.locks {
		snap.Locks = append(snap.Locks, *l)
	}
	for _, w := range s.wallets {
		snap.Wallets = append(snap.Wallets, *w)
	}
	return snap, nil
}

// --- helpers (caller holds s.mu) ---

func (s *MemoryStore) walletLocked(key model.WalletKey) *model.Wallet {
	w, ok := s.wallets[key]
	if !ok {
		w = &model.Wallet{UserID: key.UserID, Currency: key.Currency, UpdatedAt: s.now()}
		s.wallets[key] = w
		s.ensureUserLocked(key.UserID)
	}
	return w
}

func (s *MemoryStore) checkRefLocked(tx *model.WalletTransaction) error {
	if tx.ExternalRef == "" {
		return nil
	}
	if _, dup := s.externalRefs[refKey(tx.Provider, tx.ExternalRef)]; dup {
		return fmt.Errorf("%w: transaction %s/%s", ErrDuplicate, tx.Provider, tx.ExternalRef)
	}
	return nil
}

func (s *MemoryStore) recordLocked(tx *model.WalletTransaction) {
	if tx.ExternalRef != "" {
		s.externalRefs[refKey(tx.Provider, tx.ExternalRef)] = struct{}{}
	}
	s.transactions = append(s.transactions, *tx)
}

func markerKey(marketID string, r rail.Rail) string { return marketID + "/" + r.String() }
func refKey(provider, ref string) string            { return provider + "\x00" + ref }
