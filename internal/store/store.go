// Package store defines the ledger persistence interface for the settlement
// engine. Implementations include PostgreSQL (source of truth), Redis
// (read-through cache for quote reads), and in-memory (for testing).
//
// Every balance-changing method is a conditional update: it either applies
// completely or returns an error and changes nothing.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/rail"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrInsufficientFunds is returned by conditional decrements when the
	// wallet's available balance is below the requested amount.
	ErrInsufficientFunds = errors.New("store: insufficient available balance")

	// ErrLockNotPending is returned when a lock transition finds the lock
	// in a state other than the one required.
	ErrLockNotPending = errors.New("store: escrow lock is not in the expected state")

	// ErrDuplicate is returned when a uniqueness constraint rejects a write:
	// a second entry for one lock, a repeated (provider, external_ref), or a
	// second settlement marker for one (market, rail).
	ErrDuplicate = errors.New("store: duplicate")

	// ErrStatusConflict is returned when a market status transition finds
	// the market in an unexpected status.
	ErrStatusConflict = errors.New("store: market status changed concurrently")

	// ErrMarketNotOpen is returned by InsertEntry when the market has left
	// the open status. The entry is not written.
	ErrMarketNotOpen = errors.New("store: market is not open")
)

// LockFilter selects escrow locks. Zero fields match everything.
type LockFilter struct {
	MarketID      string
	UserID        string
	State         model.LockState
	ExpiredBefore time.Time
}

// Match reports whether l passes the filter.
func (f LockFilter) Match(l *model.EscrowLock) bool {
	if f.MarketID != "" && l.MarketID != f.MarketID {
		return false
	}
	if f.UserID != "" && l.UserID != f.UserID {
		return false
	}
	if f.State != "" && l.State != f.State {
		return false
	}
	if !f.ExpiredBefore.IsZero() && !l.ExpiresAt.Before(f.ExpiredBefore) {
		return false
	}
	return true
}

// Credit is one payout credit inside a settlement batch.
type Credit struct {
	UserID string
	Amount money.Cents
}

// SettlementBatch is everything written for one (market, rail) settlement.
// It is applied in a single transaction guarded by the marker's uniqueness.
type SettlementBatch struct {
	Marker       model.SettlementMarker
	Currency     string
	Provider     string
	Credits      []Credit
	Fees         []model.FeeEntry
	Transactions []model.WalletTransaction
}

// Snapshot is a consistent read of every ledger table, taken at a single
// instant, for the integrity checker.
type Snapshot struct {
	TakenAt      time.Time
	Users        []model.User
	Markets      []model.Market
	Options      []model.Option
	Entries      []model.Entry
	Locks        []model.EscrowLock
	Wallets      []model.Wallet
	Transactions []model.WalletTransaction
}

// Store is the ledger persistence interface. PostgreSQL is the source of
// truth; Redis provides a read-through cache for market reads.
type Store interface {
	// --- Users ---

	// EnsureUser creates the user row if it does not exist.
	EnsureUser(ctx context.Context, userID string) error

	// --- Markets ---

	// CreateMarket persists a market and its options.
	CreateMarket(ctx context.Context, market *model.Market, options []model.Option) error

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// GetOptions returns a market's options.
	GetOptions(ctx context.Context, marketID string) ([]model.Option, error)

	// UpdateMarketStatus moves a market from one status to another,
	// failing with ErrStatusConflict if it is no longer in from.
	UpdateMarketStatus(ctx context.Context, id string, from, to model.MarketStatus) error

	// --- Entries ---

	// InsertEntry persists an entry, grows the option and market pools,
	// and records the stake transaction, atomically. A second entry for the
	// same escrow lock fails with ErrDuplicate. The market must be open
	// (ErrMarketNotOpen) and a referenced lock consumed (ErrLockNotPending).
	InsertEntry(ctx context.Context, entry *model.Entry, tx *model.WalletTransaction) error

	// ListEntries returns every entry of a market.
	ListEntries(ctx context.Context, marketID string) ([]model.Entry, error)

	// ListUserEntries returns one user's entries in a market.
	ListUserEntries(ctx context.Context, marketID, userID string) ([]model.Entry, error)

	// GetEntryByLock returns the entry funded by the given lock.
	GetEntryByLock(ctx context.Context, lockID string) (*model.Entry, error)

	// --- Wallets ---

	// GetWallet returns a wallet; ErrNotFound if it was never funded.
	GetWallet(ctx context.Context, userID, currency string) (*model.Wallet, error)

	// CreditAvailable adds to available, creating the wallet if needed,
	// and records tx.
	CreditAvailable(ctx context.Context, key model.WalletKey, amount money.Cents, tx *model.WalletTransaction) error

	// DebitAvailable subtracts from available iff available >= amount,
	// and records tx.
	DebitAvailable(ctx context.Context, key model.WalletKey, amount money.Cents, tx *model.WalletTransaction) error

	// --- Escrow locks ---

	// CreateLock moves lock.Amount from available to escrow_reserved iff
	// available >= amount, and persists the pending lock.
	CreateLock(ctx context.Context, lock *model.EscrowLock) error

	// GetLock retrieves a lock by ID.
	GetLock(ctx context.Context, id string) (*model.EscrowLock, error)

	// FinalizeLock moves a pending lock to consumed or released and applies
	// the matching wallet effect. tx, if non-nil, is recorded with it.
	// Fails with ErrLockNotPending if the lock is not pending.
	FinalizeLock(ctx context.Context, id string, to model.LockState, at time.Time, tx *model.WalletTransaction) (*model.EscrowLock, error)

	// RevertConsumedLock moves a consumed lock that no entry references to
	// released and returns its amount to available.
	RevertConsumedLock(ctx context.Context, id string, at time.Time, tx *model.WalletTransaction) (*model.EscrowLock, error)

	// ListLocks returns locks matching the filter.
	ListLocks(ctx context.Context, filter LockFilter) ([]model.EscrowLock, error)

	// --- Settlement ---

	// ApplySettlement writes the marker, credits and fee entries of one
	// (market, rail) atomically. An existing marker fails with ErrDuplicate
	// and nothing is written.
	ApplySettlement(ctx context.Context, batch *SettlementBatch) error

	// GetSettlementMarker returns the marker for (market, rail).
	GetSettlementMarker(ctx context.Context, marketID string, r rail.Rail) (*model.SettlementMarker, error)

	// ListFeeEntries returns the fee ledger of a market.
	ListFeeEntries(ctx context.Context, marketID string) ([]model.FeeEntry, error)

	// --- Audit ---

	// ListTransactions returns a user's wallet transactions, newest first.
	ListTransactions(ctx context.Context, userID string) ([]model.WalletTransaction, error)

	// Snapshot reads every ledger table at a single instant.
	Snapshot(ctx context.Context) (*Snapshot, error)
}
