// Package model defines the core domain types shared across the settlement
// engine. All monetary values are money.Cents, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/rail"
)

// MarketStatus is the lifecycle state of a market: open → closed → settled.
type MarketStatus string

const (
	MarketOpen    MarketStatus = "open"
	MarketClosed  MarketStatus = "closed"
	MarketSettled MarketStatus = "settled"
)

// DefaultPricingModel is used when a market carries no pricing-model id.
const DefaultPricingModel = "pool_parimutuel"

// User is the minimal user row the ledger references.
type User struct {
	ID        string    `json:"id" db:"id"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Market is a pool-based prediction. PoolTotal is the sum of all active
// entries' stakes across every rail.
type Market struct {
	ID             string           `json:"id" db:"id"`
	CreatorID      string           `json:"creator_id" db:"creator_id"`
	Title          string           `json:"title" db:"title"`
	Status         MarketStatus     `json:"status" db:"status"`
	EntryDeadline  *time.Time       `json:"entry_deadline,omitempty" db:"entry_deadline"`
	PlatformFeePct *decimal.Decimal `json:"platform_fee_percentage,omitempty" db:"platform_fee_percentage"`
	CreatorFeePct  *decimal.Decimal `json:"creator_fee_percentage,omitempty" db:"creator_fee_percentage"`
	PricingModel   string           `json:"pricing_model" db:"pricing_model"`
	PoolTotal      money.Cents      `json:"pool_total" db:"pool_total"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

// DeadlinePassed reports whether entries are no longer accepted at now.
func (m *Market) DeadlinePassed(now time.Time) bool {
	return m.EntryDeadline != nil && !now.Before(*m.EntryDeadline)
}

// Option is one selectable outcome of a market.
type Option struct {
	ID          string      `json:"id" db:"id"`
	MarketID    string      `json:"market_id" db:"market_id"`
	Label       string      `json:"label" db:"label"`
	TotalStaked money.Cents `json:"total_staked" db:"total_staked"`
}

// EntryStatus is the state of a stake row.
type EntryStatus string

const EntryActive EntryStatus = "active"

// Entry is one stake by one user on one option. Amount is immutable once
// persisted; top-ups are new rows.
type Entry struct {
	ID           string      `json:"id" db:"id"`
	MarketID     string      `json:"market_id" db:"market_id"`
	OptionID     string      `json:"option_id" db:"option_id"`
	UserID       string      `json:"user_id" db:"user_id"`
	Amount       money.Cents `json:"amount" db:"amount"`
	Provider     string      `json:"provider" db:"provider"`
	Status       EntryStatus `json:"status" db:"status"`
	EscrowLockID string      `json:"escrow_lock_id,omitempty" db:"escrow_lock_id"` // "" when the entry was not funded by a lock
	Quote        *Quote      `json:"quote,omitempty" db:"quote_snapshot"`          // quote shown when the stake was placed
	CreatedAt    time.Time   `json:"created_at" db:"created_at"`
}

// Rail returns the settlement rail of the entry's provider.
func (e *Entry) Rail() rail.Rail {
	return rail.Classify(e.Provider)
}

// LockState is the escrow lock lifecycle: pending → consumed | released.
type LockState string

const (
	LockPending  LockState = "pending"
	LockConsumed LockState = "consumed"
	LockReleased LockState = "released"
)

// Terminal reports whether no further transition is allowed.
func (s LockState) Terminal() bool {
	return s == LockConsumed || s == LockReleased
}

// EscrowLock reserves wallet funds for a market before the entry exists.
// OptionID and Provider record the stake intent so reconciliation can
// forward-complete an interrupted stake.
type EscrowLock struct {
	ID          string      `json:"id" db:"id"`
	UserID      string      `json:"user_id" db:"user_id"`
	MarketID    string      `json:"market_id" db:"market_id"`
	OptionID    string      `json:"option_id,omitempty" db:"option_id"`
	Provider    string      `json:"provider" db:"provider"`
	Currency    string      `json:"currency" db:"currency"`
	Amount      money.Cents `json:"amount" db:"amount"`
	State       LockState   `json:"state" db:"state"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time   `json:"expires_at" db:"expires_at"`
	FinalizedAt *time.Time  `json:"finalized_at,omitempty" db:"finalized_at"`
}

// Wallet is the per (user, currency) balance row. Every field is >= 0.
type Wallet struct {
	UserID         string      `json:"user_id" db:"user_id"`
	Currency       string      `json:"currency" db:"currency"`
	Available      money.Cents `json:"available" db:"available_balance"`
	Reserved       money.Cents `json:"reserved" db:"reserved_balance"`
	EscrowReserved money.Cents `json:"escrow_reserved" db:"escrow_reserved"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
}

// WalletKey identifies a wallet.
type WalletKey struct {
	UserID   string
	Currency string
}

// Key returns the wallet's identity.
func (w *Wallet) Key() WalletKey {
	return WalletKey{UserID: w.UserID, Currency: w.Currency}
}

// TransactionKind classifies wallet transactions.
type TransactionKind string

const (
	TxDeposit    TransactionKind = "deposit"
	TxWithdrawal TransactionKind = "withdrawal"
	TxStake      TransactionKind = "stake"
	TxRelease    TransactionKind = "escrow_release"
	TxPayout     TransactionKind = "payout"
)

// Direction of a wallet transaction relative to the user.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// WalletTransaction is an immutable audit row. (Provider, ExternalRef) is
// unique across the ledger.
type WalletTransaction struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	Currency    string          `json:"currency" db:"currency"`
	Kind        TransactionKind `json:"kind" db:"kind"`
	Direction   Direction       `json:"direction" db:"direction"`
	Provider    string          `json:"provider" db:"provider"`
	ExternalRef string          `json:"external_ref" db:"external_ref"`
	Amount      money.Cents     `json:"amount" db:"amount"`
	MarketID    string          `json:"market_id,omitempty" db:"market_id"`
	EntryID     string          `json:"entry_id,omitempty" db:"entry_id"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// FeeKind distinguishes the two fee ledger entries written per rail.
type FeeKind string

const (
	FeePlatform FeeKind = "platform"
	FeeCreator  FeeKind = "creator"
)

// FeeEntry records a fee charged at settlement.
type FeeEntry struct {
	ID          string      `json:"id" db:"id"`
	MarketID    string      `json:"market_id" db:"market_id"`
	Rail        rail.Rail   `json:"rail" db:"rail"`
	Kind        FeeKind     `json:"kind" db:"kind"`
	Beneficiary string      `json:"beneficiary" db:"beneficiary"`
	Amount      money.Cents `json:"amount" db:"amount"`
	CreatedAt   time.Time   `json:"created_at" db:"created_at"`
}

// SettlementMarker is the one-row-per-(market, rail) record written in the
// same transaction as the first payout credit.
type SettlementMarker struct {
	MarketID         string      `json:"market_id" db:"market_id"`
	Rail             rail.Rail   `json:"rail" db:"rail"`
	WinningOptionID  string      `json:"winning_option_id" db:"winning_option_id"`
	DistributablePot money.Cents `json:"distributable_pot" db:"distributable_pot"`
	SettledAt        time.Time   `json:"settled_at" db:"settled_at"`
}

// FeeSchedule holds the two fee rates in basis points.
type FeeSchedule struct {
	PlatformBps int64 `json:"platform_fee_bps"`
	CreatorBps  int64 `json:"creator_fee_bps"`
}

// TotalBps is the combined fee rate.
func (f FeeSchedule) TotalBps() int64 {
	return f.PlatformBps + f.CreatorBps
}

// PayoutResult is the per-rail output of the payout calculator. It is
// computed on demand and persisted by the caller as ledger credits.
type PayoutResult struct {
	MarketID          string                 `json:"market_id"`
	Rail              rail.Rail              `json:"rail"`
	WinningOptionID   string                 `json:"winning_option_id"`
	TotalPot          money.Cents            `json:"total_pot"`
	WinnersStakeTotal money.Cents            `json:"winners_stake_total"`
	LosersStakeTotal  money.Cents            `json:"losers_stake_total"`
	PlatformFee       money.Cents            `json:"platform_fee"`
	CreatorFee        money.Cents            `json:"creator_fee"`
	DistributablePot  money.Cents            `json:"distributable_pot"`
	Payouts           map[string]money.Cents `json:"payouts_by_user_id"`
	WinnerStakes      map[string]money.Cents `json:"winner_stakes_by_user_id"`
}

// TotalPaid sums the per-user payouts.
func (r *PayoutResult) TotalPaid() money.Cents {
	var total money.Cents
	for _, p := range r.Payouts {
		total += p
	}
	return total
}

// QuoteSide is one half (current or after) of a stake quote.
type QuoteSide struct {
	UserStake   money.Cents      `json:"userStake"`
	OddsOrPrice *decimal.Decimal `json:"oddsOrPrice"`
	EstPayout   money.Cents      `json:"estPayout"`
}

// Quote is the advisory before/after estimate returned to clients.
type Quote struct {
	MarketID     string      `json:"marketId"`
	OutcomeID    string      `json:"outcomeId"`
	Amount       money.Cents `json:"amount"`
	PricingModel string      `json:"pricingModel"`
	Current      QuoteSide   `json:"current"`
	After        QuoteSide   `json:"after"`
	Disclaimer   string      `json:"disclaimer"`
}
