// Package integrity re-derives the ledger invariants from a single
// consistent snapshot and reports every offending row. It never repairs
// anything; remediation belongs to escrow reconciliation or an operator.
package integrity

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// Check names, in the order they are reported.
const (
	CheckNonNegativeWallets       = "non_negative_wallets"
	CheckLockReferences           = "lock_references"
	CheckEntryReferences          = "entry_references"
	CheckConsumedLocksHaveEntries = "consumed_locks_have_entries"
	CheckEntryLocksConsumed       = "entry_locks_consumed"
	CheckUniqueExternalRefs       = "unique_external_refs"
)

// Loader provides the snapshot to check.
type Loader interface {
	Snapshot(ctx context.Context) (*store.Snapshot, error)
}

// CheckResult lists the rows one check found in violation.
type CheckResult struct {
	Name         string   `json:"check"`
	OffendingIDs []string `json:"offending_ids"`
}

// Passed reports whether the check found no violations.
func (c CheckResult) Passed() bool {
	return len(c.OffendingIDs) == 0
}

// Report is the outcome of one checker run.
type Report struct {
	TakenAt time.Time     `json:"taken_at"`
	Checks  []CheckResult `json:"checks"`
	Passed  bool          `json:"passed"`
}

// Check returns the result for name, or nil when no such check ran.
func (r *Report) Check(name string) *CheckResult {
	for i := range r.Checks {
		if r.Checks[i].Name == name {
			return &r.Checks[i]
		}
	}
	return nil
}

// Violations is the total number of offending rows across all checks.
func (r *Report) Violations() int {
	n := 0
	for _, c := range r.Checks {
		n += len(c.OffendingIDs)
	}
	return n
}

// Checker runs the six ledger checks.
type Checker struct {
	loader Loader
	logger *slog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Checker) { c.logger = logger }
}

// NewChecker creates a checker reading snapshots from loader.
func NewChecker(loader Loader, opts ...Option) *Checker {
	c := &Checker{loader: loader, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run takes one snapshot and evaluates every check against it. An error is
// returned only when the snapshot cannot be read; violations are reported
// in the Report.
func (c *Checker) Run(ctx context.Context) (*Report, error) {
	snap, err := c.loader.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("load ledger snapshot: %w", err)
	}

	report := Evaluate(snap)
	for _, check := range report.Checks {
		metrics.IntegrityViolations.WithLabelValues(check.Name).Set(float64(len(check.OffendingIDs)))
		if !check.Passed() {
			c.logger.Error("ledger integrity violation",
				"check", check.Name,
				"count", len(check.OffendingIDs),
				"offending_ids", check.OffendingIDs)
		}
	}
	if report.Passed {
		c.logger.Info("ledger integrity check passed", "taken_at", report.TakenAt)
	}
	return report, nil
}

// Evaluate runs every check over snap. Each check is independent; none
// stops at the first violation.
func Evaluate(snap *store.Snapshot) *Report {
	idx := newIndex(snap)
	report := &Report{
		TakenAt: snap.TakenAt,
		Checks: []CheckResult{
			{Name: CheckNonNegativeWallets, OffendingIDs: negativeWallets(snap)},
			{Name: CheckLockReferences, OffendingIDs: danglingLocks(snap, idx)},
			{Name: CheckEntryReferences, OffendingIDs: danglingEntries(snap, idx)},
			{Name: CheckConsumedLocksHaveEntries, OffendingIDs: orphanLocks(snap, idx)},
			{Name: CheckEntryLocksConsumed, OffendingIDs: unconsumedEntryLocks(snap, idx)},
			{Name: CheckUniqueExternalRefs, OffendingIDs: duplicateRefs(snap)},
		},
		Passed: true,
	}
	for i := range report.Checks {
		sort.Strings(report.Checks[i].OffendingIDs)
		if !report.Checks[i].Passed() {
			report.Passed = false
		}
	}
	return report
}

type index struct {
	users       map[string]bool
	markets     map[string]bool
	options     map[string]bool // marketID + "/" + optionID
	locks       map[string]model.LockState
	lockEntries map[string]int
}

func newIndex(snap *store.Snapshot) *index {
	idx := &index{
		users:       make(map[string]bool, len(snap.Users)),
		markets:     make(map[string]bool, len(snap.Markets)),
		options:     make(map[string]bool, len(snap.Options)),
		locks:       make(map[string]model.LockState, len(snap.Locks)),
		lockEntries: make(map[string]int),
	}
	for _, u := range snap.Users {
		idx.users[u.ID] = true
	}
	for _, m := range snap.Markets {
		idx.markets[m.ID] = true
	}
	for _, o := range snap.Options {
		idx.options[o.MarketID+"/"+o.ID] = true
	}
	for _, l := range snap.Locks {
		idx.locks[l.ID] = l.State
	}
	for _, e := range snap.Entries {
		if e.EscrowLockID != "" {
			idx.lockEntries[e.EscrowLockID]++
		}
	}
	return idx
}

// negativeWallets reports wallets as "user/currency".
func negativeWallets(snap *store.Snapshot) []string {
	var ids []string
	for _, w := range snap.Wallets {
		if w.Available < 0 || w.Reserved < 0 || w.EscrowReserved < 0 {
			ids = append(ids, w.UserID+"/"+w.Currency)
		}
	}
	return ids
}

func danglingLocks(snap *store.Snapshot, idx *index) []string {
	var ids []string
	for _, l := range snap.Locks {
		if !idx.users[l.UserID] || !idx.markets[l.MarketID] {
			ids = append(ids, l.ID)
		}
	}
	return ids
}

func danglingEntries(snap *store.Snapshot, idx *index) []string {
	var ids []string
	for _, e := range snap.Entries {
		if !idx.users[e.UserID] || !idx.markets[e.MarketID] || !idx.options[e.MarketID+"/"+e.OptionID] {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

func orphanLocks(snap *store.Snapshot, idx *index) []string {
	var ids []string
	for _, l := range snap.Locks {
		if l.State == model.LockConsumed && idx.lockEntries[l.ID] == 0 {
			ids = append(ids, l.ID)
		}
	}
	return ids
}

// unconsumedEntryLocks reports entries whose lock is missing or not
// consumed.
func unconsumedEntryLocks(snap *store.Snapshot, idx *index) []string {
	var ids []string
	for _, e := range snap.Entries {
		if e.EscrowLockID == "" {
			continue
		}
		if state, ok := idx.locks[e.EscrowLockID]; !ok || state != model.LockConsumed {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// duplicateRefs reports every transaction sharing a non-empty
// (provider, external ref) pair with another.
func duplicateRefs(snap *store.Snapshot) []string {
	byRef := make(map[[2]string][]string)
	for _, tx := range snap.Transactions {
		if tx.ExternalRef == "" {
			continue
		}
		key := [2]string{tx.Provider, tx.ExternalRef}
		byRef[key] = append(byRef[key], tx.ID)
	}
	var ids []string
	for _, txIDs := range byRef {
		if len(txIDs) > 1 {
			ids = append(ids, txIDs...)
		}
	}
	return ids
}
