package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/quote"
	"github.com/atmx/settlement-engine/internal/store"
)

// ReconcileReport lists the locks a reconciliation pass repaired.
type ReconcileReport struct {
	// ForwardCompleted are consumed locks whose missing entry was written.
	ForwardCompleted []string `json:"forward_completed"`
	// Reverted are consumed locks without an entry moved to released.
	Reverted []string `json:"reverted"`
	// Expired are pending locks past their TTL that were released.
	Expired []string `json:"expired"`
}

// Repaired is the total number of locks changed.
func (r *ReconcileReport) Repaired() int {
	return len(r.ForwardCompleted) + len(r.Reverted) + len(r.Expired)
}

// Reconciler repairs escrow state left behind by interrupted operations.
type Reconciler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewReconciler creates a reconciler that repairs through ledger.
func NewReconciler(ledger *Ledger) *Reconciler {
	return &Reconciler{ledger: ledger, logger: ledger.logger}
}

// Run performs one pass:
//
//   - a consumed lock with no entry is forward-completed when the lock
//     recorded its option and the market still accepts entries; otherwise
//     it is reverted to released and its funds returned;
//   - a pending lock past its TTL is released.
func (r *Reconciler) Run(ctx context.Context) (*ReconcileReport, error) {
	report := &ReconcileReport{}
	st := r.ledger.store

	consumed, err := st.ListLocks(ctx, store.LockFilter{State: model.LockConsumed})
	if err != nil {
		return nil, fmt.Errorf("list consumed locks: %w", err)
	}
	for i := range consumed {
		lock := &consumed[i]
		if _, err := st.GetEntryByLock(ctx, lock.ID); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return report, err
		}
		if err := r.repairOrphan(ctx, lock, report); err != nil {
			return report, err
		}
	}

	expired, err := st.ListLocks(ctx, store.LockFilter{State: model.LockPending, ExpiredBefore: r.ledger.now()})
	if err != nil {
		return report, fmt.Errorf("list expired locks: %w", err)
	}
	for i := range expired {
		lock := &expired[i]
		if _, err := r.ledger.ReleaseLock(ctx, lock.ID); err != nil {
			if errors.Is(err, ErrLockAlreadyFinalized) {
				continue
			}
			return report, err
		}
		report.Expired = append(report.Expired, lock.ID)
		metrics.ReconcileRepairs.WithLabelValues("expired").Inc()
		r.logger.Warn("expired escrow lock released", "lock", lock.ID, "user", lock.UserID, "market", lock.MarketID)
	}

	if report.Repaired() > 0 {
		r.logger.Info("escrow reconciliation repaired locks",
			"forward_completed", len(report.ForwardCompleted),
			"reverted", len(report.Reverted),
			"expired", len(report.Expired))
	}
	return report, nil
}

func (r *Reconciler) repairOrphan(ctx context.Context, lock *model.EscrowLock, report *ReconcileReport) error {
	l := r.ledger
	unlock := l.wallets.Lock(model.WalletKey{UserID: lock.UserID, Currency: lock.Currency})
	defer unlock()

	if r.canComplete(ctx, lock) {
		_, err := l.writeEntry(ctx, lock, nil)
		switch {
		case err == nil:
			report.ForwardCompleted = append(report.ForwardCompleted, lock.ID)
			metrics.ReconcileRepairs.WithLabelValues("forward_completed").Inc()
			r.logger.Warn("orphaned consumed lock forward-completed", "lock", lock.ID, "market", lock.MarketID)
			return nil
		case errors.Is(err, quote.ErrMarketNotOpen):
			// The market closed before the insert and writeEntry reverted
			// the lock. If that revert failed, retry it below.
			if got, getErr := l.store.GetLock(ctx, lock.ID); getErr == nil && got.State == model.LockReleased {
				report.Reverted = append(report.Reverted, lock.ID)
				metrics.ReconcileRepairs.WithLabelValues("reverted").Inc()
				return nil
			}
		default:
			return err
		}
	}

	if err := l.revertConsumed(ctx, lock); err != nil {
		// An entry written since the scan means there is nothing to repair.
		if errors.Is(err, store.ErrDuplicate) || errors.Is(err, store.ErrLockNotPending) {
			return nil
		}
		return fmt.Errorf("revert lock %s: %w", lock.ID, err)
	}
	report.Reverted = append(report.Reverted, lock.ID)
	metrics.ReconcileRepairs.WithLabelValues("reverted").Inc()
	return nil
}

// canComplete reports whether the stake intent recorded on lock can still
// become an entry.
func (r *Reconciler) canComplete(ctx context.Context, lock *model.EscrowLock) bool {
	if lock.OptionID == "" {
		return false
	}
	market, err := r.ledger.store.GetMarket(ctx, lock.MarketID)
	if err != nil || market.Status != model.MarketOpen || market.DeadlinePassed(r.ledger.now()) {
		return false
	}
	options, err := r.ledger.store.GetOptions(ctx, lock.MarketID)
	if err != nil {
		return false
	}
	for _, o := range options {
		if o.ID == lock.OptionID {
			return true
		}
	}
	return false
}

// Loop runs a pass every interval until ctx is cancelled. Failed passes
// are logged and retried on the next tick.
func (r *Reconciler) Loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("escrow reconciliation failed", "error", err)
			}
		}
	}
}
