package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/money"
	"github.com/atmx/settlement-engine/internal/rail"
)

const uniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC(20,2) and read back through
// ::TEXT so no float conversion ever touches them.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureUser(ctx context.Context, userID string) error {
	return ensureUser(ctx, s.pool, userID)
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func ensureUser(ctx context.Context, db execer, userID string) error {
	_, err := db.Exec(ctx,
		`INSERT INTO users (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("ensure user %s: %w", userID, err)
	}
	return nil
}

// --- Markets ---

const marketColumns = `id, creator_id, title, status, entry_deadline,
	platform_fee_percentage::TEXT, creator_fee_percentage::TEXT,
	pricing_model, pool_total::TEXT, created_at`

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market, options []model.Option) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO markets (id, creator_id, title, status, entry_deadline,
			                      platform_fee_percentage, creator_fee_percentage,
			                      pricing_model, pool_total, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9::NUMERIC, $10)`,
			m.ID, m.CreatorID, m.Title, m.Status, m.EntryDeadline,
			decimalArg(m.PlatformFeePct), decimalArg(m.CreatorFeePct),
			m.PricingModel, m.PoolTotal.String(), m.CreatedAt,
		)
		if err != nil {
			return wrapWriteErr(fmt.Sprintf("create market %s", m.ID), err)
		}
		for _, o := range options {
			_, err := tx.Exec(ctx,
				`INSERT INTO options (id, market_id, label, total_staked)
				 VALUES ($1, $2, $3, $4::NUMERIC)`,
				o.ID, m.ID, o.Label, o.TotalStaked.String(),
			)
			if err != nil {
				return wrapWriteErr(fmt.Sprintf("create option %s", o.ID), err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+marketColumns+` FROM markets WHERE id = $1`, id)
	m, err := scanMarket(row)
	if err != nil {
		return nil, wrapReadErr(fmt.Sprintf("get market %s", id), err)
	}
	return m, nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetOptions(ctx context.Context, marketID string) ([]model.Option, error) {
	if _, err := s.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, label, total_staked::TEXT
		 FROM options WHERE market_id = $1 ORDER BY id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOptions(rows)
}

func (s *PostgresStore) UpdateMarketStatus(ctx context.Context, id string, from, to model.MarketStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE markets SET status = $3 WHERE id = $1 AND status = $2`, id, from, to)
	if err != nil {
		return fmt.Errorf("update market %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetMarket(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: market %s is not %s", ErrStatusConflict, id, from)
	}
	return nil
}

// --- Entries ---

const entryColumns = `id, market_id, option_id, user_id, amount::TEXT, provider,
	status, COALESCE(escrow_lock_id, ''), quote_snapshot, created_at`

func (s *PostgresStore) InsertEntry(ctx context.Context, e *model.Entry, wtx *model.WalletTransaction) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// The market row lock orders this insert against status changes, and
		// the lock row lock against RevertConsumedLock.
		tag, err := tx.Exec(ctx,
			`UPDATE markets SET pool_total = pool_total + $2::NUMERIC
			 WHERE id = $1 AND status = 'open'`,
			e.MarketID, e.Amount.String())
		if err != nil {
			return fmt.Errorf("grow market %s: %w", e.MarketID, err)
		}
		if tag.RowsAffected() == 0 {
			var status string
			err := tx.QueryRow(ctx, `SELECT status FROM markets WHERE id = $1`, e.MarketID).Scan(&status)
			if err != nil {
				return wrapReadErr(fmt.Sprintf("get market %s", e.MarketID), err)
			}
			return fmt.Errorf("%w: market %s is %s", ErrMarketNotOpen, e.MarketID, status)
		}
		if e.EscrowLockID != "" {
			var state string
			err := tx.QueryRow(ctx,
				`SELECT state FROM escrow_locks WHERE id = $1 FOR UPDATE`, e.EscrowLockID).Scan(&state)
			if err != nil {
				return wrapReadErr(fmt.Sprintf("get lock %s", e.EscrowLockID), err)
			}
			if model.LockState(state) != model.LockConsumed {
				return fmt.Errorf("%w: lock %s is %s", ErrLockNotPending, e.EscrowLockID, state)
			}
		}
		tag, err = tx.Exec(ctx,
			`UPDATE options SET total_staked = total_staked + $3::NUMERIC
			 WHERE id = $1 AND market_id = $2`,
			e.OptionID, e.MarketID, e.Amount.String())
		if err != nil {
			return fmt.Errorf("grow option %s: %w", e.OptionID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("option %s of market %s: %w", e.OptionID, e.MarketID, ErrNotFound)
		}
		if err := ensureUser(ctx, tx, e.UserID); err != nil {
			return err
		}
		var snapshot []byte
		if e.Quote != nil {
			if snapshot, err = json.Marshal(e.Quote); err != nil {
				return fmt.Errorf("encode quote for entry %s: %w", e.ID, err)
			}
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO entries (id, market_id, option_id, user_id, amount, provider, status, escrow_lock_id, quote_snapshot, created_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8, $9, $10)`,
			e.ID, e.MarketID, e.OptionID, e.UserID, e.Amount.String(),
			e.Provider, e.Status, nullIfEmpty(e.EscrowLockID), snapshot, e.CreatedAt,
		)
		if err != nil {
			return wrapWriteErr(fmt.Sprintf("insert entry %s", e.ID), err)
		}
		if wtx != nil {
			return insertTransaction(ctx, tx, wtx)
		}
		return nil
	})
}

func (s *PostgresStore) ListEntries(ctx context.Context, marketID string) ([]model.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (s *PostgresStore) ListUserEntries(ctx context.Context, marketID, userID string) ([]model.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM entries
		 WHERE market_id = $1 AND user_id = $2 ORDER BY created_at, id`, marketID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

func (s *PostgresStore) GetEntryByLock(ctx context.Context, lockID string) (*model.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE escrow_lock_id = $1`, lockID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("entry for lock %s: %w", lockID, ErrNotFound)
	}
	return &entries[0], nil
}

// --- Wallets ---

const walletColumns = `user_id, currency, available_balance::TEXT,
	reserved_balance::TEXT, escrow_reserved::TEXT, updated_at`

func (s *PostgresStore) GetWallet(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE user_id = $1 AND currency = $2`, userID, currency)
	w, err := scanWallet(row)
	if err != nil {
		return nil, wrapReadErr(fmt.Sprintf("get wallet %s/%s", userID, currency), err)
	}
	return w, nil
}

func (s *PostgresStore) CreditAvailable(ctx context.Context, key model.WalletKey, amount money.Cents, wtx *model.WalletTransaction) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := creditWallet(ctx, tx, key, amount); err != nil {
			return err
		}
		if wtx != nil {
			return insertTransaction(ctx, tx, wtx)
		}
		return nil
	})
}

func (s *PostgresStore) DebitAvailable(ctx context.Context, key model.WalletKey, amount money.Cents, wtx *model.WalletTransaction) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE wallets
			 SET available_balance = available_balance - $3::NUMERIC, updated_at = now()
			 WHERE user_id = $1 AND currency = $2 AND available_balance >= $3::NUMERIC`,
			key.UserID, key.Currency, amount.String())
		if err != nil {
			return fmt.Errorf("debit wallet %s/%s: %w", key.UserID, key.Currency, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: wallet %s/%s", ErrInsufficientFunds, key.UserID, key.Currency)
		}
		if wtx != nil {
			return insertTransaction(ctx, tx, wtx)
		}
		return nil
	})
}

func creditWallet(ctx context.Context, tx pgx.Tx, key model.WalletKey, amount money.Cents) error {
	if err := ensureUser(ctx, tx, key.UserID); err != nil {
		return err
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO wallets (user_id, currency, available_balance, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, now())
		 ON CONFLICT (user_id, currency) DO UPDATE
		 SET available_balance = wallets.available_balance + EXCLUDED.available_balance,
		     updated_at = EXCLUDED.updated_at`,
		key.UserID, key.Currency, amount.String())
	if err != nil {
		return fmt.Errorf("credit wallet %s/%s: %w", key.UserID, key.Currency, err)
	}
	return nil
}

// --- Escrow locks ---

const lockColumns = `id, user_id, market_id, option_id, provider, currency,
	amount::TEXT, state, created_at, expires_at, finalized_at`

func (s *PostgresStore) CreateLock(ctx context.Context, l *model.EscrowLock) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE wallets
			 SET available_balance = available_balance - $3::NUMERIC,
			     escrow_reserved = escrow_reserved + $3::NUMERIC,
			     updated_at = now()
			 WHERE user_id = $1 AND currency = $2 AND available_balance >= $3::NUMERIC`,
			l.UserID, l.Currency, l.Amount.String())
		if err != nil {
			return fmt.Errorf("reserve wallet %s/%s: %w", l.UserID, l.Currency, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: wallet %s/%s", ErrInsufficientFunds, l.UserID, l.Currency)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO escrow_locks (id, user_id, market_id, option_id, provider, currency,
			                           amount, state, created_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10)`,
			l.ID, l.UserID, l.MarketID, l.OptionID, l.Provider, l.Currency,
			l.Amount.String(), l.State, l.CreatedAt, l.ExpiresAt,
		)
		if err != nil {
			return wrapWriteErr(fmt.Sprintf("insert lock %s", l.ID), err)
		}
		return nil
	})
}

func (s *PostgresStore) GetLock(ctx context.Context, id string) (*model.EscrowLock, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+lockColumns+` FROM escrow_locks WHERE id = $1`, id)
	l, err := scanLock(row)
	if err != nil {
		return nil, wrapReadErr(fmt.Sprintf("get lock %s", id), err)
	}
	return l, nil
}

func (s *PostgresStore) FinalizeLock(ctx context.Context, id string, to model.LockState, at time.Time, wtx *model.WalletTransaction) (*model.EscrowLock, error) {
	if to != model.LockConsumed && to != model.LockReleased {
		return nil, fmt.Errorf("%w: cannot move lock %s to %s", ErrLockNotPending, id, to)
	}

	var out *model.EscrowLock
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		l, err := scanLock(tx.QueryRow(ctx,
			`SELECT `+lockColumns+` FROM escrow_locks WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return wrapReadErr(fmt.Sprintf("get lock %s", id), err)
		}
		if l.State != model.LockPending {
			return fmt.Errorf("%w: lock %s is %s", ErrLockNotPending, id, l.State)
		}

		availableDelta := "0"
		if to == model.LockReleased {
			availableDelta = l.Amount.String()
		}
		if _, err := tx.Exec(ctx,
			`UPDATE wallets
			 SET escrow_reserved = escrow_reserved - $3::NUMERIC,
			     available_balance = available_balance + $4::NUMERIC,
			     updated_at = $5
			 WHERE user_id = $1 AND currency = $2`,
			l.UserID, l.Currency, l.Amount.String(), availableDelta, at); err != nil {
			return fmt.Errorf("finalize lock %s wallet: %w", id, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE escrow_locks SET state = $2, finalized_at = $3 WHERE id = $1`,
			id, to, at); err != nil {
			return fmt.Errorf("finalize lock %s: %w", id, err)
		}
		if wtx != nil {
			if err := insertTransaction(ctx, tx, wtx); err != nil {
				return err
			}
		}

		l.State = to
		l.FinalizedAt = &at
		out = l
		return nil
	})
	return out, err
}

func (s *PostgresStore) RevertConsumedLock(ctx context.Context, id string, at time.Time, wtx *model.WalletTransaction) (*model.EscrowLock, error) {
	var out *model.EscrowLock
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		l, err := scanLock(tx.QueryRow(ctx,
			`SELECT `+lockColumns+` FROM escrow_locks WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return wrapReadErr(fmt.Sprintf("get lock %s", id), err)
		}
		if l.State != model.LockConsumed {
			return fmt.Errorf("%w: lock %s is %s", ErrLockNotPending, id, l.State)
		}
		var hasEntry bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM entries WHERE escrow_lock_id = $1)`, id).Scan(&hasEntry); err != nil {
			return err
		}
		if hasEntry {
			return fmt.Errorf("%w: lock %s already has an entry", ErrDuplicate, id)
		}

		if _, err := tx.Exec(ctx,
			`UPDATE wallets
			 SET available_balance = available_balance + $3::NUMERIC, updated_at = $4
			 WHERE user_id = $1 AND currency = $2`,
			l.UserID, l.Currency, l.Amount.String(), at); err != nil {
			return fmt.Errorf("revert lock %s wallet: %w", id, err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE escrow_locks SET state = 'released', finalized_at = $2 WHERE id = $1`,
			id, at); err != nil {
			return fmt.Errorf("revert lock %s: %w", id, err)
		}
		if wtx != nil {
			if err := insertTransaction(ctx, tx, wtx); err != nil {
				return err
			}
		}

		l.State = model.LockReleased
		l.FinalizedAt = &at
		out = l
		return nil
	})
	return out, err
}

func (s *PostgresStore) ListLocks(ctx context.Context, f LockFilter) ([]model.EscrowLock, error) {
	var expired *time.Time
	if !f.ExpiredBefore.IsZero() {
		expired = &f.ExpiredBefore
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+lockColumns+` FROM escrow_locks
		 WHERE ($1 = '' OR market_id = $1)
		   AND ($2 = '' OR user_id = $2)
		   AND ($3 = '' OR state = $3)
		   AND ($4::TIMESTAMPTZ IS NULL OR expires_at < $4)
		 ORDER BY created_at`,
		f.MarketID, f.UserID, string(f.State), expired)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var locks []model.EscrowLock
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, *l)
	}
	return locks, rows.Err()
}

// --- Settlement ---

func (s *PostgresStore) ApplySettlement(ctx context.Context, b *SettlementBatch) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO settlement_markers (market_id, rail, winning_option_id, distributable_pot, settled_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
			b.Marker.MarketID, b.Marker.Rail.String(), b.Marker.WinningOptionID,
			b.Marker.DistributablePot.String(), b.Marker.SettledAt,
		)
		if err != nil {
			return wrapWriteErr(fmt.Sprintf("settlement %s/%s", b.Marker.MarketID, b.Marker.Rail), err)
		}
		for _, c := range b.Credits {
			if err := creditWallet(ctx, tx, model.WalletKey{UserID: c.UserID, Currency: b.Currency}, c.Amount); err != nil {
				return err
			}
		}
		for i := range b.Transactions {
			if err := insertTransaction(ctx, tx, &b.Transactions[i]); err != nil {
				return err
			}
		}
		for _, f := range b.Fees {
			if _, err := tx.Exec(ctx,
				`INSERT INTO fee_entries (id, market_id, rail, kind, beneficiary, amount, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
				f.ID, f.MarketID, f.Rail.String(), f.Kind, f.Beneficiary, f.Amount.String(), f.CreatedAt,
			); err != nil {
				return fmt.Errorf("insert fee entry %s: %w", f.ID, err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) GetSettlementMarker(ctx context.Context, marketID string, r rail.Rail) (*model.SettlementMarker, error) {
	var m model.SettlementMarker
	var railS, potS string
	err := s.pool.QueryRow(ctx,
		`SELECT market_id, rail, winning_option_id, distributable_pot::TEXT, settled_at
		 FROM settlement_markers WHERE market_id = $1 AND rail = $2`,
		marketID, r.String()).
		Scan(&m.MarketID, &railS, &m.WinningOptionID, &potS, &m.SettledAt)
	if err != nil {
		return nil, wrapReadErr(fmt.Sprintf("settlement %s/%s", marketID, r), err)
	}
	if m.Rail, err = rail.Parse(railS); err != nil {
		return nil, err
	}
	if m.DistributablePot, err = parseCents(potS); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListFeeEntries(ctx context.Context, marketID string) ([]model.FeeEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, rail, kind, beneficiary, amount::TEXT, created_at
		 FROM fee_entries WHERE market_id = $1 ORDER BY created_at, id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fees []model.FeeEntry
	for rows.Next() {
		var f model.FeeEntry
		var railS, amountS string
		if err := rows.Scan(&f.ID, &f.MarketID, &railS, &f.Kind, &f.Beneficiary, &amountS, &f.CreatedAt); err != nil {
			return nil, err
		}
		if f.Rail, err = rail.Parse(railS); err != nil {
			return nil, err
		}
		if f.Amount, err = parseCents(amountS); err != nil {
			return nil, err
		}
		fees = append(fees, f)
	}
	return fees, rows.Err()
}

// --- Audit ---

const transactionColumns = `id, user_id, currency, kind, direction, provider,
	external_ref, amount::TEXT, market_id, entry_id, created_at`

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.WalletTransaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM wallet_transactions
		 WHERE user_id = $1 ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTransactions(rows)
}

// Snapshot reads every table inside one REPEATABLE READ, read-only
// transaction so all rows reflect the same instant.
func (s *PostgresStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	snap := &Snapshot{}
	if err := tx.QueryRow(ctx, `SELECT now()`).Scan(&snap.TakenAt); err != nil {
		return nil, err
	}

	rows, err := tx.Query(ctx, `SELECT id, created_at FROM users`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		snap.Users = append(snap.Users, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot users: %w", err)
	}

	if rows, err = tx.Query(ctx, `SELECT `+marketColumns+` FROM markets`); err != nil {
		return nil, err
	}
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		snap.Markets = append(snap.Markets, *m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot markets: %w", err)
	}

	if rows, err = tx.Query(ctx, `SELECT id, market_id, label, total_staked::TEXT FROM options`); err != nil {
		return nil, err
	}
	if snap.Options, err = scanOptions(rows); err != nil {
		return nil, err
	}

	if rows, err = tx.Query(ctx, `SELECT `+entryColumns+` FROM entries`); err != nil {
		return nil, err
	}
	if snap.Entries, err = scanEntries(rows); err != nil {
		return nil, err
	}

	if rows, err = tx.Query(ctx, `SELECT `+lockColumns+` FROM escrow_locks`); err != nil {
		return nil, err
	}
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		snap.Locks = append(snap.Locks, *l)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot locks: %w", err)
	}

	if rows, err = tx.Query(ctx, `SELECT `+walletColumns+` FROM wallets`); err != nil {
		return nil, err
	}
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		snap.Wallets = append(snap.Wallets, *w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("snapshot wallets: %w", err)
	}

	if rows, err = tx.Query(ctx, `SELECT `+transactionColumns+` FROM wallet_transactions`); err != nil {
		return nil, err
	}
	if snap.Transactions, err = scanTransactions(rows); err != nil {
		return nil, err
	}

	return snap, nil
}

// --- Scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMarket(row rowScanner) (*model.Market, error) {
	var m model.Market
	var platformS, creatorS *string
	var poolS string
	if err := row.Scan(&m.ID, &m.CreatorID, &m.Title, &m.Status, &m.EntryDeadline,
		&platformS, &creatorS, &m.PricingModel, &poolS, &m.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if m.PlatformFeePct, err = parseOptionalDecimal(platformS); err != nil {
		return nil, err
	}
	if m.CreatorFeePct, err = parseOptionalDecimal(creatorS); err != nil {
		return nil, err
	}
	if m.PoolTotal, err = parseCents(poolS); err != nil {
		return nil, err
	}
	return &m, nil
}

func scanOptions(rows pgx.Rows) ([]model.Option, error) {
	defer rows.Close()

	var options []model.Option
	for rows.Next() {
		var o model.Option
		var totalS string
		if err := rows.Scan(&o.ID, &o.MarketID, &o.Label, &totalS); err != nil {
			return nil, err
		}
		var err error
		if o.TotalStaked, err = parseCents(totalS); err != nil {
			return nil, err
		}
		options = append(options, o)
	}
	return options, rows.Err()
}

func scanEntries(rows pgx.Rows) ([]model.Entry, error) {
	defer rows.Close()

	var entries []model.Entry
	for rows.Next() {
		var e model.Entry
		var amountS string
		var snapshot []byte
		if err := rows.Scan(&e.ID, &e.MarketID, &e.OptionID, &e.UserID, &amountS,
			&e.Provider, &e.Status, &e.EscrowLockID, &snapshot, &e.CreatedAt); err != nil {
			return nil, err
		}
		var err error
		if e.Amount, err = parseCents(amountS); err != nil {
			return nil, err
		}
		if len(snapshot) > 0 {
			e.Quote = new(model.Quote)
			if err := json.Unmarshal(snapshot, e.Quote); err != nil {
				return nil, fmt.Errorf("decode quote for entry %s: %w", e.ID, err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func scanLock(row rowScanner) (*model.EscrowLock, error) {
	var l model.EscrowLock
	var amountS string
	if err := row.Scan(&l.ID, &l.UserID, &l.MarketID, &l.OptionID, &l.Provider, &l.Currency,
		&amountS, &l.State, &l.CreatedAt, &l.ExpiresAt, &l.FinalizedAt); err != nil {
		return nil, err
	}
	var err error
	if l.Amount, err = parseCents(amountS); err != nil {
		return nil, err
	}
	return &l, nil
}

func scanWallet(row rowScanner) (*model.Wallet, error) {
	var w model.Wallet
	var availableS, reservedS, escrowS string
	if err := row.Scan(&w.UserID, &w.Currency, &availableS, &reservedS, &escrowS, &w.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if w.Available, err = parseCents(availableS); err != nil {
		return nil, err
	}
	if w.Reserved, err = parseCents(reservedS); err != nil {
		return nil, err
	}
	if w.EscrowReserved, err = parseCents(escrowS); err != nil {
		return nil, err
	}
	return &w, nil
}

func scanTransactions(rows pgx.Rows) ([]model.WalletTransaction, error) {
	defer rows.Close()

	var txs []model.WalletTransaction
	for rows.Next() {
		var t model.WalletTransaction
		var amountS string
		if err := rows.Scan(&t.ID, &t.UserID, &t.Currency, &t.Kind, &t.Direction, &t.Provider,
			&t.ExternalRef, &amountS, &t.MarketID, &t.EntryID, &t.CreatedAt); err != nil {
			return nil, err
		}
		var err error
		if t.Amount, err = parseCents(amountS); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func insertTransaction(ctx context.Context, tx pgx.Tx, t *model.WalletTransaction) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO wallet_transactions (id, user_id, currency, kind, direction, provider,
		                                  external_ref, amount, market_id, entry_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10, $11)`,
		t.ID, t.UserID, t.Currency, t.Kind, t.Direction, t.Provider,
		t.ExternalRef, t.Amount.String(), t.MarketID, t.EntryID, t.CreatedAt,
	)
	if err != nil {
		return wrapWriteErr(fmt.Sprintf("insert transaction %s/%s", t.Provider, t.ExternalRef), err)
	}
	return nil
}

// --- Conversion helpers ---

func parseCents(s string) (money.Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return money.FromDecimal(d), nil
}

func parseOptionalDecimal(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, fmt.Errorf("parse decimal %q: %w", *s, err)
	}
	return &d, nil
}

func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func wrapReadErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func wrapWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", op, err)
}
