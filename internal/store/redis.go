package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) and keeps a Redis cache of
// the market and option reads that back stake quotes. Writes go to the
// primary store and invalidate the cache. Reads made through the
// CachedStore itself are never served from Redis, so the ledger, settlement
// and reconciliation always see committed state; only the reader returned
// by Quotes uses the cache.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market, options []model.Option) error {
	if err := s.Store.CreateMarket(ctx, m, options); err != nil {
		return err
	}
	s.invalidate(ctx, m.ID)
	return nil
}

func (s *CachedStore) UpdateMarketStatus(ctx context.Context, id string, from, to model.MarketStatus) error {
	if err := s.Store.UpdateMarketStatus(ctx, id, from, to); err != nil {
		return err
	}
	s.invalidate(ctx, id)
	return nil
}

func (s *CachedStore) InsertEntry(ctx context.Context, e *model.Entry, tx *model.WalletTransaction) error {
	if err := s.Store.InsertEntry(ctx, e, tx); err != nil {
		return err
	}
	// Pools changed; next read will re-populate.
	s.invalidate(ctx, e.MarketID)
	return nil
}

// Quotes returns the read-through reader for quote pricing. A quote may lag
// a write by at most one round trip; staking re-validates against the
// primary store.
func (s *CachedStore) Quotes() *QuoteCache {
	return &QuoteCache{primary: s.Store, rdb: s.rdb, ttl: s.ttl}
}

// QuoteCache serves market and option reads from Redis, falling back to the
// primary store on a miss.
type QuoteCache struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

func (c *QuoteCache) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return readThrough(ctx, c, marketKey(id), id, func() (*model.Market, error) {
		return c.primary.GetMarket(ctx, id)
	})
}

func (c *QuoteCache) GetOptions(ctx context.Context, marketID string) ([]model.Option, error) {
	return readThrough(ctx, c, optionsKey(marketID), marketID, func() ([]model.Option, error) {
		return c.primary.GetOptions(ctx, marketID)
	})
}

// ListUserEntries is not cached.
func (c *QuoteCache) ListUserEntries(ctx context.Context, marketID, userID string) ([]model.Entry, error) {
	return c.primary.ListUserEntries(ctx, marketID, userID)
}

// readThrough returns the cached value at key or loads it. The fill runs
// under WATCH on the market's generation key: an invalidation that lands
// between the load and the SET aborts the SET, so a value read before a
// write is never cached after it.
func readThrough[T any](ctx context.Context, c *QuoteCache, key, marketID string, load func() (T, error)) (T, error) {
	if data, err := c.rdb.Get(ctx, key).Bytes(); err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return v, nil
		}
	}

	var (
		v       T
		loadErr error
		loaded  bool
	)
	_ = c.rdb.Watch(ctx, func(tx *redis.Tx) error {
		v, loadErr = load()
		if loadErr != nil {
			return loadErr
		}
		loaded = true
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, c.ttl)
			return nil
		})
		return err
	}, genKey(marketID))
	if loadErr != nil {
		return v, loadErr
	}
	if !loaded {
		// Redis failed before the load ran.
		return load()
	}
	// An aborted or failed fill leaves the fresh value uncached.
	return v, nil
}

// --- Cache helpers ---

// invalidate bumps the market's generation and drops its cached reads in
// one transaction.
func (s *CachedStore) invalidate(ctx context.Context, marketID string) {
	s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey(marketID))
		p.Del(ctx, marketKey(marketID), optionsKey(marketID))
		return nil
	})
}

func marketKey(id string) string  { return fmt.Sprintf("market:%s", id) }
func optionsKey(id string) string { return fmt.Sprintf("market:%s:options", id) }
func genKey(id string) string     { return fmt.Sprintf("market:%s:gen", id) }
