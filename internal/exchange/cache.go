package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/example/fx-ledger/internal/ledger"
)

// Rates maps a quote currency to how many units of it one unit of the base buys.
type Rates map[ledger.Currency]decimal.Decimal

func (r Rates) clone() Rates {
	out := make(Rates, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Cache stores rate tables by base currency. Get reports ok=false on a miss
// or an expired entry.
type Cache interface {
	Get(ctx context.Context, base ledger.Currency) (Rates, bool, error)
	Set(ctx context.Context, base ledger.Currency, rates Rates, ttl time.Duration) error
}

type memoryEntry struct {
	rates   Rates
	expires time.Time
}

// MemoryCache is a process-local Cache.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[ledger.Currency]memoryEntry
	now     func() time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: map[ledger.Currency]memoryEntry{}, now: time.Now}
}

func (c *MemoryCache) Get(ctx context.Context, base ledger.Currency) (Rates, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[base]
	if !ok || !c.now().Before(e.expires) {
		return nil, false, nil
	}
	return e.rates.clone(), true, nil
}

func (c *MemoryCache) Set(ctx context.Context, base ledger.Currency, rates Rates, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[base] = memoryEntry{rates: rates.clone(), expires: c.now().Add(ttl)}
	return nil
}

// RedisCache shares rate tables between processes. Values are JSON objects of
// decimal strings and expire through the Redis TTL.
type RedisCache struct {
	Redis  *redis.Client
	Prefix string
}

func (c *RedisCache) key(base ledger.Currency) string {
	if c.Prefix == "" {
		return "rates:" + string(base)
	}
	return c.Prefix + ":rates:" + string(base)
}

func (c *RedisCache) Get(ctx context.Context, base ledger.Currency) (Rates, bool, error) {
	raw, err := c.Redis.Get(ctx, c.key(base)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to read cached rates: %w", err)
	}

	var rates Rates
	if err := json.Unmarshal(raw, &rates); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached rates: %w", err)
	}
	return rates, true, nil
}

func (c *RedisCache) Set(ctx context.Context, base ledger.Currency, rates Rates, ttl time.Duration) error {
	raw, err := json.Marshal(rates)
	if err != nil {
		return fmt.Errorf("failed to encode rates: %w", err)
	}
	if err := c.Redis.Set(ctx, c.key(base), raw, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache rates: %w", err)
	}
	return nil
}
