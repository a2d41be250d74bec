// Package cache is a small TTL cache over the session key-value store. Each
// entry has a sibling "<key>:ts" holding the write time in unix milliseconds.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Skotchmaster/rbe_session/internal/storage"
)

const DefaultTTL = 5 * time.Minute

const tsSuffix = ":ts"

// DefaultExempt survive ClearAppCache unless the caller overrides them.
var DefaultExempt = []string{"token", "user"}

type Cache struct {
	store storage.Store
	ttl   time.Duration
	now   func() time.Time
}

func New(store storage.Store, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{store: store, ttl: ttl, now: time.Now}
}

// MakeKey builds the per-user key convention "prefix_userID".
func MakeKey(prefix, userID string) string {
	return prefix + "_" + userID
}

// GetIfFresh decodes the entry into dst when it is younger than the TTL. Stale
// or unreadable entries are removed and reported as absent.
func (c *Cache) GetIfFresh(ctx context.Context, key string, dst any) (bool, error) {
	raw, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache get %q: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	tsRaw, ok, err := c.store.Get(ctx, key+tsSuffix)
	if err != nil {
		return false, fmt.Errorf("cache get %q: %w", key+tsSuffix, err)
	}

	var storedAt int64
	if ok {
		storedAt, err = strconv.ParseInt(tsRaw, 10, 64)
	}
	if !ok || err != nil || c.now().Sub(time.UnixMilli(storedAt)) >= c.ttl {
		return false, c.Remove(ctx, key)
	}

	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, c.Remove(ctx, key)
	}
	return true, nil
}

func (c *Cache) Set(ctx context.Context, key string, value any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %q: %w", key, err)
	}
	if err := c.store.Set(ctx, key, string(b)); err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	if err := c.store.Set(ctx, key+tsSuffix, ts); err != nil {
		return fmt.Errorf("cache set %q: %w", key+tsSuffix, err)
	}
	return nil
}

func (c *Cache) Remove(ctx context.Context, key string) error {
	if err := c.store.Delete(ctx, key, key+tsSuffix); err != nil {
		return fmt.Errorf("cache remove %q: %w", key, err)
	}
	return nil
}

// ClearAppCache purges every key except the exempt ones and their timestamps.
// With no arguments DefaultExempt applies. It returns how many keys went.
func (c *Cache) ClearAppCache(ctx context.Context, exempt ...string) (int, error) {
	if len(exempt) == 0 {
		exempt = DefaultExempt
	}
	keep := make(map[string]struct{}, len(exempt))
	for _, k := range exempt {
		keep[k] = struct{}{}
	}

	keys, err := c.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("cache list: %w", err)
	}
	var purge []string
	for _, k := range keys {
		if _, ok := keep[strings.TrimSuffix(k, tsSuffix)]; ok {
			continue
		}
		purge = append(purge, k)
	}
	if err := c.store.Delete(ctx, purge...); err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	return len(purge), nil
}
