// Package cache is the JSON-over-Redis cache used for per-account results
// and the dispatcher's recent event log.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	CostDataTTL        = time.Hour
	RecommendationsTTL = 30 * time.Minute
	WasteScanTTL       = 2 * time.Hour

	scanCount = 500
)

func costDataKey(accountID, start, end string) string {
	return fmt.Sprintf("cost_data:%s:%s:%s", accountID, start, end)
}
func recommendationsKey(accountID string) string { return "recommendations:" + accountID }
func wasteScanKey(accountID string) string { return "waste_scan:" + accountID }

type Cache struct {
	rdb *r.Client
	log *zap.Logger
}

func New(rdb *r.Client, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{rdb: rdb, log: log.Named("cache")}
}

func (c *Cache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, b, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w", key, err)
	}
	return nil
}

// Get decodes the value at key into dst and reports whether it was present.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, error) {
	b, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, r.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cache: get %s: %w", key, err)
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return true, nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: delete: %w", err)
	}
	return n, nil
}

// DeletePattern removes every key matching a glob pattern. It walks the
// keyspace with SCAN so large databases are not blocked.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := c.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return removed, fmt.Errorf("cache: scan %s: %w", pattern, err)
		}
		n, err := c.Delete(ctx, keys...)
		if err != nil {
			return removed, err
		}
		removed += n
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// Push prepends v to the list at key, keeps the newest keep entries and
// refreshes the list's expiry.
func (c *Cache) Push(ctx context.Context, key string, v any, keep int64, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	_, err = c.rdb.TxPipelined(ctx, func(p r.Pipeliner) error {
		p.LPush(ctx, key, b)
		p.LTrim(ctx, key, 0, keep-1)
		p.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: push %s: %w", key, err)
	}
	return nil
}

// Range returns up to limit raw entries from the list at key, newest first.
func (c *Cache) Range(ctx context.Context, key string, limit int64) ([]json.RawMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	vals, err := c.rdb.LRange(ctx, key, 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: range %s: %w", key, err)
	}
	out := make([]json.RawMessage, 0, len(vals))
	for _, v := range vals {
		out = append(out, json.RawMessage(v))
	}
	return out, nil
}

func (c *Cache) CacheCostData(ctx context.Context, accountID, start, end string, data any) error {
	return c.Set(ctx, costDataKey(accountID, start, end), data, CostDataTTL)
}

func (c *Cache) CachedCostData(ctx context.Context, accountID, start, end string, dst any) (bool, error) {
	return c.Get(ctx, costDataKey(accountID, start, end), dst)
}

func (c *Cache) CacheRecommendations(ctx context.Context, accountID string, recs []any) error {
	return c.Set(ctx, recommendationsKey(accountID), recs, RecommendationsTTL)
}

func (c *Cache) CachedRecommendations(ctx context.Context, accountID string) ([]any, bool, error) {
	var recs []any
	ok, err := c.Get(ctx, recommendationsKey(accountID), &recs)
	return recs, ok, err
}

func (c *Cache) CacheWasteScan(ctx context.Context, accountID string, results map[string]any) error {
	return c.Set(ctx, wasteScanKey(accountID), results, WasteScanTTL)
}

func (c *Cache) CachedWasteScan(ctx context.Context, accountID string) (map[string]any, bool, error) {
	var res map[string]any
	ok, err := c.Get(ctx, wasteScanKey(accountID), &res)
	return res, ok, err
}

// InvalidateAccount drops every cached result derived from accountID.
func (c *Cache) InvalidateAccount(ctx context.Context, accountID string) (int64, error) {
	n, err := c.DeletePattern(ctx, costDataKey(accountID, "*", "*"))
	if err != nil {
		return n, err
	}
	m, err := c.Delete(ctx, recommendationsKey(accountID), wasteScanKey(accountID))
	n += m
	if err != nil {
		return n, err
	}
	c.log.Debug("account cache invalidated", zap.String("account_id", accountID), zap.Int64("keys", n))
	return n, nil
}
