package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/deckflow/pkg/layout"
)

// RedisMeasureCache shares text measurements between workers. Keys look like
//
//	<prefix>measure:<hash>  => gob-encoded layout.TextMetrics
//
// Entries expire after ttl so a preset or font table change ages out.
type RedisMeasureCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

var _ layout.MeasureCache = (*RedisMeasureCache)(nil)

// DefaultMeasureTTL is used when NewRedisMeasureCache gets a zero ttl.
const DefaultMeasureTTL = 24 * time.Hour

// NewRedisMeasureCache creates a RedisMeasureCache.
// prefix defaults to "deckflow:".
func NewRedisMeasureCache(client *redis.Client, prefix string, ttl time.Duration) *RedisMeasureCache {
	if prefix == "" {
		prefix = "deckflow:"
	}
	if ttl <= 0 {
		ttl = DefaultMeasureTTL
	}
	return &RedisMeasureCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisMeasureCache) key(k string) string {
	return c.prefix + "measure:" + k
}

func (c *RedisMeasureCache) GetMetrics(ctx context.Context, key string) (layout.TextMetrics, bool, error) {
	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return layout.TextMetrics{}, false, nil
	}
	if err != nil {
		return layout.TextMetrics{}, false, err
	}
	m, err := DecodeValue[layout.TextMetrics](data)
	if err != nil {
		return layout.TextMetrics{}, false, err
	}
	return m, true, nil
}

func (c *RedisMeasureCache) SetMetrics(ctx context.Context, key string, m layout.TextMetrics) error {
	data, err := EncodeValue(m)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(key), data, c.ttl).Err()
}
