package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// LatestCache keeps each device's most recent reading JSON in redis so the
// devices endpoint can show live samples without a store round trip. Optional:
// a nil *LatestCache disables every method.
type LatestCache struct{ rdb *redis.Client }

func New(rdb *redis.Client) *LatestCache { return &LatestCache{rdb: rdb} }

func key(deviceID string) string { return "reading:latest:" + deviceID }

func (c *LatestCache) Set(ctx context.Context, deviceID string, readingJSON []byte) error {
	if c == nil {
		return nil
	}
	return c.rdb.Set(ctx, key(deviceID), readingJSON, 24*time.Hour).Err()
}

func (c *LatestCache) Get(ctx context.Context, deviceID string) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	b, err := c.rdb.Get(ctx, key(deviceID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return b, err
}
