package learningstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/TheCreditPros/virtuous-cycle/telemetry"
)

// redisDB is the isolated database index the learning store uses,
// following the framework convention of giving each subsystem its own
// Redis DB rather than sharing a keyspace.
const redisDB = 4

const redisNamespace = "vc:learning"

// redisCache is an optional write-only mirror of Store: Record copies every
// updated pattern into Redis with a 24h expiry. Store never reads from it;
// Query and Similar always serve from the in-memory map. Cache writes are
// best-effort: a failure here never fails Record itself, since the file is
// always the durable source of truth.
type redisCache struct {
	client *redis.Client
	logger telemetry.Logger
}

func newRedisCache(url string, logger telemetry.ComponentAwareLogger) (*redisCache, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opt.DB = redisDB
	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis DB %d: %w", redisDB, err)
	}

	return &redisCache{client: client, logger: logger.WithComponent("virtuouscycle/learningstore/cache")}, nil
}

func (c *redisCache) key(fingerprint string) string {
	return fmt.Sprintf("%s:%s", redisNamespace, fingerprint)
}

func (c *redisCache) put(ctx context.Context, p Pattern) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.key(p.FeatureFingerprint), data, 24*time.Hour).Err(); err != nil {
		c.logger.WarnWithContext(ctx, "failed to cache pattern", map[string]interface{}{"error": err.Error()})
	}
}

func (c *redisCache) get(ctx context.Context, fingerprint string) (Pattern, bool) {
	data, err := c.client.Get(ctx, c.key(fingerprint)).Bytes()
	if err != nil {
		return Pattern{}, false
	}
	var p Pattern
	if err := json.Unmarshal(data, &p); err != nil {
		return Pattern{}, false
	}
	return p, true
}

func (c *redisCache) Close() error {
	return c.client.Close()
}
