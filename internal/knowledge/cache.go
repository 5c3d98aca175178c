package knowledge

import (
	"context"
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/models"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 10 * time.Minute

	redisKeyPrefix = "loom:knowledge:"
)

// entryCache fronts latest-version reads with an in-process LRU and an
// optional shared Redis layer. Writes invalidate rather than update: a late
// setter could regress the latest version, a deleted key only costs one
// database read.
type entryCache struct {
	local  *lru.Cache[string, models.KnowledgeEntry]
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func newEntryCache(size int, redisAddr string, ttl time.Duration, logger *zap.Logger) (*entryCache, error) {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}

	local, err := lru.New[string, models.KnowledgeEntry](size)
	if err != nil {
		return nil, err
	}

	c := &entryCache{local: local, ttl: ttl, logger: logger}
	if redisAddr != "" {
		c.redis = redis.NewClient(&redis.Options{Addr: redisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := c.redis.Ping(ctx).Err(); err != nil {
			// Degrade to local-only caching rather than refusing to start.
			logger.Warn("Redis cache unavailable, using local cache only",
				zap.String("addr", redisAddr),
				zap.Error(err),
			)
			_ = c.redis.Close()
			c.redis = nil
		}
	}
	return c, nil
}

func (c *entryCache) get(ctx context.Context, key string) (models.KnowledgeEntry, bool) {
	if entry, ok := c.local.Get(key); ok {
		metrics.KnowledgeCacheHits.WithLabelValues("lru", "hit").Inc()
		return entry, true
	}
	metrics.KnowledgeCacheHits.WithLabelValues("lru", "miss").Inc()

	if c.redis == nil {
		return models.KnowledgeEntry{}, false
	}

	payload, err := c.redis.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		metrics.KnowledgeCacheHits.WithLabelValues("redis", "miss").Inc()
		return models.KnowledgeEntry{}, false
	}
	var entry models.KnowledgeEntry
	if err := json.Unmarshal(payload, &entry); err != nil {
		metrics.KnowledgeCacheHits.WithLabelValues("redis", "miss").Inc()
		return models.KnowledgeEntry{}, false
	}
	metrics.KnowledgeCacheHits.WithLabelValues("redis", "hit").Inc()
	c.local.Add(key, entry)
	return entry, true
}

func (c *entryCache) set(ctx context.Context, key string, entry models.KnowledgeEntry) {
	c.local.Add(key, entry)
	if c.redis == nil {
		return
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, redisKeyPrefix+key, payload, c.ttl).Err(); err != nil {
		c.logger.Debug("Redis cache set failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *entryCache) invalidate(ctx context.Context, key string) {
	c.local.Remove(key)
	if c.redis == nil {
		return
	}
	if err := c.redis.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		c.logger.Debug("Redis cache invalidation failed", zap.String("key", key), zap.Error(err))
	}
}

func (c *entryCache) close() {
	if c.redis != nil {
		_ = c.redis.Close()
	}
}
