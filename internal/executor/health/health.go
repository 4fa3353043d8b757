// Package health computes the executor's dynamic concurrency bound from
// database connection-pool headroom, caching the result in Redis so every
// coordinator loop iteration doesn't have to recompute pool stats under
// load.
package health

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/orbitflow/taskengine/internal/platform/logger"
)

// Gauge implements executor.Concurrency: clamp(optimal_from_system_health,
// min, max), where optimal is derived from sql.DB.Stats() headroom
// (MaxOpenConnections - InUse). A Redis cache keyed by cacheKey absorbs
// repeated calls within cacheDuration; a nil Redis client (no REDIS_ADDR
// configured) disables caching and recomputes every call.
type Gauge struct {
	db            *gorm.DB
	rdb           *redis.Client
	cacheKey      string
	min           int64
	max           int64
	cacheDuration time.Duration
	log           *logger.Logger
}

func NewGauge(db *gorm.DB, rdb *redis.Client, min, max int64, cacheDuration time.Duration, log *logger.Logger) *Gauge {
	return &Gauge{
		db:            db,
		rdb:           rdb,
		cacheKey:      "taskengine:executor:concurrency_bound",
		min:           min,
		max:           max,
		cacheDuration: cacheDuration,
		log:           log.With("component", "executor.health.Gauge"),
	}
}

// Bound satisfies executor.Concurrency.
func (g *Gauge) Bound(ctx context.Context) int64 {
	if g.rdb != nil {
		if cached, err := g.rdb.Get(ctx, g.cacheKey).Int64(); err == nil {
			return clamp(cached, g.min, g.max)
		} else if err != redis.Nil {
			g.log.Warn("concurrency cache read failed, falling back to live pool stats", "error", err)
		}
	}

	bound := clamp(g.optimal(), g.min, g.max)

	if g.rdb != nil {
		if err := g.rdb.Set(ctx, g.cacheKey, bound, g.cacheDuration).Err(); err != nil {
			g.log.Warn("concurrency cache write failed", "error", err)
		}
	}
	return bound
}

// optimal reads live connection-pool headroom: an unlimited pool
// (MaxOpenConnections == 0) has no ceiling to derive from, so it defers to
// max.
func (g *Gauge) optimal() int64 {
	sqlDB, err := g.db.DB()
	if err != nil {
		g.log.Warn("concurrency gauge could not reach sql.DB, defaulting to max", "error", err)
		return g.max
	}
	stats := sqlDB.Stats()
	if stats.MaxOpenConnections == 0 {
		return g.max
	}
	headroom := int64(stats.MaxOpenConnections - stats.InUse)
	if headroom < 1 {
		headroom = 1
	}
	return headroom
}

func clamp(v, min, max int64) int64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
