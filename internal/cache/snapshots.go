// Package cache provides Redis-backed caching for market snapshots with
// graceful degradation: when Redis is unavailable every lookup is a miss and
// the pipeline fetches from the broker as usual.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"iqoption-trading-bot/internal/market"
)

// DefaultSnapshotTTL keeps cached candles for one M1 bar.
const DefaultSnapshotTTL = time.Minute

// recoveryBackoff is how long an open breaker waits before letting a single
// request through to see whether Redis is back.
const recoveryBackoff = 30 * time.Second

// Config holds the Redis connection settings.
type Config struct {
	Enabled  bool          `json:"enabled"`
	Address  string        `json:"address"`
	Password string        `json:"password"`
	DB       int           `json:"db"`
	PoolSize int           `json:"pool_size"`
	TTL      time.Duration `json:"ttl"`
}

// SnapshotCache caches fetched snapshots keyed by asset and timeframe. A
// failing Redis trips a small circuit breaker; while it is open all reads
// miss and all writes are dropped.
type SnapshotCache struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger

	mu           sync.Mutex
	healthy      bool
	failureCount int
	maxFailures  int
	lastFailure  time.Time
	backoff      time.Duration
}

// NewSnapshotCache connects to Redis. A connection failure does not fail
// startup; the cache comes up degraded and recovers when Redis does.
func NewSnapshotCache(cfg Config, logger zerolog.Logger) *SnapshotCache {
	log := logger.With().Str("component", "snapshot_cache").Logger()
	sc := &SnapshotCache{
		ttl:         cfg.TTL,
		logger:      log,
		maxFailures: 3,
		backoff:     recoveryBackoff,
	}
	if sc.ttl <= 0 {
		sc.ttl = DefaultSnapshotTTL
	}
	if !cfg.Enabled {
		return sc
	}

	sc.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sc.client.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unreachable, snapshot cache degraded")
		return sc
	}
	sc.healthy = true
	log.Info().Str("address", cfg.Address).Msg("snapshot cache connected")
	return sc
}

func key(asset string, tf market.Timeframe) string {
	return fmt.Sprintf("snapshot:%s:%s", asset, tf)
}

func (sc *SnapshotCache) usable() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.client == nil {
		return false
	}
	if sc.healthy {
		return true
	}
	// Open breaker: let one request through per backoff window so a
	// recovered Redis can close it again.
	if time.Since(sc.lastFailure) >= sc.backoff {
		sc.lastFailure = time.Now()
		return true
	}
	return false
}

func (sc *SnapshotCache) recordFailure(err error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.failureCount++
	sc.lastFailure = time.Now()
	if sc.failureCount >= sc.maxFailures && sc.healthy {
		sc.healthy = false
		sc.logger.Warn().Err(err).Msg("redis failing, snapshot cache degraded")
	}
}

func (sc *SnapshotCache) recordSuccess() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.failureCount = 0
	if !sc.healthy {
		sc.healthy = true
		sc.logger.Info().Msg("redis recovered, snapshot cache restored")
	}
}

// Get returns a cached snapshot, or nil on a miss or a degraded cache.
func (sc *SnapshotCache) Get(ctx context.Context, asset string, tf market.Timeframe) *market.Snapshot {
	if !sc.usable() {
		return nil
	}
	raw, err := sc.client.Get(ctx, key(asset, tf)).Bytes()
	if err != nil {
		if err != redis.Nil {
			sc.recordFailure(err)
		}
		return nil
	}
	sc.recordSuccess()

	var snap market.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		sc.logger.Warn().Err(err).Str("asset", asset).Msg("corrupt cached snapshot dropped")
		return nil
	}
	return &snap
}

// Put stores a snapshot for the configured TTL. Failures are logged and
// swallowed; caching is never load-bearing.
func (sc *SnapshotCache) Put(ctx context.Context, snap *market.Snapshot) {
	if !sc.usable() || snap == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := sc.client.Set(ctx, key(snap.Asset, snap.Timeframe), raw, sc.ttl).Err(); err != nil {
		sc.recordFailure(err)
		return
	}
	sc.recordSuccess()
}

// Close releases the Redis connection.
func (sc *SnapshotCache) Close() error {
	if sc.client == nil {
		return nil
	}
	return sc.client.Close()
}
