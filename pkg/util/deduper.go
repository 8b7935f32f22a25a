package util

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deduper 基于 Redis SETNX 的一次性闸门，跨进程重启仍然有效
type Deduper struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewDeduperWithLogger creates a deduper with logger support
func NewDeduperWithLogger(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Deduper {
	return &Deduper{
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// DedupKey formats the key used for a handler + id pair.
func DedupKey(handler, id string) string {
	return "dedup:" + handler + ":" + id
}

// AcquireOnce tries to acquire a dedup lock for a given handler + id
// returns true if this is the FIRST time processing
// returns false if it's a duplicate
func (d *Deduper) AcquireOnce(ctx context.Context, handler string, id string) bool {
	key := DedupKey(handler, id)

	ok, err := d.rdb.SetNX(ctx, key, time.Now().Unix(), d.ttl).Result()
	if err != nil {
		// Redis 不可用时不能证明是重复，放行；服务端仍需自行保证幂等
		if d.logger != nil {
			d.logger.Warn("Redis dedup check failed, allowing processing",
				zap.String("handler", handler),
				zap.String("id", id),
				zap.Error(err),
			)
		}
		return true
	}

	if !ok && d.logger != nil {
		d.logger.Info("Skipped duplicated event",
			zap.String("handler", handler),
			zap.String("id", id),
			zap.String("dedup_key", key),
		)
	}

	return ok
}

// MemoryDeduper is the in-process variant used when redis is not configured.
// Its memory lasts for the life of the process.
type MemoryDeduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryDeduper() *MemoryDeduper {
	return &MemoryDeduper{seen: make(map[string]struct{})}
}

func (d *MemoryDeduper) AcquireOnce(_ context.Context, handler string, id string) bool {
	key := DedupKey(handler, id)

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}
