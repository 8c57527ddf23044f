package service

import (
	"context"
	"sync"
	"time"

	"blockjudge/internal/common/cache"
	pkgerrors "blockjudge/pkg/errors"
	"blockjudge/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubmitterGate caps in-flight Grade calls per submitter. Acquire fails
// with SubmitterBusy when the submitter is at the cap.
type SubmitterGate interface {
	Acquire(ctx context.Context, submitter string) (release func(), err error)
}

// MemoryGate enforces the cap within one process.
type MemoryGate struct {
	limit int

	mu       sync.Mutex
	inflight map[string]int
}

func NewMemoryGate(limit int) *MemoryGate {
	if limit <= 0 {
		limit = 1
	}
	return &MemoryGate{limit: limit, inflight: make(map[string]int)}
}

func (g *MemoryGate) Acquire(ctx context.Context, submitter string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inflight[submitter] >= g.limit {
		return nil, pkgerrors.New(pkgerrors.SubmitterBusy)
	}
	g.inflight[submitter]++

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.inflight[submitter] <= 1 {
				delete(g.inflight, submitter)
				return
			}
			g.inflight[submitter]--
		})
	}, nil
}

const submitterLockPrefix = "grading:submitter:"

// RedisGate enforces a cap of one across every service instance sharing
// the cache. The lock expires after ttl in case its holder dies.
type RedisGate struct {
	cache cache.Cache
	ttl   time.Duration
}

func NewRedisGate(c cache.Cache, ttl time.Duration) *RedisGate {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisGate{cache: c, ttl: ttl}
}

// Acquire lets the call through when the cache is unreachable; the
// admission pool still bounds total load.
func (g *RedisGate) Acquire(ctx context.Context, submitter string) (func(), error) {
	key := submitterLockPrefix + submitter
	token := uuid.NewString()
	ok, err := g.cache.TryLock(ctx, key, token, g.ttl)
	if err != nil {
		logger.Warn(ctx, "submitter lock unavailable, admitting without it", zap.String("submitter", submitter), zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return nil, pkgerrors.New(pkgerrors.SubmitterBusy)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			if err := g.cache.Unlock(unlockCtx, key, token); err != nil {
				logger.Warn(ctx, "release submitter lock failed", zap.String("submitter", submitter), zap.Error(err))
			}
		})
	}, nil
}
