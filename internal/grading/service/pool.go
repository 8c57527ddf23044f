package service

import (
	"context"
	"sync"

	pkgerrors "blockjudge/pkg/errors"

	"golang.org/x/sync/semaphore"
)

// admissionPool bounds concurrent Grade calls. Waiters are admitted in
// arrival order; once queueDepth callers are waiting, new callers are
// rejected immediately.
type admissionPool struct {
	size       int64
	queueDepth int
	sem        *semaphore.Weighted

	mu       sync.Mutex
	waiting  int
	inflight int
}

// PoolStats is a point-in-time view of the admission pool.
type PoolStats struct {
	Size     int `json:"size"`
	InFlight int `json:"inFlight"`
	Waiting  int `json:"waiting"`
}

func newAdmissionPool(size, queueDepth int) *admissionPool {
	if size <= 0 {
		size = 1
	}
	if queueDepth < 0 {
		queueDepth = 0
	}
	return &admissionPool{
		size:       int64(size),
		queueDepth: queueDepth,
		sem:        semaphore.NewWeighted(int64(size)),
	}
}

// acquire blocks until a slot is free or ctx ends. The returned release
// must be called exactly once.
func (p *admissionPool) acquire(ctx context.Context) (func(), error) {
	if p.sem.TryAcquire(1) {
		p.admitted()
		return p.release, nil
	}

	p.mu.Lock()
	if p.waiting >= p.queueDepth {
		p.mu.Unlock()
		return nil, pkgerrors.New(pkgerrors.GradingOverloaded)
	}
	p.waiting++
	p.mu.Unlock()

	err := p.sem.Acquire(ctx, 1)

	p.mu.Lock()
	p.waiting--
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	p.admitted()
	return p.release, nil
}

func (p *admissionPool) admitted() {
	p.mu.Lock()
	p.inflight++
	p.mu.Unlock()
}

func (p *admissionPool) release() {
	p.mu.Lock()
	p.inflight--
	p.mu.Unlock()
	p.sem.Release(1)
}

func (p *admissionPool) stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Size: int(p.size), InFlight: p.inflight, Waiting: p.waiting}
}
