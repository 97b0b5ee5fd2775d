package fetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

type hostSlot struct {
	sem         *semaphore.Weighted
	inFlight    int64 // held + waiting permits
	lastRelease time.Time
}

// HostSemaphorePool caps concurrent requests per host across all workers.
// Probes, page fetches and downloads for one host share the same slots.
type HostSemaphorePool struct {
	slots          map[string]*hostSlot
	mu             sync.Mutex
	limit          int64
	acquireTimeout time.Duration
	log            *logrus.Entry
}

// NewHostSemaphorePool creates a pool allowing maxPerHost concurrent requests per host.
// acquireTimeout bounds how long Acquire waits for a slot (0 waits until ctx is done).
func NewHostSemaphorePool(maxPerHost int, acquireTimeout time.Duration, log *logrus.Entry) *HostSemaphorePool {
	limit := int64(maxPerHost)
	if limit <= 0 {
		limit = 2
		log.Warnf("max_requests_per_host invalid or zero, defaulting to %d", limit)
	}
	return &HostSemaphorePool{
		slots:          make(map[string]*hostSlot),
		limit:          limit,
		acquireTimeout: acquireTimeout,
		log:            log,
	}
}

// Acquire takes one permit for host, blocking until one frees up, the acquire
// timeout passes, or ctx is done.
func (p *HostSemaphorePool) Acquire(ctx context.Context, host string) error {
	p.mu.Lock()
	slot, ok := p.slots[host]
	if !ok {
		slot = &hostSlot{sem: semaphore.NewWeighted(p.limit)}
		p.slots[host] = slot
		p.log.WithFields(logrus.Fields{"host": host, "limit": p.limit}).Debug("Created host semaphore")
	}
	slot.inFlight++
	p.mu.Unlock()

	acquireCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	if err := slot.sem.Acquire(acquireCtx, 1); err != nil {
		p.mu.Lock()
		slot.inFlight--
		p.mu.Unlock()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("acquire slot for host %s: %w", host, err)
	}
	return nil
}

// Release returns one permit for host
func (p *HostSemaphorePool) Release(host string) {
	p.mu.Lock()
	slot, ok := p.slots[host]
	if !ok {
		p.mu.Unlock()
		p.log.Errorf("Release called for unknown host: %s", host)
		return
	}
	slot.inFlight--
	slot.lastRelease = time.Now()
	p.mu.Unlock()

	slot.sem.Release(1)
}

// RunEviction drops idle host entries every interval until ctx is done.
// A batch over many third-party hosts would otherwise keep one entry per host forever.
func (p *HostSemaphorePool) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle(interval)
		case <-ctx.Done():
			return
		}
	}
}

func (p *HostSemaphorePool) evictIdle(maxIdle time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	evicted := 0
	for host, slot := range p.slots {
		if slot.inFlight == 0 && !slot.lastRelease.IsZero() && now.Sub(slot.lastRelease) >= maxIdle {
			delete(p.slots, host)
			evicted++
		}
	}
	if evicted > 0 {
		p.log.Debugf("Evicted %d idle host semaphores, %d remain", evicted, len(p.slots))
	}
}

// Len returns the number of tracked hosts
func (p *HostSemaphorePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}
