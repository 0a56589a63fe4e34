// Package cache publishes scan snapshots to scrapers. Readers take an
// atomic reference and never block a refresh; at most one refresh runs at
// any time and expired reads are served stale while it completes.
package cache

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/herakles-io/herakles-proc-mem-exporter/pkg/aggregate"
)

// RefreshFunc produces a fresh snapshot. Supplied by the scanner pipeline.
type RefreshFunc func(ctx context.Context) (*aggregate.Snapshot, error)

// Stats is the cache bookkeeping surfaced as internal gauges.
type Stats struct {
	UpdateDurationSeconds float64
	UpdateSuccess         bool
	Updating              bool
	HasCurrent            bool
	LastRefresh           time.Time
}

// Cache holds the latest published snapshot behind an atomic pointer.
type Cache struct {
	refresh RefreshFunc
	ttl     time.Duration
	logger  *zap.Logger

	current     atomic.Pointer[aggregate.Snapshot]
	lastRefresh atomic.Int64  // unix nanos, 0 = never
	durBits     atomic.Uint64 // float64 bits of the last refresh duration
	success     atomic.Bool
	inFlight    atomic.Bool

	group singleflight.Group

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New creates a cache. The first Get blocks on the initial refresh; later
// expirations refresh in the background.
func New(refresh RefreshFunc, ttl time.Duration, logger *zap.Logger) *Cache {
	return &Cache{
		refresh: refresh,
		ttl:     ttl,
		logger:  logger,
		stop:    make(chan struct{}),
	}
}

// Get returns the current snapshot, refreshing per the TTL protocol. Only
// the first-ever call blocks on a refresh; concurrent first calls coalesce
// onto the same one.
func (c *Cache) Get(ctx context.Context) (*aggregate.Snapshot, error) {
	cur := c.current.Load()
	if cur == nil {
		return c.refreshNow(ctx)
	}
	if c.fresh() {
		return cur, nil
	}

	// Stale: serve the previous snapshot and kick a background refresh
	// unless one is already running.
	if c.inFlight.CompareAndSwap(false, true) {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.runRefresh(context.Background())
		}()
	}
	return cur, nil
}

// Current returns the published snapshot without triggering a refresh.
func (c *Cache) Current() *aggregate.Snapshot { return c.current.Load() }

func (c *Cache) fresh() bool {
	last := c.lastRefresh.Load()
	return last > 0 && time.Since(time.Unix(0, last)) < c.ttl
}

// refreshNow blocks the caller on a (possibly shared) refresh.
func (c *Cache) refreshNow(ctx context.Context) (*aggregate.Snapshot, error) {
	v, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		if !c.inFlight.CompareAndSwap(false, true) {
			// A background refresh is already running; wait for its
			// publication rather than starting another.
			for c.inFlight.Load() {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(10 * time.Millisecond):
				}
			}
			return c.current.Load(), nil
		}
		snap, err := c.runRefresh(ctx)
		if err != nil && snap == nil {
			return nil, err
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	snap, _ := v.(*aggregate.Snapshot)
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	return snap, nil
}

// runRefresh executes the refresh and publishes the result. The in-flight
// flag must be held by the caller. A failed refresh leaves the previous
// snapshot in place.
func (c *Cache) runRefresh(ctx context.Context) (*aggregate.Snapshot, error) {
	defer c.inFlight.Store(false)

	start := time.Now()
	snap, err := c.refresh(ctx)
	c.durBits.Store(math.Float64bits(time.Since(start).Seconds()))

	if err != nil {
		c.success.Store(false)
		c.logger.Warn("snapshot refresh failed", zap.Error(err))
		return c.current.Load(), err
	}

	c.current.Store(snap)
	c.lastRefresh.Store(time.Now().UnixNano())
	c.success.Store(true)
	c.logger.Debug("snapshot refreshed",
		zap.Int("processes", snap.ProcessCount),
		zap.Duration("took", time.Since(start)))
	return snap, nil
}

// StartBackground refreshes on a periodic tick so CPU priors stay warm even
// without scrapes.
func (c *Cache) StartBackground(interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				if c.inFlight.CompareAndSwap(false, true) {
					c.runRefresh(context.Background())
				}
			}
		}
	}()
}

// Close stops the background tick and waits up to grace for an in-flight
// refresh to finish. The refresh is not cancelled; a late result is
// dropped with the cache.
func (c *Cache) Close(grace time.Duration) {
	c.stopOnce.Do(func() { close(c.stop) })

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		c.logger.Warn("refresh still running after shutdown grace", zap.Duration("grace", grace))
	}
}

// Stats returns the cache bookkeeping for the internal gauges.
func (c *Cache) Stats() Stats {
	last := c.lastRefresh.Load()
	st := Stats{
		UpdateDurationSeconds: math.Float64frombits(c.durBits.Load()),
		UpdateSuccess:         c.success.Load(),
		Updating:              c.inFlight.Load(),
		HasCurrent:            c.current.Load() != nil,
	}
	if last > 0 {
		st.LastRefresh = time.Unix(0, last)
	}
	return st
}
