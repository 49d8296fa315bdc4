package experiment

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/expd/internal/storage"
)

// refreshTimeout bounds the shared store query, which outlives the caller
// that started it.
const refreshTimeout = 10 * time.Second

// RunningLister loads the set of running experiments.
type RunningLister interface {
	ListRunningExperiments(ctx context.Context) ([]storage.Experiment, error)
}

// snapshot is immutable once published. A zero fetchedAt marks it stale.
type snapshot struct {
	experiments []storage.Experiment
	fetchedAt   time.Time
}

// runningCache serves the running set from memory and reloads it from the
// store once the TTL has elapsed or after invalidate.
type runningCache struct {
	store  RunningLister
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	current    atomic.Pointer[snapshot]
	generation atomic.Uint64
	group      singleflight.Group
}

func newRunningCache(store RunningLister, ttl time.Duration) *runningCache {
	return &runningCache{
		store:  store,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default(),
	}
}

// find returns the first running experiment of the category, or nil.
func (c *runningCache) find(ctx context.Context, category storage.Category) *storage.Experiment {
	for _, e := range c.running(ctx) {
		if e.Category == category && e.Status == storage.StatusRunning {
			return &e
		}
	}
	return nil
}

func (c *runningCache) running(ctx context.Context) []storage.Experiment {
	snap := c.current.Load()
	if !c.fresh(snap) {
		c.refresh(ctx)
		snap = c.current.Load()
	}
	if snap == nil {
		return nil
	}
	return snap.experiments
}

func (c *runningCache) fresh(snap *snapshot) bool {
	return snap != nil && !snap.fetchedAt.IsZero() && c.now().Sub(snap.fetchedAt) < c.ttl
}

// refresh reloads the running set. Concurrent callers share one store query,
// which runs detached from any single caller's cancellation; a caller whose
// ctx ends stops waiting and sees whatever snapshot is current. On failure
// the previous snapshot keeps serving and stays stale, so the next lookup
// retries.
func (c *runningCache) refresh(ctx context.Context) {
	ch := c.group.DoChan("running", func() (any, error) {
		// A caller that lost the race to an earlier flight finds it fresh.
		if c.fresh(c.current.Load()) {
			return nil, nil
		}
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()

		gen := c.generation.Load()
		experiments, err := c.store.ListRunningExperiments(qctx)
		if err != nil {
			cacheRefreshes.WithLabelValues("error").Inc()
			storeErrors.WithLabelValues("list_running").Inc()
			c.logger.Error("refreshing running experiments", "error", err)
			return nil, err
		}
		cacheRefreshes.WithLabelValues("ok").Inc()

		fetchedAt := c.now()
		if c.generation.Load() != gen {
			// Invalidated while the query was in flight.
			fetchedAt = time.Time{}
		}
		c.current.Store(&snapshot{experiments: experiments, fetchedAt: fetchedAt})
		c.logger.Debug("running experiments refreshed", "count", len(experiments))
		return nil, nil
	})

	select {
	case <-ch:
	case <-ctx.Done():
	}
}

// invalidate forces the next lookup to reload from the store.
func (c *runningCache) invalidate() {
	c.generation.Add(1)
	if snap := c.current.Load(); snap != nil {
		c.current.Store(&snapshot{experiments: snap.experiments})
	}
}
