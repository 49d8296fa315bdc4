// Package reconcile periodically rebuilds the metrics of running
// experiments from their stored outcomes.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/expd/internal/storage"
)

// ExperimentLister lists experiments that still accept outcomes.
type ExperimentLister interface {
	ListRunningExperiments(ctx context.Context) ([]storage.Experiment, error)
}

// Recomputer rebuilds one experiment's aggregates and verdict.
type Recomputer interface {
	RecomputeMetrics(ctx context.Context, experimentID string)
}

// Worker recomputes metrics for every running experiment on each tick.
// Results recorded concurrently may leave last-write-wins aggregates one
// outcome behind; the next pass converges them.
type Worker struct {
	store    ExperimentLister
	engine   Recomputer
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If interval is <= 0, it defaults to 10 minutes.
func NewWorker(store ExperimentLister, engine Recomputer, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Worker{
		store:    store,
		engine:   engine,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run reconciles once per interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("reconcile pass failed", "error", err)
			continue
		}
		w.logger.Debug("reconcile pass done", "experiments", n)
	}
}

// RunOnce recomputes every running experiment and returns how many it
// visited. It stops early when ctx is cancelled.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	exps, err := w.store.ListRunningExperiments(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing running experiments: %w", err)
	}

	n := 0
	for _, e := range exps {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		w.engine.RecomputeMetrics(ctx, e.ID)
		n++
	}
	return n, nil
}
