// Package experiment decides which arm of a running experiment a subject
// sees, records outcomes, and keeps each experiment's aggregates and
// significance verdict current.
//
// Every exported operation degrades to a safe default when the store fails:
// lookups return nil, lifecycle changes return false, and recording is a
// logged no-op. A metrics fault must never break response generation.
package experiment

import (
	"context"
	"log/slog"
	"maps"
	"math/rand/v2"
	"time"

	"github.com/kalambet/expd/internal/storage"
)

const (
	DefaultCacheTTL          = 5 * time.Minute
	DefaultPositiveThreshold = 4.0
	DefaultTrafficSplit      = 0.5
)

// Store is the persistence the engine consumes.
type Store interface {
	RunningLister
	InsertExperiment(ctx context.Context, e storage.Experiment) error
	TransitionExperiment(ctx context.Context, id string, from []storage.Status, to storage.Status, at time.Time) error
	UpdateExperimentMetrics(ctx context.Context, id string, m storage.ExperimentMetrics) error
	IncrementImpressions(ctx context.Context, id string, arm storage.Arm) error
	InsertAssignment(ctx context.Context, a storage.Assignment) error
	ListRatedAssignments(ctx context.Context, experimentID string) ([]storage.Assignment, error)
}

// Assignment tells the caller which configuration to use for one response.
type Assignment struct {
	ExperimentID string         `json:"experiment_id"`
	Variant      storage.Arm    `json:"variant"`
	Config       map[string]any `json:"config"`
}

// Service is the experimentation engine. Create one per process and share it.
type Service struct {
	store             Store
	cache             *runningCache
	positiveThreshold float64
	now               func() time.Time
	draw              func() float64
	logger            *slog.Logger
}

// NewService creates a Service over store. A cacheTTL <= 0 defaults to
// DefaultCacheTTL and a positiveThreshold <= 0 to DefaultPositiveThreshold.
func NewService(store Store, cacheTTL time.Duration, positiveThreshold float64) *Service {
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	if positiveThreshold <= 0 {
		positiveThreshold = DefaultPositiveThreshold
	}
	return &Service{
		store:             store,
		cache:             newRunningCache(store, cacheTTL),
		positiveThreshold: positiveThreshold,
		now:               time.Now,
		draw:              rand.Float64,
		logger:            slog.Default(),
	}
}

// PositiveThreshold is the minimum rating counted as a conversion.
func (s *Service) PositiveThreshold() float64 {
	return s.positiveThreshold
}

// GetAssignment returns the arm and configuration subjectID should see for
// the running experiment of category, or nil when none is running. A nil
// subjectID is bucketed at random. Recording the impression is left to
// the caller (LogImpression).
func (s *Service) GetAssignment(ctx context.Context, subjectID *string, category storage.Category) *Assignment {
	e := s.cache.find(ctx, category)
	if e == nil {
		assignmentMisses.WithLabelValues(string(category)).Inc()
		return nil
	}

	arm := Bucket(subjectID, e.TrafficSplit, s.draw)
	assignmentsTotal.WithLabelValues(string(category), string(arm)).Inc()

	cfg := e.ControlConfig
	if arm == storage.ArmVariant {
		cfg = e.VariantConfig
	}
	// The snapshot is shared by every caller.
	return &Assignment{ExperimentID: e.ID, Variant: arm, Config: cloneConfig(cfg)}
}

// cloneConfig deep-copies the nested objects and arrays a JSON config can hold.
func cloneConfig(cfg map[string]any) map[string]any {
	if cfg == nil {
		return nil
	}
	out := maps.Clone(cfg)
	for k, v := range out {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneConfig(t)
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = cloneValue(x)
		}
		return s
	}
	return v
}
