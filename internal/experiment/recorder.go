package experiment

import (
	"context"

	"github.com/google/uuid"

	"github.com/kalambet/expd/internal/storage"
)

// LogImpression counts one exposure of arm. Failures are logged, not returned.
func (s *Service) LogImpression(ctx context.Context, experimentID string, arm storage.Arm) {
	if !arm.Valid() {
		s.logger.Warn("ignoring impression with unknown arm", "experiment_id", experimentID, "arm", arm)
		return
	}
	if err := s.store.IncrementImpressions(ctx, experimentID, arm); err != nil {
		storeErrors.WithLabelValues("increment_impressions").Inc()
		s.logger.Error("logging impression", "experiment_id", experimentID, "arm", arm, "error", err)
		return
	}
	impressionsTotal.WithLabelValues(string(arm)).Inc()
}

// LogResult records a rated outcome and recomputes the experiment's metrics.
// The outcome row is only written for a known arm and a non-empty
// responseLogID; the recompute runs regardless.
func (s *Service) LogResult(ctx context.Context, experimentID string, arm storage.Arm, rating float64, responseLogID string) {
	if arm.Valid() {
		resultsTotal.WithLabelValues(string(arm)).Inc()
		s.recordOutcome(ctx, experimentID, arm, rating, responseLogID)
	} else {
		s.logger.Warn("not recording result with unknown arm", "experiment_id", experimentID, "arm", arm)
	}

	s.RecomputeMetrics(ctx, experimentID)
}

func (s *Service) recordOutcome(ctx context.Context, experimentID string, arm storage.Arm, rating float64, responseLogID string) {
	if responseLogID == "" {
		return
	}
	a := storage.Assignment{
		ID:            uuid.New().String(),
		ExperimentID:  experimentID,
		ResponseLogID: responseLogID,
		Variant:       arm,
		Rating:        rating,
		WasPositive:   rating >= s.positiveThreshold,
		CreatedAt:     s.now(),
	}
	if err := s.store.InsertAssignment(ctx, a); err != nil {
		storeErrors.WithLabelValues("insert_assignment").Inc()
		s.logger.Error("recording result", "experiment_id", experimentID, "response_log_id", responseLogID, "error", err)
	}
}
