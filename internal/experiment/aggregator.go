package experiment

import (
	"context"

	"github.com/kalambet/expd/internal/stats"
	"github.com/kalambet/expd/internal/storage"
)

// RecomputeMetrics rebuilds per-arm averages, conversions and the
// significance verdict from every rated outcome of the experiment.
//
// Two concurrent recomputes may interleave; the last write wins. With no
// rated outcomes nothing is written, so historical values survive.
func (s *Service) RecomputeMetrics(ctx context.Context, experimentID string) {
	outcomes, err := s.store.ListRatedAssignments(ctx, experimentID)
	if err != nil {
		storeErrors.WithLabelValues("list_assignments").Inc()
		s.logger.Error("loading outcomes", "experiment_id", experimentID, "error", err)
		return
	}
	if len(outcomes) == 0 {
		recomputesTotal.WithLabelValues("skipped").Inc()
		return
	}

	m := s.aggregate(outcomes)
	if err := s.store.UpdateExperimentMetrics(ctx, experimentID, m); err != nil {
		storeErrors.WithLabelValues("update_metrics").Inc()
		s.logger.Error("writing experiment metrics", "experiment_id", experimentID, "error", err)
		return
	}

	verdict := "not_significant"
	if m.IsSignificant {
		verdict = "significant"
	}
	recomputesTotal.WithLabelValues(verdict).Inc()
	s.logger.Debug("experiment metrics updated",
		"experiment_id", experimentID,
		"samples", len(outcomes),
		"p_value", m.PValue,
		"winner", m.Winner,
	)
}

func (s *Service) aggregate(outcomes []storage.Assignment) storage.ExperimentMetrics {
	var control, variant []float64
	var m storage.ExperimentMetrics
	for _, o := range outcomes {
		positive := o.Rating >= s.positiveThreshold
		switch o.Variant {
		case storage.ArmControl:
			control = append(control, o.Rating)
			if positive {
				m.ControlConversions++
			}
		case storage.ArmVariant:
			variant = append(variant, o.Rating)
			if positive {
				m.VariantConversions++
			}
		}
	}

	m.ControlAvgRating = stats.Mean(control)
	m.VariantAvgRating = stats.Mean(variant)

	res := stats.TwoSample(control, variant)
	m.IsSignificant = res.IsSignificant
	m.PValue = res.PValue
	if res.IsSignificant {
		m.Winner = string(res.Winner)
	}
	m.UpdatedAt = s.now()
	return m
}
