package experiment

import "github.com/kalambet/expd/internal/storage"

// Report is the dashboard view of one experiment.
type Report struct {
	Experiment            storage.Experiment `json:"experiment"`
	LiftPercent           float64            `json:"lift_percent"`
	ControlConversionRate float64            `json:"control_conversion_rate"`
	VariantConversionRate float64            `json:"variant_conversion_rate"`
}

// BuildReport derives the relative lift of the variant's average rating over
// control's and the per-arm conversion rates.
func BuildReport(e storage.Experiment) Report {
	r := Report{Experiment: e}
	if e.ControlAvgRating > 0 {
		r.LiftPercent = (e.VariantAvgRating - e.ControlAvgRating) / e.ControlAvgRating * 100
	}
	if e.ControlImpressions > 0 {
		r.ControlConversionRate = float64(e.ControlConversions) / float64(e.ControlImpressions)
	}
	if e.VariantImpressions > 0 {
		r.VariantConversionRate = float64(e.VariantConversions) / float64(e.VariantImpressions)
	}
	return r
}
