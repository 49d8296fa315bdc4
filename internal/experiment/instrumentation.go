package experiment

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	assignmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expd_assignments_total",
		Help: "Assignments served, by category and arm",
	}, []string{"category", "arm"})

	assignmentMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expd_assignment_misses_total",
		Help: "Assignment lookups with no running experiment for the category",
	}, []string{"category"})

	impressionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expd_impressions_total",
		Help: "Impressions recorded, by arm",
	}, []string{"arm"})

	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expd_results_total",
		Help: "Rated outcomes received, by arm",
	}, []string{"arm"})

	recomputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expd_recomputes_total",
		Help: "Metric recomputations, by verdict (significant, not_significant, skipped)",
	}, []string{"verdict"})

	cacheRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expd_cache_refreshes_total",
		Help: "Running-experiment cache reloads, by result",
	}, []string{"result"})

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expd_store_errors_total",
		Help: "Store failures swallowed by the engine, by operation",
	}, []string{"op"})
)
