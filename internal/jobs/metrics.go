package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	BuildsSubmittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forge_builds_submitted_total",
		Help: "Total number of builds submitted",
	})
	BuildsInProgress = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "forge_builds_in_progress",
		Help: "Number of builds currently fetching or building",
	})
	BuildsSucceededTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "forge_builds_succeeded_total",
		Help: "Total number of builds that produced an artifact",
	})
	BuildsFailedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "forge_builds_failed_total",
		Help: "Total number of failed builds by reason",
	}, []string{"reason"})
	BuildDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "forge_build_duration_seconds",
		Help:    "Time from dispatch to terminal state",
		Buckets: []float64{10, 30, 60, 120, 300, 600, 900, 1800},
	})
)

func init() {
	prometheus.MustRegister(BuildsSubmittedTotal, BuildsInProgress, BuildsSucceededTotal, BuildsFailedTotal, BuildDuration)
}
