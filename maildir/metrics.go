package maildir

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	syncTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildirsync_sync_total",
			Help: "Number of sync passes by result.",
		},
		// skip, ok, degraded, deferred, error
		[]string{"result"},
	)
	scanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "maildirsync_scan_duration_seconds",
			Help:    "Time spent reading cur/ directories.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5, 10, 30, 60},
		},
	)
	duplicatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "maildirsync_duplicates_total",
			Help: "Number of duplicate message files resolved.",
		},
		[]string{"action"},
	)
	lockFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maildirsync_lock_failures_total",
			Help: "Number of uidlist lock acquisitions that failed or timed out.",
		},
	)
	lockStaleTakeovers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maildirsync_lock_stale_takeovers_total",
			Help: "Number of stale uidlist locks replaced.",
		},
	)
	raceRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "maildirsync_race_retries_total",
			Help: "Number of sync passes retried because the directory kept changing.",
		},
	)
)
