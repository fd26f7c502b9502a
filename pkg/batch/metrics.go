package batch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	entitiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checko_batch_entities_total",
		Help: "Entities processed by result",
	}, []string{"result"}) // "succeeded", "skipped", "failed", "pending"

	keySwitchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checko_key_switches_total",
		Help: "Total number of key rotations",
	})

	runDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "checko_batch_run_duration_seconds",
		Help:    "Duration of batch runs in seconds",
		Buckets: prometheus.ExponentialBuckets(1, 4, 8),
	})
)
