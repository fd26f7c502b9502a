package usage

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// keyTodayRequests tracks today's request count per masked key
	keyTodayRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "checko_key_today_requests",
			Help: "Requests made today with each access key",
		},
		[]string{"key"},
	)

	// usageSavesTotal tracks usage persistence attempts by result
	usageSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checko_usage_saves_total",
			Help: "Total number of usage state saves by result",
		},
		[]string{"result"}, // "ok", "error"
	)

	// usageLoadErrorsTotal tracks unreadable or corrupt usage state
	usageLoadErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "checko_usage_load_errors_total",
			Help: "Total number of usage state loads that fell back to empty state",
		},
	)

	// usageResetsTotal tracks daily counter resets by cause
	usageResetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checko_usage_resets_total",
			Help: "Total number of daily counter resets by cause",
		},
		[]string{"cause"}, // "timer", "invalid_timestamp"
	)
)
