package artifact

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ArtifactLookups tracks Exists calls by backend and result
	ArtifactLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checko_artifact_lookups_total",
			Help: "Total number of artifact existence checks",
		},
		[]string{"backend", "result"}, // "fs"/"s3", "hit"/"miss"
	)

	// ArtifactsWritten tracks successful writes
	ArtifactsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checko_artifacts_written_total",
			Help: "Total number of artifacts written",
		},
		[]string{"backend"},
	)

	// ArtifactBytes tracks compressed bytes written
	ArtifactBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checko_artifact_bytes_written_total",
			Help: "Total compressed artifact bytes written",
		},
		[]string{"backend"},
	)

	// ArtifactErrors tracks failed artifact operations
	ArtifactErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "checko_artifact_errors_total",
			Help: "Total number of artifact operation errors",
		},
		[]string{"backend", "operation"}, // "exists", "put", "get"
	)
)

func observeLookup(backend string, exists bool) {
	result := "miss"
	if exists {
		result = "hit"
	}
	ArtifactLookups.WithLabelValues(backend, result).Inc()
}
