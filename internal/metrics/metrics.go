// Package metrics wraps prometheus/client_golang for the supervisor's own
// self-observability counters (§2: "Prometheus metrics" is an external
// collaborator for dashboards/exposition, but the supervisor still counts
// its own operations the way the teacher's metrics_collector.go counts Raft
// and service/task activity).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the process-wide metric registry.
var Registry = prometheus.NewRegistry()

var (
	BackupsTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "pgmoneta_backup_total",
		Help: "Total number of backup operations by server and outcome.",
	}, []string{"server", "outcome"})

	RestoresTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "pgmoneta_restore_total",
		Help: "Total number of restore operations by server and outcome.",
	}, []string{"server", "outcome"})

	WALStreamingLagBytes = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgmoneta_wal_streaming_lag_bytes",
		Help: "Bytes between the last flushed LSN and the origin's current LSN.",
	}, []string{"server"})

	RepositoryLockHeld = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Name: "pgmoneta_repository_lock_held",
		Help: "1 if this process currently holds server[i].repository, else 0.",
	}, []string{"server"})

	ReconstructDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Name: "pgmoneta_reconstruct_duration_seconds",
		Help: "Time to reconstruct a single relation file.",
	}, []string{"server"})

	RetentionPrunedTotal = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Name: "pgmoneta_retention_pruned_total",
		Help: "Backups removed by the retention periodic.",
	}, []string{"server"})
)

// Handler returns the /metrics HTTP handler wired from cmd/pgmoneta when
// metrics_port is configured. No exposition surface is mandatory for core
// correctness; this is the minimal ambient wiring described in SPEC_FULL.md §C.6.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
