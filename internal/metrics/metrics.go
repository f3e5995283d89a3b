// Package metrics declares the Prometheus instrumentation surface exposed
// at GET /metrics (§6.1). Grounded on the flat promauto-var-block style of
// the pack's Docker-Sentinel repo (internal/metrics/metrics.go) rather than
// the teacher's own metrics package, which the teacher never wired up.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AgentsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "supervisor_agents_total",
		Help: "Number of agents currently in each status.",
	}, []string{"status"})

	RestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_restarts_total",
		Help: "Total number of agent restarts, by trigger.",
	}, []string{"trigger"})

	SpawnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "supervisor_spawn_duration_seconds",
		Help:    "Time from child process launch to a ready status record.",
		Buckets: prometheus.DefBuckets,
	})

	HeartbeatAge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "supervisor_heartbeat_age_seconds",
		Help: "Seconds since the last heartbeat was observed for a running agent.",
	}, []string{"agent_id"})

	HealthSweepStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "supervisor_health_sweep_stale_total",
		Help: "Total number of agents classified as stale by the health sweep.",
	})

	WorkerExitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "supervisor_worker_exits_total",
		Help: "Total number of worker child exits, by outcome (clean, fault).",
	}, []string{"outcome"})
)
