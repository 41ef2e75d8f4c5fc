// Package metrics exposes the Prometheus gauges/counters/histograms the
// (out-of-scope) monitoring exporter would scrape. This core only
// produces them; it never ships or scrapes them itself.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vircored_nodes_total",
			Help: "Nodes by role and daemon state.",
		},
		[]string{"role", "daemon_state"},
	)

	VMsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vircored_vms_total",
			Help: "VMs by observed state.",
		},
		[]string{"observed_state"},
	)

	ClusterHealthScore = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vircored_cluster_health_score",
			Help: "This node's health score (0-100).",
		},
	)

	KeepaliveTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vircored_keepalive_tick_duration_seconds",
			Help:    "Duration of one node agent keepalive tick.",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vircored_reconcile_duration_seconds",
			Help:    "Duration of one VM controller reconcile pass, by component.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"component"},
	)

	FenceDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vircored_fence_duration_seconds",
			Help:    "Duration of a fence protocol run from declaration to confirmed off (or exhaustion).",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
	)

	FencesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vircored_fences_total",
			Help: "Fence attempts by outcome.",
		},
		[]string{"outcome"},
	)

	MigrationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vircored_migration_duration_seconds",
			Help:    "Duration of a live migration from pre-flight to commit/abort.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	MigrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vircored_migrations_total",
			Help: "Migrations by outcome (committed, aborted).",
		},
		[]string{"outcome"},
	)

	ElectionTransitionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vircored_election_transitions_total",
			Help: "Number of times this node has become or ceased being primary.",
		},
	)

	RaftIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vircored_raft_is_leader",
			Help: "Whether this node currently holds Raft leadership (1) or not (0).",
		},
	)

	FaultsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "vircored_faults_active",
			Help: "Number of faults this node's health producers currently assert, acked or not.",
		},
	)

	VMStartFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vircored_vm_start_failures_total",
			Help: "VM start/restart attempts that failed, across all VMs hosted on this node.",
		},
	)

	DeathDeclarationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vircored_death_declarations_total",
			Help: "Peer death declarations won by this node's failure detector.",
		},
	)

	FlushesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "vircored_flushes_total",
			Help: "Node drains completed by the flush controller.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesTotal,
		VMsTotal,
		ClusterHealthScore,
		KeepaliveTickDuration,
		ReconcileDuration,
		FenceDuration,
		FencesTotal,
		MigrationDuration,
		MigrationsTotal,
		ElectionTransitionsTotal,
		RaftIsLeader,
		FaultsActive,
		VMStartFailuresTotal,
		DeathDeclarationsTotal,
		FlushesTotal,
	)
}

// Timer measures an operation's duration for observation into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time into the given observer.
func (t *Timer) ObserveDuration(o prometheus.Observer) time.Duration {
	elapsed := time.Since(t.start)
	o.Observe(elapsed.Seconds())
	return elapsed
}

// Handler returns the HTTP handler the (out-of-scope) exporter would mount.
func Handler() http.Handler {
	return promhttp.Handler()
}
