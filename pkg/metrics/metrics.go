package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Topology metrics
	ServicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cutover_services_total",
			Help: "Total number of services by release strategy",
		},
		[]string{"strategy"},
	)

	DeploymentsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cutover_deployments_active",
			Help: "Number of deployments currently in progress",
		},
	)

	// Release engine metrics
	DeploymentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_deployments_total",
			Help: "Total number of finished deployments by strategy and status",
		},
		[]string{"strategy", "status"},
	)

	DeploymentDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cutover_deployment_duration_seconds",
			Help:    "Wall time of a deployment from pending to a terminal status",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"strategy"},
	)

	PhaseTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_phase_transitions_total",
			Help: "Total number of deployment phase transitions",
		},
		[]string{"strategy", "phase"},
	)

	RollbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_rollbacks_total",
			Help: "Total number of rollbacks by reason",
		},
		[]string{"reason"},
	)

	CutoverAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_swap_attempts_total",
			Help: "Total number of production listener swap attempts by result",
		},
		[]string{"result"},
	)

	// Fleet metrics
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cutover_fleet_reconcile_duration_seconds",
			Help:    "Duration of one fleet reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReplicasRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cutover_fleet_replicas",
			Help: "Replicas per replica set by health",
		},
		[]string{"replica_set", "health"},
	)

	ReplicaFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_fleet_replica_failures_total",
			Help: "Replicas that exited or failed to start",
		},
		[]string{"replica_set"},
	)

	// Router metrics
	ListenerBinds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_listener_binds_total",
			Help: "Total number of listener binds by listener and pool",
		},
		[]string{"listener", "pool"},
	)

	PoolHealthyFraction = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cutover_pool_healthy_fraction",
			Help: "Fraction of registered targets that pass health checks",
		},
		[]string{"pool"},
	)

	ProxyRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_proxy_requests_total",
			Help: "Total number of proxied requests by listener and status class",
		},
		[]string{"listener", "code"},
	)

	// Pipeline metrics
	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_pipeline_runs_total",
			Help: "Total number of pipeline runs by pipeline and status",
		},
		[]string{"pipeline", "status"},
	)

	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cutover_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pipeline", "stage"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cutover_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	WebhooksRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cutover_webhooks_rejected_total",
			Help: "Webhook deliveries rejected before reaching a pipeline, by reason",
		},
		[]string{"reason"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cutover_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cutover_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)
)

func init() {
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(DeploymentsActive)
	prometheus.MustRegister(DeploymentsTotal)
	prometheus.MustRegister(DeploymentDuration)
	prometheus.MustRegister(PhaseTransitions)
	prometheus.MustRegister(RollbacksTotal)
	prometheus.MustRegister(CutoverAttempts)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(ReplicasRunning)
	prometheus.MustRegister(ReplicaFailures)
	prometheus.MustRegister(ListenerBinds)
	prometheus.MustRegister(PoolHealthyFraction)
	prometheus.MustRegister(ProxyRequestsTotal)
	prometheus.MustRegister(PipelineRunsTotal)
	prometheus.MustRegister(StageDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(WebhooksRejected)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
