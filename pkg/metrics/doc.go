/*
Package metrics provides Prometheus metrics and component health for cutover.

All collectors are package-level variables registered with the default
Prometheus registry in init(). Components update them directly:

	metrics.PhaseTransitions.WithLabelValues("blue-green", "cutover").Inc()

	timer := metrics.NewTimer()
	err := stage.Run(ctx)
	timer.ObserveDurationVec(metrics.StageDuration, pipeline, "Build")

# Metric Families

Releases:
  - cutover_deployments_total{strategy,status}
  - cutover_deployment_duration_seconds{strategy}
  - cutover_phase_transitions_total{strategy,phase}
  - cutover_rollbacks_total{reason}
  - cutover_swap_attempts_total{result}
  - cutover_deployments_active

Router:
  - cutover_listener_binds_total{listener,pool}
  - cutover_pool_healthy_fraction{pool}
  - cutover_proxy_requests_total{listener,code}

Pipelines:
  - cutover_pipeline_runs_total{pipeline,status}
  - cutover_stage_duration_seconds{pipeline,stage}

API and raft:
  - cutover_api_requests_total, cutover_api_request_duration_seconds
  - cutover_raft_is_leader, cutover_raft_applied_index

Gauges derived from stored state (services per strategy, active deployments,
raft position) are sampled every 15 seconds by a Collector.

# Component Health

RegisterComponent/UpdateComponent record the health of named components.
GetHealth reports unhealthy if any component is; GetReadiness only considers
the critical set ("store", "router", "api" unless changed with
SetCriticalComponents). HealthHandler, ReadyHandler and LivenessHandler expose
them as JSON over HTTP.
*/
package metrics
