/*
Package api implements the cutover control plane: an HTTP API for releases,
approvals, rollbacks and pipeline webhooks, plus a gRPC health service.

# HTTP Endpoints

	GET  /health                       component health (metrics registry)
	GET  /ready                        readiness: critical components, raft, storage
	GET  /livez                        process liveness
	GET  /metrics                      Prometheus metrics

	GET  /services                     services and their live task specs
	GET  /services/{name}
	POST /services/{name}/release      start a release (?wait=true blocks)

	GET  /deployments                  in-flight deployments
	GET  /deployments/{id}
	POST /deployments/{id}/approve     end the approval wait early
	POST /deployments/{id}/rollback    roll a blue/green deployment back

	GET  /listeners                    listener to pool bindings

	GET  /pipelines
	GET  /pipelines/{name}/runs
	POST /pipelines/{name}/trigger     run a pipeline for an explicit event
	GET  /runs/{id}
	POST /webhooks/{pipeline}          signed source-change notification

A release request names either a new image, which is applied to the live
task spec, or a complete task spec:

	curl -X POST localhost:9090/services/frontend/release \
	  -d '{"image":"registry.local/frontend:4f1c2a9"}'

Without ?wait the server answers 202 with the deployment ID as soon as the
release is accepted. Releases and pipeline runs started through the API keep
running after the request ends; Shutdown cancels them.

# Errors

Every error reply is {"error": "..."}. Status codes follow the error kind:

	404  unknown service, deployment, pipeline or run
	409  release already in flight, signal not valid in the current phase
	400  invalid task spec, release config, artifact or webhook payload
	401  webhook signature missing or wrong
	403  webhook caller outside the allowed networks
	429  webhook rate limit exceeded
	503  write sent to a raft follower

# Webhooks

Webhook bodies are verified against the pipeline's secret with HMAC-SHA256
(X-Hub-Signature-256) before the run is queued. A WebhookGuard limits
deliveries per client IP with a token bucket and can restrict callers to a
set of CIDRs.

# gRPC

GRPCServer exposes grpc.health.v1.Health. The overall status is SERVING
while the process runs; WriterService reports whether this node is the raft
leader and so accepts releases.
*/
package api
