/*
Package types defines the core data structures used throughout cutover.

The types describe the release path of one service topology: services and
their task specifications, the pools (target groups) and listeners of the
traffic router, deployments driven by the release engine and pipeline runs
driven by the pipeline coordinator.

# Core Types

Topology:
  - Service: deployable unit with desired count, task spec and pool membership
  - TaskSpec: immutable image reference + resources + port + environment
  - Pool: named target group with a health-check path
  - Listener: traffic entry point bound to exactly one pool

Releases:
  - Strategy: rolling or blue-green
  - ReleaseConfig: approval/termination waits, thresholds and retries
  - Deployment: one release attempt with its phase history
  - Outcome: terminal result returned to callers

Pipelines:
  - SourceEvent: webhook payload that triggers a run
  - ImageDefinition: one {name, imageUri} entry of the build manifest
  - PipelineRun: Source -> Build -> Deploy execution and its artifacts

All types are plain structs serialised as JSON by the storage layer.
*/
package types
