/*
Package health implements target health checks for router pools.

A Checker probes one target and returns a Result. HTTPChecker issues a GET
against the pool's health-check path and passes on 2xx; TCPChecker only
requires the port to accept connections. ForTarget picks one from a Config.

Status folds successive results into a target state with two thresholds:

	initial --(HealthyThreshold passes)--> healthy
	initial --(any failure)--------------> unhealthy
	healthy --(UnhealthyThreshold fails)-> unhealthy
	unhealthy --(HealthyThreshold passes)-> healthy

New targets start in the initial state and receive no traffic until they pass,
so a freshly provisioned replica set never counts as healthy before it has
answered its health endpoint.
*/
package health
