/*
Package deploy is the release strategy engine. It replaces the running
version of a service with a new task specification using one of two
strategies and reports a single outcome per release.

# Strategies

Rolling replaces replicas of the service's only replica set in place. The
runtime keeps MinHealthyPercent of the desired count serving and never runs
more than MaxPercent. A rolling release that times out or crash loops is
marked failed and is not rolled back.

Blue/green keeps two pools behind the production listener:

	Pending
	   │
	Provisioning ── candidate replicas in the standby pool, test listener only
	   │
	AwaitingApproval ── Approve ends early, Rollback aborts
	   │
	Cutover ── Swap(production, blue, green) with retries
	   │
	Baking ── pool health watched for TerminationWait
	   │
	Succeeded ── old pool drained and removed, test listener on it

Any failure from Provisioning through Baking goes to RollingBack, which
points production at the previous pool if it had moved, removes the
candidate and ends in RolledBack. A cutover that exhausts its retries never
moved production and ends in Failed.

# Guarantees

Production only points at the candidate after the approval wait ended and
the candidate met the healthy threshold. Production always points at
exactly one pool. Releasing a spec that is already live and succeeded
returns the previous outcome without touching the runtime. Only one
release per service runs at a time.

# Signals

Approve and Rollback act on in-flight blue/green deployments and return
ErrInvalidState for rolling deployments and for phases they cannot affect.

# Persistence

Every phase change is written to the Store before it is logged and
published, so Get and the HTTP API see the same history. Recover marks
deployments left unfinished by a previous process as failed.
*/
package deploy
