/*
Package router is the Traffic Router: listeners that forward HTTP traffic
to exactly one pool of targets at a time.

A listener is bound to a pool. Bind repoints it unconditionally and Swap
repoints it only if it still points at the expected pool, so two releases
racing on the same listener cannot both win. Each binding change is
persisted through a BindingStore before it becomes visible, and bindings
are restored from the store when the router starts.

Pools hold targets registered by the runtime. With ProbeTargets enabled the
router checks every target itself using pkg/health and a new target only
receives traffic after passing the healthy threshold. HealthOf reports the
fraction of a pool's targets that are healthy and is 0 for an empty pool.

Handler forwards a listener's requests round-robin across the healthy
targets of its active pool and counts in-flight requests per pool so that
Drain can wait for a pool to go quiet before its targets are torn down.
*/
package router
