/*
Package storage persists release state in BoltDB.

BoltStore keeps one bucket per record kind, each value JSON-encoded:

	services     keyed by service name
	deployments  keyed by deployment ID
	runs         keyed by pipeline run ID
	bindings     keyed by listener name

Put operations are upserts. Lookups of missing keys return an error wrapping
ErrNotFound. Export and Import copy the full contents in and out of a
Snapshot; the raft FSM in pkg/manager uses them for snapshot and restore.

The database file is <data-dir>/cutover.db.
*/
package storage
