/*
Package manager replicates cutover's release state with Raft.

A Manager wraps a local BoltStore with a hashicorp/raft node. It implements
storage.Store, so the release engine, the pipeline coordinator and the router
can use it in place of a plain BoltStore:

  - writes (PutService, PutDeployment, PutRun, PutBinding, DeleteService) are
    encoded as a Command{Op, Data} and committed through the raft log;
  - ReleaseFSM applies committed commands to the local store;
  - reads are served from the local store.

Snapshots export every bucket as JSON; Restore replaces the local contents in
one transaction.

# Raft Configuration

Timeouts are tuned for a LAN control plane:

	HeartbeatTimeout:   500ms
	ElectionTimeout:    500ms
	CommitTimeout:      50ms
	LeaderLeaseTimeout: 250ms

The log and stable stores use raft-boltdb under the data directory
(raft-log.db, raft-stable.db) next to the state database (cutover.db) and the
snapshot directory. Bootstrap forms a single-node cluster on first start and
resumes from the stored configuration afterwards.

# Usage

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "cutover-1",
		BindAddr: "127.0.0.1:7946",
		DataDir:  "/var/lib/cutover",
	})
	if err != nil {
		return err
	}
	if err := mgr.Bootstrap(); err != nil {
		return err
	}
	if err := mgr.WaitForLeader(10 * time.Second); err != nil {
		return err
	}
*/
package manager
