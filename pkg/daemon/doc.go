/*
Package daemon assembles a cutover control plane from a topology.

New opens the state store (a local bolt database, or a single-node raft
group when Options.RaftAddr is set), then builds the traffic router, the
replica fleet, the release engine, the pipeline coordinator and the API
servers. Run starts them, seeds the declared services and serves until its
context is cancelled:

	topo, err := config.Load("topology.yaml")
	if err != nil {
		return err
	}
	d, err := daemon.New(topo, daemon.Options{
		DataDir:        "/var/lib/cutover",
		APIAddr:        ":9090",
		ServeListeners: true,
	})
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Run(ctx)

Services already present in the store keep their live task spec and active
pool across restarts, so a release survives a control plane restart.
*/
package daemon
