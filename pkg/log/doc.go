/*
Package log provides structured logging for cutover using zerolog.

A single global Logger is configured once by Init from the command line
flags. Components derive child loggers that carry identifying fields, so
every line can be filtered by component, service, deployment or pipeline
run.

# Usage

	log.Init(log.Config{Level: log.ParseLevel("debug"), JSONOutput: true})

	logger := log.WithComponent("router")
	logger.Info().Str("listener", "production").Str("pool", "green").Msg("Listener bound")

	rel := log.WithDeploymentID("deploy", d.ID, d.Service)
	rel.Warn().Err(err).Int("attempt", 2).Msg("Listener swap failed")

# Output

JSON output is meant for log shippers. Console output is for operators
running cutover in a terminal:

	{"level":"info","component":"deploy","deployment_id":"5f0c...","service":"frontend","phase":"cutover","time":"...","message":"Phase transition"}

Levels are debug, info, warn and error. Unknown level strings fall back to
info.
*/
package log
