/*
Package config loads the topology file: the listeners, pools, services and
pipelines cutover manages, plus runtime, router and release defaults.

Durations are Go duration strings. Release settings resolve in three
layers: built-in defaults, the file's top-level release section, then the
service's own release section. Environment values of the form
discovery://<service>:<port>/<path> expand to URLs in the discovery
namespace.

Parse rejects unknown fields and validates every cross reference before a
topology is used, so a topology that loads can be served.
*/
package config
