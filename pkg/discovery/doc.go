/*
Package discovery gives services stable names inside a private namespace.

Task environments refer to other services with discovery URLs:

	CRYSTAL_URL=discovery://backend-crystal:3000/crystal

ExpandEnv rewrites them into plain HTTP URLs under the namespace, for
example http://backend-crystal.service:3000/crystal, before the task spec
reaches the runtime.

Server is a small authoritative DNS responder built on miekg/dns. It answers
A queries for <replicaSet>.<namespace> with the addresses of the replica
set's healthy endpoints, returns NXDOMAIN for unknown replica sets inside the
namespace and SERVFAIL for anything outside it.
*/
package discovery
