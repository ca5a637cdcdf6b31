/*
Package runtime is the Service Runtime Adapter: the release engine's interface
to the container fleet, and the fleet implementation behind it.

# Adapter

Adapter accepts a task spec and a desired replica count per replica set,
reports the healthy fraction of the current spec, and manages pool
membership. Replica sets are named after the service for rolling services
("backend-crystal") and after the service and pool for blue/green services
("frontend-blue", "frontend-green").

# Fleet

Fleet implements Adapter with a reconcile loop. Each cycle it:

 1. asks the Runner for the state of every replica and, when ProbeHealth is
    set, runs the replica health check;
 2. registers replicas that became healthy with the set's pools and
    deregisters ones that stopped being healthy;
 3. starts replicas of the current spec up to MaxPercent of desired;
 4. retires replicas of an older spec while at least MinHealthyPercent of
    desired stays healthy.

Replicas of the current spec that exit or fail to start count toward
CrashLoopRestarts; once reached the set is marked crash looping and no more
replicas of that spec are launched until the spec changes.

# Runners

ContainerdRunner pulls the image and runs the replica as a containerd task in
the host network namespace with CPU shares, CFS quota and a memory limit taken
from the task spec. The replica's listening port is passed in PORT.

LocalRunner serves each replica from an in-process HTTP server on the loopback
interface. It answers /health and echoes its identity on other paths, and its
Behavior can be changed per image to simulate crashes or failing health
checks.
*/
package runtime
