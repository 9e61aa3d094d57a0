/*
Package pool manages the per-repository runner pools.

A pool is the scaling unit for one repository: min/max bounds, an
increment, and a policy row of thresholds. The manager creates pools
lazily with configured defaults the first time a repository shows up.

Runner lifecycle runs through the pool: launch (registration token,
container create, network attach, start, first heartbeat), assignment
(only IDLE runners with a RUNNING container; ephemeral runners serve
exactly one job), release (ephemeral runners are destroyed, dedicated
runners return to idle), and destruction (upstream deregistration is
idempotent, so partial teardowns converge on retry).

All mutations of one pool serialize on a per-repository mutex, and at
most one scaling operation is in flight per pool. The health loop
flips runners with stale heartbeats OFFLINE and tears down STARTING
runners that miss the startup deadline.
*/
package pool
