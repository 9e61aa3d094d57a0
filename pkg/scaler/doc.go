/*
Package scaler runs the per-pool autoscaling control loop.

Each tick (30s by default) the scaler samples every pool: busy/idle
utilization, per-repository queue depth, and the age of waiting jobs.
The current sample is averaged with the previous tick's so a single
spike cannot flap a pool. Triggers apply in order:

 1. below minimum: top up immediately, ignoring cooldown
 2. queue depth at or above threshold: scale up one increment
 3. utilization at or above the up-threshold: scale up one increment
 4. average wait at or above threshold with a non-empty queue: up
 5. idle (utilization at or below the down-threshold, empty queue,
    above minimum): scale down one decrement
 6. predictive (opt-in): least-squares over the recent utilization
    series; scale up early when the projected utilization crosses the
    up-threshold with enough fit confidence

A per-pool cooldown (300s by default) follows every effective resize.
Triggers that fire during the cooldown are recorded as NONE decisions
in the scaling history, so suppression is visible after the fact.
Resizes themselves run through the pool manager, which clamps to the
pool's min/max and serializes against demand-driven scale-ups.
*/
package scaler
