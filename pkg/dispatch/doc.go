/*
Package dispatch drains the durable queue into runner assignments.

A pool of workers reserves tasks with a visibility timeout, so a
crashed worker's reservation redelivers instead of vanishing. Each
task is one workflow_job action:

  - queued: upsert the Job row, route it, and request a runner. A
    placed job goes ASSIGNED and the task is acked. With no capacity
    the task is nacked with backoff; the pool scales in the
    background and a later delivery finds the new runner. When the
    attempt budget runs out the job fails and the task dead-letters.
  - in_progress: the platform's authoritative started signal; the job
    goes RUNNING even if local assignment never saw the runner.
  - completed: the job settles COMPLETED or FAILED by conclusion and
    its runner is released (ephemeral runners are destroyed).

Delivery is at-least-once, so every handler re-reads the job under its
per-job lock and treats already-advanced states as done.
*/
package dispatch
