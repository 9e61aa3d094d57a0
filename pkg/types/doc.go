/*
Package types defines the core data structures used throughout RunnerHub.

This package contains all fundamental types that represent RunnerHub's domain
model: jobs, runners, pools, routing rules, containers, networks, webhook
events, and scaling history. These types are used by all other packages for
state management, API responses, and orchestration logic.

# Architecture

The types package is the foundation of RunnerHub's data model. It defines:

  - Job lifecycle (QUEUED through COMPLETED/FAILED/CANCELLED)
  - Runner classes (proxy, ephemeral, dedicated) and their status
  - Per-repository pools with scaling policy
  - Routing rules, conditions, targets, and decision records
  - Container state machine and resource accounting
  - Per-repository isolation networks
  - Webhook deliveries and scaling events
  - The error taxonomy (Fault / ErrorKind)

All types are designed to be:

  - Serializable (JSON for the API, database columns via sqlx)
  - Validated (constants for enums, transition tables for state machines)
  - Self-documenting (clear field names, explicit invariants)

# State machines

Jobs advance monotonically:

	QUEUED → ASSIGNED → RUNNING → COMPLETED | FAILED | CANCELLED

with ASSIGNED/RUNNING optional for jobs that terminate early. Use
JobStatus.CanTransition before every mutation.

Containers follow the runtime-side machine:

	CREATING → CREATED → STARTING → RUNNING → STOPPING → STOPPED → REMOVING → REMOVED
	                                   ↓
	                                 ERROR → REMOVING → REMOVED

ERROR is reachable from any non-terminal state; REMOVED is terminal. A
container that never reached RUNNING may still be removed through the
ERROR path, which keeps "REMOVED is preceded by STOPPED" true for
everything that ran.

# Error taxonomy

Components never export concrete error types; they return a *Fault
carrying one of nine kinds (ValidationError, Conflict, NotFound,
Unauthorized, RateLimited, Transient, Unavailable, StateError,
Unrecoverable). Callers classify with KindOf/IsKind/Retryable:

	if types.IsKind(err, types.KindConflict) {
		// re-read and retry
	}
	if types.Retryable(err) {
		queue.Nack(ctx, msg.ID, backoff)
	}

Unknown errors classify as Transient so nothing falls off the retry
path by accident.

# Labels

Labels is a normalized string set with subset/equality helpers used by
the router and the pools:

	if job.Labels.SubsetOf(runner.Labels) {
		// runner can serve the job
	}

Sets are sorted and deduplicated on construction; comparison is
case-sensitive.
*/
package types
