// Package orchestrator wires the process together.
//
// It owns the process-wide singletons (store, queue, monitoring bus,
// engine client, upstream client) and the components built on them,
// constructing everything in dependency order and passing collaborators
// explicitly; nothing reaches for globals. Run starts the API server,
// the dispatcher fleet, and the autonomous loops (auto-scaler, cleanup,
// network reaper, samplers, reconciler, snapshot publisher) under one
// errgroup, and unwinds them in reverse order on shutdown: the API
// drains first so no new work arrives, loops stop at their next tick,
// dispatcher workers finish in-flight reservations, and the durable
// stores close last.
package orchestrator
