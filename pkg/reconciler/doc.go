// Package reconciler repairs divergence between the container records
// in the store and the engine's actual state.
//
// The lifecycle manager records every transition before and after the
// corresponding engine call, so a crash can leave a record one step
// behind reality: a REMOVING record whose engine container is already
// gone, a RUNNING record whose container exited, or an engine
// container created moments before the record write. The reconciler
// runs once at startup and then on a fixed interval, re-driving
// interrupted removals, parking vanished containers in ERROR, and
// force-removing stray engine containers that carry the managed label
// but have no record.
//
// All repair goes through the lifecycle manager's per-container locks;
// the reconciler never mutates records directly.
package reconciler
