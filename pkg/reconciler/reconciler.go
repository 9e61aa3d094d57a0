package reconciler

import (
	"context"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/rs/zerolog"

	"github.com/runnerhub/runnerhub/pkg/log"
	"github.com/runnerhub/runnerhub/pkg/runtime"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

// Lister is the engine surface used to find stray containers the
// store has no record of. DockerRuntime is the production
// implementation.
type Lister interface {
	ListManaged(ctx context.Context) ([]container.Summary, error)
	RemoveContainer(ctx context.Context, id string, force bool) error
}

// Reconciler repairs divergence between the store's container records
// and the engine's actual state after crashes or out-of-band changes.
// It re-drives interrupted removals, parks vanished containers in
// ERROR, and deletes stray engine containers that carry our managed
// label but have no record.
type Reconciler struct {
	store      storage.Store
	containers *runtime.Manager
	engine     Lister
	interval   time.Duration
	logger     zerolog.Logger
}

// New creates a reconciler. engine may be nil; stray detection is
// then skipped.
func New(store storage.Store, containers *runtime.Manager, engine Lister, interval time.Duration) *Reconciler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		store:      store,
		containers: containers,
		engine:     engine,
		interval:   interval,
		logger:     log.WithComponent("reconciler"),
	}
}

// Run reconciles once immediately, then on every tick until the
// context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	r.Reconcile(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Reconcile(ctx)
		}
	}
}

// Reconcile performs one full pass. Individual container failures are
// logged and skipped so one bad record never blocks the rest.
func (r *Reconciler) Reconcile(ctx context.Context) {
	r.syncRecords(ctx)
	r.removeStrays(ctx)
}

func (r *Reconciler) syncRecords(ctx context.Context) {
	records, err := r.store.ListContainers(ctx, storage.ContainerFilter{
		States: []types.ContainerState{
			types.ContainerStateCreating,
			types.ContainerStateCreated,
			types.ContainerStateStarting,
			types.ContainerStateRunning,
			types.ContainerStateStopping,
			types.ContainerStateRemoving,
			types.ContainerStateError,
		},
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("Reconcile: listing container records failed")
		return
	}

	for _, rec := range records {
		gone, err := r.containers.SyncState(ctx, rec.ID)
		if err != nil {
			r.logger.Warn().Err(err).Str("container_id", rec.ID).Msg("Reconcile: state sync failed")
			continue
		}
		if !gone {
			continue
		}
		if err := r.containers.Remove(ctx, rec.ID, true); err != nil {
			r.logger.Warn().Err(err).Str("container_id", rec.ID).Msg("Reconcile: re-driving removal failed")
			continue
		}
		r.logger.Info().
			Str("container_id", rec.ID).
			Str("repository", rec.Repository).
			Msg("Reconcile: removed container left behind by interrupted lifecycle")
	}
}

// removeStrays deletes engine containers carrying our managed label
// that the store knows nothing about. They are leftovers from a crash
// between engine create and record create.
func (r *Reconciler) removeStrays(ctx context.Context) {
	if r.engine == nil {
		return
	}
	list, err := r.engine.ListManaged(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Reconcile: listing engine containers failed")
		return
	}

	for _, summary := range list {
		_, err := r.store.GetContainer(ctx, summary.ID)
		if err == nil {
			continue
		}
		if !types.IsKind(err, types.KindNotFound) {
			r.logger.Warn().Err(err).Str("container_id", summary.ID).Msg("Reconcile: record lookup failed")
			continue
		}
		if err := r.engine.RemoveContainer(ctx, summary.ID, true); err != nil {
			r.logger.Warn().Err(err).Str("container_id", summary.ID).Msg("Reconcile: removing stray container failed")
			continue
		}
		r.logger.Info().
			Str("container_id", summary.ID).
			Str("repository", summary.Labels[runtime.LabelRepository]).
			Msg("Reconcile: removed stray container with no record")
	}
}
