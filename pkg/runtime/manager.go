package runtime

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/runnerhub/runnerhub/pkg/config"
	"github.com/runnerhub/runnerhub/pkg/events"
	"github.com/runnerhub/runnerhub/pkg/locks"
	"github.com/runnerhub/runnerhub/pkg/log"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

// Runtime is the engine adapter the manager drives. DockerRuntime is
// the production implementation.
type Runtime interface {
	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string, force bool) error
	InspectState(ctx context.Context, id string) (running bool, exitCode int, err error)
	Exec(ctx context.Context, id string, cmd []string) (stdout, stderr string, exitCode int, err error)
	Stats(ctx context.Context, id string) (*types.ResourceSample, error)
	Logs(ctx context.Context, id string, tail int) (string, error)
	Close() error
}

// Detacher removes a container from its isolation network before the
// container itself is removed.
type Detacher interface {
	Detach(ctx context.Context, containerID, repository string) error
}

// CreateOptions describes a managed container to bring up.
type CreateOptions struct {
	Name       string
	Repository string
	Image      string
	JobID      *string
	RunnerID   *string
	Env        []string
	Cmd        []string
	Labels     map[string]string
	Resources  types.ResourceLimits
	ReadOnly   bool
}

// Manager owns the container state machine. Every transition is
// serialized per container and recorded in the store before and after
// the engine call, so a crash leaves a record the reconciler can act
// on rather than an untracked container.
type Manager struct {
	runtime Runtime
	store   storage.Store
	bus     *events.Bus
	detach  Detacher
	cfg     config.Container
	dataDir string
	locks   *locks.KeyedMutex
	logger  zerolog.Logger
}

// NewManager creates a container lifecycle manager. detach may be nil
// when network isolation is disabled.
func NewManager(rt Runtime, store storage.Store, bus *events.Bus, detach Detacher, cfg config.Container, dataDir string) *Manager {
	return &Manager{
		runtime: rt,
		store:   store,
		bus:     bus,
		detach:  detach,
		cfg:     cfg,
		dataDir: dataDir,
		locks:   locks.New(),
		logger:  log.WithComponent("runtime"),
	}
}

// Create composes and creates a container, recording it from CREATING
// through CREATED.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (*types.ContainerRecord, error) {
	if opts.Repository == "" || opts.Image == "" {
		return nil, types.Validationf("container create needs repository and image")
	}
	if opts.Resources == (types.ResourceLimits{}) {
		opts.Resources = m.cfg.DefaultResourceLimits()
	}

	labels := map[string]string{
		LabelManaged:    "true",
		LabelRepository: opts.Repository,
	}
	if opts.JobID != nil {
		labels[LabelJob] = *opts.JobID
	}
	if opts.RunnerID != nil {
		labels[LabelRunner] = *opts.RunnerID
	}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	id, err := m.runtime.CreateContainer(ctx, CreateSpec{
		Name:           opts.Name,
		Image:          opts.Image,
		Env:            opts.Env,
		Cmd:            opts.Cmd,
		Labels:         labels,
		Resources:      opts.Resources,
		ReadOnlyRootfs: opts.ReadOnly,
	})
	if err != nil {
		return nil, err
	}

	rec := &types.ContainerRecord{
		ID:         id,
		JobID:      opts.JobID,
		RunnerID:   opts.RunnerID,
		Repository: opts.Repository,
		Image:      opts.Image,
		State:      types.ContainerStateCreating,
		Labels:     labels,
		Resources:  opts.Resources,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.store.CreateContainer(ctx, rec); err != nil {
		// Record failed; don't leave an untracked container behind.
		_ = m.runtime.RemoveContainer(ctx, id, true)
		return nil, err
	}
	if err := m.transition(ctx, rec, types.ContainerStateCreated); err != nil {
		return nil, err
	}

	m.logger.Info().
		Str("container_id", rec.ID).
		Str("repository", rec.Repository).
		Str("image", rec.Image).
		Msg("Container created")
	m.publish(events.TopicContainerCreated, rec, "container created")
	return rec, nil
}

// Start moves a created container to RUNNING.
func (m *Manager) Start(ctx context.Context, id string) error {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	rec, err := m.store.GetContainer(ctx, id)
	if err != nil {
		return err
	}
	if err := m.transition(ctx, rec, types.ContainerStateStarting); err != nil {
		return err
	}
	if err := m.runtime.StartContainer(ctx, id); err != nil {
		m.fail(ctx, rec, err)
		return err
	}

	now := time.Now().UTC()
	rec.StartedAt = &now
	if err := m.transition(ctx, rec, types.ContainerStateRunning); err != nil {
		return err
	}
	m.publish(events.TopicContainerStarted, rec, "container started")
	return nil
}

// Stop gracefully stops a running container, records the exit code,
// and archives the tail of its logs.
func (m *Manager) Stop(ctx context.Context, id string, grace time.Duration) error {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)
	return m.stopLocked(ctx, id, grace)
}

func (m *Manager) stopLocked(ctx context.Context, id string, grace time.Duration) error {
	rec, err := m.store.GetContainer(ctx, id)
	if err != nil {
		return err
	}
	if grace <= 0 {
		grace = m.cfg.StopGrace()
	}
	if err := m.transition(ctx, rec, types.ContainerStateStopping); err != nil {
		return err
	}
	if err := m.runtime.StopContainer(ctx, id, grace); err != nil {
		m.fail(ctx, rec, err)
		return err
	}

	now := time.Now().UTC()
	rec.FinishedAt = &now
	if _, exitCode, err := m.runtime.InspectState(ctx, id); err == nil {
		rec.ExitCode = &exitCode
	}
	if err := m.transition(ctx, rec, types.ContainerStateStopped); err != nil {
		return err
	}

	if err := m.ArchiveLogs(ctx, rec); err != nil {
		m.logger.Warn().Err(err).Str("container_id", id).Msg("Failed to archive container logs")
	}
	m.publish(events.TopicContainerStopped, rec, "container stopped")
	return nil
}

// Remove detaches the container from its network, removes it from the
// engine, and deletes the record last. Removal is only legal from
// STOPPED or ERROR; force stops a live container first.
func (m *Manager) Remove(ctx context.Context, id string, force bool) error {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	rec, err := m.store.GetContainer(ctx, id)
	if err != nil {
		return err
	}

	if rec.State != types.ContainerStateStopped && rec.State != types.ContainerStateError {
		if !force {
			return types.Statef("container %s is %s; removal requires STOPPED or ERROR", id, rec.State)
		}
		if rec.State == types.ContainerStateRunning {
			if err := m.stopLocked(ctx, id, m.cfg.StopGrace()); err != nil {
				m.logger.Warn().Err(err).Str("container_id", id).Msg("Force remove: stop failed, removing anyway")
			}
		}
		if rec, err = m.store.GetContainer(ctx, id); err != nil {
			return err
		}
	}

	if m.detach != nil && rec.NetworkID != nil {
		if err := m.detach.Detach(ctx, id, rec.Repository); err != nil {
			m.logger.Warn().Err(err).Str("container_id", id).Msg("Network detach failed during remove")
		}
	}

	if rec.State.CanTransition(types.ContainerStateRemoving) {
		if err := m.transition(ctx, rec, types.ContainerStateRemoving); err != nil {
			return err
		}
	}
	if err := m.runtime.RemoveContainer(ctx, id, force); err != nil {
		m.fail(ctx, rec, err)
		return err
	}

	m.publish(events.TopicContainerRemoved, rec, "container removed")
	m.logger.Info().Str("container_id", id).Str("repository", rec.Repository).Msg("Container removed")

	// Record goes last so a crash mid-removal is re-driven, never lost.
	return m.store.DeleteContainer(ctx, id)
}

// Exec runs a command in a container. Only legal while RUNNING.
func (m *Manager) Exec(ctx context.Context, id string, cmd []string) (stdout, stderr string, exitCode int, err error) {
	rec, err := m.store.GetContainer(ctx, id)
	if err != nil {
		return "", "", 0, err
	}
	if rec.State != types.ContainerStateRunning {
		return "", "", 0, types.Statef("container %s is %s; exec requires RUNNING", id, rec.State)
	}
	return m.runtime.Exec(ctx, id, cmd)
}

// Stats samples the container's resource usage and persists it on the
// record.
func (m *Manager) Stats(ctx context.Context, id string) (*types.ResourceSample, error) {
	rec, err := m.store.GetContainer(ctx, id)
	if err != nil {
		return nil, err
	}
	sample, err := m.runtime.Stats(ctx, id)
	if err != nil {
		return nil, err
	}
	rec.LastSample = sample
	rec.LastSampledAt = &sample.SampledAt
	if err := m.store.UpdateContainer(ctx, rec); err != nil {
		return nil, err
	}
	return sample, nil
}

// Logs returns the last tail lines, falling back to the archived file
// once the engine no longer knows the container.
func (m *Manager) Logs(ctx context.Context, id string, tail int) (string, error) {
	if tail <= 0 {
		tail = m.cfg.LogTail
	}
	out, err := m.runtime.Logs(ctx, id, tail)
	if err == nil {
		return out, nil
	}
	if types.IsKind(err, types.KindNotFound) {
		archived, readErr := os.ReadFile(m.archivePath(id))
		if readErr == nil {
			return string(archived), nil
		}
	}
	return "", err
}

// ArchiveLogs writes the log tail to <data_dir>/logs/<id>.log so the
// output survives container removal.
func (m *Manager) ArchiveLogs(ctx context.Context, rec *types.ContainerRecord) error {
	out, err := m.runtime.Logs(ctx, rec.ID, m.cfg.LogTail)
	if err != nil {
		return err
	}
	dir := filepath.Join(m.dataDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.Unavailablef("create log archive dir: %v", err)
	}
	if err := os.WriteFile(m.archivePath(rec.ID), []byte(out), 0o644); err != nil {
		return types.Unavailablef("write log archive for %s: %v", rec.ID, err)
	}
	return nil
}

func (m *Manager) archivePath(id string) string {
	return filepath.Join(m.dataDir, "logs", id+".log")
}

// SyncState reconciles one record against the engine's view of the
// container. Gone reports that the record should be re-driven through
// Remove: the engine no longer knows the container, or a removal was
// interrupted mid-flight.
func (m *Manager) SyncState(ctx context.Context, id string) (gone bool, err error) {
	m.locks.Lock(id)
	defer m.locks.Unlock(id)

	rec, err := m.store.GetContainer(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.State.Terminal() {
		return false, nil
	}
	if rec.State == types.ContainerStateRemoving {
		return true, nil
	}

	running, exitCode, err := m.runtime.InspectState(ctx, id)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			m.fail(ctx, rec, types.Statef("container vanished from engine while %s", rec.State))
			return true, nil
		}
		return false, err
	}

	if !running && (rec.State == types.ContainerStateRunning || rec.State == types.ContainerStateStarting) {
		now := time.Now().UTC()
		rec.ExitCode = &exitCode
		rec.FinishedAt = &now
		m.fail(ctx, rec, types.Statef("container exited (code %d) outside the lifecycle manager", exitCode))
	}
	return false, nil
}

// transition advances the record through the state machine, rejecting
// illegal moves before anything touches the engine.
func (m *Manager) transition(ctx context.Context, rec *types.ContainerRecord, next types.ContainerState) error {
	if !rec.State.CanTransition(next) {
		return types.Statef("container %s cannot move %s -> %s", rec.ID, rec.State, next)
	}
	rec.State = next
	return m.store.UpdateContainer(ctx, rec)
}

// fail parks the container in ERROR with the cause on the record.
func (m *Manager) fail(ctx context.Context, rec *types.ContainerRecord, cause error) {
	if !rec.State.CanTransition(types.ContainerStateError) {
		return
	}
	rec.State = types.ContainerStateError
	rec.Error = cause.Error()
	if err := m.store.UpdateContainer(ctx, rec); err != nil {
		m.logger.Error().Err(err).Str("container_id", rec.ID).Msg("Failed to record container error state")
	}
	m.logger.Error().Err(cause).
		Str("container_id", rec.ID).
		Str("repository", rec.Repository).
		Msg("Container entered ERROR state")
	m.publish(events.TopicContainerError, rec, cause.Error())
}

func (m *Manager) publish(topic events.Topic, rec *types.ContainerRecord, message string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(&events.Event{
		Topic:      topic,
		Repository: rec.Repository,
		Message:    message,
		Fields: map[string]string{
			"container_id": rec.ID,
			"state":        string(rec.State),
		},
	})
}
