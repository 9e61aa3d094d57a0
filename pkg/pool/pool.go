package pool

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/runnerhub/runnerhub/pkg/config"
	"github.com/runnerhub/runnerhub/pkg/events"
	"github.com/runnerhub/runnerhub/pkg/locks"
	"github.com/runnerhub/runnerhub/pkg/log"
	"github.com/runnerhub/runnerhub/pkg/router"
	"github.com/runnerhub/runnerhub/pkg/runtime"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
	"github.com/runnerhub/runnerhub/pkg/upstream"
)

// Registrar is the upstream surface the pool needs to register and
// deregister runners.
type Registrar interface {
	IssueRegistrationToken(ctx context.Context, repository string) (*upstream.RegistrationToken, error)
	RemoveRunnerByName(ctx context.Context, repository, name string) error
}

// Lifecycle is the container-manager surface the pool drives.
// runtime.Manager is the production implementation.
type Lifecycle interface {
	Create(ctx context.Context, opts runtime.CreateOptions) (*types.ContainerRecord, error)
	Start(ctx context.Context, id string) error
	Stop(ctx context.Context, id string, grace time.Duration) error
	Remove(ctx context.Context, id string, force bool) error
}

// Attacher joins a container to its repository's isolation network
// between create and start.
type Attacher interface {
	Attach(ctx context.Context, containerID, repository string) error
}

// Manager owns the per-repository runner pools: sizing, runner
// creation and destruction, assignment, and heartbeat liveness. All
// mutations of one pool serialize on a per-repository mutex.
type Manager struct {
	store    storage.Store
	registry Registrar
	life     Lifecycle
	attach   Attacher
	bus      *events.Bus
	cfg      *config.Config
	locks    *locks.KeyedMutex
	logger   zerolog.Logger
}

// NewManager creates a pool manager. attach may be nil when network
// isolation is disabled.
func NewManager(store storage.Store, registry Registrar, life Lifecycle, attach Attacher, bus *events.Bus, cfg *config.Config) *Manager {
	return &Manager{
		store:    store,
		registry: registry,
		life:     life,
		attach:   attach,
		bus:      bus,
		cfg:      cfg,
		locks:    locks.New(),
		logger:   log.WithComponent("pool"),
	}
}

// EnsurePool returns the pool row for a repository, creating it with
// the configured defaults on first sight of the repo.
func (m *Manager) EnsurePool(ctx context.Context, repository string) (*types.RunnerPool, error) {
	pool, err := m.store.GetPool(ctx, repository)
	if err == nil {
		return pool, nil
	}
	if !types.IsKind(err, types.KindNotFound) {
		return nil, err
	}

	auto := m.cfg.Autoscaler
	now := time.Now().UTC()
	pool = &types.RunnerPool{
		Repository:     repository,
		MinRunners:     auto.DefaultMinRunners,
		MaxRunners:     auto.DefaultMaxRunners,
		ScaleIncrement: auto.DefaultScaleIncrement,
		ScaleThreshold: auto.DefaultPolicy.QueueThreshold,
		Policy:         auto.DefaultPolicy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.store.UpsertPool(ctx, pool); err != nil {
		return nil, err
	}
	m.logger.Info().Str("repository", repository).Msg("Created pool with default policy")
	return pool, nil
}

// RequestRunner tries to place a job on a runner. A selected candidate
// from routing is assigned directly. With no free runner it kicks off
// an asynchronous scale-up (bounded by pool max, one in flight per
// pool) and reports pending so the caller redelivers the job later.
func (m *Manager) RequestRunner(ctx context.Context, job *types.Job, decision *router.Decision) (*types.Runner, bool, error) {
	pool, err := m.EnsurePool(ctx, job.Repository)
	if err != nil {
		return nil, false, err
	}

	if decision.Selected != nil {
		if err := m.Assign(ctx, job, decision.Selected.ID); err != nil {
			// Lost the race for this runner; redeliver rather than fail.
			if types.IsKind(err, types.KindConflict) || types.IsKind(err, types.KindState) {
				return nil, true, nil
			}
			return nil, false, err
		}
		return decision.Selected, false, nil
	}

	labels := m.runnerLabels(job, decision, pool)
	m.scaleUpAsync(job.Repository, pool, labels)
	return nil, true, nil
}

// runnerLabels decides what labels a newly launched runner carries. A
// matched exclusive rule with dynamic labels enabled wins; otherwise
// the pool policy's configured labels, falling back to the job's own.
func (m *Manager) runnerLabels(job *types.Job, decision *router.Decision, pool *types.RunnerPool) types.Labels {
	if decision.MatchedRule != nil && pool.Policy.DynamicLabels {
		return decision.MatchedRule.Targets.RunnerLabels
	}
	if len(pool.Policy.RunnerLabels) > 0 {
		return pool.Policy.RunnerLabels
	}
	return job.Labels
}

// Assign marks a free runner busy and binds the job to it. Free means
// IDLE with its container RUNNING. An ephemeral runner that has
// already served a job is never assigned again.
func (m *Manager) Assign(ctx context.Context, job *types.Job, runnerID string) error {
	m.locks.Lock("runner/" + runnerID)
	defer m.locks.Unlock("runner/" + runnerID)

	runner, err := m.store.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}
	if runner.Status != types.RunnerStatusIdle {
		return types.Conflictf("runner %s is %s", runner.Name, runner.Status)
	}
	if runner.Type == types.RunnerTypeEphemeral && runner.JobsServed > 0 {
		return types.Statef("ephemeral runner %s already served a job", runner.Name)
	}
	if runner.ContainerID != nil {
		rec, err := m.store.GetContainer(ctx, *runner.ContainerID)
		if err != nil {
			return err
		}
		if rec.State != types.ContainerStateRunning {
			return types.Statef("runner %s container is %s", runner.Name, rec.State)
		}
	}

	runner.Status = types.RunnerStatusBusy
	runner.IdleSince = nil
	runner.JobsServed++
	if err := m.store.UpdateRunner(ctx, runner); err != nil {
		return err
	}
	job.AssignedRunnerID = &runner.ID
	if runner.ContainerID != nil {
		job.ContainerID = runner.ContainerID
	}

	m.publish(events.TopicRunnerBusy, runner, "assigned job "+job.ID)
	return nil
}

// ReleaseRunner returns a runner after its job finished. Ephemeral
// runners are destroyed; dedicated runners go back to idle.
func (m *Manager) ReleaseRunner(ctx context.Context, runnerID string, outcome types.JobStatus) error {
	runner, err := m.store.GetRunner(ctx, runnerID)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil
		}
		return err
	}

	if runner.Type == types.RunnerTypeEphemeral {
		return m.DestroyRunner(ctx, runnerID)
	}

	m.locks.Lock("runner/" + runnerID)
	defer m.locks.Unlock("runner/" + runnerID)
	now := time.Now().UTC()
	runner.Status = types.RunnerStatusIdle
	runner.IdleSince = &now
	if err := m.store.UpdateRunner(ctx, runner); err != nil {
		return err
	}
	m.publish(events.TopicRunnerIdle, runner, "released after "+string(outcome))
	return nil
}

// Stats summarizes one pool's live runners for the scaler and the API.
type Stats struct {
	Total    int
	Idle     int
	Busy     int
	Starting int
}

// Utilization returns busy over usable runners, 0 when empty.
func (s Stats) Utilization() float64 {
	usable := s.Idle + s.Busy
	if usable == 0 {
		return 0
	}
	return float64(s.Busy) / float64(usable)
}

// PoolStats counts a repository's runners by status.
func (m *Manager) PoolStats(ctx context.Context, repository string) (Stats, error) {
	runners, err := m.store.ListRunners(ctx, storage.RunnerFilter{Repository: repository})
	if err != nil {
		return Stats{}, err
	}
	var s Stats
	for _, r := range runners {
		switch r.Status {
		case types.RunnerStatusIdle:
			s.Total++
			s.Idle++
		case types.RunnerStatusBusy:
			s.Total++
			s.Busy++
		case types.RunnerStatusStarting:
			s.Total++
			s.Starting++
		}
	}
	return s, nil
}

// registrationURL derives the address the runner registers against
// from the API base: the public API maps to the public web host, a
// GHE /api/v3 base maps to its web root.
func registrationURL(base, repository string) string {
	base = strings.TrimSuffix(base, "/")
	if strings.Contains(base, "api.github.com") {
		return "https://github.com/" + repository
	}
	if root, ok := strings.CutSuffix(base, "/api/v3"); ok {
		return root + "/" + repository
	}
	return base + "/" + repository
}

func (m *Manager) publish(topic events.Topic, runner *types.Runner, message string) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(&events.Event{
		Topic:      topic,
		Repository: runner.Repository,
		Message:    message,
		Fields: map[string]string{
			"runner_id":   runner.ID,
			"runner_name": runner.Name,
			"status":      string(runner.Status),
		},
	})
}
