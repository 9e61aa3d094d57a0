package pool

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/runnerhub/runnerhub/pkg/events"
	"github.com/runnerhub/runnerhub/pkg/metrics"
	"github.com/runnerhub/runnerhub/pkg/network"
	"github.com/runnerhub/runnerhub/pkg/runtime"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

// maxRunnerName caps the name sent to the upstream registration API.
const maxRunnerName = 64

// scaleUpAsync launches one increment of runners in the background.
// TryLock keeps at most one scaling operation in flight per pool; if
// someone else is already scaling, the pending job rides on their
// result.
func (m *Manager) scaleUpAsync(repository string, pool *types.RunnerPool, labels types.Labels) {
	if !m.locks.TryLock("scale/" + repository) {
		return
	}
	go func() {
		defer m.locks.Unlock("scale/" + repository)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Duration(pool.Policy.StartupTimeoutS)*time.Second)
		defer cancel()
		if _, _, err := m.scale(ctx, pool, pool.ScaleIncrement, types.TriggerQueueDepth, labels); err != nil {
			m.logger.Error().Err(err).Str("repository", repository).Msg("Demand scale-up failed")
		}
	}()
}

// ScalePool resizes a pool by delta runners, clamped to [min, max].
// The per-pool scale lock serializes concurrent calls.
func (m *Manager) ScalePool(ctx context.Context, repository string, delta int, trigger types.ScaleTrigger) (before, after int, err error) {
	pool, err := m.EnsurePool(ctx, repository)
	if err != nil {
		return 0, 0, err
	}
	m.locks.Lock("scale/" + repository)
	defer m.locks.Unlock("scale/" + repository)
	return m.scale(ctx, pool, delta, trigger, nil)
}

// EnsureMin brings a pool up to its configured minimum.
func (m *Manager) EnsureMin(ctx context.Context, repository string) error {
	pool, err := m.EnsurePool(ctx, repository)
	if err != nil {
		return err
	}
	stats, err := m.PoolStats(ctx, repository)
	if err != nil {
		return err
	}
	if stats.Total >= pool.MinRunners {
		return nil
	}
	m.locks.Lock("scale/" + repository)
	defer m.locks.Unlock("scale/" + repository)
	_, _, err = m.scale(ctx, pool, pool.MinRunners-stats.Total, types.TriggerBelowMin, nil)
	return err
}

// scale performs the resize under the caller-held scale lock. Every
// effective resize appends a ScalingEvent and publishes on the bus.
func (m *Manager) scale(ctx context.Context, pool *types.RunnerPool, delta int, trigger types.ScaleTrigger, labels types.Labels) (before, after int, err error) {
	stats, err := m.PoolStats(ctx, pool.Repository)
	if err != nil {
		return 0, 0, err
	}
	before = stats.Total

	target := before + delta
	if target > pool.MaxRunners {
		target = pool.MaxRunners
	}
	if target < pool.MinRunners {
		target = pool.MinRunners
	}
	if target < 0 {
		target = 0
	}

	after = before
	switch {
	case target > before:
		if len(labels) == 0 {
			labels = m.defaultRunnerLabels(pool)
		}
		for i := before; i < target; i++ {
			if _, err := m.LaunchRunner(ctx, pool, types.RunnerTypeEphemeral, labels); err != nil {
				m.recordScaling(ctx, pool.Repository, types.ScaleUp, before, after, trigger)
				return before, after, err
			}
			after++
		}
		m.recordScaling(ctx, pool.Repository, types.ScaleUp, before, after, trigger)
	case target < before:
		removed, err := m.retireIdle(ctx, pool, before-target)
		after = before - removed
		if removed > 0 {
			m.recordScaling(ctx, pool.Repository, types.ScaleDown, before, after, trigger)
		}
		if err != nil {
			return before, after, err
		}
	}
	return before, after, nil
}

func (m *Manager) defaultRunnerLabels(pool *types.RunnerPool) types.Labels {
	if len(pool.Policy.RunnerLabels) > 0 {
		return pool.Policy.RunnerLabels
	}
	return types.NewLabels("self-hosted", "runnerhub")
}

// runnerName builds the upstream-visible name
// runnerhub-<type>-<normrepo>-<nonce>, trimming the repo part to stay
// within the platform's 64 character limit.
func runnerName(runnerType types.RunnerType, repository string) string {
	kind := strings.ToLower(string(runnerType))
	nonce := uuid.New().String()[:8]
	repo := network.NormalizeRepository(repository)
	if over := len("runnerhub--"+kind+"-"+nonce) + len(repo) - maxRunnerName; over > 0 {
		repo = repo[:len(repo)-over]
	}
	return fmt.Sprintf("runnerhub-%s-%s-%s", kind, repo, nonce)
}

// LaunchRunner registers and boots one runner: token, record, create,
// attach, start. The runner stays STARTING until its first heartbeat;
// the health loop destroys it if the startup timeout passes first.
func (m *Manager) LaunchRunner(ctx context.Context, pool *types.RunnerPool, runnerType types.RunnerType, labels types.Labels) (*types.Runner, error) {
	token, err := m.registry.IssueRegistrationToken(ctx, pool.Repository)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	runner := &types.Runner{
		ID:            uuid.New().String(),
		Name:          runnerName(runnerType, pool.Repository),
		Type:          runnerType,
		Repository:    pool.Repository,
		Labels:        labels,
		Status:        types.RunnerStatusStarting,
		LastHeartbeat: now,
		CreatedAt:     now,
	}
	if err := m.store.CreateRunner(ctx, runner); err != nil {
		return nil, err
	}

	image := pool.Policy.RunnerImage
	if image == "" {
		image = m.cfg.Container.RunnerImage
	}
	env := []string{
		"RUNNER_NAME=" + runner.Name,
		"RUNNER_URL=" + registrationURL(m.cfg.Upstream.BaseURL, pool.Repository),
		"RUNNER_TOKEN=" + token.Token,
		"RUNNER_LABELS=" + strings.Join(labels, ","),
	}
	if runnerType == types.RunnerTypeEphemeral {
		env = append(env, "RUNNER_EPHEMERAL=true")
	}

	rec, err := m.life.Create(ctx, runtime.CreateOptions{
		Name:       runner.Name,
		Repository: pool.Repository,
		Image:      image,
		RunnerID:   &runner.ID,
		Env:        env,
		Labels:     map[string]string{runtime.LabelRunner: runner.ID},
		Resources: types.ResourceLimits{
			CPULimit:         m.cfg.Container.DefaultLimits.CPU,
			MemoryLimitBytes: m.cfg.Container.DefaultLimits.MemoryMB << 20,
			PidsLimit:        m.cfg.Container.DefaultLimits.Pids,
		},
		ReadOnly: m.cfg.Container.ReadOnlyRoot,
	})
	if err != nil {
		m.abortLaunch(ctx, runner, nil)
		return nil, err
	}
	runner.ContainerID = &rec.ID
	if err := m.store.UpdateRunner(ctx, runner); err != nil {
		m.abortLaunch(ctx, runner, rec)
		return nil, err
	}

	if m.attach != nil {
		if err := m.attach.Attach(ctx, rec.ID, pool.Repository); err != nil {
			m.abortLaunch(ctx, runner, rec)
			return nil, err
		}
	}
	if err := m.life.Start(ctx, rec.ID); err != nil {
		m.abortLaunch(ctx, runner, rec)
		return nil, err
	}

	m.publish(events.TopicRunnerCreated, runner, "runner starting")
	m.logger.Info().
		Str("repository", pool.Repository).
		Str("runner", runner.Name).
		Str("container_id", rec.ID).
		Msg("Launched runner")
	return runner, nil
}

// abortLaunch rolls back a partially created runner. Best effort; the
// cleanup engine catches anything left behind.
func (m *Manager) abortLaunch(ctx context.Context, runner *types.Runner, rec *types.ContainerRecord) {
	if rec != nil {
		if err := m.life.Remove(ctx, rec.ID, true); err != nil {
			m.logger.Warn().Err(err).Str("container_id", rec.ID).Msg("Launch rollback could not remove container")
		}
	}
	if err := m.registry.RemoveRunnerByName(ctx, runner.Repository, runner.Name); err != nil {
		m.logger.Warn().Err(err).Str("runner", runner.Name).Msg("Launch rollback could not deregister runner")
	}
	if err := m.store.DeleteRunner(ctx, runner.ID); err != nil && !types.IsKind(err, types.KindNotFound) {
		m.logger.Warn().Err(err).Str("runner", runner.Name).Msg("Launch rollback could not delete record")
	}
}

// DestroyRunner deregisters a runner upstream and tears down its
// container. Upstream removal is idempotent, so a retry after a
// partial failure converges.
func (m *Manager) DestroyRunner(ctx context.Context, runnerID string) error {
	m.locks.Lock("runner/" + runnerID)
	defer m.locks.Unlock("runner/" + runnerID)

	runner, err := m.store.GetRunner(ctx, runnerID)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil
		}
		return err
	}

	runner.Status = types.RunnerStatusStopping
	if err := m.store.UpdateRunner(ctx, runner); err != nil {
		return err
	}

	if err := m.registry.RemoveRunnerByName(ctx, runner.Repository, runner.Name); err != nil {
		return err
	}
	if runner.ContainerID != nil {
		if err := m.life.Stop(ctx, *runner.ContainerID, m.cfg.Container.StopGrace()); err != nil && !types.IsKind(err, types.KindNotFound) {
			return err
		}
		if err := m.life.Remove(ctx, *runner.ContainerID, false); err != nil && !types.IsKind(err, types.KindNotFound) {
			return err
		}
	}
	if err := m.store.DeleteRunner(ctx, runner.ID); err != nil && !types.IsKind(err, types.KindNotFound) {
		return err
	}

	m.publish(events.TopicRunnerRemoved, runner, "runner destroyed")
	return nil
}

// retireIdle destroys up to n idle runners, longest idle first. Busy
// and starting runners are never touched.
func (m *Manager) retireIdle(ctx context.Context, pool *types.RunnerPool, n int) (int, error) {
	idle, err := m.store.ListRunners(ctx, storage.RunnerFilter{
		Repository: pool.Repository,
		Statuses:   []types.RunnerStatus{types.RunnerStatusIdle},
	})
	if err != nil {
		return 0, err
	}
	sort.Slice(idle, func(i, j int) bool {
		return idleSince(idle[i]).Before(idleSince(idle[j]))
	})

	removed := 0
	for _, runner := range idle {
		if removed >= n {
			break
		}
		if err := m.DestroyRunner(ctx, runner.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func idleSince(r *types.Runner) time.Time {
	if r.IdleSince != nil {
		return *r.IdleSince
	}
	return r.CreatedAt
}

// recordScaling appends the audit row and publishes the event. Audit
// failures are logged, not propagated; the resize already happened.
func (m *Manager) recordScaling(ctx context.Context, repository string, direction types.ScaleDirection, before, after int, trigger types.ScaleTrigger) {
	if before == after {
		return
	}
	ev := &types.ScalingEvent{
		Repository: repository,
		Direction:  direction,
		Before:     before,
		After:      after,
		Trigger:    trigger,
		Timestamp:  time.Now().UTC(),
	}
	if err := m.store.AppendScalingEvent(ctx, ev); err != nil {
		m.logger.Error().Err(err).Str("repository", repository).Msg("Could not append scaling event")
	}
	metrics.ScalingEvents.WithLabelValues(repository, string(direction)).Inc()

	topic := events.TopicScaleUp
	if direction == types.ScaleDown {
		topic = events.TopicScaleDown
	}
	if m.bus != nil {
		m.bus.Publish(&events.Event{
			Topic:      topic,
			Repository: repository,
			Message:    fmt.Sprintf("pool resized %d -> %d (%s)", before, after, trigger),
			Fields: map[string]string{
				"before":  strconv.Itoa(before),
				"after":   strconv.Itoa(after),
				"trigger": string(trigger),
			},
		})
	}
}
