package pool

import (
	"context"
	"time"

	"github.com/runnerhub/runnerhub/pkg/events"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

// offlineMultiple of the heartbeat interval before a runner counts as
// gone.
const offlineMultiple = 3

// Heartbeat records liveness for a runner. The first heartbeat
// completes startup: STARTING becomes IDLE and the runner is eligible
// for work. A heartbeat from an OFFLINE runner brings it back.
func (m *Manager) Heartbeat(ctx context.Context, runnerID string) error {
	m.locks.Lock("runner/" + runnerID)
	defer m.locks.Unlock("runner/" + runnerID)

	runner, err := m.store.GetRunner(ctx, runnerID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	runner.LastHeartbeat = now
	cameOnline := runner.Status == types.RunnerStatusStarting || runner.Status == types.RunnerStatusOffline
	if cameOnline {
		runner.Status = types.RunnerStatusIdle
		runner.IdleSince = &now
	}
	if err := m.store.UpdateRunner(ctx, runner); err != nil {
		return err
	}
	if cameOnline {
		m.publish(events.TopicRunnerIdle, runner, "runner online")
	}
	return nil
}

// RunHealthLoop watches runner liveness until ctx ends: stale
// heartbeats flip runners OFFLINE, and STARTING runners that never
// report within the pool's startup timeout are torn down.
func (m *Manager) RunHealthLoop(ctx context.Context) {
	interval := m.cfg.Container.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.healthSweep(ctx)
		}
	}
}

func (m *Manager) healthSweep(ctx context.Context) {
	cutoff := time.Now().Add(-offlineMultiple * m.cfg.Container.HeartbeatInterval())
	stale, err := m.store.ListRunners(ctx, storage.RunnerFilter{HeartbeatBefore: &cutoff})
	if err != nil {
		m.logger.Error().Err(err).Msg("Health sweep could not list runners")
		return
	}

	for _, runner := range stale {
		switch runner.Status {
		case types.RunnerStatusStarting:
			m.expireStarting(ctx, runner)
		case types.RunnerStatusIdle, types.RunnerStatusBusy:
			m.markOffline(ctx, runner)
		}
	}
}

// expireStarting destroys a runner whose container never produced a
// first heartbeat within the startup timeout.
func (m *Manager) expireStarting(ctx context.Context, runner *types.Runner) {
	timeout := types.DefaultPoolPolicy().StartupTimeoutS
	if pool, err := m.store.GetPool(ctx, runner.Repository); err == nil {
		timeout = pool.Policy.StartupTimeoutS
	}
	if time.Since(runner.CreatedAt) < time.Duration(timeout)*time.Second {
		return
	}

	m.logger.Warn().
		Str("runner", runner.Name).
		Str("repository", runner.Repository).
		Msg("Runner missed startup deadline, destroying")
	if err := m.DestroyRunner(ctx, runner.ID); err != nil {
		m.logger.Error().Err(err).Str("runner", runner.Name).Msg("Could not destroy stalled runner")
	}
}

func (m *Manager) markOffline(ctx context.Context, runner *types.Runner) {
	m.locks.Lock("runner/" + runner.ID)
	defer m.locks.Unlock("runner/" + runner.ID)

	current, err := m.store.GetRunner(ctx, runner.ID)
	if err != nil || current.Status == types.RunnerStatusOffline {
		return
	}
	current.Status = types.RunnerStatusOffline
	current.IdleSince = nil
	if err := m.store.UpdateRunner(ctx, current); err != nil {
		m.logger.Error().Err(err).Str("runner", current.Name).Msg("Could not mark runner offline")
		return
	}
	m.publish(events.TopicRunnerOffline, current, "heartbeat stale")
}
