package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/runnerhub/runnerhub/pkg/events"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

// consecutiveBreaches is how many samples in a row must exceed a
// threshold before an alert event fires.
const consecutiveBreaches = 2

// RunSampler polls resource usage for every RUNNING container until
// the context is cancelled. A single high reading is noise; two
// consecutive ones raise container.high_cpu / container.high_mem.
func (m *Manager) RunSampler(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval())
	defer ticker.Stop()

	cpuStreak := make(map[string]int)
	memStreak := make(map[string]int)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx, cpuStreak, memStreak)
		}
	}
}

func (m *Manager) sampleOnce(ctx context.Context, cpuStreak, memStreak map[string]int) {
	running, err := m.store.ListContainers(ctx, storage.ContainerFilter{
		States: []types.ContainerState{types.ContainerStateRunning},
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Resource sampler could not list containers")
		return
	}

	seen := make(map[string]bool, len(running))
	for _, rec := range running {
		seen[rec.ID] = true
		sample, err := m.Stats(ctx, rec.ID)
		if err != nil {
			m.logger.Debug().Err(err).Str("container_id", rec.ID).Msg("Stats sample failed")
			continue
		}

		if sample.CPUPct >= m.cfg.CPUHighPct {
			cpuStreak[rec.ID]++
			if cpuStreak[rec.ID] == consecutiveBreaches {
				m.publish(events.TopicContainerHighCPU, rec,
					fmt.Sprintf("cpu at %.1f%% for %d consecutive samples", sample.CPUPct, consecutiveBreaches))
			}
		} else {
			delete(cpuStreak, rec.ID)
		}

		if sample.MemPct >= m.cfg.MemHighPct {
			memStreak[rec.ID]++
			if memStreak[rec.ID] == consecutiveBreaches {
				m.publish(events.TopicContainerHighMem, rec,
					fmt.Sprintf("memory at %.1f%% for %d consecutive samples", sample.MemPct, consecutiveBreaches))
			}
		} else {
			delete(memStreak, rec.ID)
		}
	}

	// Drop streaks for containers that stopped between sweeps.
	for id := range cpuStreak {
		if !seen[id] {
			delete(cpuStreak, id)
		}
	}
	for id := range memStreak {
		if !seen[id] {
			delete(memStreak, id)
		}
	}
}

// RunHealthLoop watches runner heartbeats for RUNNING containers and
// flags containers whose runner has gone quiet for longer than
// 2x the heartbeat interval plus a grace allowance.
func (m *Manager) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval())
	defer ticker.Stop()

	flagged := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.healthSweep(ctx, flagged)
		}
	}
}

func (m *Manager) healthSweep(ctx context.Context, flagged map[string]bool) {
	cutoff := time.Now().UTC().Add(-(2*m.cfg.HeartbeatInterval() + 10*time.Second))

	running, err := m.store.ListContainers(ctx, storage.ContainerFilter{
		States: []types.ContainerState{types.ContainerStateRunning},
	})
	if err != nil {
		m.logger.Warn().Err(err).Msg("Health loop could not list containers")
		return
	}

	seen := make(map[string]bool, len(running))
	for _, rec := range running {
		seen[rec.ID] = true
		if rec.RunnerID == nil {
			continue
		}
		runner, err := m.store.GetRunner(ctx, *rec.RunnerID)
		if err != nil {
			continue
		}
		if runner.LastHeartbeat.After(cutoff) {
			delete(flagged, rec.ID)
			continue
		}
		if flagged[rec.ID] {
			continue
		}
		flagged[rec.ID] = true
		m.logger.Warn().
			Str("container_id", rec.ID).
			Str("runner_id", runner.ID).
			Time("last_heartbeat", runner.LastHeartbeat).
			Msg("Container unhealthy: runner heartbeat missed")
		m.publish(events.TopicContainerUnhealthy, rec, "runner heartbeat missed")
	}

	for id := range flagged {
		if !seen[id] {
			delete(flagged, id)
		}
	}
}
