package orchestrator

import (
	"context"
	"time"

	"github.com/runnerhub/runnerhub/pkg/types"
)

// snapshotLoop aggregates a point-in-time view of the system and
// publishes it on the bus every snapshotInterval. Dashboards and the
// status endpoint read the cached copy; a failed collection keeps the
// previous snapshot in place.
func (o *Orchestrator) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := o.collectSnapshot(ctx)
			if err != nil {
				o.logger.Debug().Err(err).Msg("Snapshot collection failed")
				continue
			}
			o.bus.StoreSnapshot(snap)
		}
	}
}

func (o *Orchestrator) collectSnapshot(ctx context.Context) (*types.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, snapshotInterval)
	defer cancel()

	jobCounts, err := o.store.CountJobs(ctx, "")
	if err != nil {
		return nil, err
	}
	runnerCounts, err := o.store.CountRunners(ctx, "")
	if err != nil {
		return nil, err
	}
	pools, err := o.store.ListPools(ctx)
	if err != nil {
		return nil, err
	}

	snap := &types.Snapshot{
		Jobs: types.SnapshotJobs{
			Queued:    jobCounts[types.JobStatusQueued],
			Running:   jobCounts[types.JobStatusRunning],
			Completed: jobCounts[types.JobStatusCompleted],
			Failed:    jobCounts[types.JobStatusFailed],
		},
		Runners: types.SnapshotRunners{
			Idle:    runnerCounts[types.RunnerStatusIdle],
			Busy:    runnerCounts[types.RunnerStatusBusy],
			Offline: runnerCounts[types.RunnerStatusOffline],
		},
		Timestamp: time.Now().UTC(),
	}
	for _, n := range runnerCounts {
		snap.Runners.Total += n
	}

	for _, p := range pools {
		stats, err := o.pools.PoolStats(ctx, p.Repository)
		if err != nil {
			return nil, err
		}
		snap.Pools = append(snap.Pools, types.SnapshotPool{
			Repository:  p.Repository,
			Utilization: stats.Utilization(),
			Size:        stats.Total,
			InCooldown:  o.scaler.InCooldown(ctx, p.Repository),
		})
	}

	rate := o.upstream.Rate()
	snap.Upstream = types.SnapshotUpstream{
		Remaining: rate.Remaining,
		Reset:     rate.Reset,
	}
	return snap, nil
}
