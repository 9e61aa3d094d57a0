package runtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/runnerhub/runnerhub/pkg/config"
	"github.com/runnerhub/runnerhub/pkg/log"
	"github.com/runnerhub/runnerhub/pkg/metrics"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

// Cleanup policy names, evaluated in configured order; the first
// matching policy claims the container.
const (
	PolicyIdle     = "idle"
	PolicyFailed   = "failed"
	PolicyOrphaned = "orphaned"
	PolicyExpired  = "expired"
)

// Cleaner reclaims containers that outlived their usefulness: idle
// runners, failed leftovers, orphans with no job or runner, and
// anything past its maximum lifetime. Containers labeled
// persistent=true or no-cleanup=true are never touched.
type Cleaner struct {
	manager *Manager
	store   storage.Store
	cfg     config.Cleanup
	logger  zerolog.Logger
}

// NewCleaner creates the cleanup engine.
func NewCleaner(manager *Manager, store storage.Store, cfg config.Cleanup) *Cleaner {
	return &Cleaner{
		manager: manager,
		store:   store,
		cfg:     cfg,
		logger:  log.WithComponent("cleanup"),
	}
}

// Run evaluates the policies on the configured interval until the
// context is cancelled.
func (c *Cleaner) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunOnce(ctx); err != nil {
				c.logger.Error().Err(err).Msg("Cleanup run failed")
			}
		}
	}
}

// RunOnce performs a single cleanup pass and records it. A failure on
// one container never aborts the batch; it lands in the detail list.
func (c *Cleaner) RunOnce(ctx context.Context) (*types.CleanupRun, error) {
	run := &types.CleanupRun{StartedAt: time.Now().UTC(), Details: types.CleanupDetails{}}

	containers, err := c.store.ListContainers(ctx, storage.ContainerFilter{})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	for _, rec := range containers {
		if rec.State == types.ContainerStateRemoving || rec.State == types.ContainerStateRemoved {
			continue
		}
		if rec.Labels.Has(LabelPersistent) || rec.Labels.Has(LabelNoCleanup) {
			continue
		}
		run.Evaluated++

		policy := c.match(ctx, rec, now)
		if policy == "" {
			continue
		}
		c.apply(ctx, run, rec, policy)
	}

	run.FinishedAt = time.Now().UTC()
	if err := c.store.AppendCleanupRun(ctx, run); err != nil {
		return nil, err
	}
	if run.Evaluated > 0 {
		c.logger.Info().
			Int("evaluated", run.Evaluated).
			Int("stopped", run.Stopped).
			Int("removed", run.Removed).
			Int("archived", run.Archived).
			Int("failed", run.Failed).
			Msg("Cleanup run finished")
	}
	return run, nil
}

// match returns the first enabled policy claiming the container, or
// empty when none do.
func (c *Cleaner) match(ctx context.Context, rec *types.ContainerRecord, now time.Time) string {
	for _, policy := range c.cfg.Policies {
		switch policy {
		case PolicyIdle:
			if c.isIdle(rec, now) {
				return PolicyIdle
			}
		case PolicyFailed:
			if c.isFailed(rec, now) {
				return PolicyFailed
			}
		case PolicyOrphaned:
			if c.isOrphaned(ctx, rec, now) {
				return PolicyOrphaned
			}
		case PolicyExpired:
			if c.isExpired(rec, now) {
				return PolicyExpired
			}
		}
	}
	return ""
}

func (c *Cleaner) isIdle(rec *types.ContainerRecord, now time.Time) bool {
	if rec.State != types.ContainerStateRunning || rec.JobID != nil {
		return false
	}
	anchor := rec.CreatedAt
	if rec.StartedAt != nil {
		anchor = *rec.StartedAt
	}
	return now.Sub(anchor) >= time.Duration(c.cfg.IdleTTLS)*time.Second
}

func (c *Cleaner) isFailed(rec *types.ContainerRecord, now time.Time) bool {
	if rec.State != types.ContainerStateStopped || rec.ExitCode == nil || *rec.ExitCode == 0 {
		return false
	}
	anchor := rec.CreatedAt
	if rec.FinishedAt != nil {
		anchor = *rec.FinishedAt
	}
	return now.Sub(anchor) >= time.Duration(c.cfg.FailedAgeS)*time.Second
}

func (c *Cleaner) isOrphaned(ctx context.Context, rec *types.ContainerRecord, now time.Time) bool {
	if now.Sub(rec.CreatedAt) < time.Duration(c.cfg.OrphanedAgeS)*time.Second {
		return false
	}
	if rec.JobID != nil {
		if _, err := c.store.GetJob(ctx, *rec.JobID); err == nil {
			return false
		} else if !types.IsKind(err, types.KindNotFound) {
			return false
		}
	}
	if rec.RunnerID != nil {
		if _, err := c.store.GetRunner(ctx, *rec.RunnerID); err == nil {
			return false
		} else if !types.IsKind(err, types.KindNotFound) {
			return false
		}
	}
	return true
}

func (c *Cleaner) isExpired(rec *types.ContainerRecord, now time.Time) bool {
	return now.Sub(rec.CreatedAt) >= time.Duration(c.cfg.MaxLifetimeS)*time.Second
}

// apply executes the policy's action chain, tolerating partial
// failure.
func (c *Cleaner) apply(ctx context.Context, run *types.CleanupRun, rec *types.ContainerRecord, policy string) {
	detail := types.CleanupDetail{ContainerID: rec.ID, Policy: policy}

	stop := rec.State == types.ContainerStateRunning
	archive := policy != PolicyOrphaned

	if stop {
		if err := c.manager.Stop(ctx, rec.ID, 0); err != nil {
			c.record(run, detail, "stop", err)
			return
		}
		run.Stopped++
		if archive {
			// Stop already archived the log tail.
			run.Archived++
			archive = false
		}
	}

	if archive {
		if err := c.manager.ArchiveLogs(ctx, rec); err != nil {
			c.logger.Debug().Err(err).Str("container_id", rec.ID).Msg("Log archive skipped during cleanup")
		} else {
			run.Archived++
		}
	}

	if err := c.manager.Remove(ctx, rec.ID, true); err != nil {
		c.record(run, detail, "remove", err)
		return
	}
	run.Removed++
	detail.Action = "removed"
	run.Details = append(run.Details, detail)
	metrics.CleanupActions.WithLabelValues(policy, "removed").Inc()

	c.logger.Info().
		Str("container_id", rec.ID).
		Str("repository", rec.Repository).
		Str("policy", policy).
		Msg("Container cleaned up")
}

func (c *Cleaner) record(run *types.CleanupRun, detail types.CleanupDetail, action string, err error) {
	detail.Action = action
	detail.Error = err.Error()
	run.Details = append(run.Details, detail)
	run.Failed++
	metrics.CleanupFailures.Inc()
	c.logger.Warn().Err(err).
		Str("container_id", detail.ContainerID).
		Str("policy", detail.Policy).
		Msg("Cleanup action failed")
}
