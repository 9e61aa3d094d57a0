package scaler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerhub/runnerhub/pkg/config"
	"github.com/runnerhub/runnerhub/pkg/pool"
	"github.com/runnerhub/runnerhub/pkg/runtime"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
	"github.com/runnerhub/runnerhub/pkg/upstream"
)

type stubRegistrar struct{}

func (stubRegistrar) IssueRegistrationToken(ctx context.Context, repository string) (*upstream.RegistrationToken, error) {
	return &upstream.RegistrationToken{Token: "TKN", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (stubRegistrar) RemoveRunnerByName(ctx context.Context, repository, name string) error {
	return nil
}

type stubLifecycle struct{ store storage.Store }

func (s stubLifecycle) Create(ctx context.Context, opts runtime.CreateOptions) (*types.ContainerRecord, error) {
	rec := &types.ContainerRecord{
		ID:         uuid.New().String(),
		RunnerID:   opts.RunnerID,
		Repository: opts.Repository,
		Image:      opts.Image,
		State:      types.ContainerStateRunning,
		CreatedAt:  time.Now().UTC(),
	}
	return rec, s.store.CreateContainer(ctx, rec)
}

func (s stubLifecycle) Start(ctx context.Context, id string) error { return nil }

func (s stubLifecycle) Stop(ctx context.Context, id string, grace time.Duration) error { return nil }

func (s stubLifecycle) Remove(ctx context.Context, id string, force bool) error {
	return s.store.DeleteContainer(ctx, id)
}

type fixture struct {
	store  *storage.SQLiteStore
	pools  *pool.Manager
	scaler *Scaler
	cfg    *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	cfg := config.Default()
	cfg.Autoscaler.DefaultMinRunners = 0
	cfg.Autoscaler.DefaultMaxRunners = 5
	cfg.Autoscaler.DefaultScaleIncrement = 1
	cfg.Container.RunnerImage = "ghcr.io/test/runner:latest"

	pools := pool.NewManager(s, stubRegistrar{}, stubLifecycle{store: s}, nil, nil, &cfg)
	return &fixture{
		store:  s,
		pools:  pools,
		scaler: New(s, pools, cfg.Autoscaler),
		cfg:    &cfg,
	}
}

func (f *fixture) seedPool(t *testing.T, repo string, mutate func(*types.RunnerPool)) *types.RunnerPool {
	t.Helper()
	p, err := f.pools.EnsurePool(context.Background(), repo)
	require.NoError(t, err)
	if mutate != nil {
		mutate(p)
		require.NoError(t, f.store.UpsertPool(context.Background(), p))
	}
	return p
}

func (f *fixture) seedQueuedJobs(t *testing.T, repo string, n int, age time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		job := &types.Job{
			ID:         uuid.New().String(),
			Repository: repo,
			Workflow:   "ci.yml",
			Labels:     types.NewLabels("self-hosted"),
			Priority:   types.PriorityNormal,
			Status:     types.JobStatusQueued,
			CreatedAt:  time.Now().UTC().Add(-age),
		}
		require.NoError(t, f.store.CreateJob(context.Background(), job))
	}
}

func (f *fixture) seedIdleRunner(t *testing.T, repo string) *types.Runner {
	t.Helper()
	now := time.Now().UTC()
	runner := &types.Runner{
		ID:            uuid.New().String(),
		Name:          "runnerhub-ephemeral-test-" + uuid.New().String()[:8],
		Type:          types.RunnerTypeEphemeral,
		Repository:    repo,
		Labels:        types.NewLabels("self-hosted"),
		Status:        types.RunnerStatusIdle,
		LastHeartbeat: now,
		IdleSince:     &now,
		CreatedAt:     now,
	}
	require.NoError(t, f.store.CreateRunner(context.Background(), runner))
	return runner
}

func runnerCount(t *testing.T, f *fixture, repo string) int {
	t.Helper()
	stats, err := f.pools.PoolStats(context.Background(), repo)
	require.NoError(t, err)
	return stats.Total
}

// TestQueueDepthScalesUp tests trigger 2: queued jobs at the
// threshold launch one increment.
func TestQueueDepthScalesUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPool(t, "acme/widgets", nil)
	f.seedQueuedJobs(t, "acme/widgets", 3, time.Second)

	f.scaler.Tick(ctx)

	assert.Equal(t, 1, runnerCount(t, f, "acme/widgets"))
	events, err := f.store.ListScalingEvents(ctx, "acme/widgets", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.ScaleUp, events[0].Direction)
	assert.Equal(t, types.TriggerQueueDepth, events[0].Trigger)
}

// TestTwoTickAveraging tests that a single-tick spike does not scale;
// sustained depth does.
func TestTwoTickAveraging(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPool(t, "acme/widgets", nil)

	// Quiet tick establishes the baseline.
	f.scaler.Tick(ctx)

	// Spike: depth 4 this tick, averaged with 0 last tick -> 2 < 3.
	f.seedQueuedJobs(t, "acme/widgets", 4, time.Millisecond)
	f.scaler.Tick(ctx)
	assert.Equal(t, 0, runnerCount(t, f, "acme/widgets"))

	// Sustained: 4 on both ticks -> averaged 4 >= 3.
	f.scaler.Tick(ctx)
	assert.Equal(t, 1, runnerCount(t, f, "acme/widgets"))
}

// TestBelowMinBypassesCooldown tests trigger 1.
func TestBelowMinBypassesCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPool(t, "acme/widgets", func(p *types.RunnerPool) {
		p.MinRunners = 2
	})
	// Fresh resize puts the pool in cooldown.
	require.NoError(t, f.store.AppendScalingEvent(ctx, &types.ScalingEvent{
		Repository: "acme/widgets",
		Direction:  types.ScaleDown,
		Before:     3,
		After:      0,
		Trigger:    types.TriggerIdle,
		Timestamp:  time.Now().UTC(),
	}))

	f.scaler.Tick(ctx)

	assert.Equal(t, 2, runnerCount(t, f, "acme/widgets"))
	events, err := f.store.ListScalingEvents(ctx, "acme/widgets", 1)
	require.NoError(t, err)
	assert.Equal(t, types.TriggerBelowMin, events[0].Trigger)
}

// TestCooldownSuppressionRecorded tests that a trigger firing inside
// the cooldown window leaves a NONE row instead of resizing.
func TestCooldownSuppressionRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPool(t, "acme/widgets", nil)
	f.seedQueuedJobs(t, "acme/widgets", 3, time.Second)

	f.scaler.Tick(ctx)
	require.Equal(t, 1, runnerCount(t, f, "acme/widgets"))

	// Still over threshold, but the resize above started the cooldown.
	f.seedQueuedJobs(t, "acme/widgets", 3, time.Second)
	f.scaler.Tick(ctx)

	assert.Equal(t, 1, runnerCount(t, f, "acme/widgets"))
	events, err := f.store.ListScalingEvents(ctx, "acme/widgets", 1)
	require.NoError(t, err)
	assert.Equal(t, types.ScaleNone, events[0].Direction)
	assert.Equal(t, types.TriggerQueueDepth, events[0].Trigger)

	// The NONE row does not reset the cooldown anchor.
	last, err := f.store.LastScalingEvent(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, types.ScaleUp, last.Direction)
}

// TestIdleScalesDown tests trigger 5.
func TestIdleScalesDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPool(t, "acme/widgets", nil)
	f.seedIdleRunner(t, "acme/widgets")

	f.scaler.Tick(ctx)

	assert.Equal(t, 0, runnerCount(t, f, "acme/widgets"))
	events, err := f.store.ListScalingEvents(ctx, "acme/widgets", 1)
	require.NoError(t, err)
	assert.Equal(t, types.ScaleDown, events[0].Direction)
	assert.Equal(t, types.TriggerIdle, events[0].Trigger)
}

// TestIdleHoldsAtMin tests that scale-down never goes below the
// minimum.
func TestIdleHoldsAtMin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPool(t, "acme/widgets", func(p *types.RunnerPool) {
		p.MinRunners = 1
	})
	f.seedIdleRunner(t, "acme/widgets")

	f.scaler.Tick(ctx)
	assert.Equal(t, 1, runnerCount(t, f, "acme/widgets"))
}

// TestWaitTimeScalesUp tests trigger 4: old queued jobs below the
// depth threshold still scale up.
func TestWaitTimeScalesUp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedPool(t, "acme/widgets", nil)
	f.seedQueuedJobs(t, "acme/widgets", 1, 5*time.Minute)

	f.scaler.Tick(ctx)

	events, err := f.store.ListScalingEvents(ctx, "acme/widgets", 1)
	require.NoError(t, err)
	assert.Equal(t, types.TriggerWaitTime, events[0].Trigger)
	assert.Equal(t, 1, runnerCount(t, f, "acme/widgets"))
}

// TestForecast tests the least-squares projection and its confidence.
func TestForecast(t *testing.T) {
	tick := 30 * time.Second
	horizon := 5 * time.Minute // 10 ticks ahead

	t.Run("rising trend", func(t *testing.T) {
		// 0.30, 0.32, ... slope 0.02/tick; 10 ticks ahead of the last
		// sample adds 0.2.
		utils := make([]float64, 10)
		for i := range utils {
			utils[i] = 0.30 + 0.02*float64(i)
		}
		predicted, confidence := forecast(utils, tick, horizon)
		assert.InDelta(t, 0.68, predicted, 0.001)
		assert.InDelta(t, 1.0, confidence, 0.001)
	})

	t.Run("flat series", func(t *testing.T) {
		predicted, confidence := forecast([]float64{0.5, 0.5, 0.5, 0.5}, tick, horizon)
		assert.InDelta(t, 0.5, predicted, 0.001)
		assert.Equal(t, 1.0, confidence)
	})

	t.Run("noise keeps confidence low", func(t *testing.T) {
		_, confidence := forecast([]float64{0.9, 0.1, 0.8, 0.2, 0.7, 0.3}, tick, horizon)
		assert.Less(t, confidence, 0.7)
	})

	t.Run("prediction clamps to one", func(t *testing.T) {
		predicted, _ := forecast([]float64{0.5, 0.7, 0.9}, tick, time.Hour)
		assert.Equal(t, 1.0, predicted)
	})
}

// TestPredictiveTrigger tests that a trustworthy rising fit produces
// a predicted scale-up once the window is full.
func TestPredictiveTrigger(t *testing.T) {
	f := newFixture(t)
	f.scaler.cfg.PredictiveWindow = 5

	p := f.seedPool(t, "acme/widgets", func(p *types.RunnerPool) {
		p.Policy.Predictive = true
	})

	utils := []float64{0.30, 0.40, 0.50, 0.60, 0.70}
	d := f.scaler.predictUp(p, utils)
	require.NotNil(t, d)
	assert.Equal(t, types.ScaleUp, d.direction)
	assert.Equal(t, types.TriggerPredicted, d.trigger)

	// A short series never triggers.
	assert.Nil(t, f.scaler.predictUp(p, utils[:3]))
}
