package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerhub/runnerhub/pkg/events"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

func newSamplerFixture(t *testing.T) (*Manager, *fakeEngine, *storage.SQLiteStore, *events.Subscription) {
	t.Helper()
	dataDir := t.TempDir()
	store, err := storage.Open(filepath.Join(dataDir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	bus := events.NewBus()
	bus.Start()
	t.Cleanup(bus.Stop)
	sub := bus.Subscribe(16,
		events.TopicContainerHighCPU,
		events.TopicContainerHighMem,
		events.TopicContainerUnhealthy,
	)

	engine := newFakeEngine()
	mgr := NewManager(engine, store, bus, nil, testContainerConfig(), dataDir)
	return mgr, engine, store, sub
}

func waitEvent(t *testing.T, sub *events.Subscription) *events.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func assertNoEvent(t *testing.T, sub *events.Subscription) {
	t.Helper()
	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event %s for %s", ev.Topic, ev.Fields["container_id"])
	case <-time.After(100 * time.Millisecond):
	}
}

func startRunning(t *testing.T, mgr *Manager, repo string) *types.ContainerRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := mgr.Create(ctx, CreateOptions{Repository: repo, Image: "alpine:3.20"})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, rec.ID))
	return rec
}

// TestSamplerAlertsAfterTwoBreaches tests that a single high reading
// stays quiet and the second consecutive one raises the alert once.
func TestSamplerAlertsAfterTwoBreaches(t *testing.T) {
	mgr, engine, _, sub := newSamplerFixture(t)
	ctx := context.Background()
	rec := startRunning(t, mgr, "acme/widgets")

	engine.sample.CPUPct = 97

	cpu, mem := map[string]int{}, map[string]int{}
	mgr.sampleOnce(ctx, cpu, mem)
	assertNoEvent(t, sub)

	mgr.sampleOnce(ctx, cpu, mem)
	ev := waitEvent(t, sub)
	assert.Equal(t, events.TopicContainerHighCPU, ev.Topic)
	assert.Equal(t, rec.ID, ev.Fields["container_id"])

	// Sustained load must not re-alert every sweep.
	mgr.sampleOnce(ctx, cpu, mem)
	assertNoEvent(t, sub)
}

// TestSamplerStreakResetsOnRecovery tests that a dip between two high
// readings suppresses the alert.
func TestSamplerStreakResetsOnRecovery(t *testing.T) {
	mgr, engine, _, sub := newSamplerFixture(t)
	ctx := context.Background()
	startRunning(t, mgr, "acme/widgets")

	cpu, mem := map[string]int{}, map[string]int{}

	engine.sample.CPUPct = 97
	mgr.sampleOnce(ctx, cpu, mem)

	engine.sample.CPUPct = 20
	mgr.sampleOnce(ctx, cpu, mem)

	engine.sample.CPUPct = 97
	mgr.sampleOnce(ctx, cpu, mem)
	assertNoEvent(t, sub)
}

// TestSamplerMemoryAlert tests the memory threshold path.
func TestSamplerMemoryAlert(t *testing.T) {
	mgr, engine, _, sub := newSamplerFixture(t)
	ctx := context.Background()
	rec := startRunning(t, mgr, "acme/widgets")

	engine.sample.MemPct = 92

	cpu, mem := map[string]int{}, map[string]int{}
	mgr.sampleOnce(ctx, cpu, mem)
	mgr.sampleOnce(ctx, cpu, mem)

	ev := waitEvent(t, sub)
	assert.Equal(t, events.TopicContainerHighMem, ev.Topic)
	assert.Equal(t, rec.ID, ev.Fields["container_id"])
}

// TestSamplerPersistsSamples tests that every sweep lands the reading
// on the container record.
func TestSamplerPersistsSamples(t *testing.T) {
	mgr, _, store, _ := newSamplerFixture(t)
	ctx := context.Background()
	rec := startRunning(t, mgr, "acme/widgets")

	mgr.sampleOnce(ctx, map[string]int{}, map[string]int{})

	got, err := store.GetContainer(ctx, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSample)
	assert.Equal(t, 12.5, got.LastSample.CPUPct)
}

// TestHealthSweepFlagsStaleHeartbeat tests that a runner gone quiet
// past the cutoff raises container.unhealthy exactly once.
func TestHealthSweepFlagsStaleHeartbeat(t *testing.T) {
	mgr, _, store, sub := newSamplerFixture(t)
	ctx := context.Background()

	runner := &types.Runner{
		ID:            "runner-1",
		Name:          "runner-acme-widgets-1",
		Type:          types.RunnerTypeEphemeral,
		Repository:    "acme/widgets",
		Labels:        types.NewLabels("self-hosted"),
		Status:        types.RunnerStatusBusy,
		LastHeartbeat: time.Now().UTC().Add(-time.Hour),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateRunner(ctx, runner))

	rec, err := mgr.Create(ctx, CreateOptions{
		Repository: "acme/widgets",
		Image:      "alpine:3.20",
		RunnerID:   &runner.ID,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, rec.ID))

	flagged := map[string]bool{}
	mgr.healthSweep(ctx, flagged)

	ev := waitEvent(t, sub)
	assert.Equal(t, events.TopicContainerUnhealthy, ev.Topic)
	assert.Equal(t, rec.ID, ev.Fields["container_id"])

	// Already flagged; the next sweep stays quiet.
	mgr.healthSweep(ctx, flagged)
	assertNoEvent(t, sub)
}

// TestHealthSweepRecovery tests that a fresh heartbeat clears the flag
// so a later stall alerts again.
func TestHealthSweepRecovery(t *testing.T) {
	mgr, _, store, sub := newSamplerFixture(t)
	ctx := context.Background()

	runner := &types.Runner{
		ID:            "runner-1",
		Name:          "runner-acme-widgets-1",
		Type:          types.RunnerTypeEphemeral,
		Repository:    "acme/widgets",
		Labels:        types.NewLabels("self-hosted"),
		Status:        types.RunnerStatusBusy,
		LastHeartbeat: time.Now().UTC().Add(-time.Hour),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateRunner(ctx, runner))

	rec, err := mgr.Create(ctx, CreateOptions{
		Repository: "acme/widgets",
		Image:      "alpine:3.20",
		RunnerID:   &runner.ID,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, rec.ID))

	flagged := map[string]bool{}
	mgr.healthSweep(ctx, flagged)
	waitEvent(t, sub)

	runner.LastHeartbeat = time.Now().UTC()
	require.NoError(t, store.UpdateRunner(ctx, runner))
	mgr.healthSweep(ctx, flagged)
	assert.Empty(t, flagged)

	runner.LastHeartbeat = time.Now().UTC().Add(-time.Hour)
	require.NoError(t, store.UpdateRunner(ctx, runner))
	mgr.healthSweep(ctx, flagged)

	ev := waitEvent(t, sub)
	assert.Equal(t, events.TopicContainerUnhealthy, ev.Topic)
	assert.Equal(t, rec.ID, ev.Fields["container_id"])
}

// TestHealthSweepIgnoresFreshRunner tests that a live heartbeat never
// flags the container.
func TestHealthSweepIgnoresFreshRunner(t *testing.T) {
	mgr, _, store, sub := newSamplerFixture(t)
	ctx := context.Background()

	runner := &types.Runner{
		ID:            "runner-1",
		Name:          "runner-acme-widgets-1",
		Type:          types.RunnerTypeEphemeral,
		Repository:    "acme/widgets",
		Labels:        types.NewLabels("self-hosted"),
		Status:        types.RunnerStatusBusy,
		LastHeartbeat: time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateRunner(ctx, runner))

	rec, err := mgr.Create(ctx, CreateOptions{
		Repository: "acme/widgets",
		Image:      "alpine:3.20",
		RunnerID:   &runner.ID,
	})
	require.NoError(t, err)
	require.NoError(t, mgr.Start(ctx, rec.ID))

	flagged := map[string]bool{}
	mgr.healthSweep(ctx, flagged)
	assertNoEvent(t, sub)
	assert.Empty(t, flagged)
}
