package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerhub/runnerhub/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testJob(repo string) *types.Job {
	return &types.Job{
		ID:            uuid.New().String(),
		UpstreamJobID: 1001,
		UpstreamRunID: 2001,
		Repository:    repo,
		Workflow:      "ci.yml",
		Branch:        "main",
		Event:         "push",
		Labels:        types.NewLabels("self-hosted", "linux"),
		Priority:      types.PriorityNormal,
		Status:        types.JobStatusQueued,
		CreatedAt:     time.Now().UTC(),
	}
}

// TestOpenAndPing tests that opening creates the schema and the store
// answers pings.
func TestOpenAndPing(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}

// TestJobLifecycle tests job create, fetch, update, and filtering.
func TestJobLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := testJob("acme/widgets")
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Repository, got.Repository)

	byUpstream, err := s.GetJobByUpstreamID(ctx, job.UpstreamJobID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, byUpstream.ID)

	_, err = s.GetJobByUpstreamID(ctx, 999999)
	assert.True(t, types.IsKind(err, types.KindNotFound))
	assert.Equal(t, types.NewLabels("linux", "self-hosted"), got.Labels)
	assert.Equal(t, types.JobStatusQueued, got.Status)
	assert.WithinDuration(t, job.CreatedAt, got.CreatedAt, time.Second)

	runnerID := "runner-1"
	now := time.Now().UTC()
	got.Status = types.JobStatusAssigned
	got.AssignedRunnerID = &runnerID
	got.StartedAt = &now
	require.NoError(t, s.UpdateJob(ctx, got))

	again, err := s.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, again.AssignedRunnerID)
	assert.Equal(t, runnerID, *again.AssignedRunnerID)
	require.NotNil(t, again.StartedAt)

	other := testJob("acme/gadgets")
	require.NoError(t, s.CreateJob(ctx, other))

	queued, err := s.ListJobs(ctx, JobFilter{Statuses: []types.JobStatus{types.JobStatusQueued}})
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, other.ID, queued[0].ID)

	byRepo, err := s.ListJobs(ctx, JobFilter{Repository: "acme/widgets"})
	require.NoError(t, err)
	require.Len(t, byRepo, 1)

	counts, err := s.CountJobs(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.JobStatusQueued])
	assert.Equal(t, 1, counts[types.JobStatusAssigned])

	n, err := s.CountQueuedJobs(ctx, "acme/gadgets")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountQueuedJobs(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "assigned jobs no longer count as queued")

	ages, err := s.QueuedJobAges(ctx, "acme/gadgets")
	require.NoError(t, err)
	require.Len(t, ages, 1)
	assert.GreaterOrEqual(t, ages[0], time.Duration(0))
}

// TestJobErrors tests conflict and not-found mapping.
func TestJobErrors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := testJob("acme/widgets")
	require.NoError(t, s.CreateJob(ctx, job))

	err := s.CreateJob(ctx, job)
	assert.True(t, types.IsKind(err, types.KindConflict), "duplicate id should conflict, got %v", err)

	_, err = s.GetJob(ctx, "no-such-job")
	assert.True(t, types.IsKind(err, types.KindNotFound))

	err = s.UpdateJob(ctx, testJob("other/repo"))
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

// TestRunnerLifecycle tests runner persistence including the unique
// name constraint and heartbeat filtering.
func TestRunnerLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stale := time.Now().UTC().Add(-10 * time.Minute)
	fresh := time.Now().UTC()

	r1 := &types.Runner{
		ID:            uuid.New().String(),
		Name:          "runner-acme-1",
		Type:          types.RunnerTypeEphemeral,
		Repository:    "acme/widgets",
		Labels:        types.NewLabels("self-hosted", "linux"),
		Status:        types.RunnerStatusIdle,
		LastHeartbeat: stale,
		CreatedAt:     stale,
	}
	r2 := &types.Runner{
		ID:            uuid.New().String(),
		Name:          "runner-acme-2",
		Type:          types.RunnerTypeDedicated,
		Repository:    "acme/widgets",
		Labels:        types.NewLabels("self-hosted", "linux", "gpu"),
		Status:        types.RunnerStatusBusy,
		LastHeartbeat: fresh,
		CreatedAt:     fresh,
	}
	require.NoError(t, s.CreateRunner(ctx, r1))
	require.NoError(t, s.CreateRunner(ctx, r2))

	dup := *r1
	dup.ID = uuid.New().String()
	err := s.CreateRunner(ctx, &dup)
	assert.True(t, types.IsKind(err, types.KindConflict), "duplicate name should conflict")

	byName, err := s.GetRunnerByName(ctx, "runner-acme-2")
	require.NoError(t, err)
	assert.Equal(t, r2.ID, byName.ID)

	cutoff := time.Now().UTC().Add(-5 * time.Minute)
	staleRunners, err := s.ListRunners(ctx, RunnerFilter{HeartbeatBefore: &cutoff})
	require.NoError(t, err)
	require.Len(t, staleRunners, 1)
	assert.Equal(t, r1.ID, staleRunners[0].ID)

	counts, err := s.CountRunners(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[types.RunnerStatusIdle])
	assert.Equal(t, 1, counts[types.RunnerStatusBusy])

	require.NoError(t, s.DeleteRunner(ctx, r1.ID))
	_, err = s.GetRunner(ctx, r1.ID)
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

// TestPoolUpsert tests pool insert-or-update semantics.
func TestPoolUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pool := &types.RunnerPool{
		Repository:     "acme/widgets",
		MinRunners:     1,
		MaxRunners:     5,
		ScaleIncrement: 2,
		ScaleThreshold: 3,
		Policy:         types.DefaultPoolPolicy(),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, s.UpsertPool(ctx, pool))

	pool.MaxRunners = 8
	pool.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, s.UpsertPool(ctx, pool))

	got, err := s.GetPool(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, 8, got.MaxRunners)
	assert.Equal(t, types.DefaultPoolPolicy(), got.Policy)

	pools, err := s.ListPools(ctx)
	require.NoError(t, err)
	assert.Len(t, pools, 1)

	require.NoError(t, s.DeletePool(ctx, "acme/widgets"))
	err = s.DeletePool(ctx, "acme/widgets")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

// TestRulesAndDecisions tests rule ordering, the enabled filter, and
// the decision log.
func TestRulesAndDecisions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	low := &types.RoutingRule{
		ID:       uuid.New().String(),
		Name:     "default",
		Priority: 10,
		Targets:  types.RuleTargets{RunnerLabels: types.NewLabels("self-hosted")},
		Enabled:  true, CreatedAt: now, UpdatedAt: now,
	}
	high := &types.RoutingRule{
		ID:       uuid.New().String(),
		Name:     "gpu-jobs",
		Priority: 100,
		Conditions: types.RuleConditions{
			Labels: types.NewLabels("gpu"),
		},
		Targets: types.RuleTargets{RunnerLabels: types.NewLabels("self-hosted", "gpu"), Exclusive: true},
		Enabled: true, CreatedAt: now, UpdatedAt: now,
	}
	off := &types.RoutingRule{
		ID:       uuid.New().String(),
		Name:     "disabled",
		Priority: 50,
		Targets:  types.RuleTargets{RunnerLabels: types.NewLabels("self-hosted")},
		Enabled:  false, CreatedAt: now, UpdatedAt: now,
	}
	for _, r := range []*types.RoutingRule{low, high, off} {
		require.NoError(t, s.CreateRule(ctx, r))
	}

	enabled, err := s.ListRules(ctx, true)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, "gpu-jobs", enabled[0].Name, "highest priority first")

	all, err := s.ListRules(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	ruleID := high.ID
	d := &types.RoutingDecision{
		JobID:          "job-1",
		MatchedRuleID:  &ruleID,
		CandidateCount: 3,
		Reason:         "matched rule gpu-jobs",
		Timestamp:      now,
	}
	require.NoError(t, s.AppendDecision(ctx, d))
	assert.NotZero(t, d.ID)

	decisions, err := s.ListDecisions(ctx, "job-1", 10)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	require.NotNil(t, decisions[0].MatchedRuleID)
	assert.Equal(t, ruleID, *decisions[0].MatchedRuleID)
}

// TestContainerRecords tests container persistence and the sampler
// staleness filter.
func TestContainerRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	rec := &types.ContainerRecord{
		ID:         "ctr-1",
		Repository: "acme/widgets",
		Image:      "ghcr.io/actions/actions-runner:latest",
		State:      types.ContainerStateCreating,
		Labels:     types.LabelMap{"runnerhub.managed": "true", "persistent": "true"},
		Resources:  types.ResourceLimits{CPULimit: 2, MemoryLimitBytes: 1 << 30, PidsLimit: 256},
		CreatedAt:  now.Add(-2 * time.Hour),
	}
	require.NoError(t, s.CreateContainer(ctx, rec))

	got, err := s.GetContainer(ctx, "ctr-1")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got.Resources.CPULimit)
	assert.True(t, got.Labels.Has("persistent"))
	assert.Nil(t, got.LastSample)

	sampledAt := now
	got.State = types.ContainerStateRunning
	got.StartedAt = &now
	got.LastSample = &types.ResourceSample{CPUPct: 42.5, MemPct: 10, MemBytes: 1 << 28, SampledAt: sampledAt}
	got.LastSampledAt = &sampledAt
	require.NoError(t, s.UpdateContainer(ctx, got))

	again, err := s.GetContainer(ctx, "ctr-1")
	require.NoError(t, err)
	require.NotNil(t, again.LastSample)
	assert.InDelta(t, 42.5, again.LastSample.CPUPct, 0.001)

	running, err := s.ListContainers(ctx, ContainerFilter{
		States: []types.ContainerState{types.ContainerStateRunning},
	})
	require.NoError(t, err)
	assert.Len(t, running, 1)

	old := now.Add(-time.Hour)
	expired, err := s.ListContainers(ctx, ContainerFilter{CreatedBefore: &old})
	require.NoError(t, err)
	assert.Len(t, expired, 1)

	future := now.Add(time.Minute)
	stale, err := s.ListContainers(ctx, ContainerFilter{SampledBefore: &future})
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	require.NoError(t, s.DeleteContainer(ctx, "ctr-1"))
	_, err = s.GetContainer(ctx, "ctr-1")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

// TestNetworkUniqueness tests that one live network per repository is
// enforced while removed rows stay behind for audit.
func TestNetworkUniqueness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	n1 := &types.Network{
		ID: "net-1", Name: "runnerhub-acme-widgets", Repository: "acme/widgets",
		Subnet: "10.100.1.0/24", Gateway: "10.100.1.1", Internal: true,
		CreatedAt: now, LastUsed: now,
	}
	require.NoError(t, s.CreateNetwork(ctx, n1))

	n2 := &types.Network{
		ID: "net-2", Name: "runnerhub-acme-widgets", Repository: "acme/widgets",
		Subnet: "10.100.2.0/24", Gateway: "10.100.2.1", Internal: true,
		CreatedAt: now, LastUsed: now,
	}
	err := s.CreateNetwork(ctx, n2)
	assert.True(t, types.IsKind(err, types.KindConflict), "second live network for repo should conflict")

	require.NoError(t, s.MarkNetworkRemoved(ctx, "net-1", now))
	require.NoError(t, s.CreateNetwork(ctx, n2), "repo slot frees up once the old network is removed")

	active, err := s.GetNetworkByRepository(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, "net-2", active.ID)

	all, err := s.ListNetworks(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	live, err := s.ListNetworks(ctx, true)
	require.NoError(t, err)
	assert.Len(t, live, 1)

	require.NoError(t, s.TouchNetwork(ctx, "net-2", now.Add(time.Minute)))
	err = s.TouchNetwork(ctx, "net-1", now)
	assert.True(t, types.IsKind(err, types.KindNotFound), "removed network cannot be touched")
}

// TestWebhookEvents tests delivery dedup, processing marks, and
// failure accounting.
func TestWebhookEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	ev := &types.WebhookEvent{
		DeliveryID:        "delivery-1",
		EventType:         "workflow_job",
		Action:            "queued",
		Repository:        "acme/widgets",
		Payload:           []byte(`{"action":"queued"}`),
		SignatureVerified: true,
		ReceivedAt:        now,
	}
	require.NoError(t, s.CreateWebhookEvent(ctx, ev))

	err := s.CreateWebhookEvent(ctx, ev)
	assert.True(t, types.IsKind(err, types.KindConflict), "same delivery id should conflict")

	require.NoError(t, s.RecordWebhookFailure(ctx, "delivery-1", "router offline"))
	require.NoError(t, s.RecordWebhookFailure(ctx, "delivery-1", "router offline"))
	require.NoError(t, s.MarkWebhookProcessed(ctx, "delivery-1", now.Add(time.Second)))

	got, err := s.GetWebhookEvent(ctx, "delivery-1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	assert.Equal(t, "router offline", got.LastError)
	require.NotNil(t, got.ProcessedAt)
	assert.Equal(t, []byte(`{"action":"queued"}`), got.Payload)

	events, err := s.ListWebhookEvents(ctx, "acme/widgets", 10)
	require.NoError(t, err)
	assert.Len(t, events, 1)

	failed, err := s.ListFailedWebhookEvents(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failed, "processed deliveries are not retry candidates")

	ev2 := &types.WebhookEvent{
		DeliveryID: "delivery-2", EventType: "workflow_job", Action: "queued",
		Repository: "acme/widgets", Payload: []byte(`{}`), ReceivedAt: now,
	}
	require.NoError(t, s.CreateWebhookEvent(ctx, ev2))
	require.NoError(t, s.RecordWebhookFailure(ctx, "delivery-2", "store busy"))

	failed, err = s.ListFailedWebhookEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "delivery-2", failed[0].DeliveryID)
}

// TestHistoryTables tests the scaling and cleanup append-only logs.
func TestHistoryTables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		ev := &types.ScalingEvent{
			Repository: "acme/widgets",
			Direction:  types.ScaleUp,
			Before:     i,
			After:      i + 1,
			Trigger:    types.TriggerQueueDepth,
			Timestamp:  now.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, s.AppendScalingEvent(ctx, ev))
		assert.NotZero(t, ev.ID)
	}

	events, err := s.ListScalingEvents(ctx, "acme/widgets", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 3, events[0].After, "newest first")

	// NONE decisions are recorded but never anchor a cooldown.
	require.NoError(t, s.AppendScalingEvent(ctx, &types.ScalingEvent{
		Repository: "acme/widgets",
		Direction:  types.ScaleNone,
		Before:     3,
		After:      3,
		Trigger:    types.TriggerQueueDepth,
		Timestamp:  now.Add(10 * time.Minute),
	}))

	last, err := s.LastScalingEvent(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, types.ScaleUp, last.Direction)
	assert.Equal(t, 3, last.After)

	_, err = s.LastScalingEvent(ctx, "acme/gears")
	assert.True(t, types.IsKind(err, types.KindNotFound), "no history yet for this repo")

	run := &types.CleanupRun{
		StartedAt:  now,
		FinishedAt: now.Add(5 * time.Second),
		Evaluated:  10,
		Removed:    4,
		Failed:     1,
		Details: types.CleanupDetails{
			{ContainerID: "ctr-1", Policy: "idle", Action: "removed"},
		},
	}
	require.NoError(t, s.AppendCleanupRun(ctx, run))

	runs, err := s.ListCleanupRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Len(t, runs[0].Details, 1)
	assert.Equal(t, "ctr-1", runs[0].Details[0].ContainerID)
}
