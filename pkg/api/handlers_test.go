package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerhub/runnerhub/pkg/config"
	"github.com/runnerhub/runnerhub/pkg/events"
	"github.com/runnerhub/runnerhub/pkg/ingress"
	"github.com/runnerhub/runnerhub/pkg/pool"
	"github.com/runnerhub/runnerhub/pkg/queue"
	"github.com/runnerhub/runnerhub/pkg/router"
	"github.com/runnerhub/runnerhub/pkg/runtime"
	"github.com/runnerhub/runnerhub/pkg/scaler"
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
	store   *storage.SQLiteStore
	queue   *queue.Queue
	handler http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	s, err := storage.Open(filepath.Join(dir, "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	q, err := queue.Open(filepath.Join(dir, "queue.db"), queue.Config{MaxAttempts: 5})
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	cfg := config.Default()
	cfg.Webhook.Secret = "testsecret"

	rtr := router.New(s)
	pools := pool.NewManager(s, stubRegistrar{}, stubLifecycle{store: s}, nil, nil, &cfg)
	sc := scaler.New(s, pools, cfg.Autoscaler)

	srv := NewServer(Deps{
		Store:   s,
		Queue:   q,
		Router:  rtr,
		Pools:   pools,
		Scaler:  sc,
		Ingress: ingress.New(s, q, cfg.Webhook),
		Bus:     events.NewBus(),
		Config:  &cfg,
	})
	return &fixture{store: s, queue: q, handler: srv.Routes()}
}

func (f *fixture) request(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func seedJob(t *testing.T, s storage.Store, repo string, status types.JobStatus) *types.Job {
	t.Helper()
	job := &types.Job{
		ID:            uuid.New().String(),
		UpstreamJobID: time.Now().UnixNano(),
		Repository:    repo,
		Workflow:      "ci",
		Labels:        types.NewLabels("self-hosted", "linux"),
		Priority:      types.PriorityNormal,
		Status:        status,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.CreateJob(context.Background(), job))
	return job
}

// TestEnvelopeShape tests that every /api/v1 response carries the
// uniform envelope with metadata.
func TestEnvelopeShape(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/api/v1/jobs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	assert.True(t, env.Success)
	assert.Nil(t, env.Error)
	assert.False(t, env.Metadata.Timestamp.IsZero())
}

func TestListJobsFilters(t *testing.T) {
	f := newFixture(t)
	seedJob(t, f.store, "acme/widgets", types.JobStatusQueued)
	seedJob(t, f.store, "acme/widgets", types.JobStatusCompleted)
	seedJob(t, f.store, "acme/gadgets", types.JobStatusQueued)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"all", "/api/v1/jobs", 3},
		{"by repository", "/api/v1/jobs?repository=acme/widgets", 2},
		{"by status", "/api/v1/jobs?status=queued", 2},
		{"by both", "/api/v1/jobs?repository=acme/gadgets&status=QUEUED", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.request(t, http.MethodGet, tt.path, nil)
			require.Equal(t, http.StatusOK, rec.Code)

			var jobs []*types.Job
			env := decodeEnvelope(t, rec)
			data, err := json.Marshal(env.Data)
			require.NoError(t, err)
			require.NoError(t, json.Unmarshal(data, &jobs))
			assert.Len(t, jobs, tt.want)
		})
	}
}

func TestGetJobNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodGet, "/api/v1/jobs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.KindNotFound), env.Error.Code)
}

func TestCancelJob(t *testing.T) {
	f := newFixture(t)
	job := seedJob(t, f.store, "acme/widgets", types.JobStatusQueued)

	rec := f.request(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	// Terminal jobs cannot be cancelled again.
	rec = f.request(t, http.MethodPost, "/api/v1/jobs/"+job.ID+"/cancel", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRuleLifecycle(t *testing.T) {
	f := newFixture(t)

	rule := map[string]any{
		"name":     "gpu-jobs",
		"priority": 100,
		"conditions": map[string]any{
			"labels": []string{"gpu"},
		},
		"targets": map[string]any{
			"runner_labels": []string{"gpu", "cuda-12"},
			"exclusive":     true,
		},
		"enabled": true,
	}

	rec := f.request(t, http.MethodPost, "/api/v1/routing/rules", rule)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created types.RoutingRule
	env := decodeEnvelope(t, rec)
	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &created))
	require.NotEmpty(t, created.ID)

	rec = f.request(t, http.MethodGet, "/api/v1/routing/rules", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodDelete, "/api/v1/routing/rules/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, http.MethodGet, "/api/v1/routing/rules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRuleValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/routing/rules", map[string]any{
		"name": "no-targets",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, string(types.KindValidation), env.Error.Code)
}

// TestPreviewExclusiveMismatch tests that preview reports a rule match
// with an empty candidate set when the pool's runners carry a superset
// of an exclusive rule's labels.
func TestPreviewExclusiveMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rule := &types.RoutingRule{
		Name:     "gpu-exact",
		Priority: 100,
		Conditions: types.RuleConditions{
			Labels: types.NewLabels("gpu"),
		},
		Targets: types.RuleTargets{
			RunnerLabels: types.NewLabels("gpu", "cuda-12"),
			Exclusive:    true,
		},
		Enabled: true,
	}
	require.NoError(t, f.store.CreateRule(ctx, rule))

	runner := &types.Runner{
		ID:            uuid.New().String(),
		Name:          "runnerhub-ephemeral-acme-widgets-1",
		Type:          types.RunnerTypeEphemeral,
		Repository:    "acme/widgets",
		Labels:        types.NewLabels("gpu", "cuda-12", "linux"),
		Status:        types.RunnerStatusIdle,
		LastHeartbeat: time.Now().UTC(),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateRunner(ctx, runner))
	rec := &types.ContainerRecord{
		ID:         uuid.New().String(),
		RunnerID:   &runner.ID,
		Repository: runner.Repository,
		Image:      "img",
		State:      types.ContainerStateRunning,
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, f.store.CreateContainer(ctx, rec))
	runner.ContainerID = &rec.ID
	require.NoError(t, f.store.UpdateRunner(ctx, runner))

	resp := f.request(t, http.MethodPost, "/api/v1/routing/preview", map[string]any{
		"repository": "acme/widgets",
		"labels":     []string{"gpu", "cuda"},
	})
	require.Equal(t, http.StatusOK, resp.Code)

	env := decodeEnvelope(t, resp)
	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var out struct {
		Matches  bool `json:"matches"`
		Decision struct {
			Candidates []*types.Runner `json:"candidates"`
		} `json:"decision"`
	}
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.Matches)
	assert.Empty(t, out.Decision.Candidates)
}

func TestScalePoolValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPost, "/api/v1/runners/pools/acme/widgets/scale", map[string]any{
		"action": "sideways",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPutPoolBounds(t *testing.T) {
	f := newFixture(t)

	rec := f.request(t, http.MethodPut, "/api/v1/runners/pools/acme/widgets", map[string]any{
		"min_runners": 2,
		"max_runners": 8,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	pool, err := f.store.GetPool(context.Background(), "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, 2, pool.MinRunners)
	assert.Equal(t, 8, pool.MaxRunners)

	// min above max is rejected.
	rec = f.request(t, http.MethodPut, "/api/v1/runners/pools/acme/widgets", map[string]any{
		"min_runners": 9,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueEndpoint(t *testing.T) {
	f := newFixture(t)

	_, err := f.queue.Enqueue(context.Background(), types.PriorityNormal, []byte(`{"x":1}`), queue.Options{})
	require.NoError(t, err)

	rec := f.request(t, http.MethodGet, "/api/v1/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env := decodeEnvelope(t, rec)
	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var stats queue.Stats
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, 1, stats.Depth())
}
