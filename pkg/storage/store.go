package storage

import (
	"context"
	"time"

	"github.com/runnerhub/runnerhub/pkg/types"
)

// JobFilter narrows ListJobs. Zero fields match everything. Results
// are ordered newest first.
type JobFilter struct {
	Repository string
	Statuses   []types.JobStatus
	Limit      int
	Offset     int
}

// RunnerFilter narrows ListRunners.
type RunnerFilter struct {
	Repository      string
	Type            types.RunnerType
	Statuses        []types.RunnerStatus
	HeartbeatBefore *time.Time
}

// ContainerFilter narrows ListContainers.
type ContainerFilter struct {
	Repository    string
	JobID         string
	States        []types.ContainerState
	SampledBefore *time.Time
	CreatedBefore *time.Time
	Limit         int
}

// Store is the relational system of record. All mutations flow through
// the orchestrator; everything else reads. Implementations run one
// transaction per call.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id string) (*types.Job, error)
	GetJobByUpstreamID(ctx context.Context, upstreamJobID int64) (*types.Job, error)
	UpdateJob(ctx context.Context, job *types.Job) error
	ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error)
	CountJobs(ctx context.Context, repository string) (map[types.JobStatus]int, error)
	CountQueuedJobs(ctx context.Context, repository string) (int, error)
	QueuedJobAges(ctx context.Context, repository string) ([]time.Duration, error)

	// Runners
	CreateRunner(ctx context.Context, runner *types.Runner) error
	GetRunner(ctx context.Context, id string) (*types.Runner, error)
	GetRunnerByName(ctx context.Context, name string) (*types.Runner, error)
	UpdateRunner(ctx context.Context, runner *types.Runner) error
	DeleteRunner(ctx context.Context, id string) error
	ListRunners(ctx context.Context, filter RunnerFilter) ([]*types.Runner, error)
	CountRunners(ctx context.Context, repository string) (map[types.RunnerStatus]int, error)

	// Pools
	UpsertPool(ctx context.Context, pool *types.RunnerPool) error
	GetPool(ctx context.Context, repository string) (*types.RunnerPool, error)
	ListPools(ctx context.Context) ([]*types.RunnerPool, error)
	DeletePool(ctx context.Context, repository string) error

	// Routing rules and decisions
	CreateRule(ctx context.Context, rule *types.RoutingRule) error
	GetRule(ctx context.Context, id string) (*types.RoutingRule, error)
	UpdateRule(ctx context.Context, rule *types.RoutingRule) error
	DeleteRule(ctx context.Context, id string) error
	ListRules(ctx context.Context, enabledOnly bool) ([]*types.RoutingRule, error)
	AppendDecision(ctx context.Context, decision *types.RoutingDecision) error
	ListDecisions(ctx context.Context, jobID string, limit int) ([]*types.RoutingDecision, error)

	// Containers
	CreateContainer(ctx context.Context, rec *types.ContainerRecord) error
	GetContainer(ctx context.Context, id string) (*types.ContainerRecord, error)
	UpdateContainer(ctx context.Context, rec *types.ContainerRecord) error
	DeleteContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context, filter ContainerFilter) ([]*types.ContainerRecord, error)

	// Networks
	CreateNetwork(ctx context.Context, network *types.Network) error
	GetNetworkByRepository(ctx context.Context, repository string) (*types.Network, error)
	ListNetworks(ctx context.Context, activeOnly bool) ([]*types.Network, error)
	TouchNetwork(ctx context.Context, id string, at time.Time) error
	MarkNetworkRemoved(ctx context.Context, id string, at time.Time) error

	// Webhook events
	CreateWebhookEvent(ctx context.Context, ev *types.WebhookEvent) error
	GetWebhookEvent(ctx context.Context, deliveryID string) (*types.WebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, deliveryID string, at time.Time) error
	RecordWebhookFailure(ctx context.Context, deliveryID string, cause string) error
	ListWebhookEvents(ctx context.Context, repository string, limit int) ([]*types.WebhookEvent, error)
	ListFailedWebhookEvents(ctx context.Context, limit int) ([]*types.WebhookEvent, error)

	// Scaling history
	AppendScalingEvent(ctx context.Context, ev *types.ScalingEvent) error
	ListScalingEvents(ctx context.Context, repository string, limit int) ([]*types.ScalingEvent, error)
	LastScalingEvent(ctx context.Context, repository string) (*types.ScalingEvent, error)

	// Cleanup history
	AppendCleanupRun(ctx context.Context, run *types.CleanupRun) error
	ListCleanupRuns(ctx context.Context, limit int) ([]*types.CleanupRun, error)

	// Utility
	Ping(ctx context.Context) error
	Close() error
}
