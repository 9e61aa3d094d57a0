package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders jobs across queue bands. CRITICAL drains first.
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// Band returns the queue band index for the priority, 0 being the
// most urgent. Unknown priorities fall into the NORMAL band.
func (p Priority) Band() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Priorities lists all bands in drain order.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusAssigned  JobStatus = "ASSIGNED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
)

// JobStatuses lists every job status in lifecycle order.
var JobStatuses = []JobStatus{
	JobStatusQueued, JobStatusAssigned, JobStatusRunning,
	JobStatusCompleted, JobStatusFailed, JobStatusCancelled,
}

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusQueued:   {JobStatusAssigned, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusAssigned: {JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusRunning:  {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
}

// CanTransition reports whether s may advance to next. Statuses only
// move forward; terminal statuses never change.
func (s JobStatus) CanTransition(next JobStatus) bool {
	for _, allowed := range jobTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Job is one unit of work produced by an upstream workflow.
type Job struct {
	ID               string     `db:"id" json:"id"`
	UpstreamJobID    int64      `db:"upstream_job_id" json:"upstream_job_id"`
	UpstreamRunID    int64      `db:"upstream_run_id" json:"upstream_run_id"`
	Repository       string     `db:"repository" json:"repository"`
	Workflow         string     `db:"workflow" json:"workflow"`
	Branch           string     `db:"branch" json:"branch,omitempty"`
	Event            string     `db:"event" json:"event,omitempty"`
	Labels           Labels     `db:"labels" json:"labels"`
	Priority         Priority   `db:"priority" json:"priority"`
	Status           JobStatus  `db:"status" json:"status"`
	AssignedRunnerID *string    `db:"assigned_runner_id" json:"assigned_runner_id,omitempty"`
	ContainerID      *string    `db:"container_id" json:"container_id,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	StartedAt        *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	Error            string     `db:"error" json:"error,omitempty"`
}

// RunnerType distinguishes how a runner is provisioned and reused.
type RunnerType string

const (
	// RunnerTypeProxy is a long-lived runner that only intercepts and
	// forwards work; it is registered out of band.
	RunnerTypeProxy RunnerType = "PROXY"

	// RunnerTypeEphemeral serves exactly one job and is destroyed.
	RunnerTypeEphemeral RunnerType = "EPHEMERAL"

	// RunnerTypeDedicated is a long-lived per-repository runner.
	RunnerTypeDedicated RunnerType = "DEDICATED"
)

// RunnerStatus represents the lifecycle state of a runner.
type RunnerStatus string

const (
	RunnerStatusStarting RunnerStatus = "STARTING"
	RunnerStatusIdle     RunnerStatus = "IDLE"
	RunnerStatusBusy     RunnerStatus = "BUSY"
	RunnerStatusOffline  RunnerStatus = "OFFLINE"
	RunnerStatusStopping RunnerStatus = "STOPPING"
)

// RunnerStatuses lists every runner status.
var RunnerStatuses = []RunnerStatus{
	RunnerStatusStarting, RunnerStatusIdle, RunnerStatusBusy,
	RunnerStatusOffline, RunnerStatusStopping,
}

// Runner is a worker that registers with the upstream and executes jobs.
type Runner struct {
	ID            string       `db:"id" json:"id"`
	Name          string       `db:"name" json:"name"`
	Type          RunnerType   `db:"type" json:"type"`
	Repository    string       `db:"repository" json:"repository,omitempty"`
	Labels        Labels       `db:"labels" json:"labels"`
	Status        RunnerStatus `db:"status" json:"status"`
	ContainerID   *string      `db:"container_id" json:"container_id,omitempty"`
	JobsServed    int64        `db:"jobs_served" json:"jobs_served"`
	LastHeartbeat time.Time    `db:"last_heartbeat" json:"last_heartbeat"`
	IdleSince     *time.Time   `db:"idle_since" json:"idle_since,omitempty"`
	CreatedAt     time.Time    `db:"created_at" json:"created_at"`
}

// PoolPolicy holds the scaling knobs for one repository pool.
// Durations are stored as seconds to keep the JSON column flat.
type PoolPolicy struct {
	ScaleUpThreshold   float64 `json:"scale_up_threshold" yaml:"scale_up_threshold"`
	ScaleDownThreshold float64 `json:"scale_down_threshold" yaml:"scale_down_threshold"`
	QueueThreshold     int     `json:"queue_threshold" yaml:"queue_threshold"`
	WaitThresholdS     int     `json:"wait_threshold_s" yaml:"wait_threshold_s"`
	ScaleDecrement     int     `json:"scale_decrement" yaml:"scale_decrement"`
	CooldownS          int     `json:"cooldown_s" yaml:"cooldown_s"`
	StartupTimeoutS    int     `json:"startup_timeout_s" yaml:"startup_timeout_s"`
	DynamicLabels      bool    `json:"dynamic_labels" yaml:"dynamic_labels"`
	Predictive         bool    `json:"predictive" yaml:"predictive"`
	RunnerImage        string  `json:"runner_image,omitempty" yaml:"runner_image,omitempty"`
	RunnerLabels       Labels  `json:"runner_labels,omitempty" yaml:"runner_labels,omitempty"`
}

// DefaultPoolPolicy returns the policy applied to pools that carry no
// explicit override.
func DefaultPoolPolicy() PoolPolicy {
	return PoolPolicy{
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.2,
		QueueThreshold:     3,
		WaitThresholdS:     30,
		ScaleDecrement:     1,
		CooldownS:          300,
		StartupTimeoutS:    120,
		DynamicLabels:      true,
	}
}

// RunnerPool is the scaling unit for one repository.
type RunnerPool struct {
	Repository     string     `db:"repository" json:"repository"`
	MinRunners     int        `db:"min_runners" json:"min_runners"`
	MaxRunners     int        `db:"max_runners" json:"max_runners"`
	CurrentRunners int        `db:"-" json:"current_runners"`
	ScaleIncrement int        `db:"scale_increment" json:"scale_increment"`
	ScaleThreshold int        `db:"scale_threshold" json:"scale_threshold"`
	Policy         PoolPolicy `db:"policy" json:"policy"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
}

// RuleConditions narrows which jobs a routing rule applies to. All set
// fields must hold; labels is a subset check against the job's labels.
type RuleConditions struct {
	Labels            Labels `json:"labels,omitempty" yaml:"labels,omitempty"`
	RepositoryPattern string `json:"repository_pattern,omitempty" yaml:"repository_pattern,omitempty"`
	WorkflowPattern   string `json:"workflow_pattern,omitempty" yaml:"workflow_pattern,omitempty"`
	BranchPattern     string `json:"branch_pattern,omitempty" yaml:"branch_pattern,omitempty"`
	Event             string `json:"event,omitempty" yaml:"event,omitempty"`
}

// RuleTargets selects the runner class a matched rule dispatches to.
// Exclusive requires candidate runners to carry exactly RunnerLabels.
type RuleTargets struct {
	RunnerLabels Labels `json:"runner_labels" yaml:"runner_labels"`
	PoolOverride string `json:"pool_override,omitempty" yaml:"pool_override,omitempty"`
	Exclusive    bool   `json:"exclusive,omitempty" yaml:"exclusive,omitempty"`
}

// RoutingRule maps job conditions to a target runner class. Rules are
// evaluated in descending priority order; first match wins.
type RoutingRule struct {
	ID         string         `db:"id" json:"id"`
	Name       string         `db:"name" json:"name"`
	Priority   int            `db:"priority" json:"priority"`
	Conditions RuleConditions `db:"conditions" json:"conditions"`
	Targets    RuleTargets    `db:"targets" json:"targets"`
	Enabled    bool           `db:"enabled" json:"enabled"`
	CreatedAt  time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at" json:"updated_at"`
}

// RoutingDecision is the append-only record of one router invocation.
type RoutingDecision struct {
	ID               int64     `db:"id" json:"id"`
	JobID            string    `db:"job_id" json:"job_id"`
	MatchedRuleID    *string   `db:"matched_rule_id" json:"matched_rule_id,omitempty"`
	SelectedRunnerID *string   `db:"selected_runner_id" json:"selected_runner_id,omitempty"`
	CandidateCount   int       `db:"candidate_count" json:"candidate_count"`
	Reason           string    `db:"reason" json:"reason"`
	Timestamp        time.Time `db:"timestamp" json:"timestamp"`
}

// ContainerState represents the runtime-side state machine.
type ContainerState string

const (
	ContainerStateCreating ContainerState = "CREATING"
	ContainerStateCreated  ContainerState = "CREATED"
	ContainerStateStarting ContainerState = "STARTING"
	ContainerStateRunning  ContainerState = "RUNNING"
	ContainerStateStopping ContainerState = "STOPPING"
	ContainerStateStopped  ContainerState = "STOPPED"
	ContainerStateRemoving ContainerState = "REMOVING"
	ContainerStateRemoved  ContainerState = "REMOVED"
	ContainerStateError    ContainerState = "ERROR"
)

// ContainerStates lists every container state in lifecycle order.
var ContainerStates = []ContainerState{
	ContainerStateCreating, ContainerStateCreated, ContainerStateStarting,
	ContainerStateRunning, ContainerStateStopping, ContainerStateStopped,
	ContainerStateRemoving, ContainerStateRemoved, ContainerStateError,
}

var containerTransitions = map[ContainerState][]ContainerState{
	ContainerStateCreating: {ContainerStateCreated, ContainerStateError},
	ContainerStateCreated:  {ContainerStateStarting, ContainerStateError},
	ContainerStateStarting: {ContainerStateRunning, ContainerStateError},
	ContainerStateRunning:  {ContainerStateStopping, ContainerStateError},
	ContainerStateStopping: {ContainerStateStopped, ContainerStateError},
	ContainerStateStopped:  {ContainerStateRemoving, ContainerStateError},
	ContainerStateRemoving: {ContainerStateRemoved, ContainerStateError},
	ContainerStateError:    {ContainerStateRemoving},
}

// CanTransition reports whether s may advance to next. REMOVED is
// terminal; ERROR is reachable from every non-terminal state and exits
// only through REMOVING.
func (s ContainerState) CanTransition(next ContainerState) bool {
	for _, allowed := range containerTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the container state machine has finished.
func (s ContainerState) Terminal() bool {
	return s == ContainerStateRemoved
}

// ResourceLimits bounds a container's consumption.
type ResourceLimits struct {
	CPULimit         float64 `json:"cpu_limit"`
	MemoryLimitBytes int64   `json:"mem_limit_bytes"`
	PidsLimit        int64   `json:"pids_limit"`
}

// ResourceSample is one point-in-time reading from the runtime stats API.
type ResourceSample struct {
	CPUPct     float64   `json:"cpu_pct"`
	MemPct     float64   `json:"mem_pct"`
	MemBytes   int64     `json:"mem_bytes"`
	RxBytes    int64     `json:"rx_bytes"`
	TxBytes    int64     `json:"tx_bytes"`
	BlockRead  int64     `json:"block_read"`
	BlockWrite int64     `json:"block_write"`
	SampledAt  time.Time `json:"sampled_at"`
}

// ContainerRecord mirrors one managed container in the store.
type ContainerRecord struct {
	ID            string          `db:"id" json:"id"`
	JobID         *string         `db:"job_id" json:"job_id,omitempty"`
	RunnerID      *string         `db:"runner_id" json:"runner_id,omitempty"`
	Repository    string          `db:"repository" json:"repository"`
	Image         string          `db:"image" json:"image"`
	State         ContainerState  `db:"state" json:"state"`
	Labels        LabelMap        `db:"labels" json:"labels,omitempty"`
	Resources     ResourceLimits  `db:"resources" json:"resources"`
	NetworkID     *string         `db:"network_id" json:"network_id,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
	StartedAt     *time.Time      `db:"started_at" json:"started_at,omitempty"`
	FinishedAt    *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
	ExitCode      *int            `db:"exit_code" json:"exit_code,omitempty"`
	LastSample    *ResourceSample `db:"last_sample" json:"last_sample,omitempty"`
	LastSampledAt *time.Time      `db:"last_sampled_at" json:"last_sampled_at,omitempty"`
	Error         string          `db:"error" json:"error,omitempty"`
}

// LabelMap holds key=value container labels.
type LabelMap map[string]string

// Has reports whether the label is present with the value "true".
func (m LabelMap) Has(key string) bool {
	return m[key] == "true"
}

// Network is one per-repository internal bridge network.
type Network struct {
	ID         string     `db:"id" json:"id"`
	Name       string     `db:"name" json:"name"`
	Repository string     `db:"repository" json:"repository"`
	Subnet     string     `db:"subnet" json:"subnet"`
	Gateway    string     `db:"gateway" json:"gateway"`
	Internal   bool       `db:"internal" json:"internal"`
	CreatedAt  time.Time  `db:"created_at" json:"created_at"`
	LastUsed   time.Time  `db:"last_used" json:"last_used"`
	RemovedAt  *time.Time `db:"removed_at" json:"removed_at,omitempty"`
}

// WebhookEvent is one persisted upstream delivery.
type WebhookEvent struct {
	DeliveryID        string     `db:"delivery_id" json:"delivery_id"`
	EventType         string     `db:"event_type" json:"event_type"`
	Action            string     `db:"action" json:"action,omitempty"`
	Repository        string     `db:"repository" json:"repository"`
	Payload           []byte     `db:"payload" json:"-"`
	SignatureVerified bool       `db:"signature_verified" json:"signature_verified"`
	ReceivedAt        time.Time  `db:"received_at" json:"received_at"`
	ProcessedAt       *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	Attempts          int        `db:"attempts" json:"attempts"`
	LastError         string     `db:"last_error" json:"last_error,omitempty"`
}

// ScaleDirection records which way a pool was resized.
type ScaleDirection string

const (
	ScaleUp   ScaleDirection = "UP"
	ScaleDown ScaleDirection = "DOWN"
	ScaleNone ScaleDirection = "NONE"
)

// ScaleTrigger names the condition that produced a scaling decision.
type ScaleTrigger string

const (
	TriggerQueueDepth  ScaleTrigger = "queue_depth"
	TriggerUtilization ScaleTrigger = "utilization"
	TriggerWaitTime    ScaleTrigger = "wait_time"
	TriggerBelowMin    ScaleTrigger = "below_min"
	TriggerIdle        ScaleTrigger = "idle"
	TriggerPredicted   ScaleTrigger = "predicted"
	TriggerManual      ScaleTrigger = "manual"
)

// ScalingEvent is the append-only record of one scaling decision.
type ScalingEvent struct {
	ID         int64          `db:"id" json:"id"`
	Repository string         `db:"repository" json:"repository"`
	Direction  ScaleDirection `db:"direction" json:"direction"`
	Before     int            `db:"before_count" json:"before"`
	After      int            `db:"after_count" json:"after"`
	Trigger    ScaleTrigger   `db:"trigger_kind" json:"trigger"`
	Timestamp  time.Time      `db:"timestamp" json:"timestamp"`
}

// CleanupDetail records the outcome for one container in a cleanup run.
type CleanupDetail struct {
	ContainerID string `json:"container_id"`
	Policy      string `json:"policy"`
	Action      string `json:"action"`
	Error       string `json:"error,omitempty"`
}

// CleanupDetails is the JSON-persisted detail list of a cleanup run.
type CleanupDetails []CleanupDetail

// CleanupRun summarizes one pass of the cleanup engine.
type CleanupRun struct {
	ID         int64          `db:"id" json:"id"`
	StartedAt  time.Time      `db:"started_at" json:"started_at"`
	FinishedAt time.Time      `db:"finished_at" json:"finished_at"`
	Evaluated  int            `db:"evaluated" json:"evaluated"`
	Stopped    int            `db:"stopped" json:"stopped"`
	Removed    int            `db:"removed" json:"removed"`
	Archived   int            `db:"archived" json:"archived"`
	Failed     int            `db:"failed" json:"failed"`
	Details    CleanupDetails `db:"details" json:"details"`
}

// Snapshot is the point-in-time aggregate published by the monitoring
// bus and served to dashboards.
type Snapshot struct {
	Jobs      SnapshotJobs     `json:"jobs"`
	Runners   SnapshotRunners  `json:"runners"`
	Pools     []SnapshotPool   `json:"pools"`
	Upstream  SnapshotUpstream `json:"upstream"`
	Timestamp time.Time        `json:"timestamp"`
}

type SnapshotJobs struct {
	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

type SnapshotRunners struct {
	Total   int `json:"total"`
	Idle    int `json:"idle"`
	Busy    int `json:"busy"`
	Offline int `json:"offline"`
}

type SnapshotPool struct {
	Repository  string  `json:"repository"`
	Utilization float64 `json:"utilization"`
	Size        int     `json:"size"`
	InCooldown  bool    `json:"in_cooldown"`
}

type SnapshotUpstream struct {
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
}

// jsonValue and jsonScan back the sqlx Valuer/Scanner pairs for the
// JSON-persisted columns below.
func jsonValue(v any) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonScan(src any, dst any) error {
	switch s := src.(type) {
	case nil:
		return nil
	case []byte:
		if len(s) == 0 {
			return nil
		}
		return json.Unmarshal(s, dst)
	case string:
		if s == "" {
			return nil
		}
		return json.Unmarshal([]byte(s), dst)
	default:
		return fmt.Errorf("cannot scan %T into %T", src, dst)
	}
}

func (p PoolPolicy) Value() (driver.Value, error)      { return jsonValue(p) }
func (p *PoolPolicy) Scan(src any) error               { return jsonScan(src, p) }
func (c RuleConditions) Value() (driver.Value, error)  { return jsonValue(c) }
func (c *RuleConditions) Scan(src any) error           { return jsonScan(src, c) }
func (t RuleTargets) Value() (driver.Value, error)     { return jsonValue(t) }
func (t *RuleTargets) Scan(src any) error              { return jsonScan(src, t) }
func (r ResourceLimits) Value() (driver.Value, error)  { return jsonValue(r) }
func (r *ResourceLimits) Scan(src any) error           { return jsonScan(src, r) }
func (r ResourceSample) Value() (driver.Value, error)  { return jsonValue(r) }
func (r *ResourceSample) Scan(src any) error           { return jsonScan(src, r) }
func (d CleanupDetails) Value() (driver.Value, error)  { return jsonValue(d) }
func (d *CleanupDetails) Scan(src any) error           { return jsonScan(src, d) }
func (m LabelMap) Value() (driver.Value, error)        { return jsonValue(m) }
func (m *LabelMap) Scan(src any) error                 { return jsonScan(src, m) }
