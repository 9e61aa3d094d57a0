package dispatch

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/runnerhub/runnerhub/pkg/types"
)

// Workflow job actions carried through the queue.
const (
	ActionQueued     = "queued"
	ActionInProgress = "in_progress"
	ActionCompleted  = "completed"
)

// Task is the queue payload the ingress hands to the dispatcher: the
// routed fields of one workflow_job delivery. The raw webhook body
// stays in the store; only what dispatching needs crosses the queue.
type Task struct {
	Action        string         `json:"action"`
	DeliveryID    string         `json:"delivery_id"`
	UpstreamJobID int64          `json:"upstream_job_id"`
	UpstreamRunID int64          `json:"upstream_run_id"`
	Repository    string         `json:"repository"`
	Workflow      string         `json:"workflow"`
	Branch        string         `json:"branch,omitempty"`
	Event         string         `json:"event,omitempty"`
	Labels        types.Labels   `json:"labels,omitempty"`
	Priority      types.Priority `json:"priority"`
	Conclusion    string         `json:"conclusion,omitempty"`
	RunnerName    string         `json:"runner_name,omitempty"`
	ReceivedAt    time.Time      `json:"received_at"`
}

// Encode serializes the task for the queue.
func (t *Task) Encode() ([]byte, error) {
	return json.Marshal(t)
}

// DecodeTask parses a queue payload.
func DecodeTask(payload []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(payload, &t); err != nil {
		return nil, types.Unrecoverablef("malformed task payload: %v", err)
	}
	if t.Repository == "" || t.UpstreamJobID == 0 {
		return nil, types.Unrecoverablef("task missing repository or upstream job id")
	}
	return &t, nil
}

// job builds a fresh Job row from a queued task.
func (t *Task) job() *types.Job {
	created := t.ReceivedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &types.Job{
		ID:            uuid.New().String(),
		UpstreamJobID: t.UpstreamJobID,
		UpstreamRunID: t.UpstreamRunID,
		Repository:    t.Repository,
		Workflow:      t.Workflow,
		Branch:        t.Branch,
		Event:         t.Event,
		Labels:        t.Labels,
		Priority:      t.Priority,
		Status:        types.JobStatusQueued,
		CreatedAt:     created,
	}
}
