package ingress

import (
	"encoding/json"

	"github.com/runnerhub/runnerhub/pkg/types"
)

// Typed extraction of the webhook fields dispatching needs. The raw
// payload is persisted verbatim; none of these maps leak past the
// ingress boundary.

type repository struct {
	FullName string `json:"full_name"`
}

type workflowJob struct {
	ID           int64    `json:"id"`
	RunID        int64    `json:"run_id"`
	Name         string   `json:"name"`
	WorkflowName string   `json:"workflow_name"`
	HeadBranch   string   `json:"head_branch"`
	Labels       []string `json:"labels"`
	RunnerName   string   `json:"runner_name"`
	Conclusion   string   `json:"conclusion"`
}

// workflowJobEvent is the payload of an X-GitHub-Event: workflow_job
// delivery. Event is the run's triggering event; platforms that omit
// it fall back to label-based priority only.
type workflowJobEvent struct {
	Action      string      `json:"action"`
	Event       string      `json:"event"`
	WorkflowJob workflowJob `json:"workflow_job"`
	Repository  repository  `json:"repository"`
}

// pingEvent acknowledges endpoint registration.
type pingEvent struct {
	Zen        string     `json:"zen"`
	Repository repository `json:"repository"`
}

func parseWorkflowJob(payload []byte) (*workflowJobEvent, error) {
	var ev workflowJobEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, types.Validationf("malformed workflow_job payload: %v", err)
	}
	if ev.Repository.FullName == "" || ev.WorkflowJob.ID == 0 {
		return nil, types.Validationf("workflow_job payload missing repository or job id")
	}
	return &ev, nil
}

// priorityFor maps a job's labels and triggering context to a queue
// band. Deploy and hotfix work preempts everything; pull requests
// outrank plain pushes; housekeeping sinks to the bottom.
func priorityFor(labels types.Labels, event string) types.Priority {
	for _, label := range labels {
		switch label {
		case "deploy", "hotfix", "urgent":
			return types.PriorityCritical
		case "cleanup", "maintenance", "nightly":
			return types.PriorityLow
		}
	}
	if event == "pull_request" {
		return types.PriorityHigh
	}
	return types.PriorityNormal
}
