package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

// getStatus serves the latest monitoring snapshot together with a
// live queue census.
func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Bus.LatestSnapshot()
	qs, err := s.deps.Queue.CollectStats(r.Context())
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{
		"snapshot": snap,
		"queue":    qs,
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := storage.JobFilter{
		Repository: r.URL.Query().Get("repository"),
		Limit:      intQuery(r, "limit", 50),
		Offset:     intQuery(r, "offset", 0),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, types.JobStatus(strings.ToUpper(part)))
		}
	}
	jobs, err := s.deps.Store.ListJobs(r.Context(), filter)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, jobs)
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Store.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, job)
}

// cancelJob marks a job CANCELLED and stops its container if one was
// already assigned. Terminal jobs answer 422.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	job, err := s.deps.Store.GetJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if !job.Status.CanTransition(types.JobStatusCancelled) {
		s.writeFault(w, types.Statef("job %s is %s and cannot be cancelled", job.ID, job.Status))
		return
	}

	job.Status = types.JobStatusCancelled
	now := time.Now().UTC()
	job.CompletedAt = &now
	if err := s.deps.Store.UpdateJob(ctx, job); err != nil {
		s.writeFault(w, err)
		return
	}

	if job.ContainerID != nil && s.deps.Engine != nil {
		grace := time.Duration(s.deps.Config.Container.StopGraceS) * time.Second
		if err := s.deps.Engine.Stop(ctx, *job.ContainerID, grace); err != nil {
			s.logger.Warn().Err(err).
				Str("job_id", job.ID).
				Str("container_id", *job.ContainerID).
				Msg("Stopping cancelled job's container failed")
		}
	}
	if job.AssignedRunnerID != nil {
		if err := s.deps.Pools.ReleaseRunner(ctx, *job.AssignedRunnerID, types.JobStatusCancelled); err != nil {
			s.logger.Warn().Err(err).
				Str("runner_id", *job.AssignedRunnerID).
				Msg("Releasing cancelled job's runner failed")
		}
	}
	s.writeData(w, http.StatusOK, job)
}

func (s *Server) listRunners(w http.ResponseWriter, r *http.Request) {
	filter := storage.RunnerFilter{
		Repository: r.URL.Query().Get("repository"),
		Type:       types.RunnerType(strings.ToUpper(r.URL.Query().Get("type"))),
	}
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, types.RunnerStatus(strings.ToUpper(part)))
		}
	}
	runners, err := s.deps.Store.ListRunners(r.Context(), filter)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, runners)
}

func (s *Server) getRunner(w http.ResponseWriter, r *http.Request) {
	runner, err := s.deps.Store.GetRunner(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, runner)
}

func (s *Server) deleteRunner(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Pools.DestroyRunner(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]string{"id": chi.URLParam(r, "id"), "status": "destroyed"})
}

// runnerHeartbeat is the liveness endpoint the runner containers post
// to; it also flips STARTING runners to IDLE.
func (s *Server) runnerHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Pools.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]string{"status": "ok"})
}

// poolView pairs the stored pool config with its live runner counts.
type poolView struct {
	*types.RunnerPool
	Idle        int     `json:"idle"`
	Busy        int     `json:"busy"`
	Starting    int     `json:"starting"`
	Utilization float64 `json:"utilization"`
	InCooldown  bool    `json:"in_cooldown"`
}

func (s *Server) poolView(r *http.Request, p *types.RunnerPool) (*poolView, error) {
	stats, err := s.deps.Pools.PoolStats(r.Context(), p.Repository)
	if err != nil {
		return nil, err
	}
	p.CurrentRunners = stats.Total
	return &poolView{
		RunnerPool:  p,
		Idle:        stats.Idle,
		Busy:        stats.Busy,
		Starting:    stats.Starting,
		Utilization: stats.Utilization(),
		InCooldown:  s.deps.Scaler.InCooldown(r.Context(), p.Repository),
	}, nil
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	pools, err := s.deps.Store.ListPools(r.Context())
	if err != nil {
		s.writeFault(w, err)
		return
	}
	views := make([]*poolView, 0, len(pools))
	for _, p := range pools {
		v, err := s.poolView(r, p)
		if err != nil {
			s.writeFault(w, err)
			return
		}
		views = append(views, v)
	}
	s.writeData(w, http.StatusOK, views)
}

func (s *Server) getPool(w http.ResponseWriter, r *http.Request) {
	p, err := s.deps.Store.GetPool(r.Context(), repoParam(r))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	v, err := s.poolView(r, p)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, v)
}

// poolUpdate is the mutable subset of a pool config.
type poolUpdate struct {
	MinRunners     *int              `json:"min_runners"`
	MaxRunners     *int              `json:"max_runners"`
	ScaleIncrement *int              `json:"scale_increment"`
	ScaleThreshold *int              `json:"scale_threshold"`
	Policy         *types.PoolPolicy `json:"policy"`
}

func (s *Server) putPool(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	repo := repoParam(r)

	var upd poolUpdate
	if err := decodeJSON(r, &upd); err != nil {
		s.writeFault(w, err)
		return
	}

	p, err := s.deps.Pools.EnsurePool(ctx, repo)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if upd.MinRunners != nil {
		p.MinRunners = *upd.MinRunners
	}
	if upd.MaxRunners != nil {
		p.MaxRunners = *upd.MaxRunners
	}
	if upd.ScaleIncrement != nil {
		p.ScaleIncrement = *upd.ScaleIncrement
	}
	if upd.ScaleThreshold != nil {
		p.ScaleThreshold = *upd.ScaleThreshold
	}
	if upd.Policy != nil {
		p.Policy = *upd.Policy
	}
	if p.MinRunners < 0 || p.MaxRunners < 1 || p.MinRunners > p.MaxRunners {
		s.writeFault(w, types.Validationf("pool bounds must satisfy 0 <= min <= max, max >= 1"))
		return
	}
	if p.ScaleIncrement < 1 {
		s.writeFault(w, types.Validationf("scale_increment must be >= 1"))
		return
	}

	if err := s.deps.Store.UpsertPool(ctx, p); err != nil {
		s.writeFault(w, err)
		return
	}
	v, err := s.poolView(r, p)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, v)
}

type scaleRequest struct {
	Action string `json:"action"`
	Count  int    `json:"count"`
}

// scalePool forces a scaling operation, bypassing the control loop
// but not the pool's min/max bounds.
func (s *Server) scalePool(w http.ResponseWriter, r *http.Request) {
	var req scaleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFault(w, err)
		return
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	var delta int
	switch req.Action {
	case "up":
		delta = req.Count
	case "down":
		delta = -req.Count
	default:
		s.writeFault(w, types.Validationf("action must be up or down"))
		return
	}

	before, after, err := s.deps.Pools.ScalePool(r.Context(), repoParam(r), delta, types.TriggerManual)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]int{"before": before, "after": after})
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	enabledOnly := r.URL.Query().Get("enabled") == "true"
	rules, err := s.deps.Store.ListRules(r.Context(), enabledOnly)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, rules)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.deps.Store.GetRule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, rule)
}

func validateRule(rule *types.RoutingRule) error {
	if rule.Name == "" {
		return types.Validationf("rule name is required")
	}
	if len(rule.Targets.RunnerLabels) == 0 {
		return types.Validationf("rule %q needs at least one target runner label", rule.Name)
	}
	return nil
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	var rule types.RoutingRule
	if err := decodeJSON(r, &rule); err != nil {
		s.writeFault(w, err)
		return
	}
	if err := validateRule(&rule); err != nil {
		s.writeFault(w, err)
		return
	}
	if err := s.deps.Store.CreateRule(r.Context(), &rule); err != nil {
		s.writeFault(w, err)
		return
	}
	s.deps.Router.Invalidate()
	s.writeData(w, http.StatusCreated, rule)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	var rule types.RoutingRule
	if err := decodeJSON(r, &rule); err != nil {
		s.writeFault(w, err)
		return
	}
	rule.ID = chi.URLParam(r, "id")
	if err := validateRule(&rule); err != nil {
		s.writeFault(w, err)
		return
	}
	if err := s.deps.Store.UpdateRule(r.Context(), &rule); err != nil {
		s.writeFault(w, err)
		return
	}
	s.deps.Router.Invalidate()
	s.writeData(w, http.StatusOK, rule)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteRule(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeFault(w, err)
		return
	}
	s.deps.Router.Invalidate()
	s.writeData(w, http.StatusOK, map[string]string{"id": chi.URLParam(r, "id"), "status": "deleted"})
}

// previewRequest describes the synthetic job a routing dry-run is
// evaluated against.
type previewRequest struct {
	Repository string       `json:"repository"`
	Workflow   string       `json:"workflow"`
	Branch     string       `json:"branch"`
	Event      string       `json:"event"`
	Labels     types.Labels `json:"labels"`
}

func (s *Server) previewRoute(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeFault(w, err)
		return
	}
	if req.Repository == "" {
		s.writeFault(w, types.Validationf("repository is required"))
		return
	}

	job := &types.Job{
		ID:         "preview",
		Repository: req.Repository,
		Workflow:   req.Workflow,
		Branch:     req.Branch,
		Event:      req.Event,
		Labels:     req.Labels,
		Status:     types.JobStatusQueued,
	}
	decision, err := s.deps.Router.Preview(r.Context(), job)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]any{
		"matches":  decision.MatchedRule != nil,
		"decision": decision,
	})
}

func (s *Server) listNetworks(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") != "false"
	networks, err := s.deps.Store.ListNetworks(r.Context(), activeOnly)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, networks)
}

func (s *Server) cleanupNetworks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reaper == nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "network reaper not running")
		return
	}
	removed, err := s.deps.Reaper.Reap(r.Context())
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) listContainers(w http.ResponseWriter, r *http.Request) {
	filter := storage.ContainerFilter{
		Repository: r.URL.Query().Get("repository"),
		JobID:      r.URL.Query().Get("job_id"),
		Limit:      intQuery(r, "limit", 100),
	}
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			filter.States = append(filter.States, types.ContainerState(strings.ToUpper(part)))
		}
	}
	containers, err := s.deps.Store.ListContainers(r.Context(), filter)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, containers)
}

func (s *Server) getContainer(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.GetContainer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, rec)
}

type stopRequest struct {
	GraceSeconds int `json:"grace_s"`
}

func (s *Server) stopContainer(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "unavailable", "container engine not available")
		return
	}
	grace := time.Duration(s.deps.Config.Container.StopGraceS) * time.Second
	var req stopRequest
	if err := decodeJSON(r, &req); err == nil && req.GraceSeconds > 0 {
		grace = time.Duration(req.GraceSeconds) * time.Second
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Engine.Stop(r.Context(), id, grace); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]string{"id": id, "status": "stopped"})
}

func (s *Server) listWebhooks(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.ListWebhookEvents(r.Context(),
		r.URL.Query().Get("repository"), intQuery(r, "limit", 100))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, events)
}

// replayWebhook re-enqueues a persisted delivery bypassing dedup.
func (s *Server) replayWebhook(w http.ResponseWriter, r *http.Request) {
	delivery := chi.URLParam(r, "delivery")
	if err := s.deps.Ingress.Replay(r.Context(), delivery); err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]string{"delivery_id": delivery, "status": "replayed"})
}

func (s *Server) retryFailedWebhooks(w http.ResponseWriter, r *http.Request) {
	retried, err := s.deps.Ingress.RetryFailed(r.Context(), intQuery(r, "limit", 50))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, map[string]int{"retried": retried})
}

func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.CollectStats(r.Context())
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, stats)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.deps.Queue.ListDeadLetters(r.Context(), intQuery(r, "limit", 100))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, msgs)
}

func (s *Server) listScalingEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.deps.Store.ListScalingEvents(r.Context(),
		r.URL.Query().Get("repository"), intQuery(r, "limit", 100))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.writeData(w, http.StatusOK, events)
}
