package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/runnerhub/runnerhub/pkg/types"
)

// SQLiteStore implements Store on a single SQLite file. WAL mode keeps
// readers off the writer's back; the busy timeout absorbs short write
// contention. Timestamps are stored as text, so callers stamp UTC to
// keep lexical order chronological.
type SQLiteStore struct {
	db *sqlx.DB
}

// DSN builds the connection string for a database file.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
}

// Open opens (creating if needed) the database at path and applies
// pending migrations.
func Open(path string) (*SQLiteStore, error) {
	db, err := sqlx.Connect("sqlite3", DSN(path))
	if err != nil {
		return nil, types.Unavailablef("failed to open store at %s: %v", path, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return types.Unavailablef("store ping failed: %v", err)
	}
	return nil
}

// mapErr translates driver errors into the shared taxonomy. Uniqueness
// violations become Conflict, missing rows NotFound, everything else
// Unavailable.
func mapErr(err error, op, entity, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return types.NotFoundf("%s %q not found", entity, key)
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code {
		case sqlite3.ErrConstraint:
			return types.Conflictf("%s %q already exists: %v", entity, key, err)
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return types.Unavailablef("store busy during %s: %v", op, err)
		}
	}
	return types.Unavailablef("%s failed: %v", op, err)
}

func (s *SQLiteStore) mustAffect(res sql.Result, entity, key string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return types.Unavailablef("rows affected for %s %q: %v", entity, key, err)
	}
	if n == 0 {
		return types.NotFoundf("%s %q not found", entity, key)
	}
	return nil
}

// Job operations

func (s *SQLiteStore) CreateJob(ctx context.Context, job *types.Job) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO job (id, upstream_job_id, upstream_run_id, repository, workflow,
			branch, event, labels, priority, status, assigned_runner_id, container_id,
			created_at, started_at, completed_at, error)
		VALUES (:id, :upstream_job_id, :upstream_run_id, :repository, :workflow,
			:branch, :event, :labels, :priority, :status, :assigned_runner_id, :container_id,
			:created_at, :started_at, :completed_at, :error)`, job)
	return mapErr(err, "create job", "job", job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	err := s.db.GetContext(ctx, &job, "SELECT * FROM job WHERE id = ?", id)
	if err != nil {
		return nil, mapErr(err, "get job", "job", id)
	}
	return &job, nil
}

func (s *SQLiteStore) GetJobByUpstreamID(ctx context.Context, upstreamJobID int64) (*types.Job, error) {
	var job types.Job
	err := s.db.GetContext(ctx, &job,
		"SELECT * FROM job WHERE upstream_job_id = ? ORDER BY created_at DESC LIMIT 1",
		upstreamJobID)
	if err != nil {
		return nil, mapErr(err, "get job by upstream id", "job", strconv.FormatInt(upstreamJobID, 10))
	}
	return &job, nil
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job *types.Job) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE job SET repository = :repository, workflow = :workflow, branch = :branch,
			event = :event, labels = :labels, priority = :priority, status = :status,
			assigned_runner_id = :assigned_runner_id, container_id = :container_id,
			started_at = :started_at, completed_at = :completed_at, error = :error
		WHERE id = :id`, job)
	if err != nil {
		return mapErr(err, "update job", "job", job.ID)
	}
	return s.mustAffect(res, "job", job.ID)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, f JobFilter) ([]*types.Job, error) {
	query := "SELECT * FROM job"
	var conds []string
	var args []any
	if f.Repository != "" {
		conds = append(conds, "repository = ?")
		args = append(args, f.Repository)
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN (?)")
		args = append(args, f.Statuses)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", f.Limit, f.Offset)
	}
	query, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return nil, types.Unavailablef("list jobs failed: %v", err)
	}
	jobs := []*types.Job{}
	if err := s.db.SelectContext(ctx, &jobs, query, expanded...); err != nil {
		return nil, mapErr(err, "list jobs", "job", "")
	}
	return jobs, nil
}

func (s *SQLiteStore) CountJobs(ctx context.Context, repository string) (map[types.JobStatus]int, error) {
	query := "SELECT status, COUNT(*) AS n FROM job"
	var args []any
	if repository != "" {
		query += " WHERE repository = ?"
		args = append(args, repository)
	}
	query += " GROUP BY status"

	var rows []struct {
		Status types.JobStatus `db:"status"`
		N      int             `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapErr(err, "count jobs", "job", repository)
	}
	counts := make(map[types.JobStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

func (s *SQLiteStore) CountQueuedJobs(ctx context.Context, repository string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM job WHERE repository = ? AND status = ?",
		repository, types.JobStatusQueued)
	if err != nil {
		return 0, mapErr(err, "count queued jobs", "job", repository)
	}
	return n, nil
}

// QueuedJobAges returns how long each QUEUED job of the repository has
// been waiting, oldest first.
func (s *SQLiteStore) QueuedJobAges(ctx context.Context, repository string) ([]time.Duration, error) {
	var createdAts []time.Time
	err := s.db.SelectContext(ctx, &createdAts,
		"SELECT created_at FROM job WHERE repository = ? AND status = ? ORDER BY created_at ASC",
		repository, types.JobStatusQueued)
	if err != nil {
		return nil, mapErr(err, "queued job ages", "job", repository)
	}
	now := time.Now().UTC()
	ages := make([]time.Duration, 0, len(createdAts))
	for _, at := range createdAts {
		ages = append(ages, now.Sub(at))
	}
	return ages, nil
}

// Runner operations

func (s *SQLiteStore) CreateRunner(ctx context.Context, runner *types.Runner) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO runner (id, name, type, repository, labels, status, container_id,
			jobs_served, last_heartbeat, idle_since, created_at)
		VALUES (:id, :name, :type, :repository, :labels, :status, :container_id,
			:jobs_served, :last_heartbeat, :idle_since, :created_at)`, runner)
	return mapErr(err, "create runner", "runner", runner.Name)
}

func (s *SQLiteStore) GetRunner(ctx context.Context, id string) (*types.Runner, error) {
	var runner types.Runner
	err := s.db.GetContext(ctx, &runner, "SELECT * FROM runner WHERE id = ?", id)
	if err != nil {
		return nil, mapErr(err, "get runner", "runner", id)
	}
	return &runner, nil
}

func (s *SQLiteStore) GetRunnerByName(ctx context.Context, name string) (*types.Runner, error) {
	var runner types.Runner
	err := s.db.GetContext(ctx, &runner, "SELECT * FROM runner WHERE name = ?", name)
	if err != nil {
		return nil, mapErr(err, "get runner", "runner", name)
	}
	return &runner, nil
}

func (s *SQLiteStore) UpdateRunner(ctx context.Context, runner *types.Runner) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE runner SET name = :name, type = :type, repository = :repository,
			labels = :labels, status = :status, container_id = :container_id,
			jobs_served = :jobs_served, last_heartbeat = :last_heartbeat,
			idle_since = :idle_since
		WHERE id = :id`, runner)
	if err != nil {
		return mapErr(err, "update runner", "runner", runner.ID)
	}
	return s.mustAffect(res, "runner", runner.ID)
}

func (s *SQLiteStore) DeleteRunner(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runner WHERE id = ?", id)
	if err != nil {
		return mapErr(err, "delete runner", "runner", id)
	}
	return s.mustAffect(res, "runner", id)
}

func (s *SQLiteStore) ListRunners(ctx context.Context, f RunnerFilter) ([]*types.Runner, error) {
	query := "SELECT * FROM runner"
	var conds []string
	var args []any
	if f.Repository != "" {
		conds = append(conds, "repository = ?")
		args = append(args, f.Repository)
	}
	if f.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, f.Type)
	}
	if len(f.Statuses) > 0 {
		conds = append(conds, "status IN (?)")
		args = append(args, f.Statuses)
	}
	if f.HeartbeatBefore != nil {
		conds = append(conds, "last_heartbeat < ?")
		args = append(args, *f.HeartbeatBefore)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"
	query, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return nil, types.Unavailablef("list runners failed: %v", err)
	}
	runners := []*types.Runner{}
	if err := s.db.SelectContext(ctx, &runners, query, expanded...); err != nil {
		return nil, mapErr(err, "list runners", "runner", "")
	}
	return runners, nil
}

func (s *SQLiteStore) CountRunners(ctx context.Context, repository string) (map[types.RunnerStatus]int, error) {
	query := "SELECT status, COUNT(*) AS n FROM runner"
	var args []any
	if repository != "" {
		query += " WHERE repository = ?"
		args = append(args, repository)
	}
	query += " GROUP BY status"

	var rows []struct {
		Status types.RunnerStatus `db:"status"`
		N      int                `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, mapErr(err, "count runners", "runner", repository)
	}
	counts := make(map[types.RunnerStatus]int, len(rows))
	for _, r := range rows {
		counts[r.Status] = r.N
	}
	return counts, nil
}

// Pool operations

func (s *SQLiteStore) UpsertPool(ctx context.Context, pool *types.RunnerPool) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO runner_pool (repository, min_runners, max_runners, scale_increment,
			scale_threshold, policy, created_at, updated_at)
		VALUES (:repository, :min_runners, :max_runners, :scale_increment,
			:scale_threshold, :policy, :created_at, :updated_at)
		ON CONFLICT(repository) DO UPDATE SET
			min_runners = excluded.min_runners,
			max_runners = excluded.max_runners,
			scale_increment = excluded.scale_increment,
			scale_threshold = excluded.scale_threshold,
			policy = excluded.policy,
			updated_at = excluded.updated_at`, pool)
	return mapErr(err, "upsert pool", "pool", pool.Repository)
}

func (s *SQLiteStore) GetPool(ctx context.Context, repository string) (*types.RunnerPool, error) {
	var pool types.RunnerPool
	err := s.db.GetContext(ctx, &pool, "SELECT * FROM runner_pool WHERE repository = ?", repository)
	if err != nil {
		return nil, mapErr(err, "get pool", "pool", repository)
	}
	return &pool, nil
}

func (s *SQLiteStore) ListPools(ctx context.Context) ([]*types.RunnerPool, error) {
	pools := []*types.RunnerPool{}
	err := s.db.SelectContext(ctx, &pools, "SELECT * FROM runner_pool ORDER BY repository ASC")
	if err != nil {
		return nil, mapErr(err, "list pools", "pool", "")
	}
	return pools, nil
}

func (s *SQLiteStore) DeletePool(ctx context.Context, repository string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runner_pool WHERE repository = ?", repository)
	if err != nil {
		return mapErr(err, "delete pool", "pool", repository)
	}
	return s.mustAffect(res, "pool", repository)
}

// Routing rule operations

func (s *SQLiteStore) CreateRule(ctx context.Context, rule *types.RoutingRule) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO routing_rule (id, name, priority, conditions, targets, enabled,
			created_at, updated_at)
		VALUES (:id, :name, :priority, :conditions, :targets, :enabled,
			:created_at, :updated_at)`, rule)
	return mapErr(err, "create rule", "rule", rule.ID)
}

func (s *SQLiteStore) GetRule(ctx context.Context, id string) (*types.RoutingRule, error) {
	var rule types.RoutingRule
	err := s.db.GetContext(ctx, &rule, "SELECT * FROM routing_rule WHERE id = ?", id)
	if err != nil {
		return nil, mapErr(err, "get rule", "rule", id)
	}
	return &rule, nil
}

func (s *SQLiteStore) UpdateRule(ctx context.Context, rule *types.RoutingRule) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE routing_rule SET name = :name, priority = :priority,
			conditions = :conditions, targets = :targets, enabled = :enabled,
			updated_at = :updated_at
		WHERE id = :id`, rule)
	if err != nil {
		return mapErr(err, "update rule", "rule", rule.ID)
	}
	return s.mustAffect(res, "rule", rule.ID)
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM routing_rule WHERE id = ?", id)
	if err != nil {
		return mapErr(err, "delete rule", "rule", id)
	}
	return s.mustAffect(res, "rule", id)
}

func (s *SQLiteStore) ListRules(ctx context.Context, enabledOnly bool) ([]*types.RoutingRule, error) {
	query := "SELECT * FROM routing_rule"
	if enabledOnly {
		query += " WHERE enabled = 1"
	}
	query += " ORDER BY priority DESC, id ASC"
	rules := []*types.RoutingRule{}
	if err := s.db.SelectContext(ctx, &rules, query); err != nil {
		return nil, mapErr(err, "list rules", "rule", "")
	}
	return rules, nil
}

func (s *SQLiteStore) AppendDecision(ctx context.Context, d *types.RoutingDecision) error {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO routing_decision (job_id, matched_rule_id, selected_runner_id,
			candidate_count, reason, timestamp)
		VALUES (:job_id, :matched_rule_id, :selected_runner_id,
			:candidate_count, :reason, :timestamp)`, d)
	if err != nil {
		return mapErr(err, "append decision", "decision", d.JobID)
	}
	if id, err := res.LastInsertId(); err == nil {
		d.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, jobID string, limit int) ([]*types.RoutingDecision, error) {
	query := "SELECT * FROM routing_decision"
	var args []any
	if jobID != "" {
		query += " WHERE job_id = ?"
		args = append(args, jobID)
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	decisions := []*types.RoutingDecision{}
	if err := s.db.SelectContext(ctx, &decisions, query, args...); err != nil {
		return nil, mapErr(err, "list decisions", "decision", jobID)
	}
	return decisions, nil
}

// Container operations

func (s *SQLiteStore) CreateContainer(ctx context.Context, rec *types.ContainerRecord) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO container (id, job_id, runner_id, repository, image, state,
			labels, resources, network_id, created_at, started_at, finished_at, exit_code,
			last_sample, last_sampled_at, error)
		VALUES (:id, :job_id, :runner_id, :repository, :image, :state,
			:labels, :resources, :network_id, :created_at, :started_at, :finished_at, :exit_code,
			:last_sample, :last_sampled_at, :error)`, rec)
	return mapErr(err, "create container", "container", rec.ID)
}

func (s *SQLiteStore) GetContainer(ctx context.Context, id string) (*types.ContainerRecord, error) {
	var rec types.ContainerRecord
	err := s.db.GetContext(ctx, &rec, "SELECT * FROM container WHERE id = ?", id)
	if err != nil {
		return nil, mapErr(err, "get container", "container", id)
	}
	return &rec, nil
}

func (s *SQLiteStore) UpdateContainer(ctx context.Context, rec *types.ContainerRecord) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE container SET job_id = :job_id, runner_id = :runner_id, state = :state,
			labels = :labels, network_id = :network_id, started_at = :started_at,
			finished_at = :finished_at, exit_code = :exit_code, last_sample = :last_sample,
			last_sampled_at = :last_sampled_at, error = :error
		WHERE id = :id`, rec)
	if err != nil {
		return mapErr(err, "update container", "container", rec.ID)
	}
	return s.mustAffect(res, "container", rec.ID)
}

func (s *SQLiteStore) DeleteContainer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM container WHERE id = ?", id)
	if err != nil {
		return mapErr(err, "delete container", "container", id)
	}
	return s.mustAffect(res, "container", id)
}

func (s *SQLiteStore) ListContainers(ctx context.Context, f ContainerFilter) ([]*types.ContainerRecord, error) {
	query := "SELECT * FROM container"
	var conds []string
	var args []any
	if f.Repository != "" {
		conds = append(conds, "repository = ?")
		args = append(args, f.Repository)
	}
	if f.JobID != "" {
		conds = append(conds, "job_id = ?")
		args = append(args, f.JobID)
	}
	if len(f.States) > 0 {
		conds = append(conds, "state IN (?)")
		args = append(args, f.States)
	}
	if f.SampledBefore != nil {
		conds = append(conds, "(last_sampled_at IS NULL OR last_sampled_at < ?)")
		args = append(args, *f.SampledBefore)
	}
	if f.CreatedBefore != nil {
		conds = append(conds, "created_at < ?")
		args = append(args, *f.CreatedBefore)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	query, expanded, err := sqlx.In(query, args...)
	if err != nil {
		return nil, types.Unavailablef("list containers failed: %v", err)
	}
	recs := []*types.ContainerRecord{}
	if err := s.db.SelectContext(ctx, &recs, query, expanded...); err != nil {
		return nil, mapErr(err, "list containers", "container", "")
	}
	return recs, nil
}

// Network operations

func (s *SQLiteStore) CreateNetwork(ctx context.Context, network *types.Network) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO network (id, name, repository, subnet, gateway, internal,
			created_at, last_used, removed_at)
		VALUES (:id, :name, :repository, :subnet, :gateway, :internal,
			:created_at, :last_used, :removed_at)`, network)
	return mapErr(err, "create network", "network", network.Repository)
}

func (s *SQLiteStore) GetNetworkByRepository(ctx context.Context, repository string) (*types.Network, error) {
	var network types.Network
	err := s.db.GetContext(ctx, &network,
		"SELECT * FROM network WHERE repository = ? AND removed_at IS NULL", repository)
	if err != nil {
		return nil, mapErr(err, "get network", "network", repository)
	}
	return &network, nil
}

func (s *SQLiteStore) ListNetworks(ctx context.Context, activeOnly bool) ([]*types.Network, error) {
	query := "SELECT * FROM network"
	if activeOnly {
		query += " WHERE removed_at IS NULL"
	}
	query += " ORDER BY created_at ASC"
	networks := []*types.Network{}
	if err := s.db.SelectContext(ctx, &networks, query); err != nil {
		return nil, mapErr(err, "list networks", "network", "")
	}
	return networks, nil
}

func (s *SQLiteStore) TouchNetwork(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE network SET last_used = ? WHERE id = ? AND removed_at IS NULL", at, id)
	if err != nil {
		return mapErr(err, "touch network", "network", id)
	}
	return s.mustAffect(res, "network", id)
}

func (s *SQLiteStore) MarkNetworkRemoved(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE network SET removed_at = ? WHERE id = ? AND removed_at IS NULL", at, id)
	if err != nil {
		return mapErr(err, "remove network", "network", id)
	}
	return s.mustAffect(res, "network", id)
}

// Webhook event operations

func (s *SQLiteStore) CreateWebhookEvent(ctx context.Context, ev *types.WebhookEvent) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO webhook_event (delivery_id, event_type, action, repository, payload,
			signature_verified, received_at, processed_at, attempts, last_error)
		VALUES (:delivery_id, :event_type, :action, :repository, :payload,
			:signature_verified, :received_at, :processed_at, :attempts, :last_error)`, ev)
	return mapErr(err, "create webhook event", "webhook delivery", ev.DeliveryID)
}

func (s *SQLiteStore) GetWebhookEvent(ctx context.Context, deliveryID string) (*types.WebhookEvent, error) {
	var ev types.WebhookEvent
	err := s.db.GetContext(ctx, &ev,
		"SELECT * FROM webhook_event WHERE delivery_id = ?", deliveryID)
	if err != nil {
		return nil, mapErr(err, "get webhook event", "webhook delivery", deliveryID)
	}
	return &ev, nil
}

func (s *SQLiteStore) MarkWebhookProcessed(ctx context.Context, deliveryID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE webhook_event SET processed_at = ? WHERE delivery_id = ?", at, deliveryID)
	if err != nil {
		return mapErr(err, "mark webhook processed", "webhook delivery", deliveryID)
	}
	return s.mustAffect(res, "webhook delivery", deliveryID)
}

func (s *SQLiteStore) RecordWebhookFailure(ctx context.Context, deliveryID string, cause string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE webhook_event SET attempts = attempts + 1, last_error = ? WHERE delivery_id = ?",
		cause, deliveryID)
	if err != nil {
		return mapErr(err, "record webhook failure", "webhook delivery", deliveryID)
	}
	return s.mustAffect(res, "webhook delivery", deliveryID)
}

func (s *SQLiteStore) ListWebhookEvents(ctx context.Context, repository string, limit int) ([]*types.WebhookEvent, error) {
	query := "SELECT * FROM webhook_event"
	var args []any
	if repository != "" {
		query += " WHERE repository = ?"
		args = append(args, repository)
	}
	query += " ORDER BY received_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	events := []*types.WebhookEvent{}
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, mapErr(err, "list webhook events", "webhook delivery", repository)
	}
	return events, nil
}

// ListFailedWebhookEvents returns unprocessed deliveries that have at
// least one failed attempt, oldest first so retries preserve order.
func (s *SQLiteStore) ListFailedWebhookEvents(ctx context.Context, limit int) ([]*types.WebhookEvent, error) {
	query := `SELECT * FROM webhook_event
		WHERE processed_at IS NULL AND attempts > 0
		ORDER BY received_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	events := []*types.WebhookEvent{}
	if err := s.db.SelectContext(ctx, &events, query); err != nil {
		return nil, mapErr(err, "list failed webhook events", "webhook delivery", "")
	}
	return events, nil
}

// Scaling history

func (s *SQLiteStore) AppendScalingEvent(ctx context.Context, ev *types.ScalingEvent) error {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO scaling_event (repository, direction, before_count, after_count,
			trigger_kind, timestamp)
		VALUES (:repository, :direction, :before_count, :after_count,
			:trigger_kind, :timestamp)`, ev)
	if err != nil {
		return mapErr(err, "append scaling event", "scaling event", ev.Repository)
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListScalingEvents(ctx context.Context, repository string, limit int) ([]*types.ScalingEvent, error) {
	query := "SELECT * FROM scaling_event"
	var args []any
	if repository != "" {
		query += " WHERE repository = ?"
		args = append(args, repository)
	}
	query += " ORDER BY timestamp DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	events := []*types.ScalingEvent{}
	if err := s.db.SelectContext(ctx, &events, query, args...); err != nil {
		return nil, mapErr(err, "list scaling events", "scaling event", repository)
	}
	return events, nil
}

func (s *SQLiteStore) LastScalingEvent(ctx context.Context, repository string) (*types.ScalingEvent, error) {
	var ev types.ScalingEvent
	err := s.db.GetContext(ctx, &ev,
		"SELECT * FROM scaling_event WHERE repository = ? AND direction != 'NONE' ORDER BY timestamp DESC LIMIT 1",
		repository)
	if err != nil {
		return nil, mapErr(err, "last scaling event", "scaling event", repository)
	}
	return &ev, nil
}

// Cleanup history

func (s *SQLiteStore) AppendCleanupRun(ctx context.Context, run *types.CleanupRun) error {
	res, err := s.db.NamedExecContext(ctx, `
		INSERT INTO cleanup_run (started_at, finished_at, evaluated, stopped, removed,
			archived, failed, details)
		VALUES (:started_at, :finished_at, :evaluated, :stopped, :removed,
			:archived, :failed, :details)`, run)
	if err != nil {
		return mapErr(err, "append cleanup run", "cleanup run", "")
	}
	if id, err := res.LastInsertId(); err == nil {
		run.ID = id
	}
	return nil
}

func (s *SQLiteStore) ListCleanupRuns(ctx context.Context, limit int) ([]*types.CleanupRun, error) {
	query := "SELECT * FROM cleanup_run ORDER BY started_at DESC"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	runs := []*types.CleanupRun{}
	if err := s.db.SelectContext(ctx, &runs, query); err != nil {
		return nil, mapErr(err, "list cleanup runs", "cleanup run", "")
	}
	return runs, nil
}
