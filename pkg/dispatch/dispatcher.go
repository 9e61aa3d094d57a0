package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/runnerhub/runnerhub/pkg/config"
	"github.com/runnerhub/runnerhub/pkg/events"
	"github.com/runnerhub/runnerhub/pkg/locks"
	"github.com/runnerhub/runnerhub/pkg/log"
	"github.com/runnerhub/runnerhub/pkg/metrics"
	"github.com/runnerhub/runnerhub/pkg/pool"
	"github.com/runnerhub/runnerhub/pkg/queue"
	"github.com/runnerhub/runnerhub/pkg/router"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

const (
	// visibility must cover routing plus a runner request; an expired
	// reservation redelivers, and processing is idempotent.
	visibility = 2 * time.Minute

	// pollInterval paces workers when the queue is empty.
	pollInterval = 250 * time.Millisecond
)

// Dispatcher drains the queue: it turns queued tasks into assigned
// jobs and applies in-progress/completed transitions. Delivery is
// at-least-once; every handler tolerates seeing the same task twice.
type Dispatcher struct {
	queue  *queue.Queue
	store  storage.Store
	router *router.Router
	pools  *pool.Manager
	bus    *events.Bus
	cfg    config.Dispatch
	locks  *locks.KeyedMutex
	logger zerolog.Logger
}

// New creates a dispatcher.
func New(q *queue.Queue, store storage.Store, rt *router.Router, pools *pool.Manager, bus *events.Bus, cfg config.Dispatch) *Dispatcher {
	return &Dispatcher{
		queue:  q,
		store:  store,
		router: rt,
		pools:  pools,
		bus:    bus,
		cfg:    cfg,
		locks:  locks.New(),
		logger: log.WithComponent("dispatch"),
	}
}

// Run drives the worker pool until ctx ends. Workers finish their
// current reservation before exiting.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("dispatch-%d", i)
		g.Go(func() error {
			return d.worker(ctx, workerID)
		})
	}
	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (d *Dispatcher) worker(ctx context.Context, workerID string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, err := d.queue.Reserve(ctx, workerID, visibility)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			d.logger.Error().Err(err).Str("worker", workerID).Msg("Reserve failed")
			if !sleep(ctx, pollInterval) {
				return nil
			}
			continue
		}
		if msg == nil {
			if !sleep(ctx, pollInterval) {
				return nil
			}
			continue
		}
		metrics.QueueReservations.Inc()
		d.process(ctx, msg)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// process settles one reservation: every path ends in an ack, a nack,
// or a dead-letter.
func (d *Dispatcher) process(ctx context.Context, msg *queue.Message) {
	task, err := DecodeTask(msg.Payload)
	if err != nil {
		d.deadLetter(ctx, msg, err)
		return
	}

	switch task.Action {
	case ActionQueued:
		err = d.handleQueued(ctx, msg, task)
	case ActionInProgress:
		err = d.handleInProgress(ctx, task)
	case ActionCompleted:
		err = d.handleCompleted(ctx, task)
	default:
		err = types.Unrecoverablef("unknown action %q", task.Action)
	}

	switch {
	case err == nil:
		d.ack(ctx, msg)
	case errPending(err):
		d.retryOrFail(ctx, msg, task, err)
	case types.Retryable(err):
		d.nack(ctx, msg, err)
	default:
		d.failJob(ctx, task, err)
		d.deadLetter(ctx, msg, err)
	}
}

// errPendingRunner marks the no-capacity case: not a failure, the job
// just has to wait for a runner.
type errPendingRunner struct{}

func (errPendingRunner) Error() string { return "no runner available yet" }

func errPending(err error) bool {
	_, ok := err.(errPendingRunner)
	return ok
}

// handleQueued routes the job and tries to place it.
func (d *Dispatcher) handleQueued(ctx context.Context, msg *queue.Message, task *Task) error {
	job, err := d.loadOrCreateJob(ctx, task)
	if err != nil {
		return err
	}

	d.locks.Lock("job/" + job.ID)
	defer d.locks.Unlock("job/" + job.ID)

	// Re-read under the lock; a cancellation or a competing worker may
	// have advanced the job.
	job, err = d.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if job.Status != types.JobStatusQueued {
		// Cancelled, already assigned, or already finished.
		return nil
	}

	decision, err := d.router.Route(ctx, job)
	if err != nil {
		return err
	}

	runner, pending, err := d.pools.RequestRunner(ctx, job, decision)
	if err != nil {
		return err
	}
	if pending {
		return errPendingRunner{}
	}

	job.Status = types.JobStatusAssigned
	if err := d.store.UpdateJob(ctx, job); err != nil {
		return err
	}

	metrics.JobsDispatched.Inc()
	metrics.DispatchLatency.Observe(time.Since(job.CreatedAt).Seconds())
	d.publish(events.TopicJobAssigned, job, "assigned to "+runner.Name)
	d.logger.Info().
		Str("job_id", job.ID).
		Str("repository", job.Repository).
		Str("runner", runner.Name).
		Msg("Job assigned")
	return nil
}

// loadOrCreateJob upserts the Job row for a queued delivery.
func (d *Dispatcher) loadOrCreateJob(ctx context.Context, task *Task) (*types.Job, error) {
	job, err := d.store.GetJobByUpstreamID(ctx, task.UpstreamJobID)
	if err == nil {
		return job, nil
	}
	if !types.IsKind(err, types.KindNotFound) {
		return nil, err
	}

	job = task.job()
	if err := d.store.CreateJob(ctx, job); err != nil {
		// Competing worker created it first.
		if types.IsKind(err, types.KindConflict) {
			return d.store.GetJobByUpstreamID(ctx, task.UpstreamJobID)
		}
		return nil, err
	}
	d.publish(events.TopicJobCreated, job, "job queued")
	return job, nil
}

// handleInProgress applies the authoritative started signal from the
// platform.
func (d *Dispatcher) handleInProgress(ctx context.Context, task *Task) error {
	job, err := d.store.GetJobByUpstreamID(ctx, task.UpstreamJobID)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			// in_progress for a job this hub never queued; nothing to track.
			return nil
		}
		return err
	}

	d.locks.Lock("job/" + job.ID)
	defer d.locks.Unlock("job/" + job.ID)

	job, err = d.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if job.Status == types.JobStatusRunning || job.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	job.Status = types.JobStatusRunning
	job.StartedAt = &now
	if err := d.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	d.publish(events.TopicJobStarted, job, "job running on "+task.RunnerName)
	return nil
}

// handleCompleted settles the job and releases its runner.
func (d *Dispatcher) handleCompleted(ctx context.Context, task *Task) error {
	job, err := d.store.GetJobByUpstreamID(ctx, task.UpstreamJobID)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil
		}
		return err
	}

	d.locks.Lock("job/" + job.ID)
	defer d.locks.Unlock("job/" + job.ID)

	job, err = d.store.GetJob(ctx, job.ID)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}

	now := time.Now().UTC()
	job.CompletedAt = &now
	topic := events.TopicJobCompleted
	if task.Conclusion == "success" {
		job.Status = types.JobStatusCompleted
	} else {
		job.Status = types.JobStatusFailed
		job.Error = "conclusion: " + task.Conclusion
		topic = events.TopicJobFailed
		metrics.JobsFailed.Inc()
	}
	if err := d.store.UpdateJob(ctx, job); err != nil {
		return err
	}
	d.publish(topic, job, "job "+task.Conclusion)

	if job.AssignedRunnerID != nil {
		if err := d.pools.ReleaseRunner(ctx, *job.AssignedRunnerID, job.Status); err != nil {
			d.logger.Error().Err(err).
				Str("job_id", job.ID).
				Str("runner_id", *job.AssignedRunnerID).
				Msg("Could not release runner")
		}
	}
	return nil
}

// retryOrFail redelivers a pending task with backoff until the attempt
// budget runs out, then fails the job into the DLQ.
func (d *Dispatcher) retryOrFail(ctx context.Context, msg *queue.Message, task *Task, cause error) {
	if msg.Attempts < d.cfg.ReserveMaxAttempts {
		d.nack(ctx, msg, cause)
		return
	}
	d.failJob(ctx, task, types.Unrecoverablef("no runner after %d attempts", msg.Attempts))
	d.deadLetter(ctx, msg, cause)
}

// failJob marks the task's job FAILED if it is still open.
func (d *Dispatcher) failJob(ctx context.Context, task *Task, cause error) {
	if task == nil || task.Action != ActionQueued {
		return
	}
	job, err := d.store.GetJobByUpstreamID(ctx, task.UpstreamJobID)
	if err != nil || job.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	job.Status = types.JobStatusFailed
	job.CompletedAt = &now
	job.Error = cause.Error()
	if err := d.store.UpdateJob(ctx, job); err != nil {
		d.logger.Error().Err(err).Str("job_id", job.ID).Msg("Could not mark job failed")
		return
	}
	metrics.JobsFailed.Inc()
	d.publish(events.TopicJobFailed, job, cause.Error())
}

func (d *Dispatcher) ack(ctx context.Context, msg *queue.Message) {
	if err := d.queue.Ack(ctx, msg.ID); err != nil {
		d.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Ack failed")
	}
}

func (d *Dispatcher) nack(ctx context.Context, msg *queue.Message, cause error) {
	if err := d.queue.Nack(ctx, msg.ID, d.cfg.NackBackoff(), cause.Error()); err != nil {
		d.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Nack failed")
	}
}

func (d *Dispatcher) deadLetter(ctx context.Context, msg *queue.Message, cause error) {
	d.logger.Warn().Err(cause).Str("message_id", msg.ID).Msg("Dead-lettering task")
	if err := d.queue.DeadLetter(ctx, msg.ID, cause.Error()); err != nil {
		d.logger.Error().Err(err).Str("message_id", msg.ID).Msg("Dead-letter failed")
	}
}

func (d *Dispatcher) publish(topic events.Topic, job *types.Job, message string) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(&events.Event{
		Topic:      topic,
		Repository: job.Repository,
		Message:    message,
		Fields: map[string]string{
			"job_id":   job.ID,
			"status":   string(job.Status),
			"priority": string(job.Priority),
		},
	})
}
