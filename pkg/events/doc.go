/*
Package events provides the in-process monitoring bus.

Subsystems publish lifecycle events (jobs, runners, containers,
scaling, networks) to topics; subscribers receive them over bounded
per-subscriber buffers. The bus also caches the latest state snapshot
for the health endpoint and the dashboard API.

# Architecture

	┌───────────────────── MONITORING BUS ─────────────────────┐
	│                                                          │
	│  publishers                  subscribers                 │
	│  (orchestrator, ──▶ eventCh ──▶ per-sub ring ──▶ reader  │
	│   scaler, ...)      (256)       (drop-oldest,            │
	│                                  drop counter)           │
	│                                                          │
	│  snapshot loop ──▶ StoreSnapshot ──▶ cache + "snapshot"  │
	└──────────────────────────────────────────────────────────┘

# Topics

	job.*        job.created, job.assigned, job.started,
	             job.completed, job.failed, job.cancelled
	runner.*     runner.created, runner.idle, runner.busy,
	             runner.offline, runner.removed
	container.*  container.created, container.started,
	             container.stopped, container.removed,
	             container.error
	scaling.*    scaling.up, scaling.down
	network.*    network.created, network.removed
	snapshot     periodic state aggregate

Subscribers filter by exact topic or family pattern ("job.*"). A full
subscriber buffer drops the oldest event and increments the
subscription's drop counter; publishers never block on slow readers.

# Usage

	bus := events.NewBus()
	bus.Start()
	defer bus.Stop()

	sub := bus.Subscribe(64, "job.*", events.TopicSnapshot)
	defer bus.Unsubscribe(sub)

	go func() {
		for ev := range sub.Events() {
			fmt.Println(ev.Topic, ev.Repository, ev.Message)
		}
	}()

	bus.Publish(&events.Event{
		Topic:      events.TopicJobCreated,
		Repository: "acme/widgets",
		Fields:     map[string]string{"job_id": job.ID},
	})
*/
package events
