/*
Package storage provides the SQLite-backed system of record for RunnerHub.

The storage package implements the Store interface on a single SQLite
file accessed through sqlx, holding jobs, runners, pools, routing rules
and decisions, container records, isolation networks, webhook
deliveries, and the scaling and cleanup history. Schema management is
handled by embedded goose migrations applied at open time.

# Architecture

	┌──────────────────── SQLITE STORAGE ──────────────────────┐
	│                                                           │
	│  ┌────────────────────────────────────────────┐           │
	│  │            SQLiteStore                     │           │
	│  │  - File: <dataDir>/runnerhub.db            │           │
	│  │  - Journal: WAL (readers never block)      │           │
	│  │  - Busy timeout: 5 s                       │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │              Table Structure               │           │
	│  │  ┌───────────────────────────────┐         │           │
	│  │  │ job              (job ID)     │         │           │
	│  │  │ runner           (runner ID)  │         │           │
	│  │  │ runner_pool      (repository) │         │           │
	│  │  │ routing_rule     (rule ID)    │         │           │
	│  │  │ routing_decision (append-only)│         │           │
	│  │  │ container        (ctr ID)     │         │           │
	│  │  │ network          (network ID) │         │           │
	│  │  │ webhook_event    (delivery ID)│         │           │
	│  │  │ scaling_event    (append-only)│         │           │
	│  │  │ cleanup_run      (append-only)│         │           │
	│  │  └───────────────────────────────┘         │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                     │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │          Goose Migrations                  │           │
	│  │  - Embedded in the binary (embed.FS)       │           │
	│  │  - Applied automatically on Open()         │           │
	│  │  - Rollback via runnerhub-migrate down     │           │
	│  └────────────────────────────────────────────┘           │
	└───────────────────────────────────────────────────────────┘

# Core Components

SQLiteStore:
  - Implements Store on sqlx over mattn/go-sqlite3
  - One transaction per public operation (implicit per statement)
  - Structured fields (labels, policy, rule conditions, samples)
    stored as JSON text through driver.Valuer / sql.Scanner

Error Mapping:
  - Uniqueness violations → Conflict
  - Missing rows → NotFound
  - SQLITE_BUSY / SQLITE_LOCKED and driver failures → Unavailable

Required Indexes:
  - job(status, created_at), job(repository, status)
  - runner(repository, status)
  - container(state, last_sampled_at)
  - webhook_event(repository, received_at)
  - routing_decision(timestamp)
  - scaling_event(repository, timestamp)

# Usage

Opening the store:

	store, err := storage.Open("/var/lib/runnerhub/runnerhub.db")
	if err != nil {
		return err
	}
	defer store.Close()

Creating and fetching a job:

	err = store.CreateJob(ctx, job)
	got, err := store.GetJob(ctx, job.ID)

Filtered listing:

	queued, err := store.ListJobs(ctx, storage.JobFilter{
		Repository: "acme/widgets",
		Statuses:   []types.JobStatus{types.JobStatusQueued},
	})

All mutations flow through the orchestrator; other subsystems treat
the store as read-only.
*/
package storage
