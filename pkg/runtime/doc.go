/*
Package runtime manages the container lifecycle for RunnerHub's CI runners.

The runtime package wraps the Docker Engine API to provide hardened container
operations for ephemeral and dedicated runners: image pulling, creation with
security defaults and resource limits, a persisted state machine, resource
sampling, log archival, and policy-driven cleanup of leftovers.

# Architecture

RunnerHub uses the Docker Engine as its container runtime, with every
operation recorded in the store before and after it touches the engine:

	┌──────────────────── CONTAINER RUNTIME ─────────────────────┐
	│                                                             │
	│  ┌──────────────────────────────────────────────┐          │
	│  │              Manager                          │          │
	│  │  - Per-container keyed locks                  │          │
	│  │  - State machine enforcement                  │          │
	│  │  - Store record for every container           │          │
	│  │  - Lifecycle events on the bus                │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │           State Machine                       │          │
	│  │  CREATING → CREATED → STARTING → RUNNING      │          │
	│  │    → STOPPING → STOPPED → REMOVING → REMOVED  │          │
	│  │  ERROR reachable from any non-terminal state  │          │
	│  │  ERROR exits only through REMOVING            │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │           DockerRuntime                       │          │
	│  │  - Create: cap drop ALL, no-new-privileges    │          │
	│  │  - Stop: SIGTERM grace, then SIGKILL          │          │
	│  │  - Exec: demuxed stdout/stderr + exit code    │          │
	│  │  - Stats: one-shot cgroup snapshot            │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │        Sampler & Health Loop                  │          │
	│  │  - Resource samples on an interval            │          │
	│  │  - high_cpu/high_mem after 2 breaches         │          │
	│  │  - Unhealthy after missed heartbeats          │          │
	│  └──────────────────┬───────────────────────────┘          │
	│                     │                                       │
	│  ┌──────────────────▼───────────────────────────┐          │
	│  │             Cleaner                           │          │
	│  │  - idle / failed / orphaned / expired         │          │
	│  │  - persistent and no-cleanup labels skip all  │          │
	│  │  - Every run recorded with a detail list      │          │
	│  └────────────────────────────────────────────────┘         │
	└─────────────────────────────────────────────────────────────┘

# Core Components

Manager:
  - High-level lifecycle methods backed by store records
  - Serializes operations per container via keyed locks
  - Publishes container.* events on every transition
  - Archives the final log tail when a container stops

DockerRuntime:
  - Thin adapter over the Docker Engine API client
  - API version negotiation against the local daemon
  - Maps engine errors onto the shared fault taxonomy
  - Labels every container runnerhub.managed=true

Cleaner:
  - Periodic reclamation of containers nobody needs
  - Policies evaluated in configured order, first match wins
  - Individual failures recorded, never abort the batch

# Container Lifecycle

Create:
  1. Validate repository and image
  2. Apply default resource limits when none are given
  3. Stamp ownership labels (repo, job, runner)
  4. Engine create with capabilities dropped and no-new-privileges
  5. Pull the image and retry once when it is missing locally
  6. Insert the store record, roll the engine container back on failure

Start:
  1. Transition to STARTING and persist
  2. Engine start
  3. Transition to RUNNING with the start timestamp, or to ERROR

Stop:
  1. Transition to STOPPING
  2. Engine stop with the grace period (SIGTERM, then SIGKILL)
  3. Record exit code and finish timestamp, transition to STOPPED
  4. Archive the last log lines under <data_dir>/logs/<id>.log

Remove:
  1. Refuse unless STOPPED or ERROR; force stops a RUNNING container first
  2. Detach from the repository network
  3. Engine remove with volumes
  4. Delete the store record last, so a crash mid-removal is re-driven

# Usage

Creating a Manager:

	rt, err := runtime.NewDockerRuntime()
	if err != nil {
		log.Fatal(err)
	}
	defer rt.Close()

	mgr := runtime.NewManager(rt, store, bus, isolator, cfg.Container, cfg.Server.DataDir)

Running a container:

	rec, err := mgr.Create(ctx, runtime.CreateOptions{
		Name:       "runner-acme-widgets-1",
		Repository: "acme/widgets",
		Image:      "ghcr.io/actions/runner:2.321.0",
		RunnerID:   &runnerID,
		Resources:  types.ResourceLimits{CPULimit: 2, MemoryLimitBytes: 4 << 30},
	})
	if err != nil {
		log.Fatal(err)
	}

	if err := mgr.Start(ctx, rec.ID); err != nil {
		log.Fatal(err)
	}

Executing a command inside a runner:

	stdout, stderr, code, err := mgr.Exec(ctx, rec.ID, []string{"./config.sh", "--check"})

Stopping and removing:

	if err := mgr.Stop(ctx, rec.ID, 30*time.Second); err != nil {
		log.Fatal(err)
	}
	if err := mgr.Remove(ctx, rec.ID, false); err != nil {
		log.Fatal(err)
	}

Background loops:

	go mgr.RunSampler(ctx)
	go mgr.RunHealthLoop(ctx)
	go runtime.NewCleaner(mgr, store, cfg.Cleanup).Run(ctx)

# Integration Points

This package integrates with:

  - pkg/types: container records, states, resource limits and samples
  - pkg/storage: persisted records and cleanup history
  - pkg/events: container.* lifecycle and alert topics
  - pkg/network: per-repository network detachment on removal
  - pkg/pool: pools create and recycle runner containers through Manager

# Security Defaults

Every container is created with:
  - All Linux capabilities dropped (CapDrop ALL)
  - no-new-privileges set, so setuid binaries cannot escalate
  - Optional read-only root filesystem
  - CPU, memory, and pids limits from the pool or global defaults

Untrusted CI payloads run inside these containers. The defaults are not
configurable per job; a pool may only tighten them.

# Cleanup Policies

Evaluated on an interval (default 5 minutes), in configured order:

	idle      RUNNING with no job past the idle TTL      stop + remove + archive
	failed    STOPPED with exit != 0 past the min age    remove + archive
	orphaned  job and runner both gone past the min age  remove
	expired   older than the maximum lifetime            stop + remove + archive

Containers labeled persistent=true or no-cleanup=true are exempt from all
policies. Each run appends a history row with counts and per-container
details; a failure on one container is recorded and the run continues.

# Design Patterns

State Machine Enforcement:
  - Transitions validated before any engine call
  - Illegal transitions return a State fault, nothing is mutated
  - The record is authoritative; the engine is re-driven to match

Error Handling:
  - Engine errors mapped onto the shared fault taxonomy
  - Not-found on remove treated as success (idempotent remove)
  - Missing engine logs fall back to the archived file

Resource Sampling:
  - One-shot stats reads, no streaming connections held open
  - CPU percent derived from cgroup deltas across online CPUs
  - Alerts fire on the second consecutive breach, once per episode
*/
package runtime
