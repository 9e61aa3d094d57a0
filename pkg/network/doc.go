/*
Package network provides per-repository network isolation for CI runners.

Every repository gets exactly one internal bridge network with its own /24
subnet carved out of a configured /16. Runner containers are detached from
the engine's default bridge and attached to their repository's network, so
workloads from different repositories can never reach each other, and no
workload has a route out of the host.

# Architecture

The Isolator is the only component that creates or removes these networks.
A TTL cache sits over the store of record; the store has the final word.

	┌──────────────────── NETWORK ISOLATION ────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐           │
	│  │              Isolator                       │           │
	│  │  - repo → network cache (10 min TTL)        │           │
	│  │  - Serialized subnet allocation             │           │
	│  │  - Store record per network                 │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │         Subnet Allocation                   │           │
	│  │                                             │           │
	│  │  10.100.0.0/16                              │           │
	│  │   ├── 10.100.1.0/24 runnerhub-acme-widgets  │           │
	│  │   ├── 10.100.2.0/24 runnerhub-acme-gadgets  │           │
	│  │   └── ...254 slots, first free wins         │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │         Bridge Networks                     │           │
	│  │  - driver bridge, internal=true             │           │
	│  │  - inter-container traffic off              │           │
	│  │  - masquerade off, no external routing      │           │
	│  │  - gateway 10.100.X.1                       │           │
	│  └──────────────────┬─────────────────────────┘           │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐           │
	│  │             Reaper                          │           │
	│  │  - every 5 min                              │           │
	│  │  - idle past TTL and zero containers        │           │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────────┘

# Operations

GetOrCreate:
  1. Answer from the cache when fresh
  2. Fall back to the store's active network for the repository
  3. Otherwise scan third octets 1..254 for a free /24
  4. Create the bridge network on the engine, then the store record
  5. Roll the engine network back if the record cannot be written

Attach:
  1. Resolve or create the repository's network
  2. Disconnect the container from the default bridge first
  3. Connect to the repository network, tolerate already-connected
  4. Record the network on the container and touch last_used

Detach:
  1. Resolve the repository's network; none means done
  2. Inspect first, so already-detached is a no-op
  3. Disconnect and clear the container's network reference

Reap:
  1. Skip networks used within the idle TTL
  2. Skip networks that still have containers attached
  3. Remove from the engine, mark removed in the store, drop the cache

# Usage

	isolator := network.NewIsolator(engineClient, store, bus, cfg.Network)

	netw, err := isolator.GetOrCreate(ctx, "acme/widgets")
	if err != nil {
		log.Fatal(err)
	}

	if err := isolator.Attach(ctx, containerID, "acme/widgets"); err != nil {
		log.Fatal(err)
	}

	ok, err := isolator.Verify(ctx, containerID)

	go isolator.RunReaper(ctx)

# Invariants

  - At most one active network per repository; the store enforces it
  - Active subnets never overlap; allocation is serialized in-process
  - Attach then detach leaves the container where it started, minus the
    default bridge
  - Allocation past 254 active repositories fails with an Unavailable
    fault rather than wrapping around

# Naming

Network names are <prefix>-<normalized repo>: lowercased, with every run
of characters outside [a-z0-9-] collapsed into a single dash. The prefix
defaults to "runnerhub", so acme/Widget_Kit becomes
runnerhub-acme-widget-kit.
*/
package network
