/*
Package queue provides the durable priority queue that feeds the
dispatcher workers.

The queue stores messages in a single bbolt file across four priority
bands (CRITICAL > HIGH > NORMAL > LOW), each drained FIFO on enqueue
time. Delivery is at-least-once: a reservation hides a message for a
visibility window, and an ack, nack, or timeout decides what happens
next. Recurring work is expressed as persisted cron schedules.

# Architecture

	┌────────────────────── BBOLT QUEUE ───────────────────────┐
	│                                                          │
	│  ready_critical ─┐                                       │
	│  ready_high     ─┤   strict priority draw                │
	│  ready_normal   ─┼──────────────┐                        │
	│  ready_low      ─┘              │  starvation watchdog   │
	│        ▲                        ▼                        │
	│        │ promote due      ┌──────────┐   ack             │
	│  ┌───────────┐           │ inflight │────────▶ deleted   │
	│  │  delayed  │◀──────────└──────────┘                    │
	│  └───────────┘   nack (exp backoff)   │ attempts spent   │
	│        ▲                              ▼                  │
	│        │ cron fire              ┌──────────┐             │
	│  ┌───────────┐                  │   dlq    │             │
	│  │ schedules │                  └──────────┘             │
	│  └───────────┘                                           │
	└──────────────────────────────────────────────────────────┘

# Delivery Semantics

  - Reserve pops the head of the highest non-empty band and hides it
    for the visibility window.
  - Ack deletes; Nack reinserts after base * 2^(attempts-1), capped at
    five minutes; the visibility timeout reinserts at the original
    FIFO position.
  - After MaxAttempts deliveries a message moves to the dead-letter
    bucket with its last error.
  - A band passed over StarvationLimit times in a row wins the next
    draw, so LOW drains even under sustained CRITICAL load.

# Usage

	q, err := queue.Open("/var/lib/runnerhub/queue.db", queue.Config{
		MaxAttempts:     5,
		StarvationLimit: 10,
	})
	if err != nil {
		return err
	}
	defer q.Close()
	q.Start(ctx)

	id, err := q.Enqueue(ctx, types.PriorityHigh, payload, queue.Options{})
	msg, err := q.Reserve(ctx, "worker-1", time.Minute)
	if msg != nil {
		// process, then:
		err = q.Ack(ctx, msg.ID)
	}
*/
package queue
