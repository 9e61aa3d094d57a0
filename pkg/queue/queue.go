package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	bolt "go.etcd.io/bbolt"

	"github.com/runnerhub/runnerhub/pkg/log"
	"github.com/runnerhub/runnerhub/pkg/types"
)

var (
	// Bucket names
	bucketReadyCritical = []byte("ready_critical")
	bucketReadyHigh     = []byte("ready_high")
	bucketReadyNormal   = []byte("ready_normal")
	bucketReadyLow      = []byte("ready_low")
	bucketDelayed       = []byte("delayed")
	bucketInflight      = []byte("inflight")
	bucketDLQ           = []byte("dlq")
	bucketDedup         = []byte("dedup")
	bucketSchedules     = []byte("schedules")
)

var errUnknownMessage = errors.New("message not reserved")

// maxNackDelay caps the exponential backoff applied on nack.
const maxNackDelay = 5 * time.Minute

// Config tunes queue behavior.
type Config struct {
	// MaxAttempts bounds deliveries per message before it moves to the
	// dead-letter bucket.
	MaxAttempts int

	// StarvationLimit is how many draws a non-empty band may be passed
	// over before it is served regardless of priority.
	StarvationLimit int
}

// Queue is a durable at-least-once priority queue on a single bbolt
// file. Four bands drain in strict priority order; a starvation
// watchdog guarantees every non-empty band a minimum share of draws.
type Queue struct {
	db     *bolt.DB
	logger zerolog.Logger

	maxAttempts     int
	starvationLimit int

	mu      sync.Mutex
	skips   map[types.Priority]int
	cron    *cron.Cron
	entries map[string]cron.EntryID

	wg sync.WaitGroup
}

// Open opens (creating if needed) the queue file and its buckets.
func Open(path string, cfg Config) (*Queue, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.StarvationLimit <= 0 {
		cfg.StarvationLimit = 10
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, types.Unavailablef("failed to open queue at %s: %v", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketReadyCritical,
			bucketReadyHigh,
			bucketReadyNormal,
			bucketReadyLow,
			bucketDelayed,
			bucketInflight,
			bucketDLQ,
			bucketDedup,
			bucketSchedules,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, types.Unavailablef("failed to initialize queue: %v", err)
	}

	return &Queue{
		db:              db,
		logger:          log.WithComponent("queue"),
		maxAttempts:     cfg.MaxAttempts,
		starvationLimit: cfg.StarvationLimit,
		skips:           make(map[types.Priority]int),
		cron:            cron.New(),
		entries:         make(map[string]cron.EntryID),
	}, nil
}

// Start registers persisted schedules with the cron runner and begins
// the background sweep that promotes due messages and redelivers
// expired reservations. It returns immediately; cancel ctx to stop.
func (q *Queue) Start(ctx context.Context) error {
	schedules, err := q.ListSchedules(ctx)
	if err != nil {
		return err
	}
	for _, s := range schedules {
		if err := q.registerSchedule(*s); err != nil {
			q.logger.Error().Err(err).Str("schedule", s.Name).Msg("failed to register schedule")
		}
	}
	q.cron.Start()

	q.wg.Add(1)
	go q.sweepLoop(ctx)
	return nil
}

func (q *Queue) sweepLoop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			<-q.cron.Stop().Done()
			return
		case <-ticker.C:
			err := q.db.Update(func(tx *bolt.Tx) error {
				now := time.Now().UTC()
				if err := q.promoteDue(tx, now); err != nil {
					return err
				}
				return q.redeliverExpired(tx, now)
			})
			if err != nil {
				q.logger.Error().Err(err).Msg("queue sweep failed")
			}
		}
	}
}

// Close waits for the sweeper to exit and closes the file. Cancel the
// Start context first.
func (q *Queue) Close() error {
	q.wg.Wait()
	return q.db.Close()
}

func readyBucket(band types.Priority) []byte {
	switch band {
	case types.PriorityCritical:
		return bucketReadyCritical
	case types.PriorityHigh:
		return bucketReadyHigh
	case types.PriorityLow:
		return bucketReadyLow
	default:
		return bucketReadyNormal
	}
}

// Enqueue adds a message to a band. Unknown bands normalize to NORMAL.
// A pending message with the same dedup key suppresses the enqueue and
// its ID is returned instead.
func (q *Queue) Enqueue(ctx context.Context, band types.Priority, payload []byte, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", types.Transientf("enqueue aborted: %v", err)
	}
	if !lo.Contains(types.Priorities, band) {
		band = types.PriorityNormal
	}

	now := time.Now().UTC()
	msg := Message{
		ID:          uuid.New().String(),
		Band:        band,
		Payload:     payload,
		DedupKey:    opts.DedupKey,
		EnqueuedAt:  now,
		AvailableAt: now.Add(opts.Delay),
	}

	id := msg.ID
	err := q.db.Update(func(tx *bolt.Tx) error {
		if opts.DedupKey != "" {
			if existing := tx.Bucket(bucketDedup).Get([]byte(opts.DedupKey)); existing != nil {
				id = string(existing)
				return nil
			}
		}

		var bucket *bolt.Bucket
		var key []byte
		if opts.Delay > 0 {
			bucket = tx.Bucket(bucketDelayed)
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			key = sortKey(msg.AvailableAt, seq)
		} else {
			bucket = tx.Bucket(readyBucket(band))
			seq, err := bucket.NextSequence()
			if err != nil {
				return err
			}
			key = sortKey(msg.EnqueuedAt, seq)
			msg.SortKey = key
		}

		data, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		if err := bucket.Put(key, data); err != nil {
			return err
		}
		if opts.DedupKey != "" {
			return tx.Bucket(bucketDedup).Put([]byte(opts.DedupKey), []byte(msg.ID))
		}
		return nil
	})
	if err != nil {
		return "", types.Unavailablef("enqueue failed: %v", err)
	}
	return id, nil
}

// Reserve pops the next available message for workerID and hides it
// for the visibility window. It returns (nil, nil) when nothing is
// available.
func (q *Queue) Reserve(ctx context.Context, workerID string, visibility time.Duration) (*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.Transientf("reserve aborted: %v", err)
	}
	if visibility <= 0 {
		visibility = time.Minute
	}

	var out *Message
	err := q.db.Update(func(tx *bolt.Tx) error {
		now := time.Now().UTC()
		if err := q.promoteDue(tx, now); err != nil {
			return err
		}
		if err := q.redeliverExpired(tx, now); err != nil {
			return err
		}

		band, key, data := q.draw(tx)
		if data == nil {
			return nil
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		msg.Attempts++
		msg.WorkerID = workerID
		msg.Deadline = now.Add(visibility)

		encoded, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketInflight).Put([]byte(msg.ID), encoded); err != nil {
			return err
		}
		if err := tx.Bucket(readyBucket(band)).Delete(key); err != nil {
			return err
		}
		out = &msg
		return nil
	})
	if err != nil {
		return nil, types.Unavailablef("reserve failed: %v", err)
	}
	return out, nil
}

// draw picks the band to serve. Strict priority order, except a band
// passed over starvationLimit times in a row wins the next draw.
func (q *Queue) draw(tx *bolt.Tx) (types.Priority, []byte, []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	type head struct {
		band types.Priority
		k, v []byte
	}
	var heads []head
	for _, band := range types.Priorities {
		c := tx.Bucket(readyBucket(band)).Cursor()
		if k, v := c.First(); k != nil {
			heads = append(heads, head{band: band, k: k, v: v})
		}
	}
	if len(heads) == 0 {
		return "", nil, nil
	}

	pick := heads[0]
	for _, h := range heads[1:] {
		if q.skips[h.band] >= q.starvationLimit && q.skips[h.band] > q.skips[pick.band] {
			pick = h
		}
	}
	for _, h := range heads {
		if h.band != pick.band {
			q.skips[h.band]++
		}
	}
	q.skips[pick.band] = 0
	return pick.band, pick.k, pick.v
}

// Ack removes a reserved message for good.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return types.Transientf("ack aborted: %v", err)
	}
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInflight)
		data := b.Get([]byte(id))
		if data == nil {
			return errUnknownMessage
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		if msg.DedupKey != "" {
			if err := tx.Bucket(bucketDedup).Delete([]byte(msg.DedupKey)); err != nil {
				return err
			}
		}
		return b.Delete([]byte(id))
	})
	if errors.Is(err, errUnknownMessage) {
		return types.NotFoundf("message %q is not reserved", id)
	}
	if err != nil {
		return types.Unavailablef("ack failed: %v", err)
	}
	return nil
}

// Nack returns a reserved message to the queue after an exponential
// backoff derived from base and the attempt count. Messages that have
// exhausted their attempts move to the dead-letter bucket instead.
func (q *Queue) Nack(ctx context.Context, id string, base time.Duration, cause string) error {
	if err := ctx.Err(); err != nil {
		return types.Transientf("nack aborted: %v", err)
	}
	if base <= 0 {
		base = time.Second
	}

	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInflight)
		data := b.Get([]byte(id))
		if data == nil {
			return errUnknownMessage
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		msg.WorkerID = ""
		msg.Deadline = time.Time{}
		msg.LastError = cause

		now := time.Now().UTC()
		if msg.Attempts >= q.maxAttempts {
			if err := q.moveToDLQ(tx, &msg, now); err != nil {
				return err
			}
			q.logger.Warn().
				Str("message_id", msg.ID).
				Str("band", string(msg.Band)).
				Int("attempts", msg.Attempts).
				Str("cause", cause).
				Msg("message exhausted attempts, moved to dead-letter")
			return b.Delete([]byte(id))
		}

		msg.AvailableAt = now.Add(nackDelay(base, msg.Attempts))
		delayed := tx.Bucket(bucketDelayed)
		seq, err := delayed.NextSequence()
		if err != nil {
			return err
		}
		encoded, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		if err := delayed.Put(sortKey(msg.AvailableAt, seq), encoded); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
	if errors.Is(err, errUnknownMessage) {
		return types.NotFoundf("message %q is not reserved", id)
	}
	if err != nil {
		return types.Unavailablef("nack failed: %v", err)
	}
	return nil
}

// nackDelay doubles per prior attempt, capped at maxNackDelay.
func nackDelay(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= maxNackDelay {
			return maxNackDelay
		}
	}
	return delay
}

// DeadLetter moves a reserved message straight to the dead-letter
// bucket, bypassing remaining attempts.
func (q *Queue) DeadLetter(ctx context.Context, id string, cause string) error {
	if err := ctx.Err(); err != nil {
		return types.Transientf("dead-letter aborted: %v", err)
	}
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketInflight)
		data := b.Get([]byte(id))
		if data == nil {
			return errUnknownMessage
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		msg.WorkerID = ""
		msg.Deadline = time.Time{}
		msg.LastError = cause
		if err := q.moveToDLQ(tx, &msg, time.Now().UTC()); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
	if errors.Is(err, errUnknownMessage) {
		return types.NotFoundf("message %q is not reserved", id)
	}
	if err != nil {
		return types.Unavailablef("dead-letter failed: %v", err)
	}
	return nil
}

func (q *Queue) moveToDLQ(tx *bolt.Tx, msg *Message, now time.Time) error {
	dlq := tx.Bucket(bucketDLQ)
	seq, err := dlq.NextSequence()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := dlq.Put(sortKey(now, seq), encoded); err != nil {
		return err
	}
	if msg.DedupKey != "" {
		return tx.Bucket(bucketDedup).Delete([]byte(msg.DedupKey))
	}
	return nil
}

// ListDeadLetters returns up to limit dead-lettered messages, oldest
// first.
func (q *Queue) ListDeadLetters(ctx context.Context, limit int) ([]*Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.Transientf("list aborted: %v", err)
	}
	var out []*Message
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDLQ).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var msg Message
			if err := json.Unmarshal(v, &msg); err != nil {
				return err
			}
			out = append(out, &msg)
		}
		return nil
	})
	if err != nil {
		return nil, types.Unavailablef("dead-letter list failed: %v", err)
	}
	return out, nil
}

// promoteDue moves delayed messages whose time has come into their
// band's ready bucket, keyed by original enqueue time so they take
// their FIFO place.
func (q *Queue) promoteDue(tx *bolt.Tx, now time.Time) error {
	delayed := tx.Bucket(bucketDelayed)
	c := delayed.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if !keyDue(k, now) {
			break
		}
		var msg Message
		if err := json.Unmarshal(v, &msg); err != nil {
			return err
		}
		ready := tx.Bucket(readyBucket(msg.Band))
		seq, err := ready.NextSequence()
		if err != nil {
			return err
		}
		msg.SortKey = sortKey(msg.EnqueuedAt, seq)
		encoded, err := json.Marshal(&msg)
		if err != nil {
			return err
		}
		if err := ready.Put(msg.SortKey, encoded); err != nil {
			return err
		}
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// redeliverExpired returns messages whose visibility window lapsed to
// their original ready slot, or dead-letters them once attempts are
// spent.
func (q *Queue) redeliverExpired(tx *bolt.Tx, now time.Time) error {
	inflight := tx.Bucket(bucketInflight)
	c := inflight.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var msg Message
		if err := json.Unmarshal(v, &msg); err != nil {
			return err
		}
		if msg.Deadline.IsZero() || msg.Deadline.After(now) {
			continue
		}

		if msg.Attempts >= q.maxAttempts {
			msg.WorkerID = ""
			msg.Deadline = time.Time{}
			msg.LastError = "visibility timeout with no attempts left"
			if err := q.moveToDLQ(tx, &msg, now); err != nil {
				return err
			}
		} else {
			worker := msg.WorkerID
			msg.WorkerID = ""
			msg.Deadline = time.Time{}
			encoded, err := json.Marshal(&msg)
			if err != nil {
				return err
			}
			if err := tx.Bucket(readyBucket(msg.Band)).Put(msg.SortKey, encoded); err != nil {
				return err
			}
			q.logger.Debug().
				Str("message_id", msg.ID).
				Str("worker_id", worker).
				Int("attempts", msg.Attempts).
				Msg("visibility timeout, message redelivered")
		}
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

// Depths returns the ready count per band.
func (q *Queue) Depths(ctx context.Context) (map[types.Priority]int, error) {
	stats, err := q.CollectStats(ctx)
	if err != nil {
		return nil, err
	}
	return stats.Ready, nil
}

// CollectStats counts every bucket.
func (q *Queue) CollectStats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, types.Transientf("stats aborted: %v", err)
	}
	stats := Stats{Ready: make(map[types.Priority]int, len(types.Priorities))}
	err := q.db.View(func(tx *bolt.Tx) error {
		for _, band := range types.Priorities {
			stats.Ready[band] = tx.Bucket(readyBucket(band)).Stats().KeyN
		}
		stats.Delayed = tx.Bucket(bucketDelayed).Stats().KeyN
		stats.InFlight = tx.Bucket(bucketInflight).Stats().KeyN
		stats.DLQ = tx.Bucket(bucketDLQ).Stats().KeyN
		stats.Schedules = tx.Bucket(bucketSchedules).Stats().KeyN
		return nil
	})
	if err != nil {
		return Stats{}, types.Unavailablef("queue stats failed: %v", err)
	}
	return stats, nil
}
