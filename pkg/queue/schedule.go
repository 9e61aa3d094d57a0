package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	bolt "go.etcd.io/bbolt"

	"github.com/runnerhub/runnerhub/pkg/types"
)

// Schedule enqueues a fixed payload on a cron cadence. Schedules are
// persisted and re-registered on restart. The fire-time dedup key
// keeps a restart inside one cron minute from double-enqueueing.
type Schedule struct {
	Name      string         `json:"name"`
	Expr      string         `json:"expr"`
	Band      types.Priority `json:"band"`
	Payload   []byte         `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// AddSchedule validates, persists, and activates a schedule. An
// existing schedule with the same name is replaced.
func (q *Queue) AddSchedule(ctx context.Context, s Schedule) error {
	if err := ctx.Err(); err != nil {
		return types.Transientf("add schedule aborted: %v", err)
	}
	if s.Name == "" {
		return types.Validationf("schedule name is required")
	}
	if _, err := cron.ParseStandard(s.Expr); err != nil {
		return types.Validationf("invalid cron expression %q: %v", s.Expr, err)
	}
	if !lo.Contains(types.Priorities, s.Band) {
		s.Band = types.PriorityNormal
	}
	s.CreatedAt = time.Now().UTC()

	data, err := json.Marshal(&s)
	if err != nil {
		return types.Validationf("schedule %q does not serialize: %v", s.Name, err)
	}
	err = q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).Put([]byte(s.Name), data)
	})
	if err != nil {
		return types.Unavailablef("failed to persist schedule %q: %v", s.Name, err)
	}
	return q.registerSchedule(s)
}

// RemoveSchedule deletes and deactivates a schedule.
func (q *Queue) RemoveSchedule(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return types.Transientf("remove schedule aborted: %v", err)
	}
	found := false
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSchedules)
		if b.Get([]byte(name)) == nil {
			return nil
		}
		found = true
		return b.Delete([]byte(name))
	})
	if err != nil {
		return types.Unavailablef("failed to remove schedule %q: %v", name, err)
	}
	if !found {
		return types.NotFoundf("schedule %q not found", name)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if id, ok := q.entries[name]; ok {
		q.cron.Remove(id)
		delete(q.entries, name)
	}
	return nil
}

// ListSchedules returns all persisted schedules.
func (q *Queue) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.Transientf("list schedules aborted: %v", err)
	}
	var out []*Schedule
	err := q.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var s Schedule
			if err := json.Unmarshal(v, &s); err != nil {
				return err
			}
			out = append(out, &s)
			return nil
		})
	})
	if err != nil {
		return nil, types.Unavailablef("failed to list schedules: %v", err)
	}
	return out, nil
}

func (q *Queue) registerSchedule(s Schedule) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if old, ok := q.entries[s.Name]; ok {
		q.cron.Remove(old)
	}

	name, band, payload := s.Name, s.Band, s.Payload
	id, err := q.cron.AddFunc(s.Expr, func() {
		fireKey := fmt.Sprintf("schedule:%s:%s", name, time.Now().UTC().Format("2006-01-02T15:04"))
		if _, err := q.Enqueue(context.Background(), band, payload, Options{DedupKey: fireKey}); err != nil {
			q.logger.Error().Err(err).Str("schedule", name).Msg("scheduled enqueue failed")
		}
	})
	if err != nil {
		return types.Validationf("failed to register schedule %q: %v", s.Name, err)
	}
	q.entries[s.Name] = id
	return nil
}
