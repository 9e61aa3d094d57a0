package queue

import (
	"encoding/binary"
	"time"

	"github.com/runnerhub/runnerhub/pkg/types"
)

// Message is one queued work item. Payload is opaque to the queue;
// dispatchers decode it. SortKey pins the message to its FIFO slot so
// a visibility-timeout redelivery returns it to its original position.
type Message struct {
	ID          string         `json:"id"`
	Band        types.Priority `json:"band"`
	Payload     []byte         `json:"payload"`
	DedupKey    string         `json:"dedup_key,omitempty"`
	Attempts    int            `json:"attempts"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
	AvailableAt time.Time      `json:"available_at"`
	SortKey     []byte         `json:"sort_key,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Deadline    time.Time      `json:"deadline,omitempty"`
	LastError   string         `json:"last_error,omitempty"`
}

// Options tunes a single enqueue.
type Options struct {
	// Delay holds the message back; it becomes reservable at
	// enqueue-time + Delay.
	Delay time.Duration

	// DedupKey suppresses the enqueue while another message with the
	// same key is still pending (ready, delayed, or reserved).
	DedupKey string
}

// Stats is a point-in-time census of the queue.
type Stats struct {
	Ready     map[types.Priority]int `json:"ready"`
	Delayed   int                    `json:"delayed"`
	InFlight  int                    `json:"in_flight"`
	DLQ       int                    `json:"dlq"`
	Schedules int                    `json:"schedules"`
}

// Depth sums the ready bands.
func (s Stats) Depth() int {
	total := 0
	for _, n := range s.Ready {
		total += n
	}
	return total
}

// sortKey builds a 16-byte key ordering first by timestamp, then by a
// per-bucket sequence to break ties.
func sortKey(at time.Time, seq uint64) []byte {
	key := make([]byte, 16)
	binary.BigEndian.PutUint64(key[:8], uint64(at.UnixNano()))
	binary.BigEndian.PutUint64(key[8:], seq)
	return key
}

// keyDue reports whether a sort key's timestamp component is at or
// before now.
func keyDue(key []byte, now time.Time) bool {
	if len(key) < 8 {
		return true
	}
	return binary.BigEndian.Uint64(key[:8]) <= uint64(now.UnixNano())
}
