package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerhub/runnerhub/pkg/types"
)

func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	q, err := Open(filepath.Join(t.TempDir(), "queue.db"), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })
	return q
}

// TestEnqueueReserveAck tests the basic happy path.
func TestEnqueueReserveAck(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, types.PriorityNormal, []byte("job-1"), Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msg, err := q.Reserve(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, []byte("job-1"), msg.Payload)
	assert.Equal(t, 1, msg.Attempts)
	assert.Equal(t, "worker-1", msg.WorkerID)

	require.NoError(t, q.Ack(ctx, msg.ID))

	empty, err := q.Reserve(ctx, "worker-1", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, empty, "acked message must not come back")

	err = q.Ack(ctx, msg.ID)
	assert.True(t, types.IsKind(err, types.KindNotFound), "double ack should report not found")
}

// TestPriorityOrder tests that bands drain in strict priority order.
func TestPriorityOrder(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	enqueued := map[string]types.Priority{}
	for _, band := range []types.Priority{types.PriorityLow, types.PriorityNormal, types.PriorityHigh, types.PriorityCritical} {
		id, err := q.Enqueue(ctx, band, []byte(band), Options{})
		require.NoError(t, err)
		enqueued[id] = band
	}

	want := []types.Priority{types.PriorityCritical, types.PriorityHigh, types.PriorityNormal, types.PriorityLow}
	for _, expected := range want {
		msg, err := q.Reserve(ctx, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, expected, msg.Band)
		assert.Equal(t, expected, enqueued[msg.ID])
		require.NoError(t, q.Ack(ctx, msg.ID))
	}
}

// TestFIFOWithinBand tests enqueue-order delivery inside one band.
func TestFIFOWithinBand(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, types.PriorityNormal, []byte(fmt.Sprintf("msg-%d", i)), Options{})
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		msg, err := q.Reserve(ctx, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, fmt.Sprintf("msg-%d", i), string(msg.Payload))
		require.NoError(t, q.Ack(ctx, msg.ID))
	}
}

// TestDedupKey tests that a pending dedup key suppresses re-enqueue
// until the message is acked.
func TestDedupKey(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	first, err := q.Enqueue(ctx, types.PriorityNormal, []byte("a"), Options{DedupKey: "k1"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, types.PriorityNormal, []byte("b"), Options{DedupKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, first, second, "pending dedup key returns the original id")

	msg, err := q.Reserve(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)

	// Still pending while reserved.
	third, err := q.Enqueue(ctx, types.PriorityNormal, []byte("c"), Options{DedupKey: "k1"})
	require.NoError(t, err)
	assert.Equal(t, first, third)

	require.NoError(t, q.Ack(ctx, msg.ID))

	fourth, err := q.Enqueue(ctx, types.PriorityNormal, []byte("d"), Options{DedupKey: "k1"})
	require.NoError(t, err)
	assert.NotEqual(t, first, fourth, "ack releases the dedup key")
}

// TestDelayedEnqueue tests that a delayed message stays invisible
// until its time arrives.
func TestDelayedEnqueue(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, types.PriorityNormal, []byte("later"), Options{Delay: 150 * time.Millisecond})
	require.NoError(t, err)

	early, err := q.Reserve(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, early, "delayed message must not be reservable yet")

	time.Sleep(200 * time.Millisecond)

	msg, err := q.Reserve(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, []byte("later"), msg.Payload)
}

// TestNackBackoffToDeadLetter tests that nacks retry with backoff and
// exhaust into the dead-letter bucket.
func TestNackBackoffToDeadLetter(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 2})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, types.PriorityHigh, []byte("flaky"), Options{})
	require.NoError(t, err)

	msg, err := q.Reserve(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, q.Nack(ctx, msg.ID, 10*time.Millisecond, "transient failure"))

	time.Sleep(50 * time.Millisecond)

	msg, err = q.Reserve(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg, "nacked message comes back after backoff")
	assert.Equal(t, 2, msg.Attempts)

	require.NoError(t, q.Nack(ctx, msg.ID, 10*time.Millisecond, "still failing"))

	time.Sleep(100 * time.Millisecond)
	gone, err := q.Reserve(ctx, "w", time.Minute)
	require.NoError(t, err)
	assert.Nil(t, gone, "exhausted message must not be redelivered")

	dead, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, "still failing", dead[0].LastError)
}

// TestVisibilityTimeoutRedelivery tests that an expired reservation
// returns the message at its original position.
func TestVisibilityTimeoutRedelivery(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	id, err := q.Enqueue(ctx, types.PriorityNormal, []byte("first"), Options{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, types.PriorityNormal, []byte("second"), Options{})
	require.NoError(t, err)

	msg, err := q.Reserve(ctx, "w1", 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, id, msg.ID)

	time.Sleep(100 * time.Millisecond)

	again, err := q.Reserve(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, id, again.ID, "redelivered message keeps its FIFO slot")
	assert.Equal(t, 2, again.Attempts)
	assert.Equal(t, "w2", again.WorkerID)
}

// TestDeadLetterDirect tests the explicit dead-letter path.
func TestDeadLetterDirect(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, types.PriorityNormal, []byte("poison"), Options{DedupKey: "poison"})
	require.NoError(t, err)

	msg, err := q.Reserve(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.NoError(t, q.DeadLetter(ctx, msg.ID, "unparseable payload"))

	dead, err := q.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "unparseable payload", dead[0].LastError)

	// Dead-lettering releases the dedup key.
	fresh, err := q.Enqueue(ctx, types.PriorityNormal, []byte("retry"), Options{DedupKey: "poison"})
	require.NoError(t, err)
	assert.NotEqual(t, msg.ID, fresh)
}

// TestStarvationWatchdog tests that a low band repeatedly passed over
// eventually wins a draw.
func TestStarvationWatchdog(t *testing.T) {
	q := newTestQueue(t, Config{StarvationLimit: 2})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, types.PriorityCritical, []byte(fmt.Sprintf("crit-%d", i)), Options{})
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, types.PriorityLow, []byte("starved"), Options{})
	require.NoError(t, err)

	var bands []types.Priority
	for i := 0; i < 3; i++ {
		msg, err := q.Reserve(ctx, "w", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, msg)
		bands = append(bands, msg.Band)
		require.NoError(t, q.Ack(ctx, msg.ID))
	}

	assert.Equal(t, []types.Priority{types.PriorityCritical, types.PriorityCritical, types.PriorityLow}, bands,
		"low band must be served after hitting the starvation limit")
}

// TestStatsAndDepths tests the bucket census.
func TestStatsAndDepths(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, types.PriorityCritical, []byte("a"), Options{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, types.PriorityNormal, []byte("b"), Options{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, types.PriorityNormal, []byte("c"), Options{Delay: time.Hour})
	require.NoError(t, err)

	msg, err := q.Reserve(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)

	stats, err := q.CollectStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Ready[types.PriorityCritical], "reserved message left its band")
	assert.Equal(t, 1, stats.Ready[types.PriorityNormal])
	assert.Equal(t, 1, stats.Delayed)
	assert.Equal(t, 1, stats.InFlight)
	assert.Equal(t, 1, stats.Depth())
}

// TestSchedules tests schedule validation, persistence, and removal.
func TestSchedules(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	err := q.AddSchedule(ctx, Schedule{Name: "bad", Expr: "not a cron"})
	assert.True(t, types.IsKind(err, types.KindValidation))

	err = q.AddSchedule(ctx, Schedule{Name: "", Expr: "* * * * *"})
	assert.True(t, types.IsKind(err, types.KindValidation))

	require.NoError(t, q.AddSchedule(ctx, Schedule{
		Name:    "nightly-cleanup",
		Expr:    "0 3 * * *",
		Band:    types.PriorityLow,
		Payload: []byte(`{"kind":"cleanup"}`),
	}))

	schedules, err := q.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 1)
	assert.Equal(t, "nightly-cleanup", schedules[0].Name)
	assert.Equal(t, types.PriorityLow, schedules[0].Band)

	require.NoError(t, q.RemoveSchedule(ctx, "nightly-cleanup"))
	err = q.RemoveSchedule(ctx, "nightly-cleanup")
	assert.True(t, types.IsKind(err, types.KindNotFound))
}

// TestUnknownBandNormalizes tests that junk priorities land in NORMAL.
func TestUnknownBandNormalizes(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, types.Priority("URGENT"), []byte("x"), Options{})
	require.NoError(t, err)

	msg, err := q.Reserve(ctx, "w", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, types.PriorityNormal, msg.Band)
}
