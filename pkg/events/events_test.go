package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerhub/runnerhub/pkg/types"
)

func collect(t *testing.T, sub *Subscription, n int) []*Event {
	t.Helper()
	var out []*Event
	deadline := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev := <-sub.Events():
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d", n, len(out))
		}
	}
	return out
}

// TestPublishSubscribe tests basic fanout with filled-in metadata.
func TestPublishSubscribe(t *testing.T) {
	b := NewBus()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(8)
	defer b.Unsubscribe(sub)

	b.Publish(&Event{Topic: TopicJobCreated, Repository: "acme/widgets"})

	got := collect(t, sub, 1)
	assert.Equal(t, TopicJobCreated, got[0].Topic)
	assert.Equal(t, "acme/widgets", got[0].Repository)
	assert.NotEmpty(t, got[0].ID)
	assert.False(t, got[0].Timestamp.IsZero())
}

// TestTopicFiltering tests exact and family pattern subscriptions.
func TestTopicFiltering(t *testing.T) {
	tests := []struct {
		name     string
		patterns []Topic
		publish  []Topic
		want     []Topic
	}{
		{
			name:     "family pattern",
			patterns: []Topic{"job.*"},
			publish:  []Topic{TopicJobCreated, TopicRunnerIdle, TopicJobFailed},
			want:     []Topic{TopicJobCreated, TopicJobFailed},
		},
		{
			name:     "exact topic",
			patterns: []Topic{TopicScaleUp},
			publish:  []Topic{TopicScaleDown, TopicScaleUp, TopicNetworkCreated},
			want:     []Topic{TopicScaleUp},
		},
		{
			name:     "no patterns means everything",
			patterns: nil,
			publish:  []Topic{TopicJobCreated, TopicNetworkRemoved},
			want:     []Topic{TopicJobCreated, TopicNetworkRemoved},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBus()
			b.Start()
			defer b.Stop()

			sub := b.Subscribe(16, tt.patterns...)
			defer b.Unsubscribe(sub)

			for _, topic := range tt.publish {
				b.Publish(&Event{Topic: topic})
			}

			got := collect(t, sub, len(tt.want))
			for i, topic := range tt.want {
				assert.Equal(t, topic, got[i].Topic)
			}
		})
	}
}

// TestDropOldest tests that a full subscriber loses its oldest events
// and counts them without blocking the publisher.
func TestDropOldest(t *testing.T) {
	b := NewBus()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(2, TopicJobCreated)
	defer b.Unsubscribe(sub)

	for i := 0; i < 5; i++ {
		b.Publish(&Event{Topic: TopicJobCreated, Message: string(rune('a' + i))})
	}

	// Give the run loop time to distribute everything.
	require.Eventually(t, func() bool { return sub.Dropped() >= 3 }, 2*time.Second, 10*time.Millisecond)

	got := collect(t, sub, 2)
	assert.Equal(t, "d", got[0].Message, "oldest events are the ones dropped")
	assert.Equal(t, "e", got[1].Message)
	assert.Equal(t, uint64(3), sub.Dropped())
}

// TestUnsubscribeCloses tests that unsubscribing closes the channel
// and is safe to repeat.
func TestUnsubscribeCloses(t *testing.T) {
	b := NewBus()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(1)
	b.Unsubscribe(sub)
	b.Unsubscribe(sub)

	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount())
}

// TestSnapshotCache tests that the latest snapshot is cached and
// announced on the snapshot topic.
func TestSnapshotCache(t *testing.T) {
	b := NewBus()
	b.Start()
	defer b.Stop()

	assert.Nil(t, b.LatestSnapshot())

	sub := b.Subscribe(4, TopicSnapshot)
	defer b.Unsubscribe(sub)

	snap := &types.Snapshot{
		Jobs:      types.SnapshotJobs{Queued: 3, Running: 1},
		Timestamp: time.Now().UTC(),
	}
	b.StoreSnapshot(snap)

	got := collect(t, sub, 1)
	assert.Equal(t, TopicSnapshot, got[0].Topic)

	cached := b.LatestSnapshot()
	require.NotNil(t, cached)
	assert.Equal(t, 3, cached.Jobs.Queued)
}
