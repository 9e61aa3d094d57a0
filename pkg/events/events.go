package events

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/runnerhub/runnerhub/pkg/types"
)

// Topic names an event stream. Subscribers may filter by exact topic
// or by a family pattern such as "job.*".
type Topic string

const (
	TopicJobCreated   Topic = "job.created"
	TopicJobAssigned  Topic = "job.assigned"
	TopicJobStarted   Topic = "job.started"
	TopicJobCompleted Topic = "job.completed"
	TopicJobFailed    Topic = "job.failed"
	TopicJobCancelled Topic = "job.cancelled"

	TopicRunnerCreated Topic = "runner.created"
	TopicRunnerIdle    Topic = "runner.idle"
	TopicRunnerBusy    Topic = "runner.busy"
	TopicRunnerOffline Topic = "runner.offline"
	TopicRunnerRemoved Topic = "runner.removed"

	TopicContainerCreated   Topic = "container.created"
	TopicContainerStarted   Topic = "container.started"
	TopicContainerStopped   Topic = "container.stopped"
	TopicContainerRemoved   Topic = "container.removed"
	TopicContainerError     Topic = "container.error"
	TopicContainerHighCPU   Topic = "container.high_cpu"
	TopicContainerHighMem   Topic = "container.high_mem"
	TopicContainerUnhealthy Topic = "container.unhealthy"

	TopicScaleUp   Topic = "scaling.up"
	TopicScaleDown Topic = "scaling.down"

	TopicNetworkCreated Topic = "network.created"
	TopicNetworkRemoved Topic = "network.removed"

	TopicSnapshot Topic = "snapshot"
)

// Event is one bus message.
type Event struct {
	ID         string            `json:"id"`
	Topic      Topic             `json:"topic"`
	Timestamp  time.Time         `json:"timestamp"`
	Repository string            `json:"repository,omitempty"`
	Message    string            `json:"message,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Subscription is one subscriber's bounded view of the bus. When the
// buffer is full the oldest event is dropped and counted; a slow
// subscriber never blocks publishers.
type Subscription struct {
	topics  []Topic
	ch      chan *Event
	dropped atomic.Uint64
}

// Events returns the delivery channel. It is closed on Unsubscribe.
func (s *Subscription) Events() <-chan *Event { return s.ch }

// Dropped returns how many events this subscriber has lost.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) wants(topic Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	for _, pattern := range s.topics {
		if topicMatches(pattern, topic) {
			return true
		}
	}
	return false
}

func topicMatches(pattern, topic Topic) bool {
	if pattern == topic {
		return true
	}
	if strings.HasSuffix(string(pattern), ".*") {
		return strings.HasPrefix(string(topic), strings.TrimSuffix(string(pattern), "*"))
	}
	return false
}

// Bus fans events out to subscribers and caches the latest snapshot
// for the API and health endpoints.
type Bus struct {
	subscribers map[*Subscription]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}

	snapMu   sync.RWMutex
	snapshot *types.Snapshot
}

// NewBus creates a bus. Call Start before publishing.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[*Subscription]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the distribution loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the bus.
func (b *Bus) Stop() {
	close(b.stopCh)
}

// Subscribe registers a subscriber for the given topic patterns; no
// patterns means everything. buffer <= 0 gets a default of 64.
func (b *Bus) Subscribe(buffer int, topics ...Topic) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		topics: topics,
		ch:     make(chan *Event, buffer),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish queues an event for distribution. ID and timestamp are
// filled in when absent.
func (b *Bus) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if !sub.wants(event.Topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Buffer full: drop the oldest, then deliver.
			select {
			case <-sub.ch:
				sub.dropped.Add(1)
			default:
			}
			select {
			case sub.ch <- event:
			default:
				sub.dropped.Add(1)
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// StoreSnapshot caches the latest aggregate and publishes it on the
// snapshot topic.
func (b *Bus) StoreSnapshot(snap *types.Snapshot) {
	b.snapMu.Lock()
	b.snapshot = snap
	b.snapMu.Unlock()

	b.Publish(&Event{
		Topic:     TopicSnapshot,
		Timestamp: snap.Timestamp,
		Message:   "state snapshot",
	})
}

// LatestSnapshot returns the most recent snapshot, or nil before the
// first collection.
func (b *Bus) LatestSnapshot() *types.Snapshot {
	b.snapMu.RLock()
	defer b.snapMu.RUnlock()
	return b.snapshot
}
