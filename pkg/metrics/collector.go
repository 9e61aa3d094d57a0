package metrics

import (
	"context"
	"time"

	"github.com/runnerhub/runnerhub/pkg/queue"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

// Collector samples point-in-time gauges from the store and the queue.
// Counters and histograms are updated inline at their call sites.
type Collector struct {
	store  storage.Store
	queue  *queue.Queue
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store, q *queue.Queue) *Collector {
	return &Collector{
		store:  store,
		queue:  q,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Collect job metrics
	c.collectJobMetrics(ctx)

	// Collect runner metrics
	c.collectRunnerMetrics(ctx)

	// Collect container metrics
	c.collectContainerMetrics(ctx)

	// Collect network metrics
	c.collectNetworkMetrics(ctx)

	// Collect queue metrics
	c.collectQueueMetrics(ctx)
}

func (c *Collector) collectJobMetrics(ctx context.Context) {
	counts, err := c.store.CountJobs(ctx, "")
	if err != nil {
		return
	}

	// Publish a value for every status so stale gauges reset to zero
	for _, status := range types.JobStatuses {
		JobsTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectRunnerMetrics(ctx context.Context) {
	counts, err := c.store.CountRunners(ctx, "")
	if err != nil {
		return
	}

	for _, status := range types.RunnerStatuses {
		RunnersTotal.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

func (c *Collector) collectContainerMetrics(ctx context.Context) {
	containers, err := c.store.ListContainers(ctx, storage.ContainerFilter{})
	if err != nil {
		return
	}

	stateCounts := make(map[types.ContainerState]int)
	for _, container := range containers {
		stateCounts[container.State]++
	}

	for _, state := range types.ContainerStates {
		ContainersTotal.WithLabelValues(string(state)).Set(float64(stateCounts[state]))
	}
}

func (c *Collector) collectNetworkMetrics(ctx context.Context) {
	networks, err := c.store.ListNetworks(ctx, true)
	if err != nil {
		return
	}

	NetworksActive.Set(float64(len(networks)))
}

func (c *Collector) collectQueueMetrics(ctx context.Context) {
	if c.queue == nil {
		return
	}

	stats, err := c.queue.CollectStats(ctx)
	if err != nil {
		return
	}

	for band, depth := range stats.Ready {
		QueueDepth.WithLabelValues(string(band)).Set(float64(depth))
	}
	QueueInFlight.Set(float64(stats.InFlight))
	QueueDeadLetters.Set(float64(stats.DLQ))
}
