package scaler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/runnerhub/runnerhub/pkg/config"
	"github.com/runnerhub/runnerhub/pkg/log"
	"github.com/runnerhub/runnerhub/pkg/pool"
	"github.com/runnerhub/runnerhub/pkg/storage"
	"github.com/runnerhub/runnerhub/pkg/types"
)

// sample is one tick's observation of a pool.
type sample struct {
	util    float64
	depth   int
	avgWait time.Duration
	total   int
	takenAt time.Time
}

// history keeps what the scaler remembers about one pool between
// ticks: the previous sample for two-tick averaging and the recent
// utilization series for the predictive model.
type history struct {
	prev  *sample
	utils []float64
}

// Scaler is the per-pool control loop. Each tick it samples
// utilization, queue depth, and wait times, averages with the prior
// tick so a single spike cannot flap the pool, and applies the first
// matching trigger.
type Scaler struct {
	store storage.Store
	pools *pool.Manager
	cfg   config.Autoscaler

	mu     sync.Mutex
	byRepo map[string]*history
	logger zerolog.Logger
}

// New creates a scaler over the pool manager.
func New(store storage.Store, pools *pool.Manager, cfg config.Autoscaler) *Scaler {
	return &Scaler{
		store:  store,
		pools:  pools,
		cfg:    cfg,
		byRepo: make(map[string]*history),
		logger: log.WithComponent("scaler"),
	}
}

// Run drives the control loop until ctx ends.
func (s *Scaler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Tick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every pool once. Pools are handled sequentially; the
// pool manager's per-repo scale lock guards against overlap with
// demand-driven scale-ups.
func (s *Scaler) Tick(ctx context.Context) {
	pools, err := s.store.ListPools(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Could not list pools")
		return
	}
	for _, p := range pools {
		if err := s.evaluate(ctx, p); err != nil {
			s.logger.Error().Err(err).Str("repository", p.Repository).Msg("Pool evaluation failed")
		}
	}
	s.forget(pools)
}

// forget drops history for pools that no longer exist.
func (s *Scaler) forget(live []*types.RunnerPool) {
	alive := make(map[string]bool, len(live))
	for _, p := range live {
		alive[p.Repository] = true
	}
	s.mu.Lock()
	for repo := range s.byRepo {
		if !alive[repo] {
			delete(s.byRepo, repo)
		}
	}
	s.mu.Unlock()
}

func (s *Scaler) evaluate(ctx context.Context, p *types.RunnerPool) error {
	cur, err := s.sample(ctx, p.Repository)
	if err != nil {
		return err
	}
	avg, utils := s.remember(p.Repository, cur)

	decision := s.decide(ctx, p, cur, avg, utils)
	return s.apply(ctx, p, cur, decision)
}

// sample reads the pool's current load.
func (s *Scaler) sample(ctx context.Context, repository string) (*sample, error) {
	stats, err := s.pools.PoolStats(ctx, repository)
	if err != nil {
		return nil, err
	}
	depth, err := s.store.CountQueuedJobs(ctx, repository)
	if err != nil {
		return nil, err
	}
	ages, err := s.store.QueuedJobAges(ctx, repository)
	if err != nil {
		return nil, err
	}
	var avgWait time.Duration
	if len(ages) > 0 {
		var sum time.Duration
		for _, a := range ages {
			sum += a
		}
		avgWait = sum / time.Duration(len(ages))
	}
	return &sample{
		util:    stats.Utilization(),
		depth:   depth,
		avgWait: avgWait,
		total:   stats.Total,
		takenAt: time.Now(),
	}, nil
}

// remember stores the sample and returns the two-tick average plus the
// utilization series for the predictive model.
func (s *Scaler) remember(repository string, cur *sample) (sample, []float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.byRepo[repository]
	if h == nil {
		h = &history{}
		s.byRepo[repository] = h
	}

	avg := *cur
	if h.prev != nil {
		avg.util = (cur.util + h.prev.util) / 2
		avg.depth = (cur.depth + h.prev.depth + 1) / 2
		avg.avgWait = (cur.avgWait + h.prev.avgWait) / 2
	}
	h.prev = cur

	h.utils = append(h.utils, cur.util)
	if len(h.utils) > s.cfg.PredictiveWindow {
		h.utils = h.utils[len(h.utils)-s.cfg.PredictiveWindow:]
	}
	utils := make([]float64, len(h.utils))
	copy(utils, h.utils)
	return avg, utils
}

type decision struct {
	direction types.ScaleDirection
	delta     int
	trigger   types.ScaleTrigger
}

// decide applies the trigger ladder. Below-min is the only trigger
// that ignores the cooldown; any other trigger that fires during the
// cooldown is downgraded to a recorded NONE decision, so the audit
// trail shows the suppression.
func (s *Scaler) decide(ctx context.Context, p *types.RunnerPool, cur *sample, avg sample, utils []float64) *decision {
	if cur.total < p.MinRunners {
		return &decision{types.ScaleUp, p.MinRunners - cur.total, types.TriggerBelowMin}
	}

	d := s.ladder(p, cur, avg, utils)
	if d == nil {
		return nil
	}
	if s.inCooldown(ctx, p) {
		return &decision{direction: types.ScaleNone, trigger: d.trigger}
	}
	return d
}

func (s *Scaler) ladder(p *types.RunnerPool, cur *sample, avg sample, utils []float64) *decision {
	policy := p.Policy
	switch {
	case policy.QueueThreshold > 0 && avg.depth >= policy.QueueThreshold:
		return &decision{types.ScaleUp, p.ScaleIncrement, types.TriggerQueueDepth}
	case avg.util >= policy.ScaleUpThreshold:
		return &decision{types.ScaleUp, p.ScaleIncrement, types.TriggerUtilization}
	case avg.avgWait >= time.Duration(policy.WaitThresholdS)*time.Second && avg.depth > 0:
		return &decision{types.ScaleUp, p.ScaleIncrement, types.TriggerWaitTime}
	case avg.util <= policy.ScaleDownThreshold && avg.depth == 0 && cur.total > p.MinRunners:
		return &decision{types.ScaleDown, -policy.ScaleDecrement, types.TriggerIdle}
	}
	if policy.Predictive {
		return s.predictUp(p, utils)
	}
	return nil
}

// predictUp projects utilization over the configured horizon with a
// least-squares fit and scales ahead of the demand when the fit is
// trustworthy.
func (s *Scaler) predictUp(p *types.RunnerPool, utils []float64) *decision {
	if len(utils) < s.cfg.PredictiveWindow {
		return nil
	}
	predicted, confidence := forecast(utils, s.cfg.Tick(), s.cfg.PredictiveHorizon())
	if predicted >= p.Policy.ScaleUpThreshold && confidence >= s.cfg.PredictiveConfidence {
		return &decision{types.ScaleUp, p.ScaleIncrement, types.TriggerPredicted}
	}
	return nil
}

// InCooldown reports whether a pool's last effective resize is more
// recent than its cooldown window.
func (s *Scaler) InCooldown(ctx context.Context, repository string) bool {
	p, err := s.store.GetPool(ctx, repository)
	if err != nil {
		return false
	}
	return s.inCooldown(ctx, p)
}

func (s *Scaler) inCooldown(ctx context.Context, p *types.RunnerPool) bool {
	last, err := s.store.LastScalingEvent(ctx, p.Repository)
	if err != nil {
		return false
	}
	cooldown := time.Duration(p.Policy.CooldownS) * time.Second
	return time.Since(last.Timestamp) < cooldown
}

// apply executes the decision. Effective resizes go through the pool
// manager, which appends the UP/DOWN audit row; the scaler records
// suppressed decisions itself.
func (s *Scaler) apply(ctx context.Context, p *types.RunnerPool, cur *sample, d *decision) error {
	if d == nil {
		return nil
	}
	if d.direction == types.ScaleNone {
		return s.store.AppendScalingEvent(ctx, &types.ScalingEvent{
			Repository: p.Repository,
			Direction:  types.ScaleNone,
			Before:     cur.total,
			After:      cur.total,
			Trigger:    d.trigger,
			Timestamp:  time.Now().UTC(),
		})
	}

	before, after, err := s.pools.ScalePool(ctx, p.Repository, d.delta, d.trigger)
	if err != nil {
		return err
	}
	s.logger.Info().
		Str("repository", p.Repository).
		Str("trigger", string(d.trigger)).
		Int("before", before).
		Int("after", after).
		Msg("Scaled pool")
	return nil
}
