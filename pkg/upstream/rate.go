package upstream

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/runnerhub/runnerhub/pkg/metrics"
)

// adaptiveEpsilon is subtracted from the even inter-request spacing so
// the budget drains slightly ahead of the reset instead of exactly at it.
const adaptiveEpsilon = 100 * time.Millisecond

// RateInfo is the rate-limit budget as last reported by the platform.
// A zero Observed means no response headers have been seen yet.
type RateInfo struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Reset     time.Time `json:"reset"`
	Observed  time.Time `json:"observed"`
}

// exhausted reports whether the observed budget forbids sending now.
func (r RateInfo) exhausted(now time.Time) bool {
	return !r.Observed.IsZero() && r.Remaining <= 0 && now.Before(r.Reset)
}

// rateTracker folds response headers into a budget snapshot and keeps a
// local requests-per-hour window for installations that cap their own
// usage below the platform limit.
type rateTracker struct {
	mu          sync.Mutex
	info        RateInfo
	maxRPH      int
	windowStart time.Time
	sent        int
}

func newRateTracker(maxRPH int) *rateTracker {
	return &rateTracker{maxRPH: maxRPH}
}

// observe updates the budget from X-RateLimit-* response headers.
// Responses without the headers leave the last snapshot untouched.
func (t *rateTracker) observe(h http.Header) {
	limit, err := strconv.Atoi(h.Get("X-RateLimit-Limit"))
	if err != nil {
		return
	}
	remaining, err := strconv.Atoi(h.Get("X-RateLimit-Remaining"))
	if err != nil {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.info.Limit = limit
	t.info.Remaining = remaining
	t.info.Observed = time.Now()
	if resetUnix, err := strconv.ParseInt(h.Get("X-RateLimit-Reset"), 10, 64); err == nil {
		t.info.Reset = time.Unix(resetUnix, 0)
	}
	metrics.UpstreamRateRemaining.Set(float64(remaining))
}

// recordSend counts a request against the local hourly window.
func (t *rateTracker) recordSend(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if now.Sub(t.windowStart) >= time.Hour {
		t.windowStart = now
		t.sent = 0
	}
	t.sent++
}

// blockedUntil returns the earliest time a request may be sent, and
// whether sending is currently forbidden. Both the observed platform
// budget and the local hourly cap can block.
func (t *rateTracker) blockedUntil(now time.Time) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.info.exhausted(now) {
		return t.info.Reset, true
	}
	if t.maxRPH > 0 && t.sent >= t.maxRPH {
		if windowEnd := t.windowStart.Add(time.Hour); now.Before(windowEnd) {
			return windowEnd, true
		}
	}
	return time.Time{}, false
}

func (t *rateTracker) snapshot() RateInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// Strategy decides how long to wait before the next request given the
// current budget. Strategies pace requests; they never authorize
// sending past an exhausted budget.
type Strategy interface {
	Name() string
	Delay(info RateInfo, now time.Time) time.Duration
}

// StrategyFor maps a configured strategy name to an implementation.
// Unknown names fall back to adaptive.
func StrategyFor(name string) Strategy {
	switch name {
	case "conservative":
		return conservativeStrategy{}
	case "aggressive":
		return aggressiveStrategy{}
	default:
		return adaptiveStrategy{}
	}
}

// conservativeStrategy applies fixed delays keyed to the remaining
// fraction of the budget: 5s under 5%, 2s under 10%, 500ms under 20%.
type conservativeStrategy struct{}

func (conservativeStrategy) Name() string { return "conservative" }

func (conservativeStrategy) Delay(info RateInfo, _ time.Time) time.Duration {
	if info.Limit <= 0 {
		return 0
	}
	fraction := float64(info.Remaining) / float64(info.Limit)
	switch {
	case fraction < 0.05:
		return 5 * time.Second
	case fraction < 0.10:
		return 2 * time.Second
	case fraction < 0.20:
		return 500 * time.Millisecond
	default:
		return 0
	}
}

// aggressiveStrategy sends immediately while at least 50 requests
// remain, then falls back to even spacing over the reset window.
type aggressiveStrategy struct{}

func (aggressiveStrategy) Name() string { return "aggressive" }

func (aggressiveStrategy) Delay(info RateInfo, now time.Time) time.Duration {
	if info.Limit <= 0 || info.Remaining >= 50 {
		return 0
	}
	return spread(info, now)
}

// adaptiveStrategy spaces requests evenly across the remaining budget
// so it drains right as the window resets.
type adaptiveStrategy struct{}

func (adaptiveStrategy) Name() string { return "adaptive" }

func (adaptiveStrategy) Delay(info RateInfo, now time.Time) time.Duration {
	if info.Limit <= 0 {
		return 0
	}
	return spread(info, now)
}

// spread computes time_to_reset / remaining, less a small epsilon.
func spread(info RateInfo, now time.Time) time.Duration {
	if info.Remaining <= 0 {
		return 0
	}
	toReset := info.Reset.Sub(now)
	if toReset <= 0 {
		return 0
	}
	delay := toReset/time.Duration(info.Remaining) - adaptiveEpsilon
	if delay < 0 {
		return 0
	}
	return delay
}
