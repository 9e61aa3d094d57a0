package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/runnerhub/runnerhub/pkg/config"
	"github.com/runnerhub/runnerhub/pkg/log"
	"github.com/runnerhub/runnerhub/pkg/metrics"
	"github.com/runnerhub/runnerhub/pkg/types"
)

// Request priority bands. Registration tokens outrank everything: a
// queued job cannot place until its runner can register.
const (
	bandToken = iota
	bandMutate
	bandList
)

// tokenExpiryMargin is how long before an upstream token's expiry the
// cached copy stops being served.
const tokenExpiryMargin = time.Minute

// RegistrationToken is a short-lived credential that lets a fresh
// runner join the repository.
type RegistrationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RunnerInfo is the upstream's view of a registered runner.
type RunnerInfo struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	OS     string `json:"os"`
	Status string `json:"status"`
	Busy   bool   `json:"busy"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
}

// WorkflowRun is one upstream workflow run.
type WorkflowRun struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	HeadBranch string    `json:"head_branch"`
	Event      string    `json:"event"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ListRunsOptions narrows ListWorkflowRuns.
type ListRunsOptions struct {
	Status  string
	Branch  string
	PerPage int
}

// Client is the prioritized, rate-limit-aware client to the source
// platform's REST API. All requests flow through a single sender
// worker that drains a priority heap, paced by the configured strategy
// and hard-stopped while the observed budget is exhausted.
type Client struct {
	http     *http.Client
	baseURL  string
	token    string
	strategy Strategy
	tracker  *rateTracker
	queue    *requestQueue
	breaker  *gobreaker.CircuitBreaker
	tokens   *gocache.Cache
	retries  uint
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// New creates an upstream client. Call Start before issuing requests.
func New(cfg config.Upstream) *Client {
	return &Client{
		http:     &http.Client{Timeout: 30 * time.Second},
		baseURL:  cfg.BaseURL,
		token:    cfg.Token,
		strategy: StrategyFor(cfg.Strategy),
		tracker:  newRateTracker(cfg.MaxRPH),
		queue:    newRequestQueue(),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "upstream",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= 5
			},
			// Only infrastructure failures trip the breaker; a 404 on a
			// runner removal is a healthy platform saying no.
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				kind := types.KindOf(err)
				return kind != types.KindTransient && kind != types.KindUnavailable
			},
		}),
		tokens:  gocache.New(time.Hour, 10*time.Minute),
		retries: uint(max(cfg.MaxRetries, 1)),
		logger:  log.WithComponent("upstream"),
	}
}

// Start launches the sender worker. Cancel ctx to stop; Close waits
// for the worker to drain.
func (c *Client) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.senderLoop(ctx)
}

// Close waits for the sender worker to exit.
func (c *Client) Close() {
	c.wg.Wait()
}

// Rate returns the last observed rate-limit budget.
func (c *Client) Rate() RateInfo {
	return c.tracker.snapshot()
}

func (c *Client) senderLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		p := c.queue.pop()
		if p == nil {
			select {
			case <-ctx.Done():
				return
			case <-c.queue.wake:
				continue
			}
		}

		// A caller that already gave up does not spend budget.
		if p.ctx.Err() != nil {
			p.done <- types.Transientf("request abandoned: %v", p.ctx.Err())
			continue
		}
		if !c.pace(ctx, p.ctx) {
			select {
			case p.done <- types.Transientf("client shutting down"):
			default:
			}
			if ctx.Err() != nil {
				return
			}
			continue
		}
		p.done <- p.run(p.ctx)
	}
}

// pace blocks until the rate budget and strategy allow the next send.
// It returns false when either context ends first.
func (c *Client) pace(ctx, reqCtx context.Context) bool {
	now := time.Now()
	if until, blocked := c.tracker.blockedUntil(now); blocked {
		c.logger.Warn().Time("until", until).Msg("Rate budget exhausted, holding requests")
		if !sleepUntil(ctx, reqCtx, until) {
			return false
		}
		now = time.Now()
	}
	if delay := c.strategy.Delay(c.tracker.snapshot(), now); delay > 0 {
		if !sleepUntil(ctx, reqCtx, now.Add(delay)) {
			return false
		}
	}
	return true
}

func sleepUntil(ctx, reqCtx context.Context, at time.Time) bool {
	d := time.Until(at)
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-reqCtx.Done():
		return false
	}
}

// submit queues a request and waits for the sender to run it.
func (c *Client) submit(ctx context.Context, band int, run func(context.Context) error) error {
	p := &pending{ctx: ctx, band: band, run: run, done: make(chan error, 1)}
	c.queue.submit(p)
	select {
	case err := <-p.done:
		return err
	case <-ctx.Done():
		return types.Transientf("upstream request cancelled: %v", ctx.Err())
	}
}

// do performs one API call with retries and breaker protection, and
// decodes a JSON response into out when out is non-nil.
func (c *Client) do(ctx context.Context, band int, method, path string, body, out any) error {
	return c.submit(ctx, band, func(ctx context.Context) error {
		_, err := c.breaker.Execute(func() (any, error) {
			return nil, retry.Do(
				func() error { return c.send(ctx, method, path, body, out) },
				retry.Attempts(c.retries),
				retry.Delay(500*time.Millisecond),
				retry.MaxJitter(250*time.Millisecond),
				retry.RetryIf(func(err error) bool {
					return types.IsKind(err, types.KindTransient)
				}),
				retry.LastErrorOnly(true),
				retry.Context(ctx),
			)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return types.Unavailablef("upstream circuit open: %v", err)
		}
		return err
	})
}

func (c *Client) send(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return types.Validationf("request body does not serialize: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return types.Validationf("bad upstream request: %v", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.tracker.recordSend(time.Now())
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("transport_error").Inc()
		return types.Transientf("upstream request failed: %v", err)
	}
	defer resp.Body.Close()

	c.tracker.observe(resp.Header)
	if err := classify(resp); err != nil {
		metrics.UpstreamRequests.WithLabelValues(string(types.KindOf(err))).Inc()
		return err
	}
	metrics.UpstreamRequests.WithLabelValues("ok").Inc()

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return types.Transientf("upstream response does not decode: %v", err)
	}
	return nil
}

// classify maps a response's status to the shared taxonomy. 429 and a
// drained 403 are rate limits; other 4xx never retry.
func classify(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return types.RateLimitedf(retryAfter(resp), "upstream throttled (%d)", code)
	case code == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0":
		return types.RateLimitedf(retryAfter(resp), "rate limit exhausted (%d)", code)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return types.Unauthorizedf("upstream rejected credentials (%d)", code)
	case code == http.StatusNotFound:
		return types.NotFoundf("upstream resource not found")
	case code >= 500:
		return types.Transientf("upstream returned %d", code)
	default:
		return types.Validationf("upstream rejected request (%d)", code)
	}
}

func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	if s := resp.Header.Get("X-RateLimit-Reset"); s != "" {
		if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
			if d := time.Until(time.Unix(unix, 0)); d > 0 {
				return d
			}
		}
	}
	return time.Minute
}

// IssueRegistrationToken returns a just-in-time registration token for
// the repository, served from cache until close to expiry.
func (c *Client) IssueRegistrationToken(ctx context.Context, repository string) (*RegistrationToken, error) {
	if repository == "" {
		return nil, types.Validationf("registration token needs a repository")
	}
	if cached, ok := c.tokens.Get(repository); ok {
		return cached.(*RegistrationToken), nil
	}

	var token RegistrationToken
	path := fmt.Sprintf("/repos/%s/actions/runners/registration-token", repository)
	if err := c.do(ctx, bandToken, http.MethodPost, path, nil, &token); err != nil {
		return nil, err
	}

	if ttl := time.Until(token.ExpiresAt) - tokenExpiryMargin; ttl > 0 {
		c.tokens.Set(repository, &token, ttl)
	}
	return &token, nil
}

// RemoveRunner deregisters a runner by upstream id. A runner the
// platform no longer knows counts as removed.
func (c *Client) RemoveRunner(ctx context.Context, repository string, runnerID int64) error {
	path := fmt.Sprintf("/repos/%s/actions/runners/%d", repository, runnerID)
	err := c.do(ctx, bandMutate, http.MethodDelete, path, nil, nil)
	if types.IsKind(err, types.KindNotFound) {
		return nil
	}
	return err
}

// RemoveRunnerByName resolves a runner's upstream id by name and
// removes it. Idempotent: an unknown name is already removed.
func (c *Client) RemoveRunnerByName(ctx context.Context, repository, name string) error {
	runners, err := c.ListRunners(ctx, repository)
	if err != nil {
		return err
	}
	for _, r := range runners {
		if r.Name == name {
			return c.RemoveRunner(ctx, repository, r.ID)
		}
	}
	return nil
}

// ListRunners returns the runners registered for a repository.
func (c *Client) ListRunners(ctx context.Context, repository string) ([]*RunnerInfo, error) {
	var page struct {
		TotalCount int           `json:"total_count"`
		Runners    []*RunnerInfo `json:"runners"`
	}
	path := fmt.Sprintf("/repos/%s/actions/runners?per_page=100", repository)
	if err := c.do(ctx, bandList, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return page.Runners, nil
}

// ListWorkflowRuns returns recent workflow runs for a repository.
func (c *Client) ListWorkflowRuns(ctx context.Context, repository string, opts ListRunsOptions) ([]*WorkflowRun, error) {
	if opts.PerPage <= 0 {
		opts.PerPage = 30
	}
	path := fmt.Sprintf("/repos/%s/actions/runs?per_page=%d", repository, opts.PerPage)
	if opts.Status != "" {
		path += "&status=" + opts.Status
	}
	if opts.Branch != "" {
		path += "&branch=" + opts.Branch
	}

	var page struct {
		TotalCount   int            `json:"total_count"`
		WorkflowRuns []*WorkflowRun `json:"workflow_runs"`
	}
	if err := c.do(ctx, bandList, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return page.WorkflowRuns, nil
}
