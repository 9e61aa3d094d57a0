package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/runnerhub/runnerhub/pkg/queue"
	"github.com/runnerhub/runnerhub/pkg/types"
)

// Client is the REST client the CLI subcommands use to talk to a
// running daemon. It speaks the /api/v1 envelope and converts error
// codes back into the fault taxonomy.
type Client struct {
	base string
	http *http.Client
}

// New creates a client for the daemon at base, e.g.
// "http://127.0.0.1:8080".
func New(base string) *Client {
	return &Client{
		base: base,
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// envelope mirrors the API response shape.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.Unavailablef("daemon unreachable at %s: %v", c.base, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return types.Transientf("reading response: %v", err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return types.Transientf("malformed response (%d): %v", resp.StatusCode, err)
	}
	if !env.Success {
		msg := "request failed"
		code := "internal_error"
		if env.Error != nil {
			msg, code = env.Error.Message, env.Error.Code
		}
		return faultFromCode(code, msg)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return types.Transientf("decoding response data: %v", err)
		}
	}
	return nil
}

// faultFromCode reverses the API's taxonomy mapping so CLI callers
// can distinguish "not found" from a daemon outage.
func faultFromCode(code, message string) error {
	switch types.ErrorKind(code) {
	case types.KindValidation:
		return types.Validationf("%s", message)
	case types.KindNotFound:
		return types.NotFoundf("%s", message)
	case types.KindConflict:
		return types.Conflictf("%s", message)
	case types.KindUnauthorized:
		return types.Unauthorizedf("%s", message)
	case types.KindState:
		return types.Statef("%s", message)
	case types.KindUnavailable:
		return types.Unavailablef("%s", message)
	case types.KindTransient, types.KindRateLimited:
		return types.Transientf("%s", message)
	default:
		return fmt.Errorf("%s: %s", code, message)
	}
}

// Status returns the daemon's latest monitoring snapshot and queue
// census.
func (c *Client) Status(ctx context.Context) (*StatusReport, error) {
	var out StatusReport
	if err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StatusReport is the /status payload.
type StatusReport struct {
	Snapshot *types.Snapshot `json:"snapshot"`
	Queue    queue.Stats     `json:"queue"`
}

// JobFilter narrows ListJobs server-side.
type JobFilter struct {
	Repository string
	Status     string
	Limit      int
}

func (c *Client) ListJobs(ctx context.Context, filter JobFilter) ([]*types.Job, error) {
	q := url.Values{}
	if filter.Repository != "" {
		q.Set("repository", filter.Repository)
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	var jobs []*types.Job
	err := c.do(ctx, http.MethodGet, "/api/v1/jobs?"+q.Encode(), nil, &jobs)
	return jobs, err
}

func (c *Client) GetJob(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) CancelJob(ctx context.Context, id string) (*types.Job, error) {
	var job types.Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(id)+"/cancel", nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) ListRunners(ctx context.Context, repository string) ([]*types.Runner, error) {
	q := url.Values{}
	if repository != "" {
		q.Set("repository", repository)
	}
	var runners []*types.Runner
	err := c.do(ctx, http.MethodGet, "/api/v1/runners?"+q.Encode(), nil, &runners)
	return runners, err
}

// Pool is a pool config joined with its live counts.
type Pool struct {
	types.RunnerPool
	Idle        int     `json:"idle"`
	Busy        int     `json:"busy"`
	Starting    int     `json:"starting"`
	Utilization float64 `json:"utilization"`
	InCooldown  bool    `json:"in_cooldown"`
}

func (c *Client) ListPools(ctx context.Context) ([]*Pool, error) {
	var pools []*Pool
	err := c.do(ctx, http.MethodGet, "/api/v1/runners/pools", nil, &pools)
	return pools, err
}

// ScalePool forces a manual scaling operation. Action is "up" or
// "down".
func (c *Client) ScalePool(ctx context.Context, repository, action string, count int) (before, after int, err error) {
	var out struct {
		Before int `json:"before"`
		After  int `json:"after"`
	}
	body := map[string]any{"action": action, "count": count}
	err = c.do(ctx, http.MethodPost, "/api/v1/runners/pools/"+repository+"/scale", body, &out)
	return out.Before, out.After, err
}

func (c *Client) ListRules(ctx context.Context) ([]*types.RoutingRule, error) {
	var rules []*types.RoutingRule
	err := c.do(ctx, http.MethodGet, "/api/v1/routing/rules", nil, &rules)
	return rules, err
}

func (c *Client) CreateRule(ctx context.Context, rule *types.RoutingRule) (*types.RoutingRule, error) {
	var created types.RoutingRule
	if err := c.do(ctx, http.MethodPost, "/api/v1/routing/rules", rule, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *Client) UpdateRule(ctx context.Context, rule *types.RoutingRule) (*types.RoutingRule, error) {
	var updated types.RoutingRule
	if err := c.do(ctx, http.MethodPut, "/api/v1/routing/rules/"+url.PathEscape(rule.ID), rule, &updated); err != nil {
		return nil, err
	}
	return &updated, nil
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/routing/rules/"+url.PathEscape(id), nil, nil)
}

// PreviewRoute dry-runs routing for a synthetic job.
func (c *Client) PreviewRoute(ctx context.Context, repository, workflow, event string, labels []string) (json.RawMessage, error) {
	body := map[string]any{
		"repository": repository,
		"workflow":   workflow,
		"event":      event,
		"labels":     labels,
	}
	var out json.RawMessage
	err := c.do(ctx, http.MethodPost, "/api/v1/routing/preview", body, &out)
	return out, err
}

func (c *Client) ListNetworks(ctx context.Context) ([]*types.Network, error) {
	var networks []*types.Network
	err := c.do(ctx, http.MethodGet, "/api/v1/networks", nil, &networks)
	return networks, err
}

// CleanupNetworks triggers the reaper and returns how many networks
// it removed.
func (c *Client) CleanupNetworks(ctx context.Context) (int, error) {
	var out struct {
		Removed int `json:"removed"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/networks/cleanup", nil, &out)
	return out.Removed, err
}

func (c *Client) ListContainers(ctx context.Context, repository string) ([]*types.ContainerRecord, error) {
	q := url.Values{}
	if repository != "" {
		q.Set("repository", repository)
	}
	var containers []*types.ContainerRecord
	err := c.do(ctx, http.MethodGet, "/api/v1/containers?"+q.Encode(), nil, &containers)
	return containers, err
}

func (c *Client) ReplayWebhook(ctx context.Context, deliveryID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/webhooks/"+url.PathEscape(deliveryID)+"/replay", nil, nil)
}

// RetryFailedWebhooks re-enqueues failed deliveries up to limit and
// returns how many were retried.
func (c *Client) RetryFailedWebhooks(ctx context.Context, limit int) (int, error) {
	var out struct {
		Retried int `json:"retried"`
	}
	path := "/api/v1/webhooks/retry-failed"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	err := c.do(ctx, http.MethodPost, path, nil, &out)
	return out.Retried, err
}
