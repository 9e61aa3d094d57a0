// Package config loads and validates the RunnerHub configuration.
//
// Configuration comes from a YAML file layered over built-in defaults,
// with secrets (webhook secret, upstream token) taken from the
// environment so they never live in the file. Validation happens once
// at load time; components receive already-validated values.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/runnerhub/runnerhub/pkg/types"
)

const (
	// EnvWebhookSecret overrides webhook.secret.
	EnvWebhookSecret = "RUNNERHUB_WEBHOOK_SECRET"

	// EnvUpstreamToken overrides upstream.token.
	EnvUpstreamToken = "RUNNERHUB_UPSTREAM_TOKEN"
)

// Config is the root configuration for the runnerhub daemon.
type Config struct {
	DataDir    string     `yaml:"data_dir" validate:"required"`
	Server     Server     `yaml:"server"`
	Log        Log        `yaml:"log"`
	Store      Store      `yaml:"store"`
	Queue      Queue      `yaml:"queue"`
	Dispatch   Dispatch   `yaml:"dispatch"`
	Autoscaler Autoscaler `yaml:"autoscaler"`
	Cleanup    Cleanup    `yaml:"cleanup"`
	Network    Network    `yaml:"network"`
	Upstream   Upstream   `yaml:"upstream"`
	Webhook    Webhook    `yaml:"webhook"`
	Container  Container  `yaml:"container"`
}

// Server configures the HTTP listener shared by the API and the
// webhook ingress.
type Server struct {
	Listen         string   `yaml:"listen" validate:"required"`
	ReadTimeoutS   int      `yaml:"read_timeout_s" validate:"min=1"`
	WriteTimeoutS  int      `yaml:"write_timeout_s" validate:"min=1"`
	ShutdownGraceS int      `yaml:"shutdown_grace_s" validate:"min=1"`
	CORSOrigins    []string `yaml:"cors_origins"`
}

// Log configures the global zerolog logger.
type Log struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// Store configures the relational store.
type Store struct {
	Path string `yaml:"path" validate:"required"`
}

// Queue configures the durable priority queue.
type Queue struct {
	Path               string `yaml:"path" validate:"required"`
	MaxAttempts        int    `yaml:"max_attempts" validate:"min=1"`
	VisibilityTimeoutS int    `yaml:"visibility_timeout_s" validate:"min=1"`
	StarvationLimit    int    `yaml:"starvation_limit" validate:"min=1"`
}

// VisibilityTimeout returns the reservation window as a duration.
func (q Queue) VisibilityTimeout() time.Duration {
	return time.Duration(q.VisibilityTimeoutS) * time.Second
}

// Dispatch configures the dispatcher worker fleet.
type Dispatch struct {
	Workers            int `yaml:"workers" validate:"min=1"`
	ReserveMaxAttempts int `yaml:"reserve_max_attempts" validate:"min=1"`
	NackBackoffS       int `yaml:"nack_backoff_s" validate:"min=1"`
}

// NackBackoff returns the base redelivery delay for pending runners.
func (d Dispatch) NackBackoff() time.Duration {
	return time.Duration(d.NackBackoffS) * time.Second
}

// Autoscaler configures the per-pool control loop.
type Autoscaler struct {
	TickS                 int              `yaml:"tick_s" validate:"min=1"`
	DefaultMinRunners     int              `yaml:"default_min_runners" validate:"min=0"`
	DefaultMaxRunners     int              `yaml:"default_max_runners" validate:"min=1"`
	DefaultScaleIncrement int              `yaml:"default_scale_increment" validate:"min=1"`
	DefaultPolicy         types.PoolPolicy `yaml:"default_policy"`
	PredictiveWindow      int              `yaml:"predictive_window" validate:"min=2"`
	PredictiveHorizonS    int              `yaml:"predictive_horizon_s" validate:"min=1"`
	PredictiveConfidence  float64          `yaml:"predictive_confidence" validate:"gt=0,lte=1"`
}

// Tick returns the control loop interval.
func (a Autoscaler) Tick() time.Duration {
	return time.Duration(a.TickS) * time.Second
}

// PredictiveHorizon returns how far ahead the regression projects.
func (a Autoscaler) PredictiveHorizon() time.Duration {
	return time.Duration(a.PredictiveHorizonS) * time.Second
}

// Cleanup configures the container cleanup engine.
type Cleanup struct {
	IntervalS    int      `yaml:"interval_s" validate:"min=1"`
	Policies     []string `yaml:"policies" validate:"dive,oneof=idle failed orphaned expired"`
	IdleTTLS     int      `yaml:"idle_ttl_s" validate:"min=1"`
	FailedAgeS   int      `yaml:"failed_age_s" validate:"min=1"`
	OrphanedAgeS int      `yaml:"orphaned_age_s" validate:"min=1"`
	MaxLifetimeS int      `yaml:"max_lifetime_s" validate:"min=1"`
}

// Interval returns the cleanup loop interval.
func (c Cleanup) Interval() time.Duration {
	return time.Duration(c.IntervalS) * time.Second
}

// Network configures the per-repository isolation networks.
type Network struct {
	CIDR      string `yaml:"cidr" validate:"required,cidrv4"`
	IdleTTLS  int    `yaml:"idle_ttl_s" validate:"min=1"`
	Prefix    string `yaml:"prefix" validate:"required"`
	CacheTTLS int    `yaml:"cache_ttl_s" validate:"min=1"`
}

// IdleTTL returns how long an unused network survives before reaping.
func (n Network) IdleTTL() time.Duration {
	return time.Duration(n.IdleTTLS) * time.Second
}

// CacheTTL returns the repo→network map cache lifetime.
func (n Network) CacheTTL() time.Duration {
	return time.Duration(n.CacheTTLS) * time.Second
}

// Upstream configures the source-code platform client.
type Upstream struct {
	BaseURL    string `yaml:"base_url" validate:"required,url"`
	Token      string `yaml:"token"`
	Strategy   string `yaml:"strategy" validate:"oneof=conservative adaptive aggressive"`
	MaxRPH     int    `yaml:"max_rph" validate:"min=0"`
	MaxRetries int    `yaml:"max_retries" validate:"min=1"`
}

// Webhook configures the signed ingress endpoint.
type Webhook struct {
	Secret       string `yaml:"secret" validate:"required"`
	DedupTTLS    int    `yaml:"dedup_ttl_s" validate:"min=1"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" validate:"min=1024"`
}

// DedupTTL returns the duplicate-delivery suppression window.
func (w Webhook) DedupTTL() time.Duration {
	return time.Duration(w.DedupTTLS) * time.Second
}

// Limits holds default container resource limits.
type Limits struct {
	CPU      float64 `yaml:"cpu" validate:"gt=0"`
	MemoryMB int64   `yaml:"memory_mb" validate:"min=64"`
	Pids     int64   `yaml:"pids" validate:"min=16"`
}

// Container configures the lifecycle manager and its samplers.
type Container struct {
	RunnerImage        string `yaml:"runner_image" validate:"required"`
	DefaultLimits      Limits `yaml:"default_limits"`
	SampleIntervalS    int    `yaml:"sample_interval_s" validate:"min=1"`
	HeartbeatIntervalS int    `yaml:"heartbeat_interval_s" validate:"min=1"`
	CPUHighPct         float64 `yaml:"cpu_high_pct" validate:"gt=0,lte=100"`
	MemHighPct         float64 `yaml:"mem_high_pct" validate:"gt=0,lte=100"`
	StopGraceS         int    `yaml:"stop_grace_s" validate:"min=1"`
	LogTail            int    `yaml:"log_tail" validate:"min=1"`
	ReadOnlyRoot       bool   `yaml:"read_only_root"`
}

// SampleInterval returns the resource sampler interval.
func (c Container) SampleInterval() time.Duration {
	return time.Duration(c.SampleIntervalS) * time.Second
}

// HeartbeatInterval returns the expected runner heartbeat cadence.
func (c Container) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalS) * time.Second
}

// StopGrace returns the default stop grace period.
func (c Container) StopGrace() time.Duration {
	return time.Duration(c.StopGraceS) * time.Second
}

// DefaultResourceLimits converts the configured defaults to the store
// representation.
func (c Container) DefaultResourceLimits() types.ResourceLimits {
	return types.ResourceLimits{
		CPULimit:         c.DefaultLimits.CPU,
		MemoryLimitBytes: c.DefaultLimits.MemoryMB * 1024 * 1024,
		PidsLimit:        c.DefaultLimits.Pids,
	}
}

// Default returns the built-in configuration. The webhook secret and
// upstream token are intentionally empty; they come from the file or
// the environment.
func Default() Config {
	return Config{
		DataDir: "/var/lib/runnerhub",
		Server: Server{
			Listen:         ":8080",
			ReadTimeoutS:   30,
			WriteTimeoutS:  30,
			ShutdownGraceS: 30,
		},
		Log: Log{
			Level: "info",
			JSON:  true,
		},
		Store: Store{
			Path: "/var/lib/runnerhub/runnerhub.db",
		},
		Queue: Queue{
			Path:               "/var/lib/runnerhub/queue.db",
			MaxAttempts:        5,
			VisibilityTimeoutS: 60,
			StarvationLimit:    10,
		},
		Dispatch: Dispatch{
			Workers:            4,
			ReserveMaxAttempts: 10,
			NackBackoffS:       5,
		},
		Autoscaler: Autoscaler{
			TickS:                 30,
			DefaultMinRunners:     0,
			DefaultMaxRunners:     10,
			DefaultScaleIncrement: 1,
			DefaultPolicy:         types.DefaultPoolPolicy(),
			PredictiveWindow:      30,
			PredictiveHorizonS:    1800,
			PredictiveConfidence:  0.7,
		},
		Cleanup: Cleanup{
			IntervalS:    300,
			Policies:     []string{"idle", "failed", "orphaned", "expired"},
			IdleTTLS:     1800,
			FailedAgeS:   600,
			OrphanedAgeS: 3600,
			MaxLifetimeS: 86400,
		},
		Network: Network{
			CIDR:      "10.100.0.0/16",
			IdleTTLS:  3600,
			Prefix:    "runnerhub",
			CacheTTLS: 600,
		},
		Upstream: Upstream{
			BaseURL:    "https://api.github.com",
			Strategy:   "adaptive",
			MaxRPH:     0,
			MaxRetries: 3,
		},
		Webhook: Webhook{
			DedupTTLS:    60,
			MaxBodyBytes: 1 << 20,
		},
		Container: Container{
			RunnerImage:        "ghcr.io/actions/actions-runner:latest",
			DefaultLimits:      Limits{CPU: 2, MemoryMB: 4096, Pids: 512},
			SampleIntervalS:    30,
			HeartbeatIntervalS: 30,
			CPUHighPct:         90,
			MemHighPct:         90,
			StopGraceS:         30,
			LogTail:            1000,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies
// environment overrides, and validates the result. An empty path
// loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvWebhookSecret); v != "" {
		cfg.Webhook.Secret = v
	}
	if v := os.Getenv(EnvUpstreamToken); v != "" {
		cfg.Upstream.Token = v
	}
}

// Validate checks the configuration against its constraints.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
			first := errs[0]
			return types.Validationf("config field %s fails %q", first.Namespace(), first.Tag())
		}
		return types.Validationf("config: %v", err)
	}
	if c.Autoscaler.DefaultMinRunners > c.Autoscaler.DefaultMaxRunners {
		return types.Validationf("config: default_min_runners exceeds default_max_runners")
	}
	return nil
}
