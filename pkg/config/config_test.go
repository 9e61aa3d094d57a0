package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDefaultValidatesWithSecret tests that the built-in defaults pass
// validation once a webhook secret is supplied.
func TestDefaultValidatesWithSecret(t *testing.T) {
	cfg := Default()
	cfg.Webhook.Secret = "s3cret"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 30*time.Second, cfg.Autoscaler.Tick())
	assert.Equal(t, 60*time.Second, cfg.Webhook.DedupTTL())
	assert.Equal(t, int64(4096*1024*1024), cfg.Container.DefaultResourceLimits().MemoryLimitBytes)
}

// TestDefaultRequiresSecret tests that a missing webhook secret fails
// validation.
func TestDefaultRequiresSecret(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.Validate())
}

// TestLoadOverlaysFile tests that file values replace defaults while
// unset keys keep them.
func TestLoadOverlaysFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
data_dir: /tmp/rh
server:
  listen: ":9090"
queue:
  max_attempts: 3
upstream:
  strategy: conservative
webhook:
  secret: file-secret
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Listen)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, "conservative", cfg.Upstream.Strategy)
	assert.Equal(t, "file-secret", cfg.Webhook.Secret)
	// Untouched keys keep defaults.
	assert.Equal(t, 60, cfg.Queue.VisibilityTimeoutS)
	assert.Equal(t, "10.100.0.0/16", cfg.Network.CIDR)
}

// TestLoadEnvOverridesFile tests that environment secrets win over the
// file.
func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := `
webhook:
  secret: file-secret
upstream:
  token: file-token
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv(EnvWebhookSecret, "env-secret")
	t.Setenv(EnvUpstreamToken, "env-token")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-secret", cfg.Webhook.Secret)
	assert.Equal(t, "env-token", cfg.Upstream.Token)
}

// TestLoadRejectsBadValues tests validation of out-of-range fields.
func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "bad log level",
			body: "log:\n  level: loud\nwebhook:\n  secret: x\n",
		},
		{
			name: "bad strategy",
			body: "upstream:\n  strategy: reckless\nwebhook:\n  secret: x\n",
		},
		{
			name: "bad cidr",
			body: "network:\n  cidr: not-a-cidr\nwebhook:\n  secret: x\n",
		},
		{
			name: "bad cleanup policy",
			body: "cleanup:\n  policies: [idle, aggressive]\nwebhook:\n  secret: x\n",
		},
		{
			name: "min above max",
			body: "autoscaler:\n  default_min_runners: 9\n  default_max_runners: 2\nwebhook:\n  secret: x\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

// TestLoadMissingFile tests that a bad path errors rather than
// silently using defaults.
func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/runnerhub.yaml")
	assert.Error(t, err)
}
