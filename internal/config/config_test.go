package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/disputesync/internal/canonical"
)

const sampleYAML = `
server:
  addr: ":9090"
  jwt_secret: "s3cret"
storage:
  profile: durable-local
  data_dir: /var/lib/ds
engine:
  event_workers: 2
scoring:
  win_rates:
    - reason_code: "10.4"
      rate: 0.55
    - reason_code: fraudulent
      property_id: prop-9
      rate: 0.8
connections:
  - id: gw-1
    adapter_kind: dispute_gateway
    base_url: https://gw.example.com
    rate_limit:
      per_minute: 90
      burst: 5
    capabilities:
      notes:
        write: true
    secrets_from_env:
      client_secret: GW_CLIENT_SECRET
  - id: mews-1
    adapter_kind: mews
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "disputesync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, int64(1<<20), cfg.Server.MaxBodyBytes)
	assert.Equal(t, 5*time.Minute, cfg.Engine.TokenBuffer)
	assert.Equal(t, 4, cfg.Engine.TaskWorkers)
	assert.Empty(t, cfg.Storage.StoreDSN)
	assert.Empty(t, cfg.Connections)
}

func TestLoadFileResolvesProfileAndConnections(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 2, cfg.Engine.EventWorkers)
	assert.Equal(t, "sqlite:///var/lib/ds/disputesync.db", cfg.Storage.StoreDSN)
	assert.Equal(t, "file:///var/lib/ds/queues", cfg.Storage.EventQueueDSN)
	assert.Equal(t, cfg.Storage.EventQueueDSN, cfg.Storage.TaskQueueDSN)

	require.Len(t, cfg.Connections, 2)
	gw := cfg.Connections[0]
	assert.Equal(t, "dispute_gateway", gw.AdapterKind)
	require.NotNil(t, gw.RateLimit)
	assert.Equal(t, canonical.RateLimitPolicy{PerMinute: 90, Burst: 5}, *gw.RateLimit)
	assert.True(t, gw.Capabilities.Allows(canonical.EntityNotes, canonical.OperationWrite))
	assert.Equal(t, "GW_CLIENT_SECRET", gw.SecretsFromEnv["client_secret"])

	limits := cfg.RateLimits()
	assert.Len(t, limits, 1)
	assert.Equal(t, 90, limits["gw-1"].PerMinute)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, t.TempDir(), sampleYAML)
	t.Setenv("DISPUTESYNC_SERVER_ADDR", ":7070")
	t.Setenv("DISPUTESYNC_ENGINE_POLL_INTERVAL", "90s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, 90*time.Second, cfg.Engine.PollInterval)
}

func TestValidateRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"duplicate connection": "connections:\n  - {id: a, adapter_kind: mews}\n  - {id: a, adapter_kind: mews}\n",
		"missing kind":         "connections:\n  - {id: a}\n",
		"zero rate":            "connections:\n  - id: a\n    adapter_kind: mews\n    rate_limit: {per_minute: 0}\n",
		"rate out of range":    "scoring:\n  win_rates:\n    - {reason_code: general, rate: 1.5}\n",
		"unknown profile":      "storage:\n  profile: cloud\n",
		"production no dsn":    "storage:\n  profile: production\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, dir, body))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestScoringTablesApplyOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, t.TempDir(), sampleYAML))
	require.NoError(t, err)

	tables := cfg.ScoringTables()
	assert.InDelta(t, 0.55, tables.WinRates["10.4"], 1e-9)
	assert.InDelta(t, 0.8, tables.PropertyWinRates["prop-9"]["fraudulent"], 1e-9)
	assert.InDelta(t, 0.45, tables.WinRates["fraudulent"], 1e-9)
}

func TestHolderReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleYAML)
	initial, err := Load(path)
	require.NoError(t, err)

	h := NewHolder(initial, path)
	h.debounce = 10 * time.Millisecond
	var seen atomic.Int64
	h.OnReload(func(prev, next Config) {
		if prev.RateLimits()["gw-1"].PerMinute == 90 {
			seen.Store(int64(next.RateLimits()["gw-1"].PerMinute))
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.Watch(ctx))

	updated := strings.Replace(sampleYAML, "per_minute: 90", "per_minute: 120", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool { return seen.Load() == 120 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 120, h.Get().RateLimits()["gw-1"].PerMinute)
}

func TestHolderKeepsConfigWhenReloadFails(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleYAML)
	initial, err := Load(path)
	require.NoError(t, err)
	h := NewHolder(initial, path)

	writeConfig(t, dir, "connections:\n  - {id: a}\n")
	require.ErrorIs(t, h.Reload(), ErrInvalid)
	assert.Equal(t, ":9090", h.Get().Server.Addr)
}
