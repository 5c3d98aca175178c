package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultLoomConfig(t *testing.T) {
	cfg := DefaultLoomConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, 8080, cfg.Service.Port)
	assert.Equal(t, 3, cfg.Graph.MaxDepth)
	assert.Equal(t, 5, cfg.Graph.MaxFanout)
	assert.InDelta(t, 0.7, cfg.Graph.DefaultQualityThreshold, 1e-9)
	assert.Equal(t, 3, cfg.Graph.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Scheduler.InitialInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.MaximumInterval)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 256, cfg.Streaming.RingCapacity)
	assert.Equal(t, "off", cfg.Policy.Mode)
	assert.True(t, cfg.Auth.SkipAuth)
}

func TestValidateLoomConfig(t *testing.T) {
	cases := []struct {
		name    string
		config  map[string]interface{}
		wantErr bool
	}{
		{
			name:   "empty config is valid",
			config: map[string]interface{}{},
		},
		{
			name: "valid sections",
			config: map[string]interface{}{
				"service": map[string]interface{}{"port": float64(9090)},
				"graph": map[string]interface{}{
					"max_depth":                 float64(4),
					"default_quality_threshold": 0.8,
				},
				"policy": map[string]interface{}{"mode": "dry-run"},
			},
		},
		{
			name:    "port out of range",
			config:  map[string]interface{}{"service": map[string]interface{}{"port": float64(99999)}},
			wantErr: true,
		},
		{
			name:    "threshold above one",
			config:  map[string]interface{}{"graph": map[string]interface{}{"default_quality_threshold": 1.5}},
			wantErr: true,
		},
		{
			name:    "zero fanout",
			config:  map[string]interface{}{"graph": map[string]interface{}{"max_fanout": float64(0)}},
			wantErr: true,
		},
		{
			name:    "backoff coefficient below one",
			config:  map[string]interface{}{"scheduler": map[string]interface{}{"backoff_coefficient": 0.5}},
			wantErr: true,
		},
		{
			name:    "unknown store driver",
			config:  map[string]interface{}{"store": map[string]interface{}{"driver": "mysql"}},
			wantErr: true,
		},
		{
			name:    "unknown policy mode",
			config:  map[string]interface{}{"policy": map[string]interface{}{"mode": "audit"}},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateLoomConfig(tc.config)
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoomConfigManagerAppliesUpdates(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, zap.NewNop())
	require.NoError(t, err)
	lcm := NewLoomConfigManager(cm, zap.NewNop())
	require.NoError(t, lcm.Initialize())

	updated := make(chan *LoomConfig, 1)
	lcm.RegisterCallback(func(_, newConfig *LoomConfig) error {
		select {
		case updated <- newConfig:
		default:
		}
		return nil
	})

	err = cm.SetConfig("loom.yaml", map[string]interface{}{
		"service": map[string]interface{}{
			"port":         float64(9191),
			"read_timeout": "15s",
		},
		"graph": map[string]interface{}{
			"max_depth":                 float64(2),
			"default_quality_threshold": 0.85,
		},
		"scheduler": map[string]interface{}{
			"initial_interval": "250ms",
			"max_finished":     float64(32),
		},
		"redis": map[string]interface{}{
			"enabled": true,
			"addr":    "redis:6379",
		},
		"auth": map[string]interface{}{
			"enabled":   true,
			"skip_auth": false,
			"api_keys": []interface{}{
				map[string]interface{}{
					"name":   "ci",
					"hash":   "$2a$10$N9qo8uLOickgx2ZMRZoMye",
					"scopes": []interface{}{"requests:read"},
				},
				// Entries without a hash are dropped.
				map[string]interface{}{"name": "incomplete"},
			},
		},
	})
	require.NoError(t, err)

	// SetConfig dispatches the change event but the typed update happens in
	// the registered handler goroutine.
	select {
	case cfg := <-updated:
		assert.Equal(t, 9191, cfg.Service.Port)
		assert.Equal(t, 15*time.Second, cfg.Service.ReadTimeout)
		assert.Equal(t, 2, cfg.Graph.MaxDepth)
		assert.InDelta(t, 0.85, cfg.Graph.DefaultQualityThreshold, 1e-9)
		assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.InitialInterval)
		assert.Equal(t, 32, cfg.Scheduler.MaxFinished)
		assert.True(t, cfg.Redis.Enabled)
		assert.Equal(t, "redis:6379", cfg.Redis.Addr)
		assert.True(t, cfg.Auth.Enabled)
		assert.False(t, cfg.Auth.SkipAuth)
		require.Len(t, cfg.Auth.APIKeys, 1)
		assert.Equal(t, "ci", cfg.Auth.APIKeys[0].Name)
		assert.Equal(t, []string{"requests:read"}, cfg.Auth.APIKeys[0].Scopes)
		// Untouched sections keep their defaults.
		assert.Equal(t, 5, cfg.Graph.MaxFanout)
		assert.Equal(t, "off", cfg.Policy.Mode)
	case <-time.After(2 * time.Second):
		t.Fatal("configuration update never reached the callback")
	}
}

func TestLoomConfigManagerRejectsInvalidUpdate(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, zap.NewNop())
	require.NoError(t, err)
	lcm := NewLoomConfigManager(cm, zap.NewNop())
	require.NoError(t, lcm.Initialize())

	err = cm.SetConfig("loom.yaml", map[string]interface{}{
		"policy": map[string]interface{}{"mode": "bogus"},
	})
	require.Error(t, err)

	// The invalid config never replaced the current one.
	assert.Equal(t, "off", lcm.GetConfig().Policy.Mode)
}

func TestConfigManagerWatchesFiles(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, zap.NewNop())
	require.NoError(t, err)

	seen := make(chan ChangeEvent, 4)
	cm.RegisterHandler("loom.yaml", func(event ChangeEvent) error {
		seen <- event
		return nil
	})

	require.NoError(t, cm.Start())
	defer cm.Stop()

	path := filepath.Join(dir, "loom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  port: 9999\n"), 0o644))

	select {
	case event := <-seen:
		service, ok := event.Config["service"].(map[string]interface{})
		require.True(t, ok, "service section missing: %+v", event.Config)
		assert.Equal(t, 9999, service["port"])
	case <-time.After(5 * time.Second):
		t.Fatal("file write never produced a change event")
	}
}

func TestConfigManagerIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not config"), 0o644))
	require.NoError(t, cm.Start())
	defer cm.Stop()

	_, exists := cm.GetConfig("notes.txt")
	assert.False(t, exists)
}

func TestConfigManagerPolicyHandler(t *testing.T) {
	dir := t.TempDir()
	cm, err := NewConfigManager(dir, zap.NewNop())
	require.NoError(t, err)

	reloaded := make(chan struct{}, 2)
	cm.RegisterPolicyHandler(func() error {
		reloaded <- struct{}{}
		return nil
	})

	require.NoError(t, cm.Start())
	defer cm.Stop()

	path := filepath.Join(dir, "dispatch.rego")
	require.NoError(t, os.WriteFile(path, []byte("package loom\n\ndefault allow = true\n"), 0o644))

	select {
	case <-reloaded:
	case <-time.After(5 * time.Second):
		t.Fatal("rego write never triggered the policy handler")
	}
}

func TestLoadCapabilitiesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capabilities.yaml")
	body := `defaults:
  max_concurrency: 3
  initial_score: 0.4
capabilities:
  - tag: research
    max_concurrency: 8
    rate_per_second: 2.5
  - tag: analysis
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("CAPABILITIES_CONFIG_PATH", path)

	cfg, err := ReloadCapabilities()
	require.NoError(t, err)
	require.Len(t, cfg.Capabilities, 2)

	research := cfg.Capabilities[0]
	assert.Equal(t, "research", research.Tag)
	assert.Equal(t, 8, research.MaxConcurrency)
	assert.InDelta(t, 2.5, research.RatePerSecond, 1e-9)
	assert.Equal(t, 1, research.Burst)

	analysis := cfg.Capabilities[1]
	assert.Equal(t, "analysis", analysis.Tag)
	assert.Equal(t, 3, analysis.MaxConcurrency)
	assert.InDelta(t, 0.4, analysis.HistoricalScore, 1e-9)
}

func TestLoadCapabilitiesDefaults(t *testing.T) {
	t.Setenv("CAPABILITIES_CONFIG_PATH", "")
	// Run from a directory without config/capabilities.yaml so the built-in
	// defaults apply.
	cfg, err := ReloadCapabilities()
	require.NoError(t, err)
	require.NotEmpty(t, cfg.Capabilities)
	for _, p := range cfg.Capabilities {
		assert.NotEmpty(t, p.Tag)
		assert.Greater(t, p.MaxConcurrency, 0)
	}
}

func TestParseCapabilities(t *testing.T) {
	cfg, err := ParseCapabilities(map[string]interface{}{
		"capabilities": []interface{}{
			map[string]interface{}{"tag": "research", "max_concurrency": 6},
		},
	})
	require.NoError(t, err)
	require.Len(t, cfg.Capabilities, 1)
	assert.Equal(t, "research", cfg.Capabilities[0].Tag)
	assert.Equal(t, 6, cfg.Capabilities[0].MaxConcurrency)
}

func TestFeaturesLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "features.yaml")
	body := `observability:
  metrics:
    enabled: true
    port: 2112
  logging:
    level: debug
    format: json
worker:
  base_url: http://worker:8000
  timeout_ms: 45000
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("CONFIG_PATH", path)

	f, err := Load()
	require.NoError(t, err)
	assert.True(t, f.Observability.Metrics.Enabled)
	assert.Equal(t, 2112, f.Observability.Metrics.Port)
	assert.Equal(t, "debug", f.Observability.Logging.Level)
	assert.Equal(t, "http://worker:8000", f.Worker.BaseURL)
	assert.Equal(t, 45000, f.Worker.TimeoutMs)

	assert.Equal(t, 2112, MetricsPort(9090))
	assert.Equal(t, "http://worker:8000", WorkerBaseURL("http://localhost:8000"))
}

func TestMetricsPortEnvOverride(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("METRICS_PORT", "3001")
	assert.Equal(t, 3001, MetricsPort(9090))

	t.Setenv("METRICS_PORT", "")
	assert.Equal(t, 9090, MetricsPort(9090))
}
