package config

import (
	"fmt"
	"os"

	"github.com/spf13/viper"
)

// ObservabilityConfig holds the metrics and log-format toggles from
// features.yaml.
type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

// WorkerConfig points at the external worker service.
type WorkerConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	TimeoutMs int    `mapstructure:"timeout_ms"`
}

// Features is the flat feature-toggle file, loaded once at startup. The
// richer loom.yaml goes through LoomConfigManager and hot-reloads; this one
// does not.
type Features struct {
	Observability ObservabilityConfig `mapstructure:"observability"`
	Worker        WorkerConfig        `mapstructure:"worker"`
}

// Load reads features.yaml from CONFIG_PATH or /app/config/features.yaml.
func Load() (*Features, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "/app/config/features.yaml"
	}

	v := viper.New()
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var f Features
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &f, nil
}

// MetricsPort returns the port from METRICS_PORT, then features.yaml, then
// defaultPort.
func MetricsPort(defaultPort int) int {
	if p := os.Getenv("METRICS_PORT"); p != "" {
		var v int
		_, _ = fmt.Sscanf(p, "%d", &v)
		if v > 0 {
			return v
		}
	}
	if f, err := Load(); err == nil {
		if f.Observability.Metrics.Port > 0 {
			return f.Observability.Metrics.Port
		}
	}
	return defaultPort
}

// WorkerBaseURL returns the worker endpoint from WORKER_BASE_URL, then
// features.yaml, then defaultURL.
func WorkerBaseURL(defaultURL string) string {
	if v := os.Getenv("WORKER_BASE_URL"); v != "" {
		return v
	}
	if f, err := Load(); err == nil {
		if f.Worker.BaseURL != "" {
			return f.Worker.BaseURL
		}
	}
	return defaultURL
}
