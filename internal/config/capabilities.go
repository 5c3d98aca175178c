package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/internal/models"
)

// CapabilityDefaults fill profile fields the capabilities file leaves unset.
type CapabilityDefaults struct {
	MaxConcurrency int     `yaml:"max_concurrency"`
	RatePerSecond  float64 `yaml:"rate_per_second"`
	Burst          int     `yaml:"burst"`
	InitialScore   float64 `yaml:"initial_score"`
}

// CapabilitiesConfig declares the worker capability profiles the registry
// starts with. Tags not listed here are auto-registered with registry
// defaults when a graph builder emits them.
type CapabilitiesConfig struct {
	Defaults     CapabilityDefaults         `yaml:"defaults"`
	Capabilities []models.CapabilityProfile `yaml:"capabilities"`
}

var (
	capabilitiesConfig     *CapabilitiesConfig
	capabilitiesConfigOnce sync.Once
	capabilitiesConfigErr  error
)

// LoadCapabilities loads capabilities.yaml once and caches the result.
func LoadCapabilities() (*CapabilitiesConfig, error) {
	capabilitiesConfigOnce.Do(func() {
		capabilitiesConfig, capabilitiesConfigErr = loadCapabilitiesFromFile()
	})
	return capabilitiesConfig, capabilitiesConfigErr
}

// ReloadCapabilities drops the cache and re-reads the file. The config
// manager's handler calls this before pushing profiles into the registry.
func ReloadCapabilities() (*CapabilitiesConfig, error) {
	capabilitiesConfigOnce = sync.Once{}
	return LoadCapabilities()
}

func loadCapabilitiesFromFile() (*CapabilitiesConfig, error) {
	cfgPath := os.Getenv("CAPABILITIES_CONFIG_PATH")
	if cfgPath == "" {
		candidates := []string{
			"/app/config/capabilities.yaml",
			"config/capabilities.yaml",
		}
		for _, c := range candidates {
			if _, err := os.Stat(c); err == nil {
				cfgPath = c
				break
			}
		}
	}

	if cfgPath == "" {
		return defaultCapabilitiesConfig(), nil
	}

	data, err := os.ReadFile(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("read capabilities config: %w", err)
	}

	var cfg CapabilitiesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse capabilities config: %w", err)
	}

	applyCapabilityDefaults(&cfg)
	return &cfg, nil
}

// ParseCapabilities converts a raw config map (as delivered by the config
// manager's change events) into profiles, applying the same defaults as the
// file loader.
func ParseCapabilities(configMap map[string]interface{}) (*CapabilitiesConfig, error) {
	// Round-trip through yaml keeps one set of parsing rules for both paths.
	data, err := yaml.Marshal(configMap)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities map: %w", err)
	}
	var cfg CapabilitiesConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse capabilities map: %w", err)
	}
	applyCapabilityDefaults(&cfg)
	return &cfg, nil
}

func defaultCapabilitiesConfig() *CapabilitiesConfig {
	cfg := &CapabilitiesConfig{
		Defaults: CapabilityDefaults{
			MaxConcurrency: 2,
			InitialScore:   0.5,
		},
		Capabilities: []models.CapabilityProfile{
			{Tag: "general", MaxConcurrency: 4},
			{Tag: "research", MaxConcurrency: 4},
			{Tag: "analysis", MaxConcurrency: 2},
		},
	}
	applyCapabilityDefaults(cfg)
	return cfg
}

func applyCapabilityDefaults(cfg *CapabilitiesConfig) {
	if cfg.Defaults.MaxConcurrency <= 0 {
		cfg.Defaults.MaxConcurrency = 2
	}
	if cfg.Defaults.InitialScore <= 0 {
		cfg.Defaults.InitialScore = 0.5
	}
	for i := range cfg.Capabilities {
		p := &cfg.Capabilities[i]
		if p.MaxConcurrency <= 0 {
			p.MaxConcurrency = cfg.Defaults.MaxConcurrency
		}
		if p.RatePerSecond <= 0 {
			p.RatePerSecond = cfg.Defaults.RatePerSecond
		}
		if p.Burst <= 0 && p.RatePerSecond > 0 {
			b := cfg.Defaults.Burst
			if b <= 0 {
				b = 1
			}
			p.Burst = b
		}
		if p.HistoricalScore <= 0 {
			p.HistoricalScore = cfg.Defaults.InitialScore
		}
	}
}
