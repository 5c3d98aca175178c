package policy

import (
	"os"
	"strconv"
	"strings"
)

// Mode selects how policy decisions are applied.
type Mode string

const (
	// ModeOff disables policy evaluation entirely.
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies and logs the outcome without enforcing it.
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies.
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration.
type Config struct {
	// Enabled controls whether the policy engine is active.
	Enabled bool

	// Mode controls enforcement behavior.
	Mode Mode

	// Path is the directory containing .rego policy files.
	Path string

	// FailClosed determines behavior when policies cannot be loaded or
	// evaluated: true denies every request, false allows every request.
	FailClosed bool

	// Environment is handed to policies as input.environment.
	Environment string

	// Audit logs every decision at Info level instead of Debug.
	Audit bool
}

// LoadConfig builds policy configuration from environment variables. Unset
// variables fall back to a disabled engine.
func LoadConfig() *Config {
	cfg := &Config{
		Enabled:     getEnvBool("LOOM_POLICY_ENABLED", false),
		Mode:        Mode(getEnvString("LOOM_POLICY_MODE", "off")),
		Path:        getEnvString("LOOM_POLICY_PATH", "config/policies"),
		FailClosed:  getEnvBool("LOOM_POLICY_FAIL_CLOSED", false),
		Environment: getEnvString("ENVIRONMENT", "dev"),
		Audit:       getEnvBool("LOOM_POLICY_AUDIT", true),
	}
	cfg.Normalize()
	return cfg
}

// Normalize coerces unknown modes to off and keeps Enabled consistent with
// the mode.
func (c *Config) Normalize() {
	switch c.Mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	default:
		c.Mode = ModeOff
	}
	if c.Mode == ModeOff {
		c.Enabled = false
	}
}

// getEnvString returns the environment variable value or the default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns the environment variable as a boolean or the default.
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "1", "yes", "on", "enable", "enabled":
		return true
	case "false", "0", "no", "off", "disable", "disabled":
		return false
	default:
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		return defaultValue
	}
}
