// Package policy evaluates admission policies against incoming work.
//
// Policies are OPA rego modules loaded from a directory and compiled once
// into a prepared query; the bundle can be swapped at runtime when a policy
// file changes on disk. The engine gates two points of the pipeline: request
// submission and task dispatch. In dry-run mode decisions are evaluated and
// logged but never enforced, which is how new policies are qualified before
// the mode is switched to enforce.
package policy

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
)

// decisionQuery is the rego document every policy bundle must produce.
const decisionQuery = "data.loom.admission.decision"

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 5 * time.Minute
)

// ErrDenied is returned by admission checks when a policy denies the work.
var ErrDenied = errors.New("denied by policy")

// Evaluation stages. Policies receive the stage as input.stage so one module
// can treat submission and dispatch differently.
const (
	StageSubmit   = "submit"
	StageDispatch = "dispatch"
)

// Engine is the decision interface consulted before admitting work.
type Engine interface {
	Evaluate(ctx context.Context, input *AdmissionInput) (*Decision, error)
	LoadPolicies() error
	IsEnabled() bool
	// Environment returns the configured environment (e.g. dev|staging|prod).
	Environment() string
	// Mode returns the enforcement mode (off|dry-run|enforce).
	Mode() Mode
}

// AdmissionInput is the evaluation context handed to the rego policies.
// Submission inputs carry the request's graph bounds; dispatch inputs carry
// the task's capability tag, priority and depth.
type AdmissionInput struct {
	RequestID     string `json:"request_id"`
	Stage         string `json:"stage"`
	Query         string `json:"query"`
	CapabilityTag string `json:"capability_tag,omitempty"`
	Priority      int    `json:"priority,omitempty"`
	Depth         int    `json:"depth,omitempty"`
	Fanout        int    `json:"fanout,omitempty"`
	UserID        string `json:"user_id,omitempty"`

	Environment string    `json:"environment"`
	Timestamp   time.Time `json:"timestamp"`
}

// Decision is the policy evaluation result.
type Decision struct {
	Allow         bool   `json:"allow"`
	Reason        string `json:"reason,omitempty"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

// OPAEngine implements Engine on the OPA rego evaluator.
type OPAEngine struct {
	config *Config
	logger *zap.Logger
	cache  *decisionCache

	mu       sync.RWMutex
	compiled *rego.PreparedEvalQuery
	version  string
}

// NewOPAEngine builds an engine and loads the configured policy directory.
// A load failure is fatal under fail-closed; under fail-open the engine
// starts without a bundle and admits everything until a reload succeeds.
func NewOPAEngine(config *Config, logger *zap.Logger) (*OPAEngine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config.Normalize()

	engine := &OPAEngine{
		config: config,
		logger: logger,
		cache:  newDecisionCache(defaultCacheSize, defaultCacheTTL),
	}

	if !config.Enabled {
		return engine, nil
	}

	if err := engine.LoadPolicies(); err != nil {
		if config.FailClosed {
			return nil, fmt.Errorf("load policies in fail-closed mode: %w", err)
		}
		logger.Warn("Failed to load policies, continuing fail-open", zap.Error(err))
	}
	return engine, nil
}

// LoadPolicies compiles every .rego file under the configured directory and
// swaps the prepared query in atomically. The decision cache is purged so
// decisions from the previous bundle cannot outlive it. The config manager's
// policy handler calls this when a .rego file changes.
func (e *OPAEngine) LoadPolicies() error {
	if !e.config.Enabled {
		return nil
	}

	modules := make(map[string]string)
	err := filepath.Walk(e.config.Path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(info.Name(), ".rego") {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read policy file %s: %w", path, err)
		}
		rel, _ := filepath.Rel(e.config.Path, path)
		modules[strings.TrimSuffix(rel, ".rego")] = string(content)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk policy directory %s: %w", e.config.Path, err)
	}

	if len(modules) == 0 {
		if e.config.FailClosed {
			return fmt.Errorf("no policies found under %s in fail-closed mode", e.config.Path)
		}
		e.logger.Warn("No policy files found", zap.String("path", e.config.Path))
		return nil
	}

	opts := []func(*rego.Rego){rego.Query(decisionQuery)}
	for name, content := range modules {
		opts = append(opts, rego.Module(name, content))
	}
	compiled, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("compile policies: %w", err)
	}

	version := bundleVersion(modules)
	e.mu.Lock()
	e.compiled = &compiled
	e.version = version
	e.mu.Unlock()
	e.cache.Purge()

	e.logger.Info("Policies loaded",
		zap.Int("modules", len(modules)),
		zap.String("version", version),
		zap.String("query", decisionQuery))
	return nil
}

// Evaluate runs the admission policies against the input. Evaluation errors
// never propagate past the fail mode: fail-open allows with a nil error,
// fail-closed denies and returns the error.
func (e *OPAEngine) Evaluate(ctx context.Context, input *AdmissionInput) (*Decision, error) {
	start := time.Now()

	e.mu.RLock()
	compiled := e.compiled
	version := e.version
	e.mu.RUnlock()

	if !e.config.Enabled || compiled == nil {
		return &Decision{
			Allow:  !e.config.FailClosed,
			Reason: "policy engine disabled or no policies loaded",
		}, nil
	}

	if d, ok := e.cache.Get(input); ok {
		metrics.PolicyCacheLookups.WithLabelValues("hit").Inc()
		return d, nil
	}
	metrics.PolicyCacheLookups.WithLabelValues("miss").Inc()

	inputMap, err := toInputMap(input)
	if err != nil {
		return e.failDecision("input conversion failed", err)
	}

	results, err := compiled.Eval(ctx, rego.EvalInput(inputMap))
	if err != nil {
		return e.failDecision("policy evaluation failed", err)
	}

	decision := parseResults(results)
	decision.PolicyVersion = version
	decision = e.applyMode(decision, input)

	duration := time.Since(start)
	metrics.PolicyEvaluationDuration.WithLabelValues(string(e.config.Mode)).Observe(duration.Seconds())
	metrics.PolicyDecisions.WithLabelValues(decisionLabel(decision.Allow)).Inc()
	e.auditLog(input, decision, duration)

	e.cache.Set(input, decision)
	return decision, nil
}

// IsEnabled reports whether a bundle is loaded and evaluation is active.
func (e *OPAEngine) IsEnabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.config.Enabled && e.compiled != nil
}

// Environment returns the configured environment for the engine.
func (e *OPAEngine) Environment() string { return e.config.Environment }

// Mode returns the configured enforcement mode.
func (e *OPAEngine) Mode() Mode { return e.config.Mode }

// failDecision resolves an evaluation error according to the fail mode.
func (e *OPAEngine) failDecision(reason string, err error) (*Decision, error) {
	metrics.PolicyDecisions.WithLabelValues("error").Inc()
	if e.config.FailClosed {
		e.logger.Error("Policy evaluation error, denying fail-closed",
			zap.String("cause", reason), zap.Error(err))
		return &Decision{Allow: false, Reason: reason}, err
	}
	e.logger.Warn("Policy evaluation error, allowing fail-open",
		zap.String("cause", reason), zap.Error(err))
	return &Decision{Allow: true, Reason: reason}, nil
}

// applyMode converts the raw policy outcome into the decision callers act
// on. Dry-run always allows and rewrites the reason so the logs show what
// enforcement would have done.
func (e *OPAEngine) applyMode(decision *Decision, input *AdmissionInput) *Decision {
	if e.config.Mode != ModeDryRun {
		return decision
	}

	if decision.Allow {
		decision.Reason = fmt.Sprintf("DRY-RUN: would have been allowed - %s", decision.Reason)
	} else {
		e.logger.Info("Dry-run policy would have denied",
			zap.String("request_id", input.RequestID),
			zap.String("stage", input.Stage),
			zap.String("reason", decision.Reason))
		decision.Reason = fmt.Sprintf("DRY-RUN: would have been denied - %s", decision.Reason)
	}
	decision.Allow = true
	return decision
}

func (e *OPAEngine) auditLog(input *AdmissionInput, decision *Decision, duration time.Duration) {
	fields := []zap.Field{
		zap.Bool("allow", decision.Allow),
		zap.String("reason", decision.Reason),
		zap.String("stage", input.Stage),
		zap.String("request_id", input.RequestID),
		zap.String("capability", input.CapabilityTag),
		zap.String("policy_version", decision.PolicyVersion),
		zap.Duration("duration", duration),
	}
	if e.config.Audit {
		e.logger.Info("Admission decision", fields...)
		return
	}
	e.logger.Debug("Admission decision", fields...)
}

// toInputMap converts the input to the generic document OPA evaluates.
func toInputMap(input *AdmissionInput) (map[string]interface{}, error) {
	data, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// parseResults extracts a Decision from the rego result set. Policies may
// produce either a structured {allow, reason} document or a bare boolean.
func parseResults(results rego.ResultSet) *Decision {
	decision := &Decision{Allow: false, Reason: "no matching policy rules"}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return decision
	}

	switch value := results[0].Expressions[0].Value.(type) {
	case map[string]interface{}:
		if allow, ok := value["allow"].(bool); ok {
			decision.Allow = allow
		}
		if reason, ok := value["reason"].(string); ok {
			decision.Reason = reason
		}
	case bool:
		decision.Allow = value
		if value {
			decision.Reason = "allowed by policy"
		} else {
			decision.Reason = "denied by policy"
		}
	}
	return decision
}

func decisionLabel(allow bool) string {
	if allow {
		return "allow"
	}
	return "deny"
}

// bundleVersion fingerprints the loaded modules so a decision can be traced
// back to the policy text that produced it.
func bundleVersion(modules map[string]string) string {
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	h := md5.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte(modules[name]))
	}
	return hex.EncodeToString(h.Sum(nil)[:4])
}

// decisionCache memoizes decisions per input shape with a TTL so repeated
// evaluations of the same work skip the rego evaluator. The key deliberately
// excludes RequestID and Timestamp: admission depends on the shape of the
// work, not on which request carries it.
type decisionCache struct {
	entries *expirable.LRU[string, *Decision]
	hits    int64
	misses  int64
}

func newDecisionCache(size int, ttl time.Duration) *decisionCache {
	if size <= 0 {
		size = defaultCacheSize
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &decisionCache{entries: expirable.NewLRU[string, *Decision](size, nil, ttl)}
}

func (c *decisionCache) Get(input *AdmissionInput) (*Decision, bool) {
	if d, ok := c.entries.Get(cacheKey(input)); ok {
		atomic.AddInt64(&c.hits, 1)
		return d, true
	}
	atomic.AddInt64(&c.misses, 1)
	return nil, false
}

func (c *decisionCache) Set(input *AdmissionInput, d *Decision) {
	c.entries.Add(cacheKey(input), d)
}

func (c *decisionCache) Purge() {
	c.entries.Purge()
}

// Stats returns cumulative hit and miss counts.
func (c *decisionCache) Stats() (hits, misses int64) {
	return atomic.LoadInt64(&c.hits), atomic.LoadInt64(&c.misses)
}

// cacheKey folds the query through a hash so long queries stay cheap.
func cacheKey(input *AdmissionInput) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(strings.ToLower(input.Query)))
	return fmt.Sprintf("%s|%s|%s|%s|%d|%d|%d|%x",
		input.Environment, input.Stage, input.UserID, input.CapabilityTag,
		input.Priority, input.Depth, input.Fanout, h.Sum64())
}
