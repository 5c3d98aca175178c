package taskgraph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/models"
)

// Defaults applied when the request config leaves fields zero.
const (
	DefaultMaxDepth         = 3
	DefaultMaxFanout        = 5
	DefaultQualityThreshold = 0.7
	DefaultMaxAttempts      = 3
	DefaultCapability       = "general"
)

// Subtask is one sub-question returned by a Decomposer. DependsOn references
// sibling subtask IDs from the same split.
type Subtask struct {
	ID               string   `json:"id,omitempty"`
	Query            string   `json:"query"`
	CapabilityTag    string   `json:"capability_tag,omitempty"`
	Priority         int      `json:"priority,omitempty"`
	DependsOn        []string `json:"depends_on,omitempty"`
	QualityThreshold float64  `json:"quality_threshold,omitempty"`
}

// Decomposer splits a query into sub-questions. Returning an empty slice
// means the query is atomic and should execute as-is. depth is the current
// recursion depth, 0 for the root request.
type Decomposer interface {
	Decompose(ctx context.Context, query string, depth int) ([]Subtask, error)
}

// DecomposerFunc adapts a function to the Decomposer interface.
type DecomposerFunc func(ctx context.Context, query string, depth int) ([]Subtask, error)

func (f DecomposerFunc) Decompose(ctx context.Context, query string, depth int) ([]Subtask, error) {
	return f(ctx, query, depth)
}

// Config bounds graph construction.
type Config struct {
	MaxDepth                int     `json:"max_depth" yaml:"max_depth"`
	MaxFanout               int     `json:"max_fanout" yaml:"max_fanout"`
	DefaultQualityThreshold float64 `json:"default_quality_threshold" yaml:"default_quality_threshold"`
	MaxAttempts             int     `json:"max_attempts" yaml:"max_attempts"`
	DefaultCapability       string  `json:"default_capability" yaml:"default_capability"`
}

func (c Config) withDefaults() Config {
	if c.MaxDepth <= 0 {
		c.MaxDepth = DefaultMaxDepth
	}
	if c.MaxFanout <= 0 {
		c.MaxFanout = DefaultMaxFanout
	}
	if c.DefaultQualityThreshold <= 0 || c.DefaultQualityThreshold > 1 {
		c.DefaultQualityThreshold = DefaultQualityThreshold
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.DefaultCapability == "" {
		c.DefaultCapability = DefaultCapability
	}
	return c
}

// Builder turns one request into a validated task graph.
type Builder struct {
	decomposer Decomposer
	cfg        Config
	logger     *zap.Logger
}

// NewBuilder creates a builder around the given decomposer.
func NewBuilder(d Decomposer, cfg Config, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{decomposer: d, cfg: cfg.withDefaults(), logger: logger}
}

// Build decomposes the request recursively up to MaxDepth and returns the
// validated graph. Interior nodes do not execute; their children carry the
// work and the synthesis engine merges the results. A request that
// decomposes into zero subtasks becomes a single-node graph, so the
// scheduler always has at least one dispatchable unit. Cycles introduced by
// declared dependencies fail the build; nothing is pruned silently.
func (b *Builder) Build(ctx context.Context, requestID, query string) (*Graph, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, &GraphError{Kind: ErrEmptyInput, Detail: "request query is empty"}
	}

	st := &buildState{
		builder: b,
		byID:    make(map[string]*models.Task),
	}
	root := Subtask{
		Query:            query,
		CapabilityTag:    b.cfg.DefaultCapability,
		QualityThreshold: b.cfg.DefaultQualityThreshold,
	}
	if _, err := st.expand(ctx, requestID, root, "", 0); err != nil {
		return nil, err
	}

	g := newGraph(requestID)
	for _, t := range st.tasks {
		g.add(t)
	}
	if err := g.validate(); err != nil {
		return nil, err
	}

	b.logger.Info("Task graph built",
		zap.String("request_id", requestID),
		zap.Int("tasks", g.Len()),
		zap.Int("max_depth", b.cfg.MaxDepth),
	)
	return g, nil
}

// buildState accumulates tasks during recursive expansion. Tasks enter the
// graph only after every sibling dependency has been lowered onto leaves.
type buildState struct {
	builder *Builder
	tasks   []*models.Task
	byID    map[string]*models.Task
	seq     int
}

// expand decomposes one node. It returns the IDs of the leaf tasks that
// carry the node's work: the node's own ID when it is atomic, otherwise the
// union of its children's leaves. parentID is the decomposition lineage
// marker for leaves created at this level ("" for a root-level leaf).
func (st *buildState) expand(ctx context.Context, requestID string, node Subtask, parentID string, depth int) ([]string, error) {
	b := st.builder

	var subs []Subtask
	if depth < b.cfg.MaxDepth {
		var err error
		subs, err = b.decomposer.Decompose(ctx, node.Query, depth)
		if err != nil {
			return nil, fmt.Errorf("decompose %q at depth %d: %w", node.Query, depth, err)
		}
	}

	if len(subs) == 0 {
		id, err := st.addLeaf(requestID, node, parentID, depth)
		if err != nil {
			return nil, err
		}
		return []string{id}, nil
	}

	if len(subs) > b.cfg.MaxFanout {
		b.logger.Warn("Decomposition exceeded max fanout, truncating",
			zap.String("query", node.Query),
			zap.Int("returned", len(subs)),
			zap.Int("max_fanout", b.cfg.MaxFanout),
		)
		subs = subs[:b.cfg.MaxFanout]
	}

	// Assign IDs first so sibling dependencies may reference forward.
	sibling := make(map[string][]string, len(subs))
	for i := range subs {
		if subs[i].ID == "" {
			subs[i].ID = uuid.NewString()
		}
		if _, dup := sibling[subs[i].ID]; dup {
			return nil, &GraphError{
				Kind:   ErrInvalidDependency,
				Detail: fmt.Sprintf("duplicate subtask id %s under %q", subs[i].ID, node.Query),
			}
		}
		sibling[subs[i].ID] = nil
	}

	// Children descend from this node; the root node is identified by the
	// request itself.
	nodeID := node.ID
	if nodeID == "" {
		nodeID = requestID
	}
	var all []string
	for _, sub := range subs {
		leaves, err := st.expand(ctx, requestID, sub, nodeID, depth+1)
		if err != nil {
			return nil, err
		}
		sibling[sub.ID] = leaves
		all = append(all, leaves...)
	}

	// Lower declared sibling dependencies onto leaf tasks: every leaf of the
	// dependent waits for every leaf of the dependency.
	for _, sub := range subs {
		for _, dep := range sub.DependsOn {
			depLeaves, ok := sibling[dep]
			if !ok {
				return nil, &GraphError{
					Kind:   ErrInvalidDependency,
					Detail: fmt.Sprintf("subtask %s references unknown sibling %s", sub.ID, dep),
				}
			}
			for _, leafID := range sibling[sub.ID] {
				leaf := st.byID[leafID]
				leaf.DependsOn = appendUnique(leaf.DependsOn, depLeaves...)
			}
		}
	}
	return all, nil
}

func (st *buildState) addLeaf(requestID string, node Subtask, parentID string, depth int) (string, error) {
	b := st.builder
	id := node.ID
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := st.byID[id]; exists {
		return "", &GraphError{
			Kind:   ErrInvalidDependency,
			Detail: fmt.Sprintf("duplicate task id %s", id),
		}
	}

	tag := node.CapabilityTag
	if tag == "" {
		tag = b.cfg.DefaultCapability
	}
	threshold := node.QualityThreshold
	if threshold <= 0 || threshold > 1 {
		threshold = b.cfg.DefaultQualityThreshold
	}

	t := &models.Task{
		ID:               id,
		RequestID:        requestID,
		Query:            node.Query,
		ParentID:         parentID,
		CapabilityTag:    tag,
		Priority:         node.Priority,
		QualityThreshold: threshold,
		MaxAttempts:      b.cfg.MaxAttempts,
		State:            models.TaskPending,
		Depth:            depth,
		Seq:              st.seq,
		CreatedAt:        time.Now(),
	}
	st.seq++
	st.tasks = append(st.tasks, t)
	st.byID[id] = t
	return id, nil
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
