// Package synthesis merges a request's accepted findings into one report,
// ordered by the task graph's topological order so dependent sections always
// follow the sections they build on. Contradictory findings are both kept
// and cross-flagged; resolution belongs to the caller.
package synthesis

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/taskgraph"
)

// maxKeyLen bounds derived knowledge keys so they stay index-friendly.
const maxKeyLen = 128

var nonWord = regexp.MustCompile(`[\p{P}\p{S}]+`)

// ContradictionChecker reports whether two accepted findings make claims
// that cannot both hold. Implementations are pluggable; the default
// NegationChecker is a deterministic heuristic.
type ContradictionChecker interface {
	Contradicts(a, b models.Finding) bool
}

// ContradictionFunc adapts a plain function to the ContradictionChecker
// interface.
type ContradictionFunc func(a, b models.Finding) bool

func (f ContradictionFunc) Contradicts(a, b models.Finding) bool { return f(a, b) }

// KnowledgeWriter is the slice of the knowledge store the synthesizer needs.
type KnowledgeWriter interface {
	Put(ctx context.Context, key, content string, sourceFindings []string) (int, error)
}

// Synthesizer composes reports and persists their sections as knowledge
// entries.
type Synthesizer struct {
	checker ContradictionChecker
	logger  *zap.Logger
}

// New creates a synthesizer with the default negation-based contradiction
// heuristic.
func New(logger *zap.Logger) *Synthesizer {
	return NewWithChecker(NegationChecker{}, logger)
}

// NewWithChecker creates a synthesizer with an explicit contradiction
// checker. A nil checker disables conflict flagging.
func NewWithChecker(checker ContradictionChecker, logger *zap.Logger) *Synthesizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{checker: checker, logger: logger}
}

// Compose builds a report from the graph and the findings evaluated so far.
// Only accepted findings become sections; rejected and duplicate ones are
// excluded, and tasks that exhausted their retries are listed under
// UnresolvedGaps rather than silently omitted. Compose is deterministic:
// the same graph and findings always yield the same section order.
func (s *Synthesizer) Compose(g *taskgraph.Graph, query string, findings []models.Finding, status models.ReportStatus) models.Report {
	byTask := make(map[string]models.Finding, len(findings))
	for _, f := range findings {
		if f.Validation == models.ValidationAccepted {
			byTask[f.TaskID] = f
		}
	}

	var sections []models.Section
	for _, id := range g.TopologicalSort() {
		f, ok := byTask[id]
		if !ok {
			continue
		}
		task, _ := g.Get(id)
		sections = append(sections, models.Section{
			TaskID:     id,
			Query:      task.Query,
			Content:    f.Content,
			Citations:  f.Citations,
			Confidence: f.ConfidenceScore,
		})
	}

	s.flagConflicts(g.RequestID(), sections, byTask)

	report := models.Report{
		RequestID:      g.RequestID(),
		Query:          query,
		Sections:       sections,
		UnresolvedGaps: g.Gaps(),
		Status:         status,
		PendingTasks:   g.Remaining(),
		GeneratedAt:    time.Now(),
	}

	s.logger.Info("Report composed",
		zap.String("request_id", report.RequestID),
		zap.Int("sections", len(sections)),
		zap.Int("unresolved_gaps", len(report.UnresolvedGaps)),
		zap.Int("pending_tasks", report.PendingTasks),
		zap.String("status", string(status)),
	)
	return report
}

func (s *Synthesizer) flagConflicts(requestID string, sections []models.Section, byTask map[string]models.Finding) {
	if s.checker == nil {
		return
	}
	for i := 0; i < len(sections); i++ {
		for j := i + 1; j < len(sections); j++ {
			a := byTask[sections[i].TaskID]
			b := byTask[sections[j].TaskID]
			if !s.checker.Contradicts(a, b) {
				continue
			}
			sections[i].Conflicting = true
			sections[j].Conflicting = true
			sections[i].ConflictsWith = append(sections[i].ConflictsWith, sections[j].TaskID)
			sections[j].ConflictsWith = append(sections[j].ConflictsWith, sections[i].TaskID)
			s.logger.Warn("Contradictory findings retained",
				zap.String("request_id", requestID),
				zap.String("task_a", sections[i].TaskID),
				zap.String("task_b", sections[j].TaskID),
			)
		}
	}
}

// Persist writes each section to the knowledge store under a key derived
// from the section's query so later requests can reuse it. One failed write
// does not abandon the rest; the first error comes back after all sections
// were attempted.
func (s *Synthesizer) Persist(ctx context.Context, w KnowledgeWriter, report models.Report) error {
	var firstErr error
	for _, sec := range report.Sections {
		key := NormalizeKey(sec.Query)
		if key == "" {
			key = NormalizeKey(sec.TaskID)
		}
		version, err := w.Put(ctx, key, sec.Content, []string{sec.TaskID})
		if err != nil {
			s.logger.Error("Knowledge write failed",
				zap.String("request_id", report.RequestID),
				zap.String("key", key),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = fmt.Errorf("persist section %s: %w", sec.TaskID, err)
			}
			continue
		}
		s.logger.Debug("Knowledge entry written",
			zap.String("key", key),
			zap.Int("version", version),
		)
	}
	return firstErr
}

// NormalizeKey derives a stable knowledge key from free-form query text:
// lowercased, punctuation folded, words joined with dashes, length bounded.
func NormalizeKey(q string) string {
	lower := strings.ToLower(strings.TrimSpace(q))
	clean := nonWord.ReplaceAllString(lower, " ")
	key := strings.Join(strings.Fields(clean), "-")
	if r := []rune(key); len(r) > maxKeyLen {
		key = strings.TrimRight(string(r[:maxKeyLen]), "-")
	}
	return key
}
