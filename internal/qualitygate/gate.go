// Package qualitygate decides whether worker findings enter synthesis. Every
// finding is scored against its task's quality threshold, deduplicated
// against the request's already-accepted findings, and recorded for audit.
// The gate owns findings after workers produce them; task state transitions
// stay with the scheduler.
package qualitygate

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/models"
	"github.com/loomworks/loom/internal/registry"
	"github.com/loomworks/loom/internal/tracing"
)

// DefaultSimilarityThreshold marks a finding as near-duplicate when its
// similarity to an accepted finding exceeds it.
const DefaultSimilarityThreshold = 0.85

// Outcome is the gate's verdict on one finding.
type Outcome int

const (
	// OutcomeAccepted admits the finding into synthesis.
	OutcomeAccepted Outcome = iota
	// OutcomeRetry rejects the finding with attempts remaining.
	OutcomeRetry
	// OutcomeExhausted rejects the finding on its final attempt.
	OutcomeExhausted
	// OutcomeDuplicate drops a passing finding that duplicates an accepted
	// one. No retry is consumed.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRetry:
		return "retry"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Decision carries the verdict plus what the scheduler needs to act on it.
type Decision struct {
	Outcome     Outcome
	Score       float64
	Feedback    string
	DuplicateOf string
}

// Options tunes a Gate. Zero fields use the defaults.
type Options struct {
	Scorer              Scorer
	Similarity          Similarity
	SimilarityThreshold float64
}

// Gate scores findings, deduplicates near-identical ones, and keeps a
// per-request ledger of every evaluated finding.
type Gate struct {
	scorer     Scorer
	similarity Similarity
	simThresh  float64
	registry   *registry.Registry
	logger     *zap.Logger

	mu      sync.Mutex
	ledgers map[string]*ledger
}

// ledger tracks one request's findings. Accepted entries stay indexed by
// content hash so re-submitted content is caught in O(1).
type ledger struct {
	findings []models.Finding
	accepted []acceptedRecord
	hashes   map[string]string
}

type acceptedRecord struct {
	taskID  string
	content string
}

// New creates a gate with the default heuristic scorer and Jaccard
// deduplication.
func New(reg *registry.Registry, logger *zap.Logger) *Gate {
	return NewWithOptions(reg, Options{}, logger)
}

// NewWithOptions creates a gate with explicit scorer and similarity plugins.
func NewWithOptions(reg *registry.Registry, opts Options, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Scorer == nil {
		opts.Scorer = HeuristicScorer{}
	}
	if opts.Similarity == nil {
		opts.Similarity = JaccardSimilarity{}
	}
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	return &Gate{
		scorer:     opts.Scorer,
		similarity: opts.Similarity,
		simThresh:  opts.SimilarityThreshold,
		registry:   reg,
		logger:     logger,
		ledgers:    make(map[string]*ledger),
	}
}

// Evaluate scores one finding and decides its fate. The finding's validation
// fields are filled in place. Every scored finding updates the capability's
// historical score, accepted or not, so the registry tracks real output
// quality rather than only successes.
func (g *Gate) Evaluate(ctx context.Context, task models.Task, finding *models.Finding) Decision {
	ctx, span := tracing.StartGateSpan(ctx, task.ID, task.CapabilityTag, task.Attempt)
	defer span.End()

	score, feedback, err := g.scorer.Score(ctx, task, *finding)
	if err != nil {
		// Fail open: an unavailable judge should not sink an otherwise
		// healthy pipeline. Fall back to the worker's own confidence.
		score = finding.ConfidenceScore
		if score == 0 {
			score = 0.5
		}
		feedback = "scorer unavailable"
		g.logger.Warn("Scorer failed, using reported confidence",
			zap.String("task_id", task.ID),
			zap.String("capability", task.CapabilityTag),
			zap.Error(err),
		)
	}
	finding.ConfidenceScore = score
	finding.Feedback = feedback

	metrics.QualityScore.WithLabelValues(task.CapabilityTag).Observe(score)
	if g.registry != nil {
		updated := g.registry.UpdateScore(task.CapabilityTag, score)
		metrics.CapabilityScore.WithLabelValues(task.CapabilityTag).Set(updated)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	led := g.ledgerFor(finding.RequestID)

	if score >= task.QualityThreshold {
		if dupOf, ok := led.duplicateOf(finding.Content, g.similarity, g.simThresh); ok {
			finding.Validation = models.ValidationDuplicate
			finding.DuplicateOf = dupOf
			led.findings = append(led.findings, *finding)
			metrics.FindingsEvaluated.WithLabelValues(string(models.ValidationDuplicate)).Inc()
			g.logger.Info("Finding deduplicated",
				zap.String("task_id", task.ID),
				zap.String("duplicate_of", dupOf),
				zap.Float64("score", score),
			)
			return Decision{Outcome: OutcomeDuplicate, Score: score, Feedback: feedback, DuplicateOf: dupOf}
		}

		finding.Validation = models.ValidationAccepted
		led.accept(*finding)
		metrics.FindingsEvaluated.WithLabelValues(string(models.ValidationAccepted)).Inc()
		g.logger.Info("Finding accepted",
			zap.String("task_id", task.ID),
			zap.String("capability", task.CapabilityTag),
			zap.Float64("score", score),
			zap.Float64("threshold", task.QualityThreshold),
		)
		return Decision{Outcome: OutcomeAccepted, Score: score, Feedback: feedback}
	}

	finding.Validation = models.ValidationRejected
	led.findings = append(led.findings, *finding)
	metrics.FindingsEvaluated.WithLabelValues(string(models.ValidationRejected)).Inc()

	if task.Attempt < task.MaxAttempts {
		g.logger.Info("Finding rejected, requeueing task",
			zap.String("task_id", task.ID),
			zap.Float64("score", score),
			zap.Float64("threshold", task.QualityThreshold),
			zap.Int("attempt", task.Attempt),
			zap.Int("max_attempts", task.MaxAttempts),
		)
		return Decision{Outcome: OutcomeRetry, Score: score, Feedback: feedback}
	}

	g.logger.Warn("Finding rejected with attempts exhausted",
		zap.String("task_id", task.ID),
		zap.Float64("score", score),
		zap.Float64("threshold", task.QualityThreshold),
		zap.Int("attempt", task.Attempt),
	)
	return Decision{Outcome: OutcomeExhausted, Score: score, Feedback: feedback}
}

// Accepted returns copies of the request's accepted findings in acceptance
// order.
func (g *Gate) Accepted(requestID string) []models.Finding {
	g.mu.Lock()
	defer g.mu.Unlock()
	led := g.ledgers[requestID]
	if led == nil {
		return nil
	}
	out := make([]models.Finding, 0, len(led.accepted))
	for _, f := range led.findings {
		if f.Validation == models.ValidationAccepted {
			out = append(out, f)
		}
	}
	return out
}

// Findings returns every evaluated finding for the request, including
// rejected and duplicate ones kept for audit.
func (g *Gate) Findings(requestID string) []models.Finding {
	g.mu.Lock()
	defer g.mu.Unlock()
	led := g.ledgers[requestID]
	if led == nil {
		return nil
	}
	out := make([]models.Finding, len(led.findings))
	copy(out, led.findings)
	return out
}

// Release drops the request's ledger once its report has been persisted.
func (g *Gate) Release(requestID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.ledgers, requestID)
}

func (g *Gate) ledgerFor(requestID string) *ledger {
	led, ok := g.ledgers[requestID]
	if !ok {
		led = &ledger{hashes: make(map[string]string)}
		g.ledgers[requestID] = led
	}
	return led
}

func (l *ledger) duplicateOf(content string, sim Similarity, threshold float64) (string, bool) {
	if taskID, ok := l.hashes[contentHash(content)]; ok {
		return taskID, true
	}
	for _, rec := range l.accepted {
		if sim.Score(content, rec.content) > threshold {
			return rec.taskID, true
		}
	}
	return "", false
}

func (l *ledger) accept(f models.Finding) {
	l.findings = append(l.findings, f)
	l.accepted = append(l.accepted, acceptedRecord{taskID: f.TaskID, content: f.Content})
	l.hashes[contentHash(f.Content)] = f.TaskID
}
