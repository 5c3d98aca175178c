package qualitygate

import (
	"context"
	"strings"

	"github.com/loomworks/loom/internal/models"
)

// Scorer grades one finding against its task. Scoring is capability-specific
// and opaque to the gate; callers plug in their own judge, and the
// HeuristicScorer covers workers that do not bring one.
type Scorer interface {
	Score(ctx context.Context, task models.Task, finding models.Finding) (score float64, feedback string, err error)
}

// ScorerFunc adapts a plain function to the Scorer interface.
type ScorerFunc func(ctx context.Context, task models.Task, finding models.Finding) (float64, string, error)

func (f ScorerFunc) Score(ctx context.Context, task models.Task, finding models.Finding) (float64, string, error) {
	return f(ctx, task, finding)
}

var noInfoPatterns = []string{
	"i couldn't find",
	"no information available",
	"unable to find",
	"no results found",
	"couldn't locate",
	"not able to find",
}

// HeuristicScorer trusts a worker-reported confidence when one is present and
// otherwise grades content shape: empty or evasive answers score low, cited
// and substantial answers score high.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(_ context.Context, _ models.Task, finding models.Finding) (float64, string, error) {
	content := strings.TrimSpace(finding.Content)
	if content == "" {
		return 0, "empty content", nil
	}
	if finding.ConfidenceScore > 0 {
		return clamp01(finding.ConfidenceScore), "worker-reported confidence", nil
	}

	score := 0.5
	var notes []string
	if containsNoInfoPatterns(content) {
		score -= 0.3
		notes = append(notes, "reads as a non-answer")
	}
	if len([]rune(content)) >= 200 {
		score += 0.2
	} else {
		notes = append(notes, "short content")
	}
	if len(finding.Citations) > 0 {
		score += 0.2
	} else {
		notes = append(notes, "no citations")
	}
	return clamp01(score), strings.Join(notes, "; "), nil
}

func containsNoInfoPatterns(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range noInfoPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
