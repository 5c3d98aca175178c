package synthesis

import (
	"strings"

	"github.com/loomworks/loom/internal/models"
)

// negationMarkers are tokens that flip a claim's polarity. Contractions
// surface as their stems once punctuation is folded ("isn't" -> "isn").
var negationMarkers = map[string]bool{
	"not": true, "no": true, "never": true, "none": true,
	"cannot": true, "without": true, "false": true,
	"isn": true, "aren": true, "wasn": true, "weren": true,
	"don": true, "doesn": true, "didn": true,
	"won": true, "wouldn": true, "couldn": true, "shouldn": true,
}

// NegationChecker flags two findings as contradictory when they discuss the
// same subject (strong token overlap once negation markers are removed) but
// disagree on polarity. It is intentionally conservative: flagged sections
// are annotated, never dropped, so a false positive costs only a flag.
type NegationChecker struct {
	// Overlap is the minimum similarity, negations excluded, for two
	// findings to count as claims about the same subject. Zero means the
	// default of 0.6.
	Overlap float64
}

func (c NegationChecker) Contradicts(a, b models.Finding) bool {
	overlap := c.Overlap
	if overlap <= 0 {
		overlap = 0.6
	}

	aTokens, aNeg := splitNegations(a.Content)
	bTokens, bNeg := splitNegations(b.Content)
	if aNeg == bNeg {
		return false
	}
	return tokenJaccard(aTokens, bTokens) >= overlap
}

func splitNegations(text string) (map[string]bool, bool) {
	lower := strings.ToLower(text)
	clean := nonWord.ReplaceAllString(lower, " ")
	tokens := make(map[string]bool)
	negated := false
	for _, t := range strings.Fields(clean) {
		if negationMarkers[t] {
			negated = true
			continue
		}
		tokens[t] = true
	}
	return tokens, negated
}

func tokenJaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	union := len(a)
	for t := range b {
		if a[t] {
			intersection++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
