package qualitygate

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

// Similarity scores how close two finding contents are, in [0,1]. The gate
// treats anything above its configured threshold as a near-duplicate.
type Similarity interface {
	Score(a, b string) float64
}

// SimilarityFunc adapts a plain function to the Similarity interface.
type SimilarityFunc func(a, b string) float64

func (f SimilarityFunc) Score(a, b string) float64 { return f(a, b) }

var nonWordPattern = regexp.MustCompile(`[\p{P}\p{S}]+`)

// JaccardSimilarity compares token sets. Cheap and deterministic, and it
// catches re-worded duplicates that exact hashing misses.
type JaccardSimilarity struct{}

func (JaccardSimilarity) Score(a, b string) float64 {
	return jaccard(tokenize(a), tokenize(b))
}

func tokenize(text string) map[string]bool {
	lower := strings.ToLower(text)
	clean := nonWordPattern.ReplaceAllString(lower, " ")
	tokens := strings.Fields(clean)
	out := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if t != "" {
			out[t] = true
		}
	}
	return out
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	union := len(a)
	for token := range b {
		if a[token] {
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

// contentHash keys exact-duplicate detection. Content is normalized so
// whitespace and casing differences do not defeat it.
func contentHash(text string) string {
	normalized := strings.TrimSpace(strings.ToLower(text))
	hash := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(hash[:])
}
