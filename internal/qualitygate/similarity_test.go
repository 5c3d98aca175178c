package qualitygate

import "testing"

func TestJaccardSimilarity(t *testing.T) {
	var sim JaccardSimilarity

	tests := []struct {
		name string
		a, b string
		min  float64
		max  float64
	}{
		{"identical", "the quick brown fox", "the quick brown fox", 1.0, 1.0},
		{"case and punctuation folded", "The quick, brown fox!", "the QUICK brown fox", 1.0, 1.0},
		{"disjoint", "alpha beta gamma", "delta epsilon zeta", 0.0, 0.0},
		{"both empty", "", "", 0.0, 0.0},
		{"one empty", "alpha beta", "", 0.0, 0.0},
		{"partial overlap", "alpha beta gamma delta", "alpha beta epsilon zeta", 0.3, 0.4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sim.Score(tt.a, tt.b)
			if got < tt.min || got > tt.max {
				t.Errorf("Score(%q, %q) = %v, want in [%v, %v]", tt.a, tt.b, got, tt.min, tt.max)
			}
		})
	}
}

func TestContentHashNormalizes(t *testing.T) {
	if contentHash("  Hello World  ") != contentHash("hello world") {
		t.Error("hash should fold case and surrounding whitespace")
	}
	if contentHash("hello world") == contentHash("hello earth") {
		t.Error("distinct content should hash differently")
	}
}
