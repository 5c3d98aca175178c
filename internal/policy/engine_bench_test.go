package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func setupBenchmarkEngine(b *testing.B) *OPAEngine {
	b.Helper()
	dir := b.TempDir()
	policy := `package loom.admission

default decision := {
    "allow": false,
    "reason": "default deny"
}

decision := {
    "allow": true,
    "reason": "submission within bounds"
} {
    input.stage == "submit"
    input.fanout <= 8
}

decision := {
    "allow": true,
    "reason": "capability admitted"
} {
    input.stage == "dispatch"
    input.capability_tag != "shell"
}
`
	if err := os.WriteFile(filepath.Join(dir, "bench.rego"), []byte(policy), 0o644); err != nil {
		b.Fatalf("write policy: %v", err)
	}

	engine, err := NewOPAEngine(&Config{
		Enabled:     true,
		Mode:        ModeEnforce,
		Path:        dir,
		Environment: "bench",
	}, zap.NewNop())
	if err != nil {
		b.Fatalf("NewOPAEngine: %v", err)
	}
	return engine
}

// BenchmarkEvaluateWarm measures the cache-hit path.
func BenchmarkEvaluateWarm(b *testing.B) {
	engine := setupBenchmarkEngine(b)
	input := &AdmissionInput{
		Stage:       StageSubmit,
		Query:       "river freight before rail",
		Fanout:      5,
		Environment: "bench",
	}
	if _, err := engine.Evaluate(context.Background(), input); err != nil {
		b.Fatalf("warmup: %v", err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := engine.Evaluate(context.Background(), input); err != nil {
			b.Fatalf("Evaluate: %v", err)
		}
	}
}

// BenchmarkEvaluateCold forces a rego evaluation on every iteration by
// varying the input shape.
func BenchmarkEvaluateCold(b *testing.B) {
	engine := setupBenchmarkEngine(b)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		input := &AdmissionInput{
			Stage:       StageSubmit,
			Query:       fmt.Sprintf("unique query %d", i),
			Fanout:      5,
			Environment: "bench",
		}
		if _, err := engine.Evaluate(context.Background(), input); err != nil {
			b.Fatalf("Evaluate: %v", err)
		}
	}
}

// BenchmarkEvaluateParallel exercises the cache and evaluator under
// concurrent load with a small working set.
func BenchmarkEvaluateParallel(b *testing.B) {
	engine := setupBenchmarkEngine(b)
	inputs := []*AdmissionInput{
		{Stage: StageSubmit, Query: "river freight before rail", Fanout: 5, Environment: "bench"},
		{Stage: StageDispatch, Query: "rail expansion economics", CapabilityTag: "research", Environment: "bench"},
		{Stage: StageDispatch, Query: "canal tonnage records", CapabilityTag: "analysis", Environment: "bench"},
	}
	for _, input := range inputs {
		if _, err := engine.Evaluate(context.Background(), input); err != nil {
			b.Fatalf("warmup: %v", err)
		}
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if _, err := engine.Evaluate(context.Background(), inputs[i%len(inputs)]); err != nil {
				b.Fatalf("Evaluate: %v", err)
			}
			i++
		}
	})
}
