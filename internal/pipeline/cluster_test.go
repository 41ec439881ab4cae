package pipeline

import (
	"context"
	"errors"
	"testing"
)

func TestClusterBuilderPartitionInvariant(t *testing.T) {
	llm := &fakeLLM{}
	b := NewClusterBuilder(testGate(llm), "test-model", 0.35)

	in := rankerCandidates(12)
	out := b.Build(context.Background(), in, NewUsage())

	seen := make(map[string]int)
	for _, cl := range out.Value {
		for _, m := range cl.Members {
			seen[m.Fragment.ID]++
		}
	}
	if len(seen) != len(in) {
		t.Fatalf("partition covers %d of %d candidates", len(seen), len(in))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("candidate %s appears in %d clusters", id, n)
		}
	}
}

func TestClusterBuilderGroupsAndConfidence(t *testing.T) {
	llm := &fakeLLM{}
	b := NewClusterBuilder(testGate(llm), "test-model", 0.35)

	// Three tight embedding groups of four members each.
	out := b.Build(context.Background(), rankerCandidates(12), NewUsage())
	if out.FellBack {
		t.Fatalf("unexpected fallback: %s", out.Reason)
	}
	if len(out.Value) != 3 {
		t.Fatalf("expected 3 clusters, got %d", len(out.Value))
	}
	for _, cl := range out.Value {
		if cl.Noise {
			t.Fatalf("no noise expected in tight groups: %+v", cl)
		}
		if cl.Confidence != 0.8 {
			t.Fatalf("multi-member cluster confidence = %v, want 0.8", cl.Confidence)
		}
		if cl.Summary == "" {
			t.Fatal("multi-member cluster missing summary")
		}
	}
}

func TestClusterBuilderNoiseSingletons(t *testing.T) {
	llm := &fakeLLM{}
	b := NewClusterBuilder(testGate(llm), "test-model", 0.35)

	in := []Candidate{
		{Fragment: Fragment{ID: "a", Content: "alone on a hill", Embedding: []float32{1, 0, 0}}},
		{Fragment: Fragment{ID: "b", Content: "deep underwater", Embedding: []float32{0, 1, 0}}},
		{Fragment: Fragment{ID: "c", Content: "no embedding at all"}},
	}
	out := b.Build(context.Background(), in, NewUsage())
	if len(out.Value) != 3 {
		t.Fatalf("expected 3 singleton clusters, got %d", len(out.Value))
	}
	for _, cl := range out.Value {
		if !cl.Noise {
			t.Fatalf("cluster %s should be noise", cl.ID)
		}
		if cl.Confidence != 0.5 {
			t.Fatalf("noise confidence = %v, want 0.5", cl.Confidence)
		}
	}
}

func TestClusterBuilderSummaryFailureDegrades(t *testing.T) {
	llm := &fakeLLM{generateFn: func(prompt, model string) (string, error) {
		return "", ErrProviderUnavailable{Provider: "fake", Err: errors.New("down")}
	}}
	b := NewClusterBuilder(testGate(llm), "test-model", 0.35)

	out := b.Build(context.Background(), rankerCandidates(12), NewUsage())
	if !out.FellBack {
		t.Fatal("summary failure should mark the outcome degraded")
	}
	for _, cl := range out.Value {
		if len(cl.Members) > 1 && cl.Summary == "" {
			t.Fatal("degraded cluster still needs a deterministic summary")
		}
	}
}

func TestCosineDistance(t *testing.T) {
	if d := cosineDistance([]float32{1, 0}, []float32{1, 0}); d > 1e-9 {
		t.Fatalf("identical vectors: %v", d)
	}
	if d := cosineDistance([]float32{1, 0}, []float32{0, 1}); d != 1 {
		t.Fatalf("orthogonal vectors: %v", d)
	}
	if d := cosineDistance([]float32{1, 0}, []float32{0, 0, 1}); d != 1 {
		t.Fatalf("mismatched lengths must be maximally distant: %v", d)
	}
}
