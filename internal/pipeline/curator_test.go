package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func testClusters(n int) []Cluster {
	candidates := rankerCandidates(n)
	grouped := map[int][]Candidate{}
	for i, c := range candidates {
		c.Relevance = float64(n-i) / float64(n)
		grouped[i%3] = append(grouped[i%3], c)
	}
	summaries := []string{"days by the water", "trail walks", "quiet evenings"}
	var out []Cluster
	for g, members := range grouped {
		out = append(out, Cluster{ID: summaries[g], Members: members, Summary: summaries[g], Confidence: 0.8})
	}
	return out
}

func newTestCurator(llm LLMProvider, assessor Assessor) *Curator {
	cfg := testConfig().Pipeline
	return NewCurator(testGate(llm), assessor, "test-model", cfg)
}

func TestCuratorBoundedSelectionAndOutlineSubset(t *testing.T) {
	c := newTestCurator(&fakeLLM{}, nil)

	out := c.Curate(context.Background(), StoryRequest{Query: "trips to the coast"}, testClusters(12), NewUsage())
	plan := out.Value

	if len(plan.Selected) > 10 {
		t.Fatalf("selection exceeds max: %d", len(plan.Selected))
	}
	selected := make(map[string]bool, len(plan.Selected))
	for _, f := range plan.Selected {
		selected[f.ID] = true
	}
	for _, unit := range plan.Outline {
		for _, id := range unit.FragmentIDs {
			if !selected[id] {
				t.Fatalf("outline references %s which is not selected", id)
			}
		}
	}
}

func TestCuratorDropsSensitiveFragments(t *testing.T) {
	assessor := &fakeAssessor{
		sensitive: map[string]bool{"frag-00": true},
		valence:   map[string]float64{"frag-01": 0.6},
	}
	c := newTestCurator(&fakeLLM{}, assessor)

	clusters := testClusters(6)
	// Pre-flagged in store metadata, independent of the assessor.
	clusters[0].Members[0].Fragment.Sensitive = true
	flagged := clusters[0].Members[0].Fragment.ID

	out := c.Curate(context.Background(), StoryRequest{Query: "coast"}, clusters, NewUsage())
	for _, f := range out.Value.Selected {
		if f.ID == "frag-00" || f.ID == flagged {
			t.Fatalf("sensitive fragment %s selected", f.ID)
		}
	}
	dropped := strings.Join(out.Value.DroppedIDs, ",")
	if !strings.Contains(dropped, "frag-00") {
		t.Fatalf("assessor-flagged fragment not recorded as dropped: %s", dropped)
	}
}

func TestCuratorPrivacyFailClosedWhenAssessorDown(t *testing.T) {
	assessor := &fakeAssessor{err: errors.New("assessor unreachable")}
	c := newTestCurator(&fakeLLM{}, assessor)

	clusters := testClusters(6)
	clusters[1].Members[0].Fragment.Sensitive = true
	flagged := clusters[1].Members[0].Fragment.ID

	out := c.Curate(context.Background(), StoryRequest{Query: "coast"}, clusters, NewUsage())
	if !out.FellBack {
		t.Fatal("assessor outage should degrade the outcome")
	}
	for _, f := range out.Value.Selected {
		if f.ID == flagged {
			t.Fatal("metadata-flagged fragment must be dropped even without the assessor")
		}
	}
}

func TestCuratorChronologicalFallbackOutline(t *testing.T) {
	llm := &fakeLLM{generateFn: func(prompt, model string) (string, error) {
		if strings.Contains(prompt, "Design a story outline") {
			return "chapter one should be about the sea", nil
		}
		return defaultResponses(prompt, model)
	}}
	c := newTestCurator(llm, nil)

	out := c.Curate(context.Background(), StoryRequest{Query: "coast"}, testClusters(9), NewUsage())
	if !out.FellBack {
		t.Fatal("unparseable outline should degrade the outcome")
	}
	plan := out.Value
	if len(plan.Outline) == 0 {
		t.Fatal("fallback outline is empty")
	}
	// Chronological fallback: chapter units only, all selected fragments assigned.
	assigned := 0
	for _, unit := range plan.Outline {
		if unit.Kind != UnitChapter {
			t.Fatalf("fallback outline has unexpected unit kind %q", unit.Kind)
		}
		assigned += len(unit.FragmentIDs)
	}
	if assigned != len(plan.Selected) {
		t.Fatalf("fallback outline assigns %d of %d selected", assigned, len(plan.Selected))
	}
}

func TestCuratorDiversityRule(t *testing.T) {
	// Theme "a" dominates the scores; with prefer_diversity the first picks
	// must still cover new themes while fewer than the cap are represented.
	items := []scored{
		{frag: Fragment{ID: "a1"}, theme: "a", weighted: 0.9},
		{frag: Fragment{ID: "a2"}, theme: "a", weighted: 0.85},
		{frag: Fragment{ID: "a3"}, theme: "a", weighted: 0.8},
		{frag: Fragment{ID: "b1"}, theme: "b", weighted: 0.4},
		{frag: Fragment{ID: "c1"}, theme: "c", weighted: 0.3},
	}
	c := newTestCurator(&fakeLLM{}, nil)

	selected, themes := c.selectBounded(items, 4)
	if len(themes) != 3 {
		t.Fatalf("expected all 3 themes represented, got %v", themes)
	}
	if selected[0].ID != "a1" || selected[1].ID != "b1" || selected[2].ID != "c1" {
		ids := []string{selected[0].ID, selected[1].ID, selected[2].ID}
		t.Fatalf("diversity-first picks wrong: %v", ids)
	}

	c.cfg.PreferDiversity = false
	selected, _ = c.selectBounded(items, 3)
	if selected[0].ID != "a1" || selected[1].ID != "a2" || selected[2].ID != "a3" {
		t.Fatalf("pure score order expected with prefer_diversity off: %v", selected)
	}
}

func TestCuratorAnswerIntentSingleUnit(t *testing.T) {
	c := newTestCurator(&fakeLLM{}, nil)

	out := c.Curate(context.Background(), StoryRequest{Intent: IntentAnswer, Query: "when did we visit the lighthouse?"}, testClusters(6), NewUsage())
	if len(out.Value.Outline) != 1 {
		t.Fatalf("answer intent should produce one unit, got %d", len(out.Value.Outline))
	}
	if got := len(out.Value.Outline[0].FragmentIDs); got != len(out.Value.Selected) {
		t.Fatalf("answer unit covers %d of %d selected", got, len(out.Value.Selected))
	}
}
