package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/memoirhq/memoir/config"
	"github.com/memoirhq/memoir/internal/telemetry"
)

// fakeLLM scripts provider behavior per prompt. The zero value answers every
// generate call with defaultResponses and every embed call with unit vectors.
type fakeLLM struct {
	mu            sync.Mutex
	generateFn    func(prompt, model string) (string, error)
	embedFn       func(input []string) ([][]float32, error)
	generateCalls []string
	embedCalls    int
}

func (f *fakeLLM) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	out, _, _, err := f.GenerateWithTokens(ctx, prompt, model, options)
	return out, err
}

func (f *fakeLLM) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	f.mu.Lock()
	f.generateCalls = append(f.generateCalls, prompt)
	fn := f.generateFn
	f.mu.Unlock()
	if ctx.Err() != nil {
		return "", 0, 0, ctx.Err()
	}
	if fn == nil {
		fn = defaultResponses
	}
	out, err := fn(prompt, model)
	if err != nil {
		return "", 0, 0, err
	}
	return out, 10, 20, nil
}

func (f *fakeLLM) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	f.mu.Lock()
	f.embedCalls++
	fn := f.embedFn
	f.mu.Unlock()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if fn != nil {
		return fn(input)
	}
	vecs := make([][]float32, len(input))
	for i := range input {
		vecs[i] = []float32{1, 0, 0}
	}
	return vecs, nil
}

func (f *fakeLLM) GetAvailableModels() []string { return []string{"test-model"} }

func (f *fakeLLM) GetModelInfo(model string) (ModelInfo, error) {
	return ModelInfo{Name: model, Provider: "fake"}, nil
}

func (f *fakeLLM) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	return float64(inputTokens+outputTokens) / 1000 * 0.01
}

func (f *fakeLLM) prompts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.generateCalls...)
}

// defaultResponses answers each stage's prompt with well-formed output, keyed
// on distinctive prompt phrasing.
func defaultResponses(prompt, model string) (string, error) {
	switch {
	case strings.Contains(prompt, "search specification"):
		return `{"terms": ["beach", "ocean"], "from": "", "to": "", "tone": "joyful", "entities": []}`, nil
	case strings.Contains(prompt, "Order these"):
		return `{"order": [0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11]}`, nil
	case strings.Contains(prompt, "share a theme"):
		return "Days spent by the water.", nil
	case strings.Contains(prompt, "Score each fragment"):
		var sb strings.Builder
		sb.WriteString(`{"scores": {`)
		for i := 0; i < 20; i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf(`"%d": 0.8`, i))
		}
		sb.WriteString(`}}`)
		return sb.String(), nil
	case strings.Contains(prompt, "Design a story outline"):
		return `{"units": [
			{"kind": "opening", "title": "A Year by the Water", "theme": "sea", "fragments": [0]},
			{"kind": "chapter", "title": "First Trips", "theme": "sea", "fragments": [1, 2, 3]},
			{"kind": "chapter", "title": "Long Afternoons", "theme": "sun", "fragments": [4, 5, 6]},
			{"kind": "chapter", "title": "Last Light", "theme": "dusk", "fragments": [7, 8]},
			{"kind": "conclusion", "title": "Heading Home", "theme": "", "fragments": [9]}
		]}`, nil
	case strings.Contains(prompt, "Write one unit"), strings.Contains(prompt, "Answer the question"):
		return "The waves rolled in while you laughed on the warm sand. The afternoon stretched on until dusk.", nil
	}
	return "ok", nil
}

// fakeIndex returns a fixed hit list for every search.
type fakeIndex struct {
	mu      sync.Mutex
	hits    []ScoredFragment
	err     error
	queries int
}

func (f *fakeIndex) Search(ctx context.Context, vector []float32, k int, filters SearchFilters) ([]ScoredFragment, error) {
	f.mu.Lock()
	f.queries++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(f.hits) > k {
		return f.hits[:k], nil
	}
	return f.hits, nil
}

func (f *fakeIndex) Get(ctx context.Context, id string) (Fragment, error) {
	for _, h := range f.hits {
		if h.Fragment.ID == id {
			return h.Fragment, nil
		}
	}
	return Fragment{}, fmt.Errorf("fragment %s not found", id)
}

// fakeAssessor returns scripted sensitivity and valence.
type fakeAssessor struct {
	sensitive map[string]bool
	valence   map[string]float64
	err       error
}

func (f *fakeAssessor) Assess(ctx context.Context, frags []Fragment) (Assessment, error) {
	if f.err != nil {
		return Assessment{}, f.err
	}
	return Assessment{SensitiveIDs: f.sensitive, EmotionalScores: f.valence}, nil
}

// coastFragments builds n fragments spread across three embedding groups,
// mimicking three trips to the coast over a year.
func coastFragments(n int) []ScoredFragment {
	bases := [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	contents := []string{
		"We drove out to the coast and walked the tide pools all morning.",
		"The lighthouse trail was windy but the view over the water was worth it.",
		"A quiet evening at the beach house, reading while the rain came in.",
	}
	out := make([]ScoredFragment, 0, n)
	for i := 0; i < n; i++ {
		g := i % 3
		vec := append([]float32(nil), bases[g]...)
		vec[(g+1)%3] = 0.05 * float32(i/3)
		out = append(out, ScoredFragment{
			Fragment: Fragment{
				ID:        fmt.Sprintf("frag-%02d", i),
				Type:      "post",
				Timestamp: time.Date(2023, time.Month(1+i%12), 3+i, 12, 0, 0, 0, time.UTC),
				Content:   contents[g],
				Embedding: vec,
				Media: []MediaRef{{
					ID: fmt.Sprintf("media-%02d", i), Kind: "image",
					URL: fmt.Sprintf("https://media.local/%02d.jpg", i), Width: 1920, Height: 1080,
				}},
			},
			Similarity: 1 - 0.01*float64(i),
		})
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		LLM: config.LLMConfig{
			Routing:   config.LLMRoutingConfig{Fallback: "test-model"},
			Embedding: config.EmbeddingConfig{Model: "test-embed", Dimensions: 3},
		},
		Pipeline: config.PipelineConfig{
			ResultCount:  12,
			MaxFragments: 10,
			Weights: config.CriteriaWeights{
				Relevance: 0.3, EmotionalImpact: 0.25, NarrativeValue: 0.2,
				Diversity: 0.15, PrivacySafety: 0.1,
			},
			Tone:             "warm",
			Style:            "reflective",
			TargetSentences:  3,
			MinChapters:      3,
			MaxChapters:      5,
			RevisionLimit:    2,
			StageTimeout:     2 * time.Second,
			ModelConcurrency: 4,
			RerankThreshold:  5,
			ClusterEps:       0.35,
			ToneThreshold:    0.5,
			PreferDiversity:  true,
			DiversityThemes:  3,
		},
		Media: config.MediaConfig{
			ImageSeconds:      3.5,
			MaxClipSeconds:    8,
			TransitionSeconds: 0.5,
			VisualWeight:      0.5,
			TemporalWeight:    0.3,
			QualityWeight:     0.2,
		},
	}
}

func testTelemetry() *telemetry.Telemetry {
	return telemetry.NewTelemetry(config.TelemetryConfig{Enabled: true, CostTracking: true})
}

func testGate(llm LLMProvider) *modelGate {
	return newModelGate(llm, 4, 2*time.Second, 10*time.Millisecond, testTelemetry())
}
