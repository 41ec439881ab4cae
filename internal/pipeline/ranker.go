package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// Ranker re-orders candidates with one generative judgment call, folding in
// context that vector similarity alone misses. It degrades to the similarity
// order on any failure and never drops a candidate.
type Ranker struct {
	gate      *modelGate
	model     string
	threshold int // lists at or below this size skip the model call
	log       *log.Logger
}

func NewRanker(gate *modelGate, model string, threshold int) *Ranker {
	if threshold <= 0 {
		threshold = 5
	}
	return &Ranker{
		gate:      gate,
		model:     model,
		threshold: threshold,
		log:       log.New(log.Writer(), "[RANK] ", log.LstdFlags),
	}
}

// Rank returns the candidate list in relevance order. The fallback value is
// always the input order (similarity descending), with ranks renumbered.
func (r *Ranker) Rank(ctx context.Context, query string, candidates []Candidate, u *Usage) Outcome[[]Candidate] {
	if len(candidates) <= r.threshold {
		return Parsed(renumber(candidates))
	}

	prompt := r.buildPrompt(query, candidates)
	raw, err := r.gate.generate(ctx, StageRanking, r.model, prompt, map[string]interface{}{
		"temperature": 0.0,
		"max_tokens":  400,
	}, u)
	if err != nil {
		r.log.Printf("ranking call failed, keeping similarity order: %v", err)
		return Fallback(renumber(candidates), fmt.Sprintf("provider error: %v", err))
	}

	order, ok := parseOrdering(raw, len(candidates))
	if !ok {
		r.log.Printf("ranking output unparseable, keeping similarity order")
		return Fallback(renumber(candidates), "unparseable ranking output")
	}

	ranked := make([]Candidate, 0, len(candidates))
	used := make(map[int]bool, len(candidates))
	for _, idx := range order {
		ranked = append(ranked, candidates[idx])
		used[idx] = true
	}
	// Anything the model left out keeps its original relative position.
	for i, c := range candidates {
		if !used[i] {
			ranked = append(ranked, c)
		}
	}
	return Parsed(renumber(ranked))
}

func (r *Ranker) buildPrompt(query string, candidates []Candidate) string {
	var sb strings.Builder
	sb.WriteString("Order these personal-history fragments by relevance to the query.\n")
	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\nFragments:\n")
	for i, c := range candidates {
		sb.WriteString(fmt.Sprintf("[%d] (%s, %s) %s\n",
			i, c.Fragment.Type, c.Fragment.Timestamp.Format("2006-01-02"), condense(c.Fragment.Content, 120)))
	}
	sb.WriteString(`Return ONLY strict JSON: {"order": [most relevant index first]}`)
	return sb.String()
}

type orderingPayload struct {
	Order []int `json:"order"`
}

// parseOrdering validates the returned index list: out-of-range and duplicate
// indices are skipped rather than failing the whole parse.
func parseOrdering(raw string, n int) ([]int, bool) {
	blob, err := extractFirstJSON(raw)
	if err != nil {
		return nil, false
	}
	var p orderingPayload
	if err := json.Unmarshal([]byte(blob), &p); err != nil || len(p.Order) == 0 {
		return nil, false
	}
	seen := make(map[int]bool, n)
	out := make([]int, 0, n)
	for _, idx := range p.Order {
		if idx < 0 || idx >= n || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, idx)
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}

func renumber(candidates []Candidate) []Candidate {
	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	n := len(out)
	for i := range out {
		out[i].Rank = i
		// Relevance decays linearly with rank so downstream weighting has a
		// usable signal even when the model returned only an ordering.
		out[i].Relevance = float64(n-i) / float64(n)
	}
	return out
}

// condense truncates content for prompt inclusion without splitting a word.
func condense(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= max {
		return s
	}
	cut := strings.LastIndexByte(s[:max], ' ')
	if cut <= 0 {
		cut = max
	}
	return s[:cut] + "..."
}
