package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"
)

// Expander turns a raw query or narrative intent into an enriched SearchSpec.
// It never fails hard: any provider or parse problem falls back to a spec that
// is just the raw query with empty expansion fields.
type Expander struct {
	gate  *modelGate
	model string
	log   *log.Logger
}

func NewExpander(gate *modelGate, model string) *Expander {
	return &Expander{
		gate:  gate,
		model: model,
		log:   log.New(log.Writer(), "[EXPAND] ", log.LstdFlags),
	}
}

type expansionPayload struct {
	Terms    []string `json:"terms"`
	From     string   `json:"from"`
	To       string   `json:"to"`
	Tone     string   `json:"tone"`
	Entities []string `json:"entities"`
}

// Expand produces the search specification for one request.
func (e *Expander) Expand(ctx context.Context, req StoryRequest, u *Usage) Outcome[SearchSpec] {
	base := SearchSpec{Query: req.Query}

	prompt := e.buildPrompt(req)
	raw, err := e.gate.generate(ctx, StageExpanding, e.model, prompt, map[string]interface{}{
		"temperature": 0.3,
		"max_tokens":  300,
	}, u)
	if err != nil {
		e.log.Printf("expansion call failed, using raw query: %v", err)
		return Fallback(base, fmt.Sprintf("provider error: %v", err))
	}

	blob, err := extractFirstJSON(raw)
	if err != nil {
		e.log.Printf("expansion output unparseable, using raw query")
		return Fallback(base, "unparseable expansion output")
	}
	var p expansionPayload
	if err := json.Unmarshal([]byte(blob), &p); err != nil {
		return Fallback(base, "malformed expansion JSON")
	}

	spec := base
	for _, t := range p.Terms {
		if t = strings.TrimSpace(t); t != "" && !strings.EqualFold(t, req.Query) {
			spec.ExpandedTerms = append(spec.ExpandedTerms, t)
		}
	}
	spec.EmotionalTone = strings.TrimSpace(p.Tone)
	for _, en := range p.Entities {
		if en = strings.TrimSpace(en); en != "" {
			spec.Entities = append(spec.Entities, en)
		}
	}
	if w := parseWindow(p.From, p.To); w != nil {
		spec.TimeWindow = w
	}
	return Parsed(spec)
}

func (e *Expander) buildPrompt(req StoryRequest) string {
	var sb strings.Builder
	sb.WriteString("You expand a query over someone's personal memory archive into a search specification.\n")
	sb.WriteString("Query: ")
	sb.WriteString(req.Query)
	sb.WriteString("\n")
	if len(req.Context) > 0 {
		if b, err := json.Marshal(req.Context); err == nil {
			sb.WriteString("Context: ")
			sb.Write(b)
			sb.WriteString("\n")
		}
	}
	sb.WriteString("Infer related search terms, an approximate date range if the query implies one, ")
	sb.WriteString("an emotional tone if evident, and named people or places.\n")
	sb.WriteString(`Return ONLY strict JSON: {"terms": ["..."], "from": "YYYY-MM-DD or empty", "to": "YYYY-MM-DD or empty", "tone": "", "entities": ["..."]}`)
	return sb.String()
}

// parseWindow accepts date-only or RFC3339 bounds and drops anything else.
func parseWindow(from, to string) *TimeWindow {
	parse := func(s string) (time.Time, bool) {
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{"2006-01-02", time.RFC3339} {
			if t, err := time.Parse(layout, s); err == nil {
				return t, true
			}
		}
		return time.Time{}, false
	}
	f, okF := parse(from)
	t, okT := parse(to)
	if !okF && !okT {
		return nil
	}
	w := &TimeWindow{From: f, To: t}
	if !okT {
		w.To = time.Now()
	}
	if okF && okT && t.Before(f) {
		return nil
	}
	return w
}
