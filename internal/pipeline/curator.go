package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"

	"github.com/memoirhq/memoir/config"
)

// Curator filters and weights clustered candidates into a bounded selection
// plus a structural outline. Privacy filtering is fail-closed: fragments
// flagged sensitive are dropped even when the assessment collaborator is
// unreachable and only store metadata is available.
type Curator struct {
	gate     *modelGate
	assessor Assessor
	model    string
	cfg      config.PipelineConfig
	log      *log.Logger
}

func NewCurator(gate *modelGate, assessor Assessor, model string, cfg config.PipelineConfig) *Curator {
	return &Curator{
		gate:     gate,
		assessor: assessor,
		model:    model,
		cfg:      cfg,
		log:      log.New(log.Writer(), "[CURATE] ", log.LstdFlags),
	}
}

// scored pairs a fragment with its curation bookkeeping during selection.
type scored struct {
	frag     Fragment
	theme    string
	weighted float64
}

// Curate produces the curation plan for one request. The returned outcome is
// a fallback when relevance scoring or outline generation degraded; the plan
// itself is always valid and bounded.
func (c *Curator) Curate(ctx context.Context, req StoryRequest, clusters []Cluster, u *Usage) Outcome[CurationPlan] {
	weights := c.cfg.Weights
	if req.Config.Weights != nil {
		weights = *req.Config.Weights
	}
	maxFragments := c.cfg.MaxFragments
	if req.Config.MaxFragments > 0 {
		maxFragments = req.Config.MaxFragments
	}

	frags, themes, relByID := flattenClusters(clusters)

	assessment, assessErr := c.assess(ctx, frags)

	plan := CurationPlan{
		Emotional: assessment.EmotionalScores,
		Scores:    make(map[string]float64, len(frags)),
		Weights:   weights,
	}

	// Privacy discard happens before any scoring.
	kept := make([]Fragment, 0, len(frags))
	for _, f := range frags {
		if f.Sensitive || assessment.SensitiveIDs[f.ID] {
			plan.DroppedIDs = append(plan.DroppedIDs, f.ID)
			continue
		}
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		plan.Outline = []OutlineUnit{}
		plan.Selected = []Fragment{}
		return Fallback(plan, "no fragments survived privacy filtering")
	}

	relevance, relFellBack := c.scoreRelevance(ctx, req.Query, kept, relByID, u)

	items := make([]scored, 0, len(kept))
	for _, f := range kept {
		crit := map[string]float64{
			"relevance":        relevance[f.ID],
			"emotional_impact": absClamp(assessment.EmotionalScores[f.ID]),
			"narrative_value":  narrativeValue(f),
			"diversity":        0, // applied positionally during selection
			"privacy_safety":   1, // survivors of the discard pass
		}
		w := weights.Relevance*crit["relevance"] +
			weights.EmotionalImpact*crit["emotional_impact"] +
			weights.NarrativeValue*crit["narrative_value"] +
			weights.PrivacySafety*crit["privacy_safety"]
		plan.Scores[f.ID] = w
		items = append(items, scored{frag: f, theme: themes[f.ID], weighted: w})
	}

	plan.Selected, plan.Themes = c.selectBounded(items, maxFragments)

	outline, outlineFellBack := c.buildOutline(ctx, req, plan.Selected, u)
	plan.Outline = outline

	c.log.Printf("selected %d/%d fragments across %d themes (dropped %d sensitive)",
		len(plan.Selected), len(frags), len(plan.Themes), len(plan.DroppedIDs))

	switch {
	case assessErr != nil:
		return Fallback(plan, fmt.Sprintf("assessment unavailable: %v", assessErr))
	case relFellBack:
		return Fallback(plan, "relevance scoring degraded")
	case outlineFellBack:
		return Fallback(plan, "outline generation degraded")
	}
	return Parsed(plan)
}

// assess calls the privacy/emotion collaborator, returning neutral scores on
// failure. The error is surfaced so the task records the degradation.
func (c *Curator) assess(ctx context.Context, frags []Fragment) (Assessment, error) {
	empty := Assessment{
		SensitiveIDs:    map[string]bool{},
		EmotionalScores: map[string]float64{},
	}
	if c.assessor == nil {
		return empty, nil
	}
	a, err := c.assessor.Assess(ctx, frags)
	if err != nil {
		c.log.Printf("assessment failed, proceeding with neutral scores: %v", err)
		return empty, err
	}
	if a.SensitiveIDs == nil {
		a.SensitiveIDs = map[string]bool{}
	}
	if a.EmotionalScores == nil {
		a.EmotionalScores = map[string]float64{}
	}
	return a, nil
}

// scoreRelevance asks the model to score each fragment against the query,
// falling back to the ranker's relevance signal.
func (c *Curator) scoreRelevance(ctx context.Context, query string, frags []Fragment, fallback map[string]float64, u *Usage) (map[string]float64, bool) {
	degradedScores := func() map[string]float64 {
		out := make(map[string]float64, len(frags))
		for _, f := range frags {
			out[f.ID] = fallback[f.ID]
		}
		return out
	}

	var sb strings.Builder
	sb.WriteString("Score each fragment from 0 to 1 for relevance to the request.\n")
	sb.WriteString("Request: ")
	sb.WriteString(query)
	sb.WriteString("\nFragments:\n")
	for i, f := range frags {
		sb.WriteString(fmt.Sprintf("[%d] (%s) %s\n", i, f.Timestamp.Format("2006-01-02"), condense(f.Content, 120)))
	}
	sb.WriteString(`Return ONLY strict JSON: {"scores": {"0": 0.0}} with one entry per index.`)

	raw, err := c.gate.generate(ctx, StageCurating, c.model, sb.String(), map[string]interface{}{
		"temperature": 0.0,
		"max_tokens":  400,
	}, u)
	if err != nil {
		c.log.Printf("relevance call failed, using retrieval relevance: %v", err)
		return degradedScores(), true
	}
	blob, err := extractFirstJSON(raw)
	if err != nil {
		return degradedScores(), true
	}
	var p struct {
		Scores map[string]float64 `json:"scores"`
	}
	if err := json.Unmarshal([]byte(blob), &p); err != nil || len(p.Scores) == 0 {
		return degradedScores(), true
	}

	out := make(map[string]float64, len(frags))
	for i, f := range frags {
		if s, ok := p.Scores[strconv.Itoa(i)]; ok {
			out[f.ID] = clamp01(s)
		} else {
			out[f.ID] = fallback[f.ID]
		}
	}
	return out, false
}

// selectBounded greedily picks fragments by descending weighted score with the
// soft diversity rule: while fewer themes are represented than the configured
// cap, a fragment introducing a new theme is taken ahead of a higher-scoring
// one from an already-covered theme. With prefer_diversity off, selection is
// pure score order.
func (c *Curator) selectBounded(items []scored, maxFragments int) ([]Fragment, []string) {
	sort.SliceStable(items, func(i, j int) bool { return items[i].weighted > items[j].weighted })

	themeCap := c.cfg.DiversityThemes
	if themeCap <= 0 {
		themeCap = 3
	}

	selected := make([]Fragment, 0, maxFragments)
	accepted := make(map[string]bool)
	taken := make([]bool, len(items))
	var themes []string

	take := func(i int) {
		taken[i] = true
		selected = append(selected, items[i].frag)
		if t := items[i].theme; t != "" && !accepted[t] {
			accepted[t] = true
			themes = append(themes, t)
		}
	}

	for len(selected) < maxFragments {
		pick := -1
		if c.cfg.PreferDiversity && len(accepted) < themeCap {
			for i := range items {
				if !taken[i] && items[i].theme != "" && !accepted[items[i].theme] {
					pick = i
					break
				}
			}
		}
		if pick == -1 {
			for i := range items {
				if !taken[i] {
					pick = i
					break
				}
			}
		}
		if pick == -1 {
			break
		}
		take(pick)
	}
	return selected, themes
}

type outlinePayload struct {
	Units []struct {
		Kind      string `json:"kind"`
		Title     string `json:"title"`
		Theme     string `json:"theme"`
		Fragments []int  `json:"fragments"`
	} `json:"units"`
}

// buildOutline generates the opening/chapters/conclusion structure. An answer
// intent gets a single unit over all selected fragments without a model call.
// Parse or provider failure falls back to a chronological structure.
func (c *Curator) buildOutline(ctx context.Context, req StoryRequest, selected []Fragment, u *Usage) ([]OutlineUnit, bool) {
	if len(selected) == 0 {
		return []OutlineUnit{}, false
	}
	if req.Intent == IntentAnswer {
		ids := make([]string, len(selected))
		for i, f := range selected {
			ids[i] = f.ID
		}
		return []OutlineUnit{{Kind: UnitChapter, Title: req.Query, FragmentIDs: ids}}, false
	}

	tone := c.cfg.Tone
	if req.Config.Tone != "" {
		tone = req.Config.Tone
	}

	var sb strings.Builder
	sb.WriteString("Design a story outline over these personal-history fragments.\n")
	sb.WriteString("Narrative intent: ")
	sb.WriteString(req.Query)
	sb.WriteString("\nTone: ")
	sb.WriteString(tone)
	sb.WriteString("\nFragments:\n")
	for i, f := range selected {
		sb.WriteString(fmt.Sprintf("[%d] (%s) %s\n", i, f.Timestamp.Format("2006-01-02"), condense(f.Content, 100)))
	}
	sb.WriteString(fmt.Sprintf(
		"Produce an opening, %d to %d chapters, and a conclusion. Assign each fragment index to exactly one unit.\n",
		c.cfg.MinChapters, c.cfg.MaxChapters))
	sb.WriteString(`Return ONLY strict JSON: {"units": [{"kind": "opening|chapter|conclusion", "title": "", "theme": "", "fragments": [0]}]}`)

	raw, err := c.gate.generate(ctx, StageCurating, c.model, sb.String(), map[string]interface{}{
		"temperature": 0.4,
		"max_tokens":  600,
	}, u)
	if err != nil {
		c.log.Printf("outline call failed, using chronological structure: %v", err)
		return chronologicalOutline(selected, c.cfg.MaxChapters), true
	}
	units, ok := parseOutline(raw, selected)
	if !ok {
		c.log.Printf("outline output unparseable, using chronological structure")
		return chronologicalOutline(selected, c.cfg.MaxChapters), true
	}
	return units, false
}

// parseOutline validates the model's outline: unknown indices are dropped and
// an outline whose chapters end up empty fails the parse.
func parseOutline(raw string, selected []Fragment) ([]OutlineUnit, bool) {
	blob, err := extractFirstJSON(raw)
	if err != nil {
		return nil, false
	}
	var p outlinePayload
	if err := json.Unmarshal([]byte(blob), &p); err != nil || len(p.Units) == 0 {
		return nil, false
	}

	units := make([]OutlineUnit, 0, len(p.Units))
	referenced := 0
	for _, pu := range p.Units {
		kind := strings.ToLower(strings.TrimSpace(pu.Kind))
		switch kind {
		case UnitOpening, UnitChapter, UnitConclusion:
		default:
			kind = UnitChapter
		}
		unit := OutlineUnit{Kind: kind, Title: strings.TrimSpace(pu.Title), Theme: strings.TrimSpace(pu.Theme)}
		for _, idx := range pu.Fragments {
			if idx >= 0 && idx < len(selected) {
				unit.FragmentIDs = append(unit.FragmentIDs, selected[idx].ID)
				referenced++
			}
		}
		units = append(units, unit)
	}
	if referenced == 0 {
		return nil, false
	}
	return units, true
}

// chronologicalOutline is the deterministic fallback: time-ordered fragments
// split evenly into chapters, no model involvement.
func chronologicalOutline(selected []Fragment, maxChapters int) []OutlineUnit {
	ordered := make([]Fragment, len(selected))
	copy(ordered, selected)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp.Before(ordered[j].Timestamp) })

	if maxChapters <= 0 {
		maxChapters = 5
	}
	chapters := len(ordered)
	if chapters > maxChapters {
		chapters = maxChapters
	}

	units := make([]OutlineUnit, 0, chapters)
	per := (len(ordered) + chapters - 1) / chapters
	for i := 0; i < len(ordered); i += per {
		end := i + per
		if end > len(ordered) {
			end = len(ordered)
		}
		unit := OutlineUnit{
			Kind:  UnitChapter,
			Title: ordered[i].Timestamp.Format("January 2006"),
		}
		for _, f := range ordered[i:end] {
			unit.FragmentIDs = append(unit.FragmentIDs, f.ID)
		}
		units = append(units, unit)
	}
	return units
}

// flattenClusters orders fragments by cluster confidence then member rank,
// tagging each with its cluster's summary as its theme.
func flattenClusters(clusters []Cluster) ([]Fragment, map[string]string, map[string]float64) {
	ordered := make([]Cluster, len(clusters))
	copy(ordered, clusters)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Confidence > ordered[j].Confidence })

	var frags []Fragment
	themes := make(map[string]string)
	relevance := make(map[string]float64)
	for _, cl := range ordered {
		for _, m := range cl.Members {
			frags = append(frags, m.Fragment)
			relevance[m.Fragment.ID] = m.Relevance
			if !cl.Noise {
				themes[m.Fragment.ID] = cl.Summary
			}
		}
	}
	return frags, themes, relevance
}

func narrativeValue(f Fragment) float64 {
	// Content richness: words, extracted entities, attached media.
	words := len(strings.Fields(f.Content))
	v := float64(words) / 80.0
	v += 0.15 * float64(len(f.Entities))
	v += 0.1 * float64(len(f.Media))
	return clamp01(v)
}

func absClamp(v float64) float64 {
	if v < 0 {
		v = -v
	}
	return clamp01(v)
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
