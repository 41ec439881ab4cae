package pipeline

import (
	"context"
	"log"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/memoirhq/memoir/config"
)

// Sequencer selects and times accompanying media per chapter. Scoring is a
// weighted sum of visual-concept similarity to the narrative text, temporal
// proximity to the chapter's time window, and technical quality. Without an
// image-understanding provider the visual term is dropped and the remaining
// weights are renormalized.
type Sequencer struct {
	vision VisionProvider
	speech SpeechProvider
	cfg    config.MediaConfig
	log    *log.Logger
}

const maxMediaPerChapter = 4

func NewSequencer(vision VisionProvider, speech SpeechProvider, cfg config.MediaConfig) *Sequencer {
	return &Sequencer{
		vision: vision,
		speech: speech,
		cfg:    cfg,
		log:    log.New(log.Writer(), "[SEQUENCE] ", log.LstdFlags),
	}
}

// mediaItem carries one candidate media reference through scoring.
type mediaItem struct {
	ref       MediaRef
	ts        time.Time
	curation  float64 // curation-stage score of the owning fragment
	score     float64
	visionErr bool
}

// Sequence attaches timed media to every chapter and, when a speech provider
// is configured, synthesizes narration. Chapters are returned in place.
func (s *Sequencer) Sequence(ctx context.Context, chapters []Chapter, plan CurationPlan) Outcome[[]Chapter] {
	byID := make(map[string]Fragment, len(plan.Selected))
	for _, f := range plan.Selected {
		byID[f.ID] = f
	}

	visionTried := 0
	visionFailed := 0
	for i := range chapters {
		items := s.pool(chapters[i], byID, plan.Scores)
		if len(items) > 0 {
			tried, failed := s.score(ctx, chapters[i], items)
			visionTried += tried
			visionFailed += failed
			chapters[i].Media = s.timeline(items)
		}
		s.narrate(ctx, &chapters[i])
	}

	if s.vision != nil && visionTried > 0 && visionFailed == visionTried {
		return Fallback(chapters, "image understanding unavailable, media scored by time and quality only")
	}
	return Parsed(chapters)
}

// pool collects the media items linked to the chapter's fragments.
func (s *Sequencer) pool(ch Chapter, byID map[string]Fragment, scores map[string]float64) []*mediaItem {
	var items []*mediaItem
	for _, id := range ch.FragmentIDs {
		f, ok := byID[id]
		if !ok {
			continue
		}
		for _, m := range f.Media {
			items = append(items, &mediaItem{ref: m, ts: f.Timestamp, curation: scores[f.ID]})
		}
	}
	return items
}

// score computes the weighted item scores. Returns how many vision lookups
// were attempted and how many failed.
func (s *Sequencer) score(ctx context.Context, ch Chapter, items []*mediaItem) (tried, failed int) {
	vw, tw, qw := s.weights()

	window := timeSpan(items)
	for _, it := range items {
		visual := 0.0
		if s.vision != nil && vw > 0 {
			tried++
			concepts, err := s.vision.DescribeImage(ctx, it.ref)
			if err != nil {
				failed++
				it.visionErr = true
			} else {
				visual = conceptOverlap(ch.Text, concepts)
			}
		}
		it.score = vw*visual + tw*temporalProximity(it.ts, window) + qw*qualityScore(it.ref)
	}
	return tried, failed
}

// weights returns the configured scoring weights, renormalized over temporal
// and quality when no vision provider is wired.
func (s *Sequencer) weights() (vw, tw, qw float64) {
	vw, tw, qw = s.cfg.VisualWeight, s.cfg.TemporalWeight, s.cfg.QualityWeight
	if s.vision == nil {
		vw = 0
	}
	sum := vw + tw + qw
	if sum == 0 {
		return 0, 0.5, 0.5
	}
	return vw / sum, tw / sum, qw / sum
}

// timeline orders the best-scoring items and assigns display durations.
// Ties go to the item whose fragment scored higher at curation.
func (s *Sequencer) timeline(items []*mediaItem) []TimedMedia {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].score != items[j].score {
			return items[i].score > items[j].score
		}
		return items[i].curation > items[j].curation
	})
	if len(items) > maxMediaPerChapter {
		items = items[:maxMediaPerChapter]
	}
	// Chronological playback order regardless of score rank.
	sort.SliceStable(items, func(i, j int) bool { return items[i].ts.Before(items[j].ts) })

	out := make([]TimedMedia, 0, len(items))
	for _, it := range items {
		out = append(out, TimedMedia{
			Ref:        it.ref,
			Seconds:    s.duration(it.ref),
			Transition: s.cfg.TransitionSeconds,
		})
	}
	return out
}

func (s *Sequencer) duration(m MediaRef) float64 {
	if m.Kind == "video" {
		d := m.Duration
		if d <= 0 || d > s.cfg.MaxClipSeconds {
			d = s.cfg.MaxClipSeconds
		}
		return d
	}
	return s.cfg.ImageSeconds
}

// narrate synthesizes chapter narration when a speech provider is configured.
// Failure just leaves the chapter silent.
func (s *Sequencer) narrate(ctx context.Context, ch *Chapter) {
	if s.speech == nil || strings.TrimSpace(ch.Text) == "" {
		return
	}
	url, err := s.speech.Synthesize(ctx, ch.Text)
	if err != nil {
		s.log.Printf("narration synthesis failed for %q: %v", ch.Title, err)
		return
	}
	ch.NarratedURL = url
}

type span struct {
	from, to time.Time
}

func timeSpan(items []*mediaItem) span {
	var sp span
	for _, it := range items {
		if sp.from.IsZero() || it.ts.Before(sp.from) {
			sp.from = it.ts
		}
		if sp.to.IsZero() || it.ts.After(sp.to) {
			sp.to = it.ts
		}
	}
	return sp
}

// temporalProximity scores closeness to the window midpoint; a single-item
// window scores 1.
func temporalProximity(ts time.Time, sp span) float64 {
	total := sp.to.Sub(sp.from)
	if total <= 0 {
		return 1
	}
	mid := sp.from.Add(total / 2)
	dist := math.Abs(float64(ts.Sub(mid)))
	return 1 - dist/float64(total)
}

// qualityScore is a resolution heuristic normalized around 1080p.
func qualityScore(m MediaRef) float64 {
	if m.Width <= 0 || m.Height <= 0 {
		return 0.5
	}
	pixels := float64(m.Width) * float64(m.Height)
	return clamp01(pixels / (1920 * 1080))
}

// conceptOverlap measures word overlap between the narrative and the visual
// concept labels.
func conceptOverlap(text string, concepts []string) float64 {
	if len(concepts) == 0 {
		return 0
	}
	words := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		words[strings.Trim(w, ".,!?\"'")] = true
	}
	hits := 0
	for _, c := range concepts {
		for _, w := range strings.Fields(strings.ToLower(c)) {
			if words[w] {
				hits++
				break
			}
		}
	}
	return float64(hits) / float64(len(concepts))
}
