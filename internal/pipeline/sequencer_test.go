package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeVision struct {
	concepts map[string][]string
	err      error
}

func (f *fakeVision) DescribeImage(ctx context.Context, ref MediaRef) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.concepts[ref.ID], nil
}

type fakeSpeech struct{ err error }

func (f *fakeSpeech) Synthesize(ctx context.Context, text string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://audio.local/clip.mp3", nil
}

func sequencerFixture() ([]Chapter, CurationPlan) {
	frags := []Fragment{
		{
			ID: "f1", Timestamp: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
			Media: []MediaRef{{ID: "img1", Kind: "image", URL: "u1", Width: 1920, Height: 1080}},
		},
		{
			ID: "f2", Timestamp: time.Date(2023, 6, 2, 0, 0, 0, 0, time.UTC),
			Media: []MediaRef{{ID: "vid1", Kind: "video", URL: "u2", Width: 1920, Height: 1080, Duration: 30}},
		},
	}
	plan := CurationPlan{
		Selected: frags,
		Scores:   map[string]float64{"f1": 0.9, "f2": 0.4},
	}
	chapters := []Chapter{{
		Title:       "The Shore",
		Text:        "You walked the shore at sunrise.",
		FragmentIDs: []string{"f1", "f2"},
	}}
	return chapters, plan
}

func TestSequencerTimings(t *testing.T) {
	chapters, plan := sequencerFixture()
	s := NewSequencer(nil, nil, testConfig().Media)

	out := s.Sequence(context.Background(), chapters, plan)
	media := out.Value[0].Media
	if len(media) != 2 {
		t.Fatalf("expected 2 media items, got %d", len(media))
	}
	for _, m := range media {
		if m.Transition != 0.5 {
			t.Fatalf("transition = %v, want 0.5", m.Transition)
		}
		switch m.Ref.Kind {
		case "image":
			if m.Seconds != 3.5 {
				t.Fatalf("still duration = %v, want 3.5", m.Seconds)
			}
		case "video":
			if m.Seconds != 8 {
				t.Fatalf("long clip must be capped at 8s, got %v", m.Seconds)
			}
		}
	}
}

func TestSequencerDegradesWithoutVision(t *testing.T) {
	chapters, plan := sequencerFixture()
	s := NewSequencer(nil, nil, testConfig().Media)

	out := s.Sequence(context.Background(), chapters, plan)
	if out.FellBack {
		t.Fatalf("configured absence of vision is not a fallback: %s", out.Reason)
	}
	vw, tw, qw := s.weights()
	if vw != 0 {
		t.Fatalf("visual weight must be zero without vision, got %v", vw)
	}
	if tw+qw < 0.999 || tw+qw > 1.001 {
		t.Fatalf("remaining weights must renormalize to 1, got %v", tw+qw)
	}
}

func TestSequencerVisionOutageFallsBack(t *testing.T) {
	chapters, plan := sequencerFixture()
	s := NewSequencer(&fakeVision{err: errors.New("down")}, nil, testConfig().Media)

	out := s.Sequence(context.Background(), chapters, plan)
	if !out.FellBack {
		t.Fatal("total vision outage should degrade the outcome")
	}
	if len(out.Value[0].Media) == 0 {
		t.Fatal("media must still be sequenced on temporal/quality scores")
	}
}

func TestSequencerCurationTieBreak(t *testing.T) {
	// Identical timestamps and resolutions force equal scores; the fragment
	// with the higher curation score must win the top slot.
	ts := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	plan := CurationPlan{
		Selected: []Fragment{
			{ID: "low", Timestamp: ts, Media: []MediaRef{{ID: "m-low", Kind: "image", Width: 100, Height: 100}}},
			{ID: "high", Timestamp: ts, Media: []MediaRef{{ID: "m-high", Kind: "image", Width: 100, Height: 100}}},
		},
		Scores: map[string]float64{"low": 0.2, "high": 0.9},
	}
	chapters := []Chapter{{Text: "t", FragmentIDs: []string{"low", "high"}}}
	cfg := testConfig().Media

	s := NewSequencer(nil, nil, cfg)
	items := s.pool(chapters[0], map[string]Fragment{
		"low":  plan.Selected[0],
		"high": plan.Selected[1],
	}, plan.Scores)
	s.score(context.Background(), chapters[0], items)
	timeline := s.timeline(items)
	if timeline[0].Ref.ID != "m-high" {
		t.Fatalf("tie must break on curation score, got %s first", timeline[0].Ref.ID)
	}
}

func TestSequencerNarration(t *testing.T) {
	chapters, plan := sequencerFixture()
	s := NewSequencer(nil, &fakeSpeech{}, testConfig().Media)

	out := s.Sequence(context.Background(), chapters, plan)
	if out.Value[0].NarratedURL == "" {
		t.Fatal("narration URL missing with speech provider configured")
	}

	chapters, plan = sequencerFixture()
	s = NewSequencer(nil, &fakeSpeech{err: errors.New("down")}, testConfig().Media)
	out = s.Sequence(context.Background(), chapters, plan)
	if out.FellBack {
		t.Fatal("narration failure must not degrade the pipeline")
	}
	if out.Value[0].NarratedURL != "" {
		t.Fatal("failed narration should leave the chapter silent")
	}
}
