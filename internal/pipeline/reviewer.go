package pipeline

import (
	"fmt"
	"log"
	"math"
	"regexp"
	"strings"
	"unicode"
)

// Reviewer checks an assembled artifact for grounding, tone, safety, and
// structure. All checks are deterministic; no model call is involved, so the
// review itself can never degrade.
type Reviewer struct {
	toneThreshold float64
	log           *log.Logger
}

func NewReviewer(toneThreshold float64) *Reviewer {
	if toneThreshold <= 0 {
		toneThreshold = 0.5
	}
	return &Reviewer{
		toneThreshold: toneThreshold,
		log:           log.New(log.Writer(), "[REVIEW] ", log.LstdFlags),
	}
}

// Verdict decisions and issue kinds.
const (
	DecisionApproved  = "approved"
	DecisionWithNotes = "approved_with_notes"
	DecisionRevise    = "revise"

	IssueUngrounded = "ungrounded_claim"
	IssueTone       = "tone_mismatch"
	IssueDiagnostic = "diagnostic_statement"
	IssueStructure  = "structure"
)

// diagnosticPatterns flag deterministic psychological statements about the
// reader.
var diagnosticPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\byou are (a|an|the)?\s*[a-z]+ (person|type|kind)\b`),
	regexp.MustCompile(`(?i)\byou (always|never) \w+`),
	regexp.MustCompile(`(?i)\byou (suffer from|are diagnosed|clearly have|must have)\b`),
	regexp.MustCompile(`(?i)\bthis (proves|shows|means) (that )?you\b`),
}

// Review evaluates the artifact against its source fragments and the curation
// plan's emotional annotations.
func (r *Reviewer) Review(artifact StoryArtifact, fragments []Fragment, plan CurationPlan) ReviewVerdict {
	var issues []ReviewIssue
	issues = append(issues, r.checkStructure(artifact)...)
	issues = append(issues, r.checkGrounding(artifact, fragments)...)
	issues = append(issues, r.checkTone(artifact, plan)...)
	issues = append(issues, r.checkDiagnostic(artifact)...)

	verdict := ReviewVerdict{Issues: issues, Score: score(issues)}
	switch {
	case len(issues) == 0:
		verdict.Decision = DecisionApproved
	case onlyNotes(issues):
		verdict.Decision = DecisionWithNotes
	default:
		verdict.Decision = DecisionRevise
	}
	r.log.Printf("verdict %s (%d issues, score %.2f)", verdict.Decision, len(issues), verdict.Score)
	return verdict
}

func (r *Reviewer) checkStructure(artifact StoryArtifact) []ReviewIssue {
	var issues []ReviewIssue
	if len(artifact.Chapters) == 0 {
		return []ReviewIssue{{Kind: IssueStructure, Detail: "artifact has no chapters"}}
	}
	for i, ch := range artifact.Chapters {
		if strings.TrimSpace(ch.Text) == "" {
			issues = append(issues, ReviewIssue{
				Kind:   IssueStructure,
				Detail: fmt.Sprintf("chapter %d (%q) has no text", i+1, ch.Title),
			})
		}
	}
	return issues
}

// checkGrounding flags named entities in the narrative that trace to no
// assigned fragment's entities or content.
func (r *Reviewer) checkGrounding(artifact StoryArtifact, fragments []Fragment) []ReviewIssue {
	byID := make(map[string]Fragment, len(fragments))
	for _, f := range fragments {
		byID[f.ID] = f
	}

	var issues []ReviewIssue
	for i, ch := range artifact.Chapters {
		known := make(map[string]bool)
		for _, id := range ch.FragmentIDs {
			f, ok := byID[id]
			if !ok {
				continue
			}
			for _, e := range f.Entities {
				for _, w := range strings.Fields(strings.ToLower(e.Name)) {
					known[w] = true
				}
			}
			for _, w := range strings.Fields(strings.ToLower(f.Content)) {
				known[strings.Trim(w, ".,!?\"'()")] = true
			}
		}
		for _, name := range namedEntities(ch.Text) {
			grounded := true
			for _, w := range strings.Fields(strings.ToLower(name)) {
				if !known[w] {
					grounded = false
					break
				}
			}
			if !grounded {
				issues = append(issues, ReviewIssue{
					Kind:   IssueUngrounded,
					Detail: fmt.Sprintf("chapter %d mentions %q which appears in no source fragment", i+1, name),
				})
			}
		}
	}
	return issues
}

// checkTone compares each chapter's lexical valence with the average
// emotional annotation of its fragments.
func (r *Reviewer) checkTone(artifact StoryArtifact, plan CurationPlan) []ReviewIssue {
	if len(plan.Emotional) == 0 {
		return nil
	}
	var issues []ReviewIssue
	for i, ch := range artifact.Chapters {
		var sum float64
		n := 0
		for _, id := range ch.FragmentIDs {
			if v, ok := plan.Emotional[id]; ok {
				sum += v
				n++
			}
		}
		if n == 0 {
			continue
		}
		expected := sum / float64(n)
		actual := textValence(ch.Text)
		if expected*actual < 0 && math.Abs(expected-actual) > r.toneThreshold {
			issues = append(issues, ReviewIssue{
				Kind:   IssueTone,
				Detail: fmt.Sprintf("chapter %d tone contradicts its source fragments", i+1),
			})
		}
	}
	return issues
}

func (r *Reviewer) checkDiagnostic(artifact StoryArtifact) []ReviewIssue {
	var issues []ReviewIssue
	for i, ch := range artifact.Chapters {
		for _, pat := range diagnosticPatterns {
			if m := pat.FindString(ch.Text); m != "" {
				issues = append(issues, ReviewIssue{
					Kind:   IssueDiagnostic,
					Detail: fmt.Sprintf("chapter %d contains a diagnostic statement: %q", i+1, m),
				})
			}
		}
	}
	return issues
}

// onlyNotes reports whether every issue is advisory (tone mismatches only).
func onlyNotes(issues []ReviewIssue) bool {
	for _, is := range issues {
		if is.Kind != IssueTone {
			return false
		}
	}
	return true
}

func score(issues []ReviewIssue) float64 {
	s := 1.0
	for _, is := range issues {
		switch is.Kind {
		case IssueTone:
			s -= 0.1
		default:
			s -= 0.25
		}
	}
	if s < 0 {
		s = 0
	}
	return s
}

// namedEntities extracts capitalized word runs that do not open a sentence.
// A heuristic, deliberately conservative: sentence-initial capitals are
// ignored to avoid flagging ordinary prose.
func namedEntities(text string) []string {
	var out []string
	for _, sent := range splitSentences(text) {
		words := strings.Fields(sent)
		i := 1 // skip the sentence-initial word
		for i < len(words) {
			w := strings.Trim(words[i], ".,!?\"'()")
			if w == "" || !unicode.IsUpper([]rune(w)[0]) || stopword(w) {
				i++
				continue
			}
			run := []string{w}
			j := i + 1
			for j < len(words) {
				nw := strings.Trim(words[j], ".,!?\"'()")
				if nw == "" || !unicode.IsUpper([]rune(nw)[0]) {
					break
				}
				run = append(run, nw)
				j++
			}
			out = append(out, strings.Join(run, " "))
			i = j
		}
	}
	return out
}

// stopword filters capitalized words that are rarely entities.
func stopword(w string) bool {
	switch w {
	case "I", "You", "We", "The", "A", "An", "On", "In", "At", "It", "But", "And", "Or", "Your", "My":
		return true
	}
	return false
}

// Small positive/negative lexicons for the tone check. Coverage matters less
// than sign agreement with the assessor's valence scale.
var (
	positiveWords = map[string]bool{
		"happy": true, "joy": true, "joyful": true, "love": true, "loved": true,
		"wonderful": true, "beautiful": true, "warm": true, "laughter": true,
		"celebrated": true, "smile": true, "smiled": true, "bright": true,
		"cherished": true, "delight": true, "peaceful": true, "grateful": true,
	}
	negativeWords = map[string]bool{
		"sad": true, "loss": true, "lost": true, "grief": true, "cried": true,
		"painful": true, "dark": true, "lonely": true, "afraid": true,
		"mourning": true, "missed": true, "heartbreak": true, "sorrow": true,
		"difficult": true, "struggled": true, "angry": true,
	}
)

// textValence scores text in [-1, 1] from lexicon hits.
func textValence(text string) float64 {
	pos, neg := 0, 0
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?\"'()")
		if positiveWords[w] {
			pos++
		}
		if negativeWords[w] {
			neg++
		}
	}
	total := pos + neg
	if total == 0 {
		return 0
	}
	return float64(pos-neg) / float64(total)
}
