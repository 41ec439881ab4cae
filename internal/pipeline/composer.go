package pipeline

import (
	"context"
	"fmt"
	"log"
	"strings"
	"unicode"

	"github.com/memoirhq/memoir/config"
)

// Composer generates narrative text per structural unit. The prompt instructs
// grounding in the assigned fragments; the Quality Reviewer enforces it. Text
// over the target length is truncated at a sentence boundary, never mid
// sentence.
type Composer struct {
	gate  *modelGate
	model string
	cfg   config.PipelineConfig
	log   *log.Logger
}

func NewComposer(gate *modelGate, model string, cfg config.PipelineConfig) *Composer {
	return &Composer{
		gate:  gate,
		model: model,
		cfg:   cfg,
		log:   log.New(log.Writer(), "[COMPOSE] ", log.LstdFlags),
	}
}

// Compose turns the curation plan's outline into chapters. Issues from a
// previous review pass, when present, are appended to every unit's prompt.
// Units whose generation fails get deterministic text from their fragments.
func (c *Composer) Compose(ctx context.Context, req StoryRequest, plan CurationPlan, issues []ReviewIssue, u *Usage) Outcome[[]Chapter] {
	tone := c.cfg.Tone
	if req.Config.Tone != "" {
		tone = req.Config.Tone
	}
	style := c.cfg.Style
	if req.Config.Style != "" {
		style = req.Config.Style
	}
	target := c.cfg.TargetSentences
	if req.Config.TargetSentences > 0 {
		target = req.Config.TargetSentences
	}
	if target <= 0 {
		target = 3
	}

	byID := make(map[string]Fragment, len(plan.Selected))
	for _, f := range plan.Selected {
		byID[f.ID] = f
	}

	chapters := make([]Chapter, 0, len(plan.Outline))
	fellBack := false
	for _, unit := range plan.Outline {
		frags := make([]Fragment, 0, len(unit.FragmentIDs))
		for _, id := range unit.FragmentIDs {
			if f, ok := byID[id]; ok {
				frags = append(frags, f)
			}
		}

		text, ok := c.composeUnit(ctx, req, unit, frags, tone, style, target, issues, u)
		if !ok {
			fellBack = true
		}

		ch := Chapter{
			Title:       unit.Title,
			Text:        truncateSentences(text, target),
			Tone:        tone,
			FragmentIDs: unit.FragmentIDs,
		}
		if ch.Title == "" {
			ch.Title = unit.Theme
		}
		chapters = append(chapters, ch)
	}

	if fellBack {
		return Fallback(chapters, "one or more units used deterministic text")
	}
	return Parsed(chapters)
}

func (c *Composer) composeUnit(ctx context.Context, req StoryRequest, unit OutlineUnit, frags []Fragment, tone, style string, target int, issues []ReviewIssue, u *Usage) (string, bool) {
	prompt := c.buildPrompt(req, unit, frags, tone, style, target, issues)
	raw, err := c.gate.generate(ctx, StageComposing, c.model, prompt, map[string]interface{}{
		"temperature": 0.7,
		"max_tokens":  80 * target,
	}, u)
	if err != nil || strings.TrimSpace(raw) == "" {
		if err != nil {
			c.log.Printf("composition call failed for %q: %v", unit.Title, err)
		}
		return deterministicText(frags, target), false
	}
	return strings.TrimSpace(raw), true
}

func (c *Composer) buildPrompt(req StoryRequest, unit OutlineUnit, frags []Fragment, tone, style string, target int, issues []ReviewIssue) string {
	var sb strings.Builder
	if req.Intent == IntentAnswer {
		sb.WriteString("Answer the question using ONLY the memory fragments below.\n")
		sb.WriteString("Question: ")
		sb.WriteString(req.Query)
		sb.WriteString("\n")
	} else {
		sb.WriteString("Write one unit of a personal memory story.\n")
		sb.WriteString(fmt.Sprintf("Unit: %s", unit.Kind))
		if unit.Title != "" {
			sb.WriteString(": " + unit.Title)
		}
		if unit.Theme != "" {
			sb.WriteString(" (theme: " + unit.Theme + ")")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("Memory fragments:\n")
	for _, f := range frags {
		sb.WriteString(fmt.Sprintf("- (%s) %s", f.Timestamp.Format("January 2, 2006"), condense(f.Content, 200)))
		if len(f.Entities) > 0 {
			names := make([]string, 0, len(f.Entities))
			for _, e := range f.Entities {
				names = append(names, e.Name)
			}
			sb.WriteString(" [" + strings.Join(names, ", ") + "]")
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("Tone: %s. Style: %s. At most %d sentences.\n", tone, style, target))
	sb.WriteString("Mention ONLY people, places, and events that appear in the fragments above. ")
	sb.WriteString("Do not invent names, dates, or details. ")
	sb.WriteString("Write in second person about the fragment owner's memories. ")
	sb.WriteString("Never state conclusions about what kind of person they are.\n")
	for _, issue := range issues {
		sb.WriteString("Fix from previous draft: " + issue.Detail + "\n")
	}
	sb.WriteString("Respond with the narrative text only.")
	return sb.String()
}

// deterministicText assembles unit text straight from fragment content when
// generation is unavailable.
func deterministicText(frags []Fragment, target int) string {
	if len(frags) == 0 {
		return ""
	}
	parts := make([]string, 0, target)
	for _, f := range frags {
		if len(parts) >= target {
			break
		}
		s := firstSentence(f.Content)
		if s != "" {
			parts = append(parts, fmt.Sprintf("On %s: %s", f.Timestamp.Format("January 2, 2006"), s))
		}
	}
	return strings.Join(parts, " ")
}

func firstSentence(s string) string {
	sents := splitSentences(s)
	if len(sents) == 0 {
		return strings.TrimSpace(s)
	}
	return sents[0]
}

// splitSentences breaks text on terminal punctuation followed by whitespace,
// keeping the punctuation with the sentence. Trailing closing quotes stay
// attached. Good enough for length checks; not a linguistic segmenter.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var sents []string
	start := 0
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		switch runes[i] {
		case '.', '!', '?':
			// Consume any run of terminal punctuation and closing quotes.
			j := i + 1
			for j < len(runes) && (runes[j] == '.' || runes[j] == '!' || runes[j] == '?' || runes[j] == '"' || runes[j] == '\'' || runes[j] == ')') {
				j++
			}
			if j >= len(runes) || unicode.IsSpace(runes[j]) {
				if s := strings.TrimSpace(string(runes[start:j])); s != "" {
					sents = append(sents, s)
				}
				start = j
				i = j - 1
			}
		}
	}
	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		sents = append(sents, s)
	}
	return sents
}

// truncateSentences cuts text back to at most n sentences.
func truncateSentences(text string, n int) string {
	if n <= 0 {
		return text
	}
	sents := splitSentences(text)
	if len(sents) <= n {
		return strings.TrimSpace(text)
	}
	return strings.Join(sents[:n], " ")
}
