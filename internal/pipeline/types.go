package pipeline

import (
	"context"
	"time"

	"github.com/memoirhq/memoir/config"
)

// Fragment is an atomic unit of imported personal history. Fragments are owned
// by the external fragment store; the pipeline only reads them and attaches
// derived scores transiently.
type Fragment struct {
	ID        string     `json:"id"`
	Type      string     `json:"type"` // post, photo, note
	Timestamp time.Time  `json:"timestamp"`
	Content   string     `json:"content"`
	Media     []MediaRef `json:"media,omitempty"`
	Embedding []float32  `json:"embedding,omitempty"`
	Entities  []Entity   `json:"entities,omitempty"`
	Sensitive bool       `json:"sensitive,omitempty"` // pre-flagged in store metadata
}

// MediaRef points at a media item linked to a Fragment.
type MediaRef struct {
	ID       string  `json:"id"`
	Kind     string  `json:"kind"` // image, video
	URL      string  `json:"url"`
	Width    int     `json:"width,omitempty"`
	Height   int     `json:"height,omitempty"`
	Duration float64 `json:"duration_seconds,omitempty"` // videos only
}

// Entity is a person or place extracted from a Fragment.
type Entity struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // person, place
}

// TimeWindow bounds a search or chapter temporally.
type TimeWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// SearchSpec is the expanded query produced by the Query Expander. It lives
// only for the duration of one request.
type SearchSpec struct {
	Query         string      `json:"query"`
	ExpandedTerms []string    `json:"expanded_terms,omitempty"`
	TimeWindow    *TimeWindow `json:"time_window,omitempty"`
	EmotionalTone string      `json:"emotional_tone,omitempty"`
	Entities      []string    `json:"entities,omitempty"`
}

// SearchFilters are structured pre-filters applied by the vector index itself,
// never as a post-filter on results.
type SearchFilters struct {
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
	Types    []string   `json:"types,omitempty"`
	Entities []string   `json:"entities,omitempty"`
}

// Candidate is a Fragment scored against one query. Created by the Retriever,
// re-scored by the Ranker, consumed by the Cluster Builder.
type Candidate struct {
	Fragment   Fragment `json:"fragment"`
	Similarity float64  `json:"similarity"`
	Relevance  float64  `json:"relevance"`
	Rank       int      `json:"rank"`
}

// Cluster is a thematically coherent group of Candidates. Cluster membership
// is always a partition of the ranked candidate list: every Candidate belongs
// to exactly one Cluster, singletons included.
type Cluster struct {
	ID         string      `json:"id"`
	Members    []Candidate `json:"members"`
	Summary    string      `json:"summary,omitempty"`
	Confidence float64     `json:"confidence"`
	Noise      bool        `json:"noise,omitempty"`
}

// OutlineUnit is one structural unit of the narrative outline.
type OutlineUnit struct {
	Kind        string   `json:"kind"` // opening, chapter, conclusion
	Title       string   `json:"title"`
	Theme       string   `json:"theme"`
	FragmentIDs []string `json:"fragment_ids"`
}

// CurationPlan is the bounded fragment selection plus the structural outline.
type CurationPlan struct {
	Selected   []Fragment             `json:"selected"`
	Outline    []OutlineUnit          `json:"outline"`
	Emotional  map[string]float64     `json:"emotional,omitempty"` // fragment id -> valence [-1,1]
	DroppedIDs []string               `json:"dropped_ids,omitempty"`
	Scores     map[string]float64     `json:"scores,omitempty"` // fragment id -> weighted curation score
	Themes     []string               `json:"themes,omitempty"`
	Weights    config.CriteriaWeights `json:"weights"`
}

// TimedMedia is a media reference with display timing chosen by the sequencer.
type TimedMedia struct {
	Ref        MediaRef `json:"ref"`
	Seconds    float64  `json:"seconds"`
	Transition float64  `json:"transition_seconds"`
}

// Chapter is one narrative unit: generated text plus sequenced media.
type Chapter struct {
	Title       string       `json:"title"`
	Text        string       `json:"text"`
	Tone        string       `json:"tone"`
	FragmentIDs []string     `json:"fragment_ids"`
	Media       []TimedMedia `json:"media,omitempty"`
	NarratedURL string       `json:"narrated_url,omitempty"` // set when speech synthesis is enabled
}

// ReviewIssue is one specific problem found by the Quality Reviewer.
type ReviewIssue struct {
	Kind   string `json:"kind"` // ungrounded_claim, tone_mismatch, diagnostic_statement, structure
	Detail string `json:"detail"`
}

// ReviewVerdict is the Quality Reviewer's decision for an assembled artifact.
type ReviewVerdict struct {
	Decision string        `json:"decision"` // approved, approved_with_notes, revise
	Issues   []ReviewIssue `json:"issues,omitempty"`
	Score    float64       `json:"score"` // 0..1, used to pick the best revision attempt
}

// GenerationMeta records how an artifact was produced.
type GenerationMeta struct {
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Duration   time.Duration `json:"duration"`
	ModelCalls int           `json:"model_calls"`
	TokensUsed int64         `json:"tokens_used"`
	Cost       float64       `json:"cost_estimate"`
	ModelsUsed []string      `json:"models_used,omitempty"`
	Revisions  int           `json:"revisions"`
	Fallbacks  []string      `json:"fallbacks,omitempty"` // stages that degraded
}

// StoryArtifact is the final output of one pipeline invocation.
type StoryArtifact struct {
	ID          string         `json:"id"`
	TaskID      string         `json:"task_id"`
	Intent      string         `json:"intent"` // story, answer
	Query       string         `json:"query"`
	Title       string         `json:"title,omitempty"`
	Chapters    []Chapter      `json:"chapters"`
	FragmentIDs []string       `json:"fragment_ids"` // grounding references
	Verdict     ReviewVerdict  `json:"verdict"`
	State       string         `json:"state"` // approved, degraded
	Meta        GenerationMeta `json:"meta"`
	CreatedAt   time.Time      `json:"created_at"`
}

// StoryRequest is a submitted pipeline request.
type StoryRequest struct {
	ID          string                 `json:"id"`
	Intent      string                 `json:"intent"` // story (default) or answer
	Query       string                 `json:"query"`
	Context     map[string]interface{} `json:"context,omitempty"` // date range, active entities
	Config      RequestConfig          `json:"config"`
	SubmittedAt time.Time              `json:"submitted_at"`
}

// RequestConfig carries per-request overrides of the pipeline defaults.
// Zero values mean "use the configured default".
type RequestConfig struct {
	ResultCount     int                     `json:"result_count,omitempty"`
	MaxFragments    int                     `json:"max_fragments,omitempty"`
	Weights         *config.CriteriaWeights `json:"weights,omitempty"`
	Tone            string                  `json:"tone,omitempty"`
	Style           string                  `json:"style,omitempty"`
	TargetSentences int                     `json:"target_sentences,omitempty"`
	RevisionLimit   *int                    `json:"revision_limit,omitempty"`
}

// Request intents and outline unit kinds.
const (
	IntentStory  = "story"
	IntentAnswer = "answer"

	UnitOpening    = "opening"
	UnitChapter    = "chapter"
	UnitConclusion = "conclusion"
)

// Task lifecycle states. Transitions are strictly forward except the bounded
// reviewing -> composing revision loop.
const (
	StageAccepted   = "accepted"
	StageExpanding  = "expanding"
	StageRetrieving = "retrieving"
	StageRanking    = "ranking"
	StageClustering = "clustering"
	StageCurating   = "curating"
	StageComposing  = "composing"
	StageSequencing = "sequencing"
	StageReviewing  = "reviewing"
	StateApproved   = "approved"
	StateDegraded   = "degraded"
	StateFailed     = "failed"
)

// TaskError is one entry of a task's error log.
type TaskError struct {
	Stage    string    `json:"stage"`
	Message  string    `json:"message"`
	Fallback bool      `json:"fallback"` // true when the stage degraded instead of aborting
	At       time.Time `json:"at"`
}

// TaskState tracks a running pipeline invocation. Terminal and immutable once
// Stage is one of the terminal states.
type TaskState struct {
	ID          string         `json:"id"`
	Stage       string         `json:"stage"`
	Progress    float64        `json:"progress"` // 0..1
	Degraded    bool           `json:"degraded"`
	Errors      []TaskError    `json:"errors,omitempty"`
	Message     string         `json:"message,omitempty"` // user-facing, set on failure
	Result      *StoryArtifact `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	LastUpdated time.Time      `json:"last_updated"`
	Elapsed     time.Duration  `json:"elapsed"`
}

// Terminal reports whether the task has finished.
func (s TaskState) Terminal() bool {
	return s.Stage == StateApproved || s.Stage == StateDegraded || s.Stage == StateFailed
}

// ModelInfo contains information about an LLM model
type ModelInfo struct {
	Name            string   `json:"name"`
	Provider        string   `json:"provider"`
	MaxTokens       int      `json:"max_tokens"`
	CostPer1KInput  float64  `json:"cost_per_1k_input"`
	CostPer1KOutput float64  `json:"cost_per_1k_output"`
	Capabilities    []string `json:"capabilities"`
}

// LLMProvider is the contract for the generative text + embedding capability.
type LLMProvider interface {
	// Generate generates text using the LLM
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns input/output token usage
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// Embed generates vector embeddings for the provided inputs
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)

	// GetAvailableModels returns available models
	GetAvailableModels() []string

	// GetModelInfo returns information about a specific model
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the cost for a given number of tokens
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

// ScoredFragment is a vector-index hit.
type ScoredFragment struct {
	Fragment   Fragment `json:"fragment"`
	Similarity float64  `json:"similarity"`
}

// FragmentIndex is the external fragment store / vector index boundary.
type FragmentIndex interface {
	// Search runs a nearest-neighbor search with structured pre-filters.
	Search(ctx context.Context, vector []float32, k int, filters SearchFilters) ([]ScoredFragment, error)

	// Get fetches a single fragment by id.
	Get(ctx context.Context, id string) (Fragment, error)
}

// Assessment is the privacy/emotion collaborator's output.
type Assessment struct {
	SensitiveIDs    map[string]bool    `json:"sensitive_ids"`
	EmotionalScores map[string]float64 `json:"emotional_scores"` // fragment id -> valence [-1,1]
}

// Assessor is the external privacy/emotion assessment boundary.
type Assessor interface {
	Assess(ctx context.Context, fragments []Fragment) (Assessment, error)
}

// VisionProvider is the optional image-understanding capability. A nil
// provider degrades the Media Sequencer to temporal/quality-only scoring.
type VisionProvider interface {
	// DescribeImage returns visual concept labels for a media item.
	DescribeImage(ctx context.Context, ref MediaRef) ([]string, error)
}

// SpeechProvider is the optional narration synthesis capability. A nil
// provider disables audio narration without failing the pipeline.
type SpeechProvider interface {
	// Synthesize returns a URL for synthesized narration audio.
	Synthesize(ctx context.Context, text string) (string, error)
}

// ArtifactStore persists completed StoryArtifacts.
type ArtifactStore interface {
	SaveArtifact(ctx context.Context, artifact StoryArtifact) error
	GetArtifact(ctx context.Context, id string) (StoryArtifact, error)
	ListArtifacts(ctx context.Context, limit int) ([]StoryArtifact, error)
}

// OrchestratorInterface is the contract consumed by the HTTP layer.
type OrchestratorInterface interface {
	// Submit accepts a request and starts a pipeline task, returning the task id.
	Submit(ctx context.Context, req StoryRequest) (string, error)

	// Status returns the current state of a task.
	Status(taskID string) (TaskState, error)

	// Cancel aborts a running task.
	Cancel(taskID string) error
}
