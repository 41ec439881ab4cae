package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/memoirhq/memoir/config"
	"github.com/memoirhq/memoir/internal/telemetry"
)

// Orchestrator owns the pipeline state machine. Transitions are strictly
// forward except the bounded reviewing -> composing revision loop. Every stage
// after retrieval degrades forward on failure; only retrieval is fatal.
type Orchestrator struct {
	cfg       *config.Config
	expander  *Expander
	retriever *Retriever
	ranker    *Ranker
	clusters  *ClusterBuilder
	curator   *Curator
	composer  *Composer
	sequencer *Sequencer
	reviewer  *Reviewer
	store     ArtifactStore
	tele      *telemetry.Telemetry
	tracer    trace.Tracer
	log       *log.Logger

	mu      sync.RWMutex
	tasks   map[string]*TaskState
	cancels map[string]context.CancelFunc
}

// stageProgress maps each stage to its share of completed work, for polling.
var stageProgress = map[string]float64{
	StageAccepted:   0.0,
	StageExpanding:  0.05,
	StageRetrieving: 0.2,
	StageRanking:    0.35,
	StageClustering: 0.45,
	StageCurating:   0.6,
	StageComposing:  0.75,
	StageSequencing: 0.85,
	StageReviewing:  0.95,
}

// NewOrchestrator wires the stages from configuration and the injected
// external collaborators. vision, speech, and store may be nil.
func NewOrchestrator(cfg *config.Config, llm LLMProvider, index FragmentIndex, assessor Assessor, vision VisionProvider, speech SpeechProvider, store ArtifactStore, tele *telemetry.Telemetry) *Orchestrator {
	gate := newModelGate(llm, cfg.Pipeline.ModelConcurrency, cfg.Pipeline.StageTimeout, 500*time.Millisecond, tele)
	routing := cfg.LLM.Routing

	return &Orchestrator{
		cfg:       cfg,
		expander:  NewExpander(gate, routing.ModelFor("expansion")),
		retriever: NewRetriever(gate, index, cfg.LLM.Embedding.Model),
		ranker:    NewRanker(gate, routing.ModelFor("ranking"), cfg.Pipeline.RerankThreshold),
		clusters:  NewClusterBuilder(gate, routing.ModelFor("clustering"), cfg.Pipeline.ClusterEps),
		curator:   NewCurator(gate, assessor, routing.ModelFor("curation"), cfg.Pipeline),
		composer:  NewComposer(gate, routing.ModelFor("composition"), cfg.Pipeline),
		sequencer: NewSequencer(vision, speech, cfg.Media),
		reviewer:  NewReviewer(cfg.Pipeline.ToneThreshold),
		store:     store,
		tele:      tele,
		tracer:    otel.Tracer("memoir/pipeline"),
		log:       log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		tasks:     make(map[string]*TaskState),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// Submit accepts a request and starts its pipeline task.
func (o *Orchestrator) Submit(ctx context.Context, req StoryRequest) (string, error) {
	if strings.TrimSpace(req.Query) == "" {
		return "", fmt.Errorf("query must not be empty")
	}
	if req.Intent == "" {
		req.Intent = IntentStory
	}
	if req.Intent != IntentStory && req.Intent != IntentAnswer {
		return "", fmt.Errorf("unknown intent %q", req.Intent)
	}
	req.ID = uuid.NewString()
	req.SubmittedAt = time.Now()

	runCtx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	o.mu.Lock()
	o.tasks[req.ID] = &TaskState{
		ID:          req.ID,
		Stage:       StageAccepted,
		CreatedAt:   now,
		LastUpdated: now,
	}
	o.cancels[req.ID] = cancel
	o.mu.Unlock()

	go o.run(runCtx, req)
	o.log.Printf("accepted task %s (%s): %q", req.ID, req.Intent, req.Query)
	return req.ID, nil
}

// Status returns a copy of the task state so polls never observe a torn write.
func (o *Orchestrator) Status(taskID string) (TaskState, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	t, ok := o.tasks[taskID]
	if !ok {
		return TaskState{}, fmt.Errorf("task %s not found", taskID)
	}
	cp := *t
	cp.Errors = append([]TaskError(nil), t.Errors...)
	if !cp.Terminal() {
		cp.Elapsed = time.Since(cp.CreatedAt)
	}
	return cp, nil
}

// Cancel aborts a running task. Terminal tasks cannot be cancelled.
func (o *Orchestrator) Cancel(taskID string) error {
	o.mu.Lock()
	t, ok := o.tasks[taskID]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("task %s not found", taskID)
	}
	if t.Terminal() {
		o.mu.Unlock()
		return fmt.Errorf("task %s already finished", taskID)
	}
	cancel := o.cancels[taskID]
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// run executes the full state machine for one task.
func (o *Orchestrator) run(ctx context.Context, req StoryRequest) {
	started := time.Now()
	usage := NewUsage()

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("task.id", req.ID),
		attribute.String("task.intent", req.Intent),
	))
	defer span.End()

	// Expanding.
	o.setStage(req.ID, StageExpanding)
	spec := runStage(ctx, o, req.ID, StageExpanding, func(ctx context.Context) Outcome[SearchSpec] {
		return o.expander.Expand(ctx, req, usage)
	})

	// Retrieving. The one fatal stage.
	o.setStage(req.ID, StageRetrieving)
	k := o.cfg.Pipeline.ResultCount
	if req.Config.ResultCount > 0 {
		k = req.Config.ResultCount
	}
	var candidates []Candidate
	retrieveErr := o.withSpan(ctx, StageRetrieving, func(ctx context.Context) error {
		var err error
		candidates, err = o.retriever.Retrieve(ctx, spec.Value, k, contextFilters(req))
		return err
	})
	if retrieveErr == nil && len(candidates) == 0 {
		retrieveErr = ErrRetrievalFatal{Reason: "no fragments matched the query"}
	}
	if retrieveErr != nil {
		o.fail(ctx, req.ID, span, started, retrieveErr)
		return
	}

	// Ranking.
	o.setStage(req.ID, StageRanking)
	ranked := runStage(ctx, o, req.ID, StageRanking, func(ctx context.Context) Outcome[[]Candidate] {
		return o.ranker.Rank(ctx, req.Query, candidates, usage)
	})

	// Clustering.
	o.setStage(req.ID, StageClustering)
	clusters := runStage(ctx, o, req.ID, StageClustering, func(ctx context.Context) Outcome[[]Cluster] {
		return o.clusters.Build(ctx, ranked.Value, usage)
	})

	// Curating.
	o.setStage(req.ID, StageCurating)
	plan := runStage(ctx, o, req.ID, StageCurating, func(ctx context.Context) Outcome[CurationPlan] {
		return o.curator.Curate(ctx, req, clusters.Value, usage)
	})
	if len(plan.Value.Selected) == 0 {
		o.fail(ctx, req.ID, span, started, ErrRetrievalFatal{Reason: "no usable fragments after curation"})
		return
	}

	// Composing / sequencing / reviewing with the bounded revision loop.
	revisionLimit := o.cfg.Pipeline.RevisionLimit
	if req.Config.RevisionLimit != nil {
		revisionLimit = *req.Config.RevisionLimit
	}

	var best StoryArtifact
	haveBest := false
	revisions := 0
	var issues []ReviewIssue
	for attempt := 0; ; attempt++ {
		o.setStage(req.ID, StageComposing)
		composed := runStage(ctx, o, req.ID, StageComposing, func(ctx context.Context) Outcome[[]Chapter] {
			return o.composer.Compose(ctx, req, plan.Value, issues, usage)
		})

		o.setStage(req.ID, StageSequencing)
		sequenced := runStage(ctx, o, req.ID, StageSequencing, func(ctx context.Context) Outcome[[]Chapter] {
			return o.sequencer.Sequence(ctx, composed.Value, plan.Value)
		})

		artifact := o.assemble(req, plan.Value, sequenced.Value)

		o.setStage(req.ID, StageReviewing)
		var verdict ReviewVerdict
		_ = o.withSpan(ctx, StageReviewing, func(ctx context.Context) error {
			verdict = o.reviewer.Review(artifact, plan.Value.Selected, plan.Value)
			return nil
		})
		artifact.Verdict = verdict

		if !haveBest || verdict.Score > best.Verdict.Score {
			best = artifact
			haveBest = true
		}
		if verdict.Decision != DecisionRevise {
			break
		}
		if attempt >= revisionLimit {
			o.recordFallback(req.ID, StageReviewing, "revision limit reached, keeping best attempt")
			break
		}
		revisions++
		issues = verdict.Issues
		o.log.Printf("task %s revision %d/%d: %d issues", req.ID, revisions, revisionLimit, len(verdict.Issues))
	}

	if ctx.Err() != nil {
		o.fail(ctx, req.ID, span, started, ctx.Err())
		return
	}

	o.finish(ctx, req.ID, span, started, best, usage, revisions)
}

// runStage executes a degradable stage under a span, recording the fallback
// in the task's error log when the stage degraded.
func runStage[T any](ctx context.Context, o *Orchestrator, taskID, stage string, fn func(context.Context) Outcome[T]) Outcome[T] {
	var out Outcome[T]
	_ = o.withSpan(ctx, stage, func(ctx context.Context) error {
		out = fn(ctx)
		return nil
	})
	if out.FellBack {
		o.recordFallback(taskID, stage, out.Reason)
	}
	return out
}

// withSpan wraps one stage in a trace span and duration metric.
func (o *Orchestrator) withSpan(ctx context.Context, stage string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "pipeline."+stage)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	o.tele.RecordStage(stage, time.Since(start), false)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// assemble builds the artifact from the composed and sequenced chapters.
func (o *Orchestrator) assemble(req StoryRequest, plan CurationPlan, chapters []Chapter) StoryArtifact {
	ids := make([]string, 0, len(plan.Selected))
	for _, f := range plan.Selected {
		ids = append(ids, f.ID)
	}
	title := req.Query
	for _, u := range plan.Outline {
		if u.Kind == UnitOpening && u.Title != "" {
			title = u.Title
			break
		}
	}
	return StoryArtifact{
		ID:          uuid.NewString(),
		TaskID:      req.ID,
		Intent:      req.Intent,
		Query:       req.Query,
		Title:       title,
		Chapters:    chapters,
		FragmentIDs: ids,
		CreatedAt:   time.Now(),
	}
}

// finish writes the terminal state for a completed (possibly degraded) task.
func (o *Orchestrator) finish(ctx context.Context, taskID string, span trace.Span, started time.Time, artifact StoryArtifact, usage *Usage, revisions int) {
	o.mu.Lock()
	t := o.tasks[taskID]
	degraded := t.Degraded
	fallbacks := make([]string, 0, len(t.Errors))
	for _, e := range t.Errors {
		if e.Fallback {
			fallbacks = append(fallbacks, e.Stage)
		}
	}
	o.mu.Unlock()

	state := StateApproved
	if degraded || artifact.Verdict.Decision == DecisionRevise {
		state = StateDegraded
	}
	artifact.State = state

	calls, tokens, cost, models := usage.Snapshot()
	finished := time.Now()
	artifact.Meta = GenerationMeta{
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
		ModelCalls: calls,
		TokensUsed: tokens,
		Cost:       cost,
		ModelsUsed: models,
		Revisions:  revisions,
		Fallbacks:  fallbacks,
	}

	if o.store != nil {
		if err := o.store.SaveArtifact(ctx, artifact); err != nil {
			o.log.Printf("task %s: persisting artifact failed: %v", taskID, err)
		}
	}

	o.mu.Lock()
	t.Stage = state
	t.Progress = 1
	t.Result = &artifact
	t.LastUpdated = finished
	t.Elapsed = finished.Sub(t.CreatedAt)
	o.mu.Unlock()

	span.SetAttributes(attribute.String("task.state", state), attribute.Int("task.revisions", revisions))
	o.tele.RecordRun(state)
	o.cleanup(taskID)
	o.log.Printf("task %s finished %s in %s (%d model calls, $%.4f)", taskID, state, finished.Sub(started).Round(time.Millisecond), calls, cost)
}

// fail writes the terminal failed state. No partial artifact is exposed.
func (o *Orchestrator) fail(_ context.Context, taskID string, span trace.Span, started time.Time, err error) {
	now := time.Now()
	o.mu.Lock()
	t := o.tasks[taskID]
	failedAt := t.Stage
	t.Stage = StateFailed
	t.Errors = append(t.Errors, TaskError{Stage: failedAt, Message: err.Error(), At: now})
	t.Message = failureMessage(err)
	t.Result = nil
	t.LastUpdated = now
	t.Elapsed = now.Sub(t.CreatedAt)
	o.mu.Unlock()

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	o.tele.RecordRun(StateFailed)
	o.cleanup(taskID)
	o.log.Printf("task %s failed after %s: %v", taskID, now.Sub(started).Round(time.Millisecond), err)
}

// failureMessage keeps the user-facing text non-technical.
func failureMessage(err error) string {
	if errors.Is(err, context.Canceled) {
		return "The request was cancelled."
	}
	return "We couldn't find enough of your memories to work with right now. Please try again later."
}

func (o *Orchestrator) setStage(taskID, stage string) {
	now := time.Now()
	o.mu.Lock()
	if t, ok := o.tasks[taskID]; ok && !t.Terminal() {
		t.Stage = stage
		t.Progress = stageProgress[stage]
		t.LastUpdated = now
	}
	o.mu.Unlock()
}

func (o *Orchestrator) recordFallback(taskID, stage, reason string) {
	now := time.Now()
	o.mu.Lock()
	if t, ok := o.tasks[taskID]; ok {
		t.Degraded = true
		t.Errors = append(t.Errors, TaskError{Stage: stage, Message: reason, Fallback: true, At: now})
		t.LastUpdated = now
	}
	o.mu.Unlock()
	o.tele.RecordStage(stage, 0, true)
}

func (o *Orchestrator) cleanup(taskID string) {
	o.mu.Lock()
	delete(o.cancels, taskID)
	o.mu.Unlock()
}

// contextFilters lifts recognized request-context keys into structured
// pre-filters for the vector search.
func contextFilters(req StoryRequest) SearchFilters {
	var f SearchFilters
	if raw, ok := req.Context["from"].(string); ok {
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			f.From = &t
		}
	}
	if raw, ok := req.Context["to"].(string); ok {
		if t, err := time.Parse("2006-01-02", raw); err == nil {
			f.To = &t
		}
	}
	if raw, ok := req.Context["types"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				f.Types = append(f.Types, s)
			}
		}
	}
	if raw, ok := req.Context["entities"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				f.Entities = append(f.Entities, s)
			}
		}
	}
	return f
}
