package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/memoirhq/memoir/internal/telemetry"
)

// Usage accumulates model spend for a single pipeline task.
type Usage struct {
	mu     sync.Mutex
	Calls  int
	Tokens int64
	Cost   float64
	Models map[string]struct{}
}

// NewUsage creates an empty per-task usage accumulator.
func NewUsage() *Usage {
	return &Usage{Models: make(map[string]struct{})}
}

func (u *Usage) add(model string, tokens int64, cost float64) {
	if u == nil {
		return
	}
	u.mu.Lock()
	u.Calls++
	u.Tokens += tokens
	u.Cost += cost
	u.Models[model] = struct{}{}
	u.mu.Unlock()
}

// Snapshot returns the accumulated usage and the set of models used.
func (u *Usage) Snapshot() (calls int, tokens int64, cost float64, models []string) {
	if u == nil {
		return 0, 0, 0, nil
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	for m := range u.Models {
		models = append(models, m)
	}
	return u.Calls, u.Tokens, u.Cost, models
}

// modelGate serializes outbound model calls behind a fixed-size semaphore so
// that concurrent pipeline tasks share one provider rate budget. A token is
// held only for the duration of a single call, never across backoff sleeps
// or stage logic.
type modelGate struct {
	llm     LLMProvider
	sem     chan struct{}
	timeout time.Duration
	backoff time.Duration
	tele    *telemetry.Telemetry
}

func newModelGate(llm LLMProvider, concurrency int, timeout, backoff time.Duration, tele *telemetry.Telemetry) *modelGate {
	if concurrency <= 0 {
		concurrency = 1
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &modelGate{
		llm:     llm,
		sem:     make(chan struct{}, concurrency),
		timeout: timeout,
		backoff: backoff,
		tele:    tele,
	}
}

func (g *modelGate) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *modelGate) release() { <-g.sem }

// generate runs one gated generative call with a per-call timeout and at most
// one retry for transient provider errors.
func (g *modelGate) generate(ctx context.Context, stage, model, prompt string, options map[string]interface{}, u *Usage) (string, error) {
	attempt := func() (string, int64, int64, error) {
		if err := g.acquire(ctx); err != nil {
			return "", 0, 0, err
		}
		defer g.release()
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return g.llm.GenerateWithTokens(cctx, prompt, model, options)
	}

	out, inTok, outTok, err := g.retry(ctx, stage, attempt)
	cost := 0.0
	if err == nil {
		cost = g.llm.CalculateCost(inTok, outTok, model)
		u.add(model, inTok+outTok, cost)
	}
	g.tele.RecordModelCall(model, "generate", err, inTok+outTok, cost, stage)
	return out, err
}

// embed runs one gated embedding call with the same timeout/retry policy.
func (g *modelGate) embed(ctx context.Context, stage, model string, input []string, u *Usage) ([][]float32, error) {
	var vecs [][]float32
	attempt := func() (string, int64, int64, error) {
		if err := g.acquire(ctx); err != nil {
			return "", 0, 0, err
		}
		defer g.release()
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		v, err := g.llm.Embed(cctx, model, input)
		vecs = v
		return "", 0, 0, err
	}

	_, _, _, err := g.retry(ctx, stage, attempt)
	if err == nil {
		u.add(model, 0, 0)
	}
	g.tele.RecordModelCall(model, "embed", err, 0, 0, stage)
	return vecs, err
}

// retry executes attempt, retrying exactly once after backoff when the first
// failure is transient and the owning task has not been cancelled.
func (g *modelGate) retry(ctx context.Context, stage string, attempt func() (string, int64, int64, error)) (string, int64, int64, error) {
	out, inTok, outTok, err := attempt()
	err = g.classify(ctx, stage, err)
	if err == nil || !IsTransient(err) || ctx.Err() != nil {
		return out, inTok, outTok, err
	}

	select {
	case <-time.After(g.backoff):
	case <-ctx.Done():
		return "", 0, 0, ctx.Err()
	}
	out, inTok, outTok, err = attempt()
	return out, inTok, outTok, g.classify(ctx, stage, err)
}

// classify maps a per-call deadline into the budget error class while leaving
// task-level cancellation untouched.
func (g *modelGate) classify(ctx context.Context, stage string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return ErrBudgetExceeded{Stage: stage, Timeout: g.timeout}
	}
	return err
}
