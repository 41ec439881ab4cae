package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrProviderUnavailable marks a transient provider failure (network error,
// 5xx, timeout). It is retried once with backoff before the stage falls back.
type ErrProviderUnavailable struct {
	Provider string
	Err      error
}

func (e ErrProviderUnavailable) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s unavailable: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider %s unavailable", e.Provider)
}

func (e ErrProviderUnavailable) Unwrap() error { return e.Err }

// ErrParseFailure marks generative output that was not in the expected
// structure. It is never retried; the stage always falls back deterministically.
type ErrParseFailure struct {
	Stage string
	Hint  string
}

func (e ErrParseFailure) Error() string {
	return fmt.Sprintf("%s: unparseable model output (%s)", e.Stage, e.Hint)
}

// ErrRetrievalFatal means no candidates can be obtained. It is the only error
// class that aborts a task.
type ErrRetrievalFatal struct {
	Reason string
	Err    error
}

func (e ErrRetrievalFatal) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("retrieval failed: %s: %v", e.Reason, e.Err)
	}
	return "retrieval failed: " + e.Reason
}

func (e ErrRetrievalFatal) Unwrap() error { return e.Err }

// ErrBudgetExceeded marks a stage that ran past its timeout. It is treated
// like ErrProviderUnavailable by the retry/fallback machinery.
type ErrBudgetExceeded struct {
	Stage   string
	Timeout time.Duration
}

func (e ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("%s exceeded its %s budget", e.Stage, e.Timeout)
}

// IsTransient reports whether err should be retried once before falling back.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pu ErrProviderUnavailable
	if errors.As(err, &pu) {
		return true
	}
	var be ErrBudgetExceeded
	if errors.As(err, &be) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
