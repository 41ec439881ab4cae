package pipeline

// Outcome tags a stage result as either parsed from model output or produced
// by the stage's deterministic fallback. Expected malformed output never
// surfaces as an error; it surfaces as a fallback Outcome.
type Outcome[T any] struct {
	Value    T
	FellBack bool
	Reason   string
}

// Parsed wraps a successfully parsed value.
func Parsed[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

// Fallback wraps a deterministic default with the reason the stage degraded.
func Fallback[T any](v T, reason string) Outcome[T] {
	return Outcome[T]{Value: v, FellBack: true, Reason: reason}
}
