package engine

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrStopping    = errors.New("task engine stopping")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrStale       = errors.New("task dropped: waited too long in queue")
	ErrOverlapSkip = errors.New("task skipped: action still running for this mode")
	ErrCircuitOpen = errors.New("task skipped: circuit breaker open")
	ErrNoAction    = errors.New("no handler bound to action")
)

// Outcome classifies how a dispatched action ended. It is recorded in the
// task history and on "mode.completed" events.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeFailed    Outcome = "failed"
	OutcomePermanent Outcome = "permanent"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCanceled  Outcome = "canceled"
	// OutcomeSkipped means the action was deliberately not run.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeDropped means the engine could not run it.
	OutcomeDropped Outcome = "dropped"
)

func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrOverlapSkip), errors.Is(err, ErrCircuitOpen), errors.Is(err, ErrNoAction):
		return OutcomeSkipped
	case errors.Is(err, ErrQueueFull), errors.Is(err, ErrStale),
		errors.Is(err, ErrStopped), errors.Is(err, ErrStopping), errors.Is(err, ErrDisabled):
		return OutcomeDropped
	case IsNoRetry(err):
		return OutcomePermanent
	case errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled):
		return OutcomeCanceled
	}
	return OutcomeFailed
}

// retryHint wraps an action error with guidance for the retry loop.
type retryHint struct {
	err       error
	permanent bool
	after     time.Duration
}

func (h *retryHint) Error() string {
	if h.permanent {
		return "no-retry: " + h.err.Error()
	}
	return fmt.Sprintf("retry-after(%s): %v", h.after, h.err)
}

func (h *retryHint) Unwrap() error { return h.err }

// NoRetry marks an error as permanent so the engine does not retry it.
//
//	return engine.NoRetry(fmt.Errorf("sensor not present: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &retryHint{err: err, permanent: true}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var h *retryHint
	return errors.As(err, &h) && h.permanent
}

// RetryAfter asks for a specific delay before the next attempt. The engine
// honours it up to RetryMaxDelay and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &retryHint{err: err, after: max(after, 0)}
}

func retryAfter(err error) (time.Duration, bool) {
	var h *retryHint
	if errors.As(err, &h) && !h.permanent {
		return h.after, true
	}
	return 0, false
}
