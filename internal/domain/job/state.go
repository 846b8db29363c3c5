package job

import (
	"fmt"
	"strings"
)

type State string

const (
	StateQueued         State = "queued"
	StateActive         State = "active"
	StateCompleted      State = "completed"
	StateRetryScheduled State = "retry-scheduled"
	StateDead           State = "dead"
)

// allowedTransitions is the per-job state machine:
// queued -> active -> (completed | retry-scheduled -> active ... | dead).
// active -> queued is a lease expiry re-delivery.
var allowedTransitions = map[State]map[State]struct{}{
	StateQueued: {
		StateActive: {},
	},
	StateActive: {
		StateCompleted:      {},
		StateRetryScheduled: {},
		StateDead:           {},
		StateQueued:         {},
	},
	StateRetryScheduled: {
		StateQueued: {},
		StateActive: {},
	},
	StateCompleted: {},
	StateDead:      {},
}

func ParseState(raw string) (State, error) {
	s := State(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := allowedTransitions[s]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
	return s, nil
}

func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateDead
}

func CanTransition(from State, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

func ValidateTransition(from State, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// Outcome is what a failed attempt turns into.
type Outcome struct {
	Next         State
	AttemptsMade int
}

// FailureOutcome decides between retry-scheduled and dead after the attempt
// numbered attemptsMade (1-based) failed.
func FailureOutcome(attemptsMade int, maxAttempts int) Outcome {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if attemptsMade >= maxAttempts {
		return Outcome{Next: StateDead, AttemptsMade: attemptsMade}
	}
	return Outcome{Next: StateRetryScheduled, AttemptsMade: attemptsMade}
}
