package sprint

import (
	"errors"
	"fmt"
)

// HaltKind classifies why a run stopped.
type HaltKind string

const (
	// HaltProtocol: the agent emitted no recognized signal.
	HaltProtocol HaltKind = "protocol"
	// HaltReviewRejection: a review loop ended unfixable or out of rounds.
	HaltReviewRejection HaltKind = "review-rejection"
	// HaltVerificationGap: execution reported its own verification failed.
	HaltVerificationGap HaltKind = "verification-gap"
	// HaltHumanGate: a checkpoint needs a human.
	HaltHumanGate HaltKind = "human-gate"
	// HaltEnvironment: pre-flight or resume checks failed; no agent ran.
	HaltEnvironment HaltKind = "environment"
	// HaltAgent: an agent process failed or reported an error.
	HaltAgent HaltKind = "agent"
	// HaltOperator: the operator declined to continue or halted out of band.
	HaltOperator HaltKind = "operator"
)

// HaltError is returned by Start and Resume when the run stops short of
// completion.
type HaltError struct {
	Kind   HaltKind
	Phase  string
	Reason string
	Err    error

	// external is set when another process already persisted the halt.
	external bool
}

func (e *HaltError) Error() string {
	if e.Phase == "" {
		return fmt.Sprintf("sprint halted (%s): %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("sprint halted at phase %s (%s): %s", e.Phase, e.Kind, e.Reason)
}

func (e *HaltError) Unwrap() error { return e.Err }

// AsHalt extracts a *HaltError from err.
func AsHalt(err error) (*HaltError, bool) {
	var h *HaltError
	if errors.As(err, &h) {
		return h, true
	}
	return nil, false
}

func halt(kind HaltKind, format string, args ...any) *HaltError {
	return &HaltError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

func environment(err error, format string, args ...any) *HaltError {
	return &HaltError{Kind: HaltEnvironment, Reason: fmt.Sprintf(format, args...), Err: err}
}
