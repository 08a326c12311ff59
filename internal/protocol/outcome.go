package protocol

import (
	"errors"
	"fmt"
)

// OutcomeState classifies how a task or pipeline run ended.
type OutcomeState uint8

const (
	OutcomeCompleted OutcomeState = iota + 1
	OutcomeAborted                // voluntary, carries a reason, no fault
	OutcomeErrored                // carries a fault
)

func (s OutcomeState) String() string {
	switch s {
	case OutcomeCompleted:
		return "completed"
	case OutcomeAborted:
		return "aborted"
	case OutcomeErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Outcome is the unified terminal classification shared by the task
// protocol and the transform pipeline.
type Outcome struct {
	State  OutcomeState
	Reason string
	Err    error
}

func Completed() Outcome                { return Outcome{State: OutcomeCompleted} }
func AbortedWith(reason string) Outcome { return Outcome{State: OutcomeAborted, Reason: reason} }
func Errored(err error) Outcome         { return Outcome{State: OutcomeErrored, Err: err} }

// AbortError marks a voluntary abort: a human-readable reason, not a
// fault. Anything else flowing through an error return is a fault.
type AbortError struct {
	Reason string
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("aborted: %s", e.Reason)
}

// Abort builds a voluntary-abort error.
func Abort(reason string) error { return &AbortError{Reason: reason} }

// AsAbort unwraps err as a voluntary abort, if it is one.
func AsAbort(err error) (*AbortError, bool) {
	var ae *AbortError
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Classify folds an error into the outcome taxonomy.
func Classify(err error) Outcome {
	if err == nil {
		return Completed()
	}
	if ae, ok := AsAbort(err); ok {
		return AbortedWith(ae.Reason)
	}
	return Errored(err)
}
