package scenario

import (
	"errors"
	"fmt"
)

var (
	// ErrResolutionMiss means no resolver rule matched an inbound message.
	ErrResolutionMiss = errors.New("resolution miss")
	// ErrTransitionRejected means the requested event has no edge from the current state.
	ErrTransitionRejected = errors.New("transition rejected")
	// ErrClassifierUnavailable means the sentiment classifier errored or timed out.
	ErrClassifierUnavailable = errors.New("classifier unavailable")
	// ErrPersistence wraps every failed store write or read.
	ErrPersistence = errors.New("persistence error")

	ErrNotFound        = errors.New("not found")
	ErrAlreadyOpen     = errors.New("scenario already open for user today")
	ErrAlreadyExists   = errors.New("scenario instance already exists")
	ErrUnknownScenario = errors.New("unknown scenario type")
)

// RejectedError describes a refused transition. It unwraps to ErrTransitionRejected.
type RejectedError struct {
	InstanceID string
	State      State
	Event      Event
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("instance %s: event %q rejected in state %q: %s", e.InstanceID, e.Event, e.State, e.Reason)
}

func (e *RejectedError) Unwrap() error {
	return ErrTransitionRejected
}
