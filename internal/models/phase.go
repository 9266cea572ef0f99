package models

import "fmt"

// ExecutionPhase represents the externally visible state of a UWS job.
// Values are lowercase on the wire.
type ExecutionPhase string

const (
	PhasePending   ExecutionPhase = "pending"
	PhaseQueued    ExecutionPhase = "queued"
	PhaseExecuting ExecutionPhase = "executing"
	PhaseCompleted ExecutionPhase = "completed"
	PhaseError     ExecutionPhase = "error"
	PhaseAborted   ExecutionPhase = "aborted"
	PhaseUnknown   ExecutionPhase = "unknown"
	PhaseHeld      ExecutionPhase = "held"
	PhaseSuspended ExecutionPhase = "suspended"
	PhaseArchived  ExecutionPhase = "archived"
)

// ActivePhases are the phases during which a job may still change state on
// its own. Long-polling only waits while the job is in one of these.
var ActivePhases = []ExecutionPhase{PhasePending, PhaseQueued, PhaseExecuting}

// ParseExecutionPhase parses a string into an ExecutionPhase
func ParseExecutionPhase(s string) (ExecutionPhase, error) {
	phase := ExecutionPhase(s)
	if err := phase.Validate(); err != nil {
		return "", err
	}
	return phase, nil
}

// Validate checks if the phase is one of the known values
func (p ExecutionPhase) Validate() error {
	switch p {
	case
		PhasePending,
		PhaseQueued,
		PhaseExecuting,
		PhaseCompleted,
		PhaseError,
		PhaseAborted,
		PhaseUnknown,
		PhaseHeld,
		PhaseSuspended,
		PhaseArchived:
		return nil
	default:
		return fmt.Errorf("invalid execution phase: %s", p)
	}
}

// IsActive returns true while the job may still progress without client action
func (p ExecutionPhase) IsActive() bool {
	return p == PhasePending || p == PhaseQueued || p == PhaseExecuting
}

// IsTerminal returns true once no further transitions are accepted
func (p ExecutionPhase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseError || p == PhaseAborted || p == PhaseArchived
}

// CanTransitionTo reports whether the transition from p to next is one the
// engine produces. Transitions outside this set are rejected, not ignored.
func (p ExecutionPhase) CanTransitionTo(next ExecutionPhase) bool {
	switch p {
	case PhasePending:
		return next == PhaseQueued || next == PhaseHeld || next == PhaseExecuting
	case PhaseHeld:
		return next == PhaseQueued
	case PhaseQueued:
		return next == PhaseExecuting || next == PhaseCompleted || next == PhaseError
	case PhaseExecuting:
		return next == PhaseCompleted || next == PhaseError
	default:
		return false
	}
}
