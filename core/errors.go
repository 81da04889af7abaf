package core

import "errors"

var (
	// ErrInvalidEvent is returned when an emitted event is missing required fields.
	ErrInvalidEvent = errors.New("invalid security event")

	// ErrEngineNotStarted is returned when events are processed before state was rehydrated.
	ErrEngineNotStarted = errors.New("security engine not started")

	// ErrEngineStopped is returned when events are processed after Stop.
	ErrEngineStopped = errors.New("security engine stopped")

	// ErrInvalidRule is returned when a rule definition cannot be evaluated.
	ErrInvalidRule = errors.New("invalid threat detection rule")

	// ErrUnknownRegulation is returned when filtering compliance checks by an unknown regulation.
	ErrUnknownRegulation = errors.New("unknown regulation")
)
