package simulator

import (
	"errors"
	"fmt"
)

var (
	// ErrSimulationAlreadyStarted is returned by Register after the first step.
	ErrSimulationAlreadyStarted = errors.New("simulator: simulation already started")

	// ErrSimulationFinished is returned by Step once a terminal state is reached.
	ErrSimulationFinished = errors.New("simulator: simulation finished")

	// ErrConfiguration matches every *ConfigurationError via errors.Is.
	ErrConfiguration = errors.New("simulator: invalid configuration")

	// ErrInsufficientFunds rejects an intent the agent cannot pay for.
	ErrInsufficientFunds = errors.New("simulator: insufficient funds")

	// ErrPositionNotFound rejects a close with no matching open position.
	ErrPositionNotFound = errors.New("simulator: position not found")

	// ErrInvalidIntent rejects a malformed intent.
	ErrInvalidIntent = errors.New("simulator: invalid intent")
)

// ConfigurationError reports a bad configuration field. It is fatal before
// the run starts.
type ConfigurationError struct {
	Field  string
	Reason string
}

func configErr(field, reason string) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: reason}
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("simulator: invalid configuration: %s %s", e.Field, e.Reason)
}

// Is makes errors.Is(err, ErrConfiguration) true.
func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// FatalError is returned when the engine breaks one of its own invariants.
// LastStep is the index of the last valid StepRecord, or -1 if none.
type FatalError struct {
	LastStep int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("simulator: fatal after step %d: %v", e.LastStep, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }
