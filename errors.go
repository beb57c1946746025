package crosschain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoRoute is returned for a movement between places no operation
	// connects.
	ErrNoRoute = errors.New("no route")
	// ErrUnknownPlace is returned for a reference that resolves to nothing.
	ErrUnknownPlace = errors.New("unknown place")
	// ErrUnknownProtocol is returned for a pool key of an unregistered
	// protocol.
	ErrUnknownProtocol = errors.New("unknown protocol")
	// ErrInvalidAmount is returned for a non-positive step amount.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrFlowLogTransition is returned when a step event is not legal in the
	// step's current status.
	ErrFlowLogTransition = errors.New("illegal flow log transition")
)

// PlanningError rejects a whole plan before anything runs.
type PlanningError struct {
	Step int
	error
}

func (e *PlanningError) Unwrap() error { return e.error }

func planningFailed(step int, err error) error {
	return &PlanningError{Step: step, error: fmt.Errorf("step %d: %w", step, err)}
}

// StepApplyError reports the movement whose apply failed. When it is
// returned from a flow, every earlier step has been recovered.
type StepApplyError struct {
	Step int
	How  string
	error
}

func (e *StepApplyError) Unwrap() error { return e.error }

func stepFailed(step int, how string, err error) error {
	return &StepApplyError{Step: step, How: how, error: fmt.Errorf("step %d (%s) failed: %w", step, how, err)}
}

// CompensationError reports a recover that failed while unwinding. Unwinding
// stopped there; Where is the last known location of the funds of that step.
// It wraps both the recover error and the apply error that started the
// unwind.
type CompensationError struct {
	Step  int
	How   string
	Where PlaceRef
	Cause error
	error
}

func (e *CompensationError) Unwrap() []error { return []error{e.error, e.Cause} }

func compensationFailed(step int, how string, where PlaceRef, recoverErr, cause error) error {
	return &CompensationError{
		Step:  step,
		How:   how,
		Where: where,
		Cause: cause,
		error: fmt.Errorf("recover of step %d (%s) failed, funds at %s: %w", step, how, where, recoverErr),
	}
}
