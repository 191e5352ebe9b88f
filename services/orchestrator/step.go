package orchestrator

import (
	"context"
	"errors"
)

// ErrBlocked reports that a step's precondition cannot be met by this run.
var ErrBlocked = errors.New("step blocked")

// Status is the outcome of a step's precondition check.
type Status int

const (
	StatusNeedsAction Status = iota
	StatusSatisfied
	StatusBlocked
)

func (s Status) String() string {
	switch s {
	case StatusSatisfied:
		return "satisfied"
	case StatusNeedsAction:
		return "needs_action"
	case StatusBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Precondition is what a step reports about the host before acting.
type Precondition struct {
	Status Status
	Reason string
}

func Satisfied(reason string) Precondition {
	return Precondition{Status: StatusSatisfied, Reason: reason}
}

func NeedsAction(reason string) Precondition {
	return Precondition{Status: StatusNeedsAction, Reason: reason}
}

func Blocked(reason string) Precondition {
	return Precondition{Status: StatusBlocked, Reason: reason}
}

// Effect tags what a successful action means for the rest of the run.
type Effect int

const (
	EffectNone Effect = iota
	EffectRequiresReboot
)

func (e Effect) String() string {
	if e == EffectRequiresReboot {
		return "requires_reboot"
	}
	return "none"
}

// Step is one idempotent unit of host mutation. Check must be safe to call
// on every run; Apply is only called when Check reports NeedsAction.
type Step struct {
	Name   string
	Check  func(ctx context.Context) (Precondition, error)
	Apply  func(ctx context.Context) error
	Effect Effect
	// Soft steps log a warning on action failure and let the run continue.
	Soft bool
}

func (s Step) validate() error {
	if s.Name == "" {
		return errors.New("step name is required")
	}
	if s.Check == nil {
		return errors.New("step " + s.Name + ": check is required")
	}
	if s.Apply == nil {
		return errors.New("step " + s.Name + ": apply is required")
	}
	return nil
}
