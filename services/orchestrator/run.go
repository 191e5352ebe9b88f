package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// State tracks a run through NotStarted -> Running -> terminal.
type State string

const (
	StateNotStarted      State = "not_started"
	StateRunning         State = "running"
	StateCompleted       State = "completed"
	StateHaltedForReboot State = "halted_for_reboot"
	StateFailedFatal     State = "failed_fatal"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateHaltedForReboot, StateFailedFatal:
		return true
	default:
		return false
	}
}

// Action records what the sequencer did with a step.
type Action string

const (
	ActionSkipped    Action = "skipped"
	ActionApplied    Action = "applied"
	ActionSoftFailed Action = "soft_failed"
	ActionFailed     Action = "failed"
	ActionBlocked    Action = "blocked"
)

// StepResult is the sequencer's record of one evaluated step.
type StepResult struct {
	Name         string
	Precondition Precondition
	Action       Action
	Effect       Effect
	Err          error
	Duration     time.Duration
}

// Run is the ephemeral state of one sequencer invocation. It is never used
// to resume; a new invocation starts again from the first step.
type Run struct {
	ID             uuid.UUID
	Host           string
	Steps          []string
	Current        int
	RebootRequired bool
	State          State
	Reason         string
	Results        []StepResult
	StartedAt      time.Time
	FinishedAt     time.Time
}

func newRun(host string, steps []Step) *Run {
	names := make([]string, len(steps))
	for i, step := range steps {
		names[i] = step.Name
	}
	return &Run{
		ID:    uuid.New(),
		Host:  host,
		Steps: names,
		State: StateNotStarted,
	}
}

// ExitCode maps the terminal state to the process exit status: a reboot
// halt is an expected stop, not a failure.
func (r *Run) ExitCode() int {
	switch r.State {
	case StateCompleted, StateHaltedForReboot:
		return 0
	default:
		return 1
	}
}

// Applied returns the names of steps whose action ran successfully.
func (r *Run) Applied() []string {
	var names []string
	for _, res := range r.Results {
		if res.Action == ActionApplied {
			names = append(names, res.Name)
		}
	}
	return names
}

// Warnings returns the soft failures recorded during the run.
func (r *Run) Warnings() []StepResult {
	var out []StepResult
	for _, res := range r.Results {
		if res.Action == ActionSoftFailed {
			out = append(out, res)
		}
	}
	return out
}
