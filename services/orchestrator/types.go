package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// RunStartedEvent is published on bus.RunStartedSubject.
type RunStartedEvent struct {
	RunID     uuid.UUID `json:"run_id"`
	Host      string    `json:"host"`
	Steps     []string  `json:"steps"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// RunFinishedEvent is published on bus.RunFinishedSubject.
type RunFinishedEvent struct {
	RunID          uuid.UUID `json:"run_id"`
	Host           string    `json:"host"`
	Status         string    `json:"status"`
	Reason         string    `json:"reason,omitempty"`
	RebootRequired bool      `json:"reboot_required"`
	Applied        []string  `json:"applied,omitempty"`
	FinishedAt     time.Time `json:"finished_at"`
}

// MessageID identifies the event for JetStream deduplication.
func (e RunStartedEvent) MessageID() string { return e.RunID.String() + ".started" }

// MessageID identifies the event for JetStream deduplication.
func (e RunFinishedEvent) MessageID() string { return e.RunID.String() + ".finished" }

func newRunStartedEvent(run *Run) RunStartedEvent {
	return RunStartedEvent{
		RunID:     run.ID,
		Host:      run.Host,
		Steps:     run.Steps,
		Status:    string(StateRunning),
		StartedAt: run.StartedAt,
	}
}

func newRunFinishedEvent(run *Run) RunFinishedEvent {
	return RunFinishedEvent{
		RunID:          run.ID,
		Host:           run.Host,
		Status:         string(run.State),
		Reason:         run.Reason,
		RebootRequired: run.RebootRequired,
		Applied:        run.Applied(),
		FinishedAt:     run.FinishedAt,
	}
}
