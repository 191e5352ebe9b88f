package orchestrator

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type runModel struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	Host       string     `gorm:"type:text"`
	Outcome    string     `gorm:"type:text"`
	Reason     string     `gorm:"type:text"`
	Reboot     bool       `gorm:"type:boolean"`
	StartedAt  time.Time  `gorm:"type:timestamptz"`
	FinishedAt *time.Time `gorm:"type:timestamptz"`
}

func (runModel) TableName() string { return "runs" }

type runStepModel struct {
	ID         uuid.UUID         `gorm:"type:uuid;primaryKey"`
	RunID      uuid.UUID         `gorm:"type:uuid;index"`
	Position   int               `gorm:"type:integer"`
	Name       string            `gorm:"type:text"`
	Status     string            `gorm:"type:text"`
	Action     string            `gorm:"type:text"`
	Error      string            `gorm:"type:text"`
	Details    datatypes.JSONMap `gorm:"type:jsonb"`
	DurationMs int64             `gorm:"type:bigint"`
}

func (runStepModel) TableName() string { return "run_steps" }

func toRunModel(run *Run) runModel {
	model := runModel{
		ID:        run.ID,
		Host:      run.Host,
		Outcome:   string(run.State),
		Reason:    run.Reason,
		Reboot:    run.RebootRequired,
		StartedAt: run.StartedAt,
	}
	if !run.FinishedAt.IsZero() {
		finished := run.FinishedAt
		model.FinishedAt = &finished
	}
	return model
}

func toStepModels(run *Run) []runStepModel {
	out := make([]runStepModel, 0, len(run.Results))
	for i, res := range run.Results {
		model := runStepModel{
			ID:         uuid.New(),
			RunID:      run.ID,
			Position:   i,
			Name:       res.Name,
			Status:     res.Precondition.Status.String(),
			Action:     string(res.Action),
			DurationMs: res.Duration.Milliseconds(),
			Details: datatypes.JSONMap{
				"reason": res.Precondition.Reason,
				"effect": res.Effect.String(),
			},
		}
		if res.Err != nil {
			model.Error = res.Err.Error()
		}
		out = append(out, model)
	}
	return out
}

// RunRecord is a journaled run as read back for reporting.
type RunRecord struct {
	ID         uuid.UUID
	Host       string
	Outcome    string
	Reason     string
	Reboot     bool
	StartedAt  time.Time
	FinishedAt *time.Time
	Steps      []StepRecord
}

// StepRecord is a journaled step result.
type StepRecord struct {
	Name     string
	Status   string
	Action   string
	Error    string
	Reason   string
	Duration time.Duration
}

func fromModels(run runModel, steps []runStepModel) RunRecord {
	rec := RunRecord{
		ID:         run.ID,
		Host:       run.Host,
		Outcome:    run.Outcome,
		Reason:     run.Reason,
		Reboot:     run.Reboot,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	for _, step := range steps {
		reason, _ := step.Details["reason"].(string)
		rec.Steps = append(rec.Steps, StepRecord{
			Name:     step.Name,
			Status:   step.Status,
			Action:   step.Action,
			Error:    step.Error,
			Reason:   reason,
			Duration: time.Duration(step.DurationMs) * time.Millisecond,
		})
	}
	return rec
}
