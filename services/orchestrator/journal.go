package orchestrator

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormJournal stores runs and their step results in the runs and run_steps
// tables.
type GormJournal struct {
	orm *gorm.DB
}

// NewGormJournal binds a journal to an open gorm session.
func NewGormJournal(orm *gorm.DB) (*GormJournal, error) {
	if orm == nil {
		return nil, errors.New("orm is required")
	}
	return &GormJournal{orm: orm}, nil
}

// Started inserts the run row in its running state.
func (j *GormJournal) Started(ctx context.Context, run *Run) error {
	model := toRunModel(run)
	return j.orm.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model).Error
}

// Finished upserts the run row with its outcome and writes the step results.
func (j *GormJournal) Finished(ctx context.Context, run *Run) error {
	model := toRunModel(run)
	steps := toStepModels(run)

	return j.orm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"outcome", "reason", "reboot", "finished_at"}),
		}).Create(&model).Error; err != nil {
			return err
		}
		if err := tx.Where("run_id = ?", run.ID).Delete(&runStepModel{}).Error; err != nil {
			return err
		}
		if len(steps) == 0 {
			return nil
		}
		return tx.Create(&steps).Error
	})
}

// Recent returns up to limit runs, newest first, with their step results.
func (j *GormJournal) Recent(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	var runs []runModel
	if err := j.orm.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&runs).Error; err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(runs))
	for i, run := range runs {
		ids[i] = run.ID
	}
	var steps []runStepModel
	if err := j.orm.WithContext(ctx).
		Where("run_id IN ?", ids).
		Order("position ASC").
		Find(&steps).Error; err != nil {
		return nil, err
	}

	byRun := make(map[uuid.UUID][]runStepModel, len(runs))
	for _, step := range steps {
		byRun[step.RunID] = append(byRun[step.RunID], step)
	}

	out := make([]RunRecord, 0, len(runs))
	for _, run := range runs {
		out = append(out, fromModels(run, byRun[run.ID]))
	}
	return out, nil
}
