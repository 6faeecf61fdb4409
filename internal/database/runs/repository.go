// Package runs stores the ledger of migration runs.
//
// Usage:
//
//	repo := runs.NewRepository(db)
//	run, err := repo.Start("vault.kdbx", "")
//	...
//	err = repo.Finish(run)
package runs

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/mrlokans/vaultbridge/internal/entities"
)

const defaultListLimit = 20

var ErrRunNotFound = errors.New("run not found")

// Repository handles migration run persistence.
type Repository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Start inserts a running record with a fresh run id.
func (r *Repository) Start(sourceFile, organizationID string) (*entities.MigrationRun, error) {
	run := &entities.MigrationRun{
		RunID:          uuid.NewString(),
		SourceFile:     sourceFile,
		OrganizationID: organizationID,
		Status:         entities.RunStatusRunning,
		StartedAt:      r.now(),
	}
	if err := r.db.Create(run).Error; err != nil {
		return nil, err
	}
	return run, nil
}

// Finish stamps the finish time and saves the run's counts and status.
func (r *Repository) Finish(run *entities.MigrationRun) error {
	now := r.now()
	run.FinishedAt = &now
	return r.db.Save(run).Error
}

// List returns the most recent runs first. A non-positive limit uses the default.
func (r *Repository) List(limit int) ([]entities.MigrationRun, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	var runs []entities.MigrationRun
	err := r.db.Order("started_at DESC").Order("id DESC").Limit(limit).Find(&runs).Error
	return runs, err
}

// GetByRunID retrieves a single run.
func (r *Repository) GetByRunID(runID string) (*entities.MigrationRun, error) {
	var run entities.MigrationRun
	err := r.db.Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// LastFinished returns the latest run that is no longer running, or nil.
func (r *Repository) LastFinished() (*entities.MigrationRun, error) {
	var run entities.MigrationRun
	err := r.db.Where("status <> ?", entities.RunStatusRunning).
		Order("started_at DESC").Order("id DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// DeleteOlderThan removes finished runs started before cutoff.
// Returns the number of deleted runs.
func (r *Repository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result := r.db.Where("started_at < ? AND status <> ?", cutoff, entities.RunStatusRunning).
		Delete(&entities.MigrationRun{})
	return result.RowsAffected, result.Error
}
