package runs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mrlokans/vaultbridge/internal/entities"
)

func setupTestRepo(t *testing.T) (*Repository, *time.Time) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&entities.MigrationRun{}))

	clock := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	repo := NewRepository(db)
	repo.now = func() time.Time { return clock }
	return repo, &clock
}

func TestRepository_StartAndFinish(t *testing.T) {
	repo, clock := setupTestRepo(t)

	run, err := repo.Start("vault.kdbx", "org-1")
	require.NoError(t, err)
	assert.NotZero(t, run.ID)
	assert.Len(t, run.RunID, 36)
	assert.Equal(t, entities.RunStatusRunning, run.Status)

	*clock = clock.Add(3 * time.Second)
	run.Created = 4
	run.Skipped = 2
	run.Status = entities.RunStatusCompleted
	require.NoError(t, repo.Finish(run))

	saved, err := repo.GetByRunID(run.RunID)
	require.NoError(t, err)
	assert.Equal(t, 4, saved.Created)
	assert.Equal(t, 2, saved.Skipped)
	assert.Equal(t, "org-1", saved.OrganizationID)
	assert.Equal(t, entities.RunStatusCompleted, saved.Status)
	require.NotNil(t, saved.FinishedAt)
	assert.Equal(t, 3*time.Second, saved.Duration())
}

func TestRepository_GetByRunIDNotFound(t *testing.T) {
	repo, _ := setupTestRepo(t)

	_, err := repo.GetByRunID("missing")

	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRepository_ListMostRecentFirst(t *testing.T) {
	repo, clock := setupTestRepo(t)

	for i := 0; i < 25; i++ {
		_, err := repo.Start("vault.kdbx", "")
		require.NoError(t, err)
		*clock = clock.Add(time.Minute)
	}

	runs, err := repo.List(0)
	require.NoError(t, err)
	require.Len(t, runs, defaultListLimit)
	assert.True(t, runs[0].StartedAt.After(runs[1].StartedAt))

	runs, err = repo.List(5)
	require.NoError(t, err)
	assert.Len(t, runs, 5)
}

func TestRepository_LastFinished(t *testing.T) {
	repo, clock := setupTestRepo(t)

	last, err := repo.LastFinished()
	require.NoError(t, err)
	assert.Nil(t, last)

	done, err := repo.Start("a.kdbx", "")
	require.NoError(t, err)
	done.Status = entities.RunStatusPartial
	require.NoError(t, repo.Finish(done))

	*clock = clock.Add(time.Minute)
	_, err = repo.Start("b.kdbx", "")
	require.NoError(t, err)

	last, err = repo.LastFinished()
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, done.RunID, last.RunID)
}

func TestRepository_DeleteOlderThan(t *testing.T) {
	repo, clock := setupTestRepo(t)

	old, err := repo.Start("old.kdbx", "")
	require.NoError(t, err)
	old.Status = entities.RunStatusCompleted
	require.NoError(t, repo.Finish(old))

	stuck, err := repo.Start("stuck.kdbx", "")
	require.NoError(t, err)

	*clock = clock.Add(48 * time.Hour)
	_, err = repo.Start("new.kdbx", "")
	require.NoError(t, err)

	deleted, err := repo.DeleteOlderThan(clock.Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = repo.GetByRunID(stuck.RunID)
	assert.NoError(t, err)
	_, err = repo.GetByRunID(old.RunID)
	assert.ErrorIs(t, err, ErrRunNotFound)
}
