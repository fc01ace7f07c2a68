package repository

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
	"github.com/noah-isme/gema-grader/internal/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Problem{}, &models.Attempt{}, &models.PendingSubmission{}))
	return db
}

func TestAttemptRepositoryFirstOrCreate(t *testing.T) {
	repo := NewAttemptRepository(openTestDB(t))
	ctx := context.Background()

	attempt, created, err := repo.FirstOrCreate(ctx, "learner-1", "p1", models.Attempt{AttemptNumber: 1, Seed: 42})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, int64(42), attempt.Seed)

	again, created, err := repo.FirstOrCreate(ctx, "learner-1", "p1", models.Attempt{AttemptNumber: 1, Seed: 7})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, attempt.ID, again.ID)
	require.Equal(t, int64(42), again.Seed)
}

func TestAttemptRepositorySaveSyncsPendingIndex(t *testing.T) {
	repo := NewAttemptRepository(openTestDB(t))
	ctx := context.Background()

	attempt, _, err := repo.FirstOrCreate(ctx, "learner-1", "p1", models.Attempt{AttemptNumber: 1, Seed: 1})
	require.NoError(t, err)

	cmap := correctmap.New()
	cmap.Set("p1_2_1", correctmap.Record{Correctness: correctmap.Queued, QueueState: &correctmap.QueueState{Key: "k1", Time: "2026-10-16T10:00:00Z"}})
	require.NoError(t, attempt.StoreCorrectMap(cmap))
	attempt.SetAnswers(map[string]string{"p1_2_1": "print(1)"})

	queuedAt := time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save(ctx, &attempt, []models.PendingSubmission{{LMSKey: "k1", InputID: "p1_2_1", QueuedAt: queuedAt}}))

	pending, err := repo.FindPending(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, attempt.ID, pending.AttemptID)

	stored, err := repo.GetByID(ctx, attempt.ID)
	require.NoError(t, err)
	require.Equal(t, "print(1)", stored.Answers()["p1_2_1"])
	loaded, err := stored.LoadCorrectMap()
	require.NoError(t, err)
	require.True(t, loaded.IsQueued("p1_2_1"))

	stale, err := repo.ListPendingBefore(ctx, queuedAt.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, stale, 1)

	require.NoError(t, repo.Save(ctx, &stored, nil))
	_, err = repo.FindPending(ctx, "k1")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestProblemRepositoryUpsert(t *testing.T) {
	repo := NewProblemRepository(openTestDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &models.Problem{ID: "p1", Title: "First", XML: "<problem/>"}))
	weight := 2.0
	require.NoError(t, repo.Upsert(ctx, &models.Problem{ID: "p1", Title: "Renamed", XML: "<problem></problem>", Weight: &weight}))

	problem, err := repo.GetByID(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "Renamed", problem.Title)
	require.NotNil(t, problem.Weight)
	require.Equal(t, 2.0, *problem.Weight)

	_, err = repo.GetByID(ctx, "missing")
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
