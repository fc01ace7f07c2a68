package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/models"
)

func TestProblemRepositoryUpsertReplaces(t *testing.T) {
	repo := NewProblemRepository(openTestDB(t))
	ctx := context.Background()

	maxAttempts := 3
	require.NoError(t, repo.Upsert(ctx, &models.Problem{ID: "p1", Title: "First", XML: "<problem/>", MaxAttempts: &maxAttempts}))
	require.NoError(t, repo.Upsert(ctx, &models.Problem{ID: "p1", Title: "Second", XML: "<problem><p/></problem>"}))

	stored, err := repo.GetByID(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, "Second", stored.Title)
	require.Equal(t, "<problem><p/></problem>", stored.XML)
	require.Nil(t, stored.MaxAttempts)

	_, err = repo.GetByID(ctx, "missing")
	require.True(t, errors.Is(err, gorm.ErrRecordNotFound))
}

func TestProblemClosed(t *testing.T) {
	unlimited := models.Problem{}
	require.False(t, unlimited.Closed(100))

	two := 2
	limited := models.Problem{MaxAttempts: &two}
	require.False(t, limited.Closed(1))
	require.True(t, limited.Closed(2))
}
