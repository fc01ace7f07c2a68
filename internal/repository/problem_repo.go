package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grader/internal/models"
)

// ProblemRepository persists problem descriptors.
type ProblemRepository interface {
	Upsert(ctx context.Context, problem *models.Problem) error
	GetByID(ctx context.Context, id string) (models.Problem, error)
}

type problemRepository struct {
	db *gorm.DB
}

// NewProblemRepository constructs the repository implementation.
func NewProblemRepository(db *gorm.DB) ProblemRepository {
	return &problemRepository{db: db}
}

func (r *problemRepository) Upsert(ctx context.Context, problem *models.Problem) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "xml", "weight", "max_attempts", "updated_at"}),
	}).Create(problem).Error
}

func (r *problemRepository) GetByID(ctx context.Context, id string) (models.Problem, error) {
	var problem models.Problem
	if err := r.db.WithContext(ctx).First(&problem, "id = ?", id).Error; err != nil {
		return models.Problem{}, err
	}
	return problem, nil
}
