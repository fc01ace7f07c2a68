package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-grader/internal/models"
)

// AttemptRepository persists attempts together with the pending-submission
// index derived from their CorrectMaps.
type AttemptRepository interface {
	// FirstOrCreate returns the attempt of learnerID on problemID, creating
	// it from init when it does not exist yet.
	FirstOrCreate(ctx context.Context, learnerID, problemID string, init models.Attempt) (models.Attempt, bool, error)
	Get(ctx context.Context, learnerID, problemID string) (models.Attempt, error)
	GetByID(ctx context.Context, id uint) (models.Attempt, error)
	// Save stores the attempt and, in the same transaction, makes its
	// pending rows match the given keys. Existing rows are kept as they are.
	Save(ctx context.Context, attempt *models.Attempt, pending []models.PendingSubmission) error
	// ReservePending indexes a key before its submission leaves, so a
	// verdict racing the attempt save still finds its attempt.
	ReservePending(ctx context.Context, pending *models.PendingSubmission) error
	ReleasePending(ctx context.Context, lmsKey string) error
	FindPending(ctx context.Context, lmsKey string) (models.PendingSubmission, error)
	ListPendingBefore(ctx context.Context, cutoff time.Time) ([]models.PendingSubmission, error)
}

type attemptRepository struct {
	db *gorm.DB
}

// NewAttemptRepository constructs the repository implementation.
func NewAttemptRepository(db *gorm.DB) AttemptRepository {
	return &attemptRepository{db: db}
}

func (r *attemptRepository) FirstOrCreate(ctx context.Context, learnerID, problemID string, init models.Attempt) (models.Attempt, bool, error) {
	init.LearnerID = learnerID
	init.ProblemID = problemID

	var attempt models.Attempt
	result := r.db.WithContext(ctx).
		Where(models.Attempt{LearnerID: learnerID, ProblemID: problemID}).
		Attrs(init).
		FirstOrCreate(&attempt)
	if result.Error != nil {
		return models.Attempt{}, false, result.Error
	}
	return attempt, result.RowsAffected > 0, nil
}

func (r *attemptRepository) Get(ctx context.Context, learnerID, problemID string) (models.Attempt, error) {
	var attempt models.Attempt
	err := r.db.WithContext(ctx).
		Where("learner_id = ? AND problem_id = ?", learnerID, problemID).
		First(&attempt).Error
	if err != nil {
		return models.Attempt{}, err
	}
	return attempt, nil
}

func (r *attemptRepository) GetByID(ctx context.Context, id uint) (models.Attempt, error) {
	var attempt models.Attempt
	if err := r.db.WithContext(ctx).First(&attempt, id).Error; err != nil {
		return models.Attempt{}, err
	}
	return attempt, nil
}

func (r *attemptRepository) Save(ctx context.Context, attempt *models.Attempt, pending []models.PendingSubmission) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(attempt).Error; err != nil {
			return err
		}

		stale := tx.Where("attempt_id = ?", attempt.ID)
		if len(pending) > 0 {
			keys := make([]string, 0, len(pending))
			for _, p := range pending {
				keys = append(keys, p.LMSKey)
			}
			stale = stale.Where("lms_key NOT IN ?", keys)
		}
		if err := stale.Delete(&models.PendingSubmission{}).Error; err != nil {
			return err
		}
		if len(pending) == 0 {
			return nil
		}

		for i := range pending {
			pending[i].ID = 0
			pending[i].AttemptID = attempt.ID
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "lms_key"}},
			DoNothing: true,
		}).Create(&pending).Error
	})
}

func (r *attemptRepository) ReservePending(ctx context.Context, pending *models.PendingSubmission) error {
	return r.db.WithContext(ctx).Create(pending).Error
}

func (r *attemptRepository) ReleasePending(ctx context.Context, lmsKey string) error {
	return r.db.WithContext(ctx).Where("lms_key = ?", lmsKey).Delete(&models.PendingSubmission{}).Error
}

func (r *attemptRepository) FindPending(ctx context.Context, lmsKey string) (models.PendingSubmission, error) {
	var pending models.PendingSubmission
	if err := r.db.WithContext(ctx).First(&pending, "lms_key = ?", lmsKey).Error; err != nil {
		return models.PendingSubmission{}, err
	}
	return pending, nil
}

func (r *attemptRepository) ListPendingBefore(ctx context.Context, cutoff time.Time) ([]models.PendingSubmission, error) {
	var pending []models.PendingSubmission
	err := r.db.WithContext(ctx).
		Where("queued_at < ?", cutoff).
		Order("queued_at ASC").
		Find(&pending).Error
	if err != nil {
		return nil, err
	}
	return pending, nil
}
