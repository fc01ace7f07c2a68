package dto

import (
	"time"

	"github.com/noah-isme/gema-grader/internal/models"
)

// ProblemUpsertRequest creates or replaces a problem.
type ProblemUpsertRequest struct {
	Title       string   `json:"title" validate:"required,max=255"`
	XML         string   `json:"xml" validate:"required"`
	Weight      *float64 `json:"weight" validate:"omitempty,gte=0"`
	MaxAttempts *int     `json:"max_attempts" validate:"omitempty,gte=1"`
}

// ProblemResponse describes a problem to staff.
type ProblemResponse struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	XML         string            `json:"xml"`
	Weight      *float64          `json:"weight,omitempty"`
	MaxAttempts *int              `json:"max_attempts,omitempty"`
	InputIDs    []string          `json:"input_ids"`
	MaxPoints   float64           `json:"max_points"`
	Answers     map[string]string `json:"answers,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// NewProblemResponse builds a response DTO from a model.
func NewProblemResponse(problem models.Problem, inputIDs []string, maxPoints float64) ProblemResponse {
	if inputIDs == nil {
		inputIDs = []string{}
	}
	return ProblemResponse{
		ID:          problem.ID,
		Title:       problem.Title,
		XML:         problem.XML,
		Weight:      problem.Weight,
		MaxAttempts: problem.MaxAttempts,
		InputIDs:    inputIDs,
		MaxPoints:   maxPoints,
		UpdatedAt:   problem.UpdatedAt,
	}
}
