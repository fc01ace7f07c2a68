package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/capa/problem"
	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// ErrProblemNotFound is returned for unknown problem ids.
var ErrProblemNotFound = errors.New("problem not found")

// ProblemService manages problem descriptors.
type ProblemService interface {
	Upsert(ctx context.Context, id string, req dto.ProblemUpsertRequest) (dto.ProblemResponse, error)
	Get(ctx context.Context, id string) (dto.ProblemResponse, error)
	// Load returns the stored problem with a freshly parsed descriptor.
	Load(ctx context.Context, id string) (models.Problem, *problem.Descriptor, error)
}

type problemService struct {
	repo      repository.ProblemRepository
	engine    *problem.Engine
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewProblemService constructs a problem service.
func NewProblemService(repo repository.ProblemRepository, engine *problem.Engine, validate *validator.Validate, logger zerolog.Logger) ProblemService {
	return &problemService{
		repo:      repo,
		engine:    engine,
		validator: validate,
		logger:    logger.With().Str("component", "problem_service").Logger(),
	}
}

func (s *problemService) Upsert(ctx context.Context, id string, req dto.ProblemUpsertRequest) (dto.ProblemResponse, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return dto.ProblemResponse{}, fmt.Errorf("%w: empty problem id", problem.ErrInvalidDescriptor)
	}
	if err := s.validator.Struct(req); err != nil {
		return dto.ProblemResponse{}, err
	}

	descriptor, err := problem.Parse(id, []byte(req.XML))
	if err != nil {
		return dto.ProblemResponse{}, err
	}
	maxPoints, err := s.engine.MaxPoints(ctx, descriptor, problem.Env{})
	if err != nil {
		return dto.ProblemResponse{}, err
	}

	model := models.Problem{
		ID:          id,
		Title:       strings.TrimSpace(req.Title),
		XML:         req.XML,
		Weight:      req.Weight,
		MaxAttempts: req.MaxAttempts,
	}
	if err := s.repo.Upsert(ctx, &model); err != nil {
		return dto.ProblemResponse{}, err
	}

	s.logger.Info().Str("problem_id", id).Int("inputs", len(descriptor.InputIDs)).Msg("problem stored")
	return s.describe(ctx, model, descriptor, maxPoints)
}

func (s *problemService) Get(ctx context.Context, id string) (dto.ProblemResponse, error) {
	model, descriptor, err := s.Load(ctx, id)
	if err != nil {
		return dto.ProblemResponse{}, err
	}
	maxPoints, err := s.engine.MaxPoints(ctx, descriptor, problem.Env{})
	if err != nil {
		return dto.ProblemResponse{}, err
	}
	return s.describe(ctx, model, descriptor, maxPoints)
}

func (s *problemService) Load(ctx context.Context, id string) (models.Problem, *problem.Descriptor, error) {
	model, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Problem{}, nil, ErrProblemNotFound
		}
		return models.Problem{}, nil, err
	}
	descriptor, err := problem.Parse(model.ID, []byte(model.XML))
	if err != nil {
		return models.Problem{}, nil, err
	}
	return model, descriptor, nil
}

func (s *problemService) describe(ctx context.Context, model models.Problem, descriptor *problem.Descriptor, maxPoints map[string]float64) (dto.ProblemResponse, error) {
	total := 0.0
	for _, points := range maxPoints {
		total += points
	}
	response := dto.NewProblemResponse(model, descriptor.InputIDs, total)

	// Building handlers annotates the tree, so answers get their own parse.
	fresh, err := problem.Parse(model.ID, []byte(model.XML))
	if err != nil {
		return response, nil
	}
	answers, err := s.engine.Answers(ctx, fresh, problem.Env{})
	if err != nil {
		s.logger.Warn().Err(err).Str("problem_id", model.ID).Msg("answers unavailable")
		return response, nil
	}
	response.Answers = answers
	return response, nil
}
