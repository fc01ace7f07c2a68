package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
	"github.com/noah-isme/gema-grader/internal/capa/problem"
	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/markup"
	"github.com/noah-isme/gema-grader/pkg/xqueue"
)

var (
	// ErrCallbackForbidden is returned when a callback's signature does not
	// verify.
	ErrCallbackForbidden = errors.New("callback signature rejected")
	// ErrCallbackMalformed is returned when a callback cannot be decoded.
	ErrCallbackMalformed = errors.New("callback malformed")
)

// Callback outcomes.
const (
	CallbackApplied = "applied"
	CallbackStale   = "stale"
)

// CallbackRequest is a verdict as it arrived over HTTP.
type CallbackRequest struct {
	Method        string
	Authorization string
	Headers       xqueue.SignedHeaders
	Fields        map[string]string
}

// CallbackResult tells the caller what happened to a verified callback.
type CallbackResult struct {
	Outcome   string
	LearnerID string
	ProblemID string
	InputID   string
}

// CallbackService applies grader verdicts to the attempts awaiting them.
type CallbackService interface {
	Handle(ctx context.Context, req CallbackRequest) (CallbackResult, error)
}

type callbackService struct {
	signer   xqueue.Signer
	problems ProblemService
	attempts repository.AttemptRepository
	engine   *problem.Engine
	locker   AttemptLocker
	events   AttemptEvents
	now      func() time.Time
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewCallbackService constructs the callback service. events may be nil.
func NewCallbackService(signer xqueue.Signer, problems ProblemService, attempts repository.AttemptRepository, engine *problem.Engine, locker AttemptLocker, events AttemptEvents, logger zerolog.Logger) CallbackService {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	return &callbackService{
		signer:   signer,
		problems: problems,
		attempts: attempts,
		engine:   engine,
		locker:   locker,
		events:   events,
		now:      time.Now,
		logger:   logger.With().Str("component", "callback_service").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/gema-grader/internal/service/callback"),
	}
}

// Handle verifies and applies one verdict. Verdicts whose key no longer
// matches the queued input are reported stale and change nothing, so
// redelivery of an applied verdict is harmless.
func (s *callbackService) Handle(ctx context.Context, req CallbackRequest) (CallbackResult, error) {
	ctx, span := s.tracer.Start(ctx, "xqueue.callback")
	defer span.End()

	method := req.Method
	if method == "" {
		method = "POST"
	}
	if err := s.signer.Verify(req.Authorization, method, req.Headers, req.Fields); err != nil {
		observability.Callbacks().WithLabelValues("forbidden").Inc()
		span.SetStatus(codes.Error, "signature rejected")
		s.logger.Warn().Err(err).Msg("callback signature rejected")
		return CallbackResult{}, fmt.Errorf("%w: %v", ErrCallbackForbidden, err)
	}

	callback, err := xqueue.ParseCallback(req.Fields)
	if err != nil {
		observability.Callbacks().WithLabelValues("malformed").Inc()
		span.SetStatus(codes.Error, "malformed callback")
		s.logger.Warn().Err(err).Msg("callback malformed")
		return CallbackResult{}, fmt.Errorf("%w: %v", ErrCallbackMalformed, err)
	}
	key := callback.Header.LMSKey
	span.SetAttributes(attribute.String("xqueue.lms_key", key))

	pending, err := s.attempts.FindPending(ctx, key)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.stale(CallbackResult{}, key, "unknown queue key"), nil
		}
		span.RecordError(err)
		return CallbackResult{}, err
	}

	attempt, err := s.attempts.GetByID(ctx, pending.AttemptID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return s.stale(CallbackResult{InputID: pending.InputID}, key, "attempt gone"), nil
		}
		span.RecordError(err)
		return CallbackResult{}, err
	}
	result := CallbackResult{LearnerID: attempt.LearnerID, ProblemID: attempt.ProblemID, InputID: pending.InputID}

	unlock, err := s.locker.Lock(ctx, AttemptLockKey(attempt.LearnerID, attempt.ProblemID))
	if err != nil {
		return CallbackResult{}, err
	}
	defer unlock()

	if attempt, err = s.attempts.GetByID(ctx, pending.AttemptID); err != nil {
		return CallbackResult{}, err
	}
	cmap, err := attempt.LoadCorrectMap()
	if err != nil {
		return CallbackResult{}, err
	}
	if !cmap.IsRightQueuekey(pending.InputID, &key) {
		return s.stale(result, key, "queue key superseded"), nil
	}

	verdict := callback.Body
	cmap.Set(pending.InputID, correctmap.Record{
		Correctness: correctmap.Correctness(verdict.Outcome()),
		NPoints:     correctmap.Points(math.Max(verdict.Score, 0)),
		Msg:         markup.SanitizeHTML("<div>" + strings.ReplaceAll(verdict.Msg, "&nbsp;", "&#160;") + "</div>"),
	})

	model, descriptor, err := s.problems.Load(ctx, attempt.ProblemID)
	if err != nil {
		return CallbackResult{}, err
	}
	maxPoints, err := s.engine.MaxPoints(ctx, descriptor, problem.Env{Seed: attempt.Seed})
	if err != nil {
		return CallbackResult{}, err
	}
	if err := attempt.StoreCorrectMap(cmap); err != nil {
		return CallbackResult{}, err
	}
	now := s.now().UTC()
	earned, possible := problem.Score(maxPoints, cmap, model.Weight)
	attempt.RecordScore(earned, possible, models.ScoreSourceCallback, now)

	if err := s.attempts.Save(ctx, &attempt, pendingRows(cmap, now)); err != nil {
		span.RecordError(err)
		return CallbackResult{}, err
	}

	observability.Callbacks().WithLabelValues(CallbackApplied).Inc()
	s.logger.Info().
		Str("learner_id", attempt.LearnerID).
		Str("problem_id", attempt.ProblemID).
		Str("input_id", pending.InputID).
		Str("lms_key", key).
		Str("correctness", verdict.Outcome()).
		Float64("score", earned).
		Msg("verdict applied")

	if s.events != nil {
		s.events.Publish(ctx, dto.AttemptEvent{
			Type:      dto.AttemptEventGraded,
			LearnerID: attempt.LearnerID,
			ProblemID: attempt.ProblemID,
			State:     dto.NewAttemptStateResponse(model, attempt, cmap),
			SentAt:    now,
		})
	}

	result.Outcome = CallbackApplied
	return result, nil
}

func (s *callbackService) stale(result CallbackResult, key, reason string) CallbackResult {
	observability.Callbacks().WithLabelValues(CallbackStale).Inc()
	s.logger.Info().Str("lms_key", key).Str("reason", reason).Msg("stale verdict ignored")
	result.Outcome = CallbackStale
	return result
}
