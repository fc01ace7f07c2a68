package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
	"github.com/noah-isme/gema-grader/internal/capa/responses"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/observability"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/pkg/xqueue"
)

// submissionTimeFormat is the student_info timestamp layout graders expect.
const submissionTimeFormat = "20060102150405"

// QueueSubmitter delivers a submission to the grader pool.
type QueueSubmitter interface {
	Submit(ctx context.Context, submission xqueue.Submission) error
}

// SubmissionDispatcher hands queued responses to the grader pool.
type SubmissionDispatcher struct {
	client      QueueSubmitter
	attempts    repository.AttemptRepository
	callbackURL string
	now         func() time.Time
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// NewSubmissionDispatcher creates a dispatcher posting through client.
// Graders answer at callbackURL.
func NewSubmissionDispatcher(client QueueSubmitter, attempts repository.AttemptRepository, callbackURL string, logger zerolog.Logger) *SubmissionDispatcher {
	return &SubmissionDispatcher{
		client:      client,
		attempts:    attempts,
		callbackURL: callbackURL,
		now:         time.Now,
		logger:      logger.With().Str("component", "submission_dispatcher").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-grader/internal/service/dispatcher"),
	}
}

// ForAttempt binds the dispatcher to one attempt for a grading run.
func (d *SubmissionDispatcher) ForAttempt(attempt models.Attempt) responses.Dispatcher {
	return &attemptDispatcher{parent: d, attempt: attempt}
}

// AnonymousStudentID derives the stable id graders see instead of the
// learner id.
func AnonymousStudentID(learnerID string) string {
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte("gema-grader:learner:"+learnerID))
	return strings.ReplaceAll(id.String(), "-", "")
}

type attemptDispatcher struct {
	parent  *SubmissionDispatcher
	attempt models.Attempt
}

// Dispatch reserves a fresh key, posts the submission and returns the queue
// state on acknowledgement. Failures are never retried.
func (a *attemptDispatcher) Dispatch(ctx context.Context, req responses.QueueRequest) (correctmap.QueueState, error) {
	d := a.parent
	ctx, span := d.tracer.Start(ctx, "xqueue.dispatch", trace.WithAttributes(
		attribute.String("xqueue.queue", req.QueueName),
		attribute.String("capa.input_id", req.InputID),
	))
	defer span.End()

	key := xqueue.NewKey()
	now := d.now().UTC()
	logger := d.logger.With().
		Str("learner_id", a.attempt.LearnerID).
		Str("problem_id", a.attempt.ProblemID).
		Str("input_id", req.InputID).
		Str("lms_key", key).
		Logger()

	if err := d.attempts.ReservePending(ctx, &models.PendingSubmission{
		LMSKey:    key,
		AttemptID: a.attempt.ID,
		InputID:   req.InputID,
		QueueName: req.QueueName,
		QueuedAt:  now,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
		observability.Dispatches().WithLabelValues(req.QueueName, "failed").Inc()
		return correctmap.QueueState{}, fmt.Errorf("reserve queue key: %w", err)
	}

	submission := xqueue.Submission{
		Header: xqueue.Header{
			LMSCallbackURL: d.callbackURL,
			LMSKey:         key,
			QueueName:      req.QueueName,
		},
		Body: xqueue.Body{
			StudentInfo: xqueue.EncodeStudentInfo(xqueue.StudentInfo{
				AnonymousStudentID: AnonymousStudentID(a.attempt.LearnerID),
				SubmissionTime:     now.Format(submissionTimeFormat),
				RandomSeed:         a.attempt.Seed,
			}),
			StudentResponse: req.StudentResponse,
			GraderPayload:   req.GraderPayload,
		},
		Files: req.Files,
	}

	if err := d.client.Submit(ctx, submission); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "submit failed")
		observability.Dispatches().WithLabelValues(req.QueueName, "failed").Inc()
		if releaseErr := d.attempts.ReleasePending(context.WithoutCancel(ctx), key); releaseErr != nil {
			logger.Warn().Err(releaseErr).Msg("failed to release queue key")
		}
		logger.Warn().Err(err).Msg("grader pool did not accept submission")
		return correctmap.QueueState{}, err
	}

	observability.Dispatches().WithLabelValues(req.QueueName, "queued").Inc()
	logger.Info().Str("queue", req.QueueName).Msg("submission queued")
	return correctmap.QueueState{Key: key, Time: xqueue.QueueTime(now)}, nil
}
