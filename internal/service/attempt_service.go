package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
	"github.com/noah-isme/gema-grader/internal/capa/problem"
	"github.com/noah-isme/gema-grader/internal/capa/responses"
	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/models"
	"github.com/noah-isme/gema-grader/internal/repository"
)

// ExpiredQueueMsg replaces the record of a queued input whose verdict never
// arrived.
const ExpiredQueueMsg = "No response was received from the grader in time. Please submit again."

var (
	// ErrAttemptNotFound is returned when the learner never opened the problem.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrExpiryDisabled is returned when no pending lifetime is configured.
	ErrExpiryDisabled = errors.New("pending submission expiry is disabled")
	// ErrFileTooLarge indicates a submitted file exceeded the size limit.
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
	// ErrFileTypeNotAllowed indicates a submitted file has a refused type.
	ErrFileTypeNotAllowed = errors.New("file type not allowed")
	// ErrFileStoreUnavailable is returned for file submissions without a store.
	ErrFileStoreUnavailable = errors.New("file store not configured")
)

// ActionError is a refusal shown to the learner as is.
type ActionError struct {
	Code    string
	Message string
}

func (e *ActionError) Error() string { return e.Message }

// Action error codes.
const (
	ActionClosed          = "closed"
	ActionWait            = "wait"
	ActionResetClosed     = "reset_closed"
	ActionResetUnanswered = "reset_unanswered"
	ActionUnanswered      = "unanswered"
)

// FileStore keeps submitted files and returns URLs graders can fetch.
type FileStore interface {
	Put(ctx context.Context, prefix, name string, body io.Reader) (string, error)
}

// SubmittedFile is one uploaded file addressed to a file input.
type SubmittedFile struct {
	InputID string
	Name    string
	Content []byte
}

// AttemptConfig tunes the attempt lifecycle.
type AttemptConfig struct {
	// QueueWait is the minimum time between submissions while an input is
	// queued.
	QueueWait time.Duration
	// PendingTTL is the default age after which ExpirePending gives up on
	// a queued input. Zero disables the sweep.
	PendingTTL time.Duration
	MaxFileMB  int
}

// AttemptService drives the learner-facing lifecycle of an attempt.
type AttemptService interface {
	GetState(ctx context.Context, learnerID, problemID string) (dto.AttemptStateResponse, error)
	Submit(ctx context.Context, learnerID, problemID string, answers map[string]string, files []SubmittedFile) (dto.AttemptStateResponse, error)
	Hint(ctx context.Context, learnerID, problemID, inputID string) (dto.HintResponse, error)
	DemandHint(ctx context.Context, learnerID, problemID string, index *int) (dto.DemandHintResponse, error)
	Reset(ctx context.Context, learnerID, problemID string) (dto.AttemptStateResponse, error)
	Rescore(ctx context.Context, learnerID, problemID string, onlyIfHigher bool) (dto.AttemptStateResponse, error)
	ExpirePending(ctx context.Context, olderThan time.Duration) (int, error)
}

type attemptService struct {
	problems   ProblemService
	attempts   repository.AttemptRepository
	engine     *problem.Engine
	dispatcher *SubmissionDispatcher
	locker     AttemptLocker
	events     AttemptEvents
	files      FileStore
	cfg        AttemptConfig
	now        func() time.Time
	newSeed    func() int64
	logger     zerolog.Logger
	tracer     trace.Tracer
}

// NewAttemptService constructs the attempt service. dispatcher, events and
// files may be nil.
func NewAttemptService(problems ProblemService, attempts repository.AttemptRepository, engine *problem.Engine, dispatcher *SubmissionDispatcher, locker AttemptLocker, events AttemptEvents, files FileStore, cfg AttemptConfig, logger zerolog.Logger) AttemptService {
	if locker == nil {
		locker = NewMemoryLocker()
	}
	if cfg.MaxFileMB <= 0 {
		cfg.MaxFileMB = 5
	}
	return &attemptService{
		problems:   problems,
		attempts:   attempts,
		engine:     engine,
		dispatcher: dispatcher,
		locker:     locker,
		events:     events,
		files:      files,
		cfg:        cfg,
		now:        time.Now,
		newSeed:    func() int64 { return rand.Int64N(1000) },
		logger:     logger.With().Str("component", "attempt_service").Logger(),
		tracer:     otel.Tracer("github.com/noah-isme/gema-grader/internal/service/attempt"),
	}
}

func (s *attemptService) GetState(ctx context.Context, learnerID, problemID string) (dto.AttemptStateResponse, error) {
	model, descriptor, err := s.problems.Load(ctx, problemID)
	if err != nil {
		return dto.AttemptStateResponse{}, err
	}
	attempt, err := s.ensureAttempt(ctx, learnerID, problemID)
	if err != nil {
		return dto.AttemptStateResponse{}, err
	}
	cmap, err := attempt.LoadCorrectMap()
	if err != nil {
		return dto.AttemptStateResponse{}, err
	}
	return dto.NewAttemptStateResponse(model, attempt, withUnsubmitted(descriptor, cmap)), nil
}

func (s *attemptService) Submit(ctx context.Context, learnerID, problemID string, answers map[string]string, files []SubmittedFile) (dto.AttemptStateResponse, error) {
	ctx, span := s.tracer.Start(ctx, "attempt.submit", trace.WithAttributes(
		attribute.String("problem.id", problemID),
		attribute.Int("attempt.answers", len(answers)),
		attribute.Int("attempt.files", len(files)),
	))
	defer span.End()

	model, descriptor, err := s.problems.Load(ctx, problemID)
	if err != nil {
		return dto.AttemptStateResponse{}, err
	}
	for id := range answers {
		if !descriptor.HasInput(id) {
			return dto.AttemptStateResponse{}, fmt.Errorf("%w: %s", problem.ErrUnknownInput, id)
		}
	}
	for _, file := range files {
		if !descriptor.HasInput(file.InputID) {
			return dto.AttemptStateResponse{}, fmt.Errorf("%w: %s", problem.ErrUnknownInput, file.InputID)
		}
	}

	unlock, err := s.locker.Lock(ctx, AttemptLockKey(learnerID, problemID))
	if err != nil {
		return dto.AttemptStateResponse{}, err
	}
	defer unlock()

	attempt, err := s.ensureAttempt(ctx, learnerID, problemID)
	if err != nil {
		return dto.AttemptStateResponse{}, err
	}
	if model.Closed(attempt.Submissions) {
		return dto.AttemptStateResponse{}, &ActionError{Code: ActionClosed, Message: "Problem is closed."}
	}
	previous, err := attempt.LoadCorrectMap()
	if err != nil {
		return dto.AttemptStateResponse{}, err
	}

	now := s.now().UTC()
	if wait := s.cfg.QueueWait; wait > 0 && previous.IsAnyQueued() {
		if latest, ok := previous.RecentmostQueuetime(); ok && now.Sub(latest) < wait {
			return dto.AttemptStateResponse{}, &ActionError{
				Code:    ActionWait,
				Message: fmt.Sprintf("You must wait at least %d seconds between submissions.", int(wait.Seconds())),
			}
		}
	}

	submitted := make(map[string]string, len(answers))
	for id, value := range answers {
		submitted[id] = value
	}
	if len(files) > 0 {
		uploaded, err := s.storeFiles(ctx, attempt, files)
		if err != nil {
			span.RecordError(err)
			return dto.AttemptStateResponse{}, err
		}
		for id, value := range uploaded {
			submitted[id] = value
		}
	}

	var queue responses.Dispatcher
	if s.dispatcher != nil {
		queue = s.dispatcher.ForAttempt(attempt)
	}
	graded, err := s.engine.Grade(ctx, descriptor, problem.Env{Seed: attempt.Seed, Queue: queue, Previous: previous}, submitted)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "grading aborted")
		return dto.AttemptStateResponse{}, err
	}

	stored := make(map[string]string, len(descriptor.InputIDs))
	for _, id := range descriptor.InputIDs {
		stored[id] = submitted[id]
	}

	attempt.Submissions++
	attempt.Done = true
	attempt.LastSubmittedAt = &now
	attempt.SetAnswers(stored)
	if err := attempt.StoreCorrectMap(graded.CorrectMap); err != nil {
		return dto.AttemptStateResponse{}, err
	}
	earned, possible := problem.Score(graded.MaxPoints, graded.CorrectMap, model.Weight)
	attempt.RecordScore(earned, possible, models.ScoreSourceSubmit, now)

	if err := s.attempts.Save(ctx, &attempt, pendingRows(graded.CorrectMap, now)); err != nil {
		span.RecordError(err)
		return dto.AttemptStateResponse{}, err
	}

	s.logger.Info().
		Str("learner_id", learnerID).
		Str("problem_id", problemID).
		Int("submission", attempt.Submissions).
		Float64("score", earned).
		Float64("possible", possible).
		Bool("queued", graded.CorrectMap.IsAnyQueued()).
		Msg("attempt graded")

	state := dto.NewAttemptStateResponse(model, attempt, graded.CorrectMap)
	eventType := dto.AttemptEventGraded
	if graded.CorrectMap.IsAnyQueued() {
		eventType = dto.AttemptEventSubmitted
	}
	s.publish(ctx, eventType, attempt, state)
	return state, nil
}

func (s *attemptService) Hint(ctx context.Context, learnerID, problemID, inputID string) (dto.HintResponse, error) {
	_, descriptor, err := s.problems.Load(ctx, problemID)
	if err != nil {
		return dto.HintResponse{}, err
	}

	cmap := correctmap.New()
	attempt, err := s.attempts.Get(ctx, learnerID, problemID)
	switch {
	case err == nil:
		if cmap, err = attempt.LoadCorrectMap(); err != nil {
			return dto.HintResponse{}, err
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return dto.HintResponse{}, err
	}

	hint, err := s.engine.CheckHintButton(descriptor, cmap, inputID)
	if err != nil {
		return dto.HintResponse{}, err
	}
	return dto.HintResponse{InputID: inputID, Hint: hint}, nil
}

func (s *attemptService) DemandHint(ctx context.Context, learnerID, problemID string, index *int) (dto.DemandHintResponse, error) {
	_, descriptor, err := s.problems.Load(ctx, problemID)
	if err != nil {
		return dto.DemandHintResponse{}, err
	}

	unlock, err := s.locker.Lock(ctx, AttemptLockKey(learnerID, problemID))
	if err != nil {
		return dto.DemandHintResponse{}, err
	}
	defer unlock()

	attempt, err := s.ensureAttempt(ctx, learnerID, problemID)
	if err != nil {
		return dto.DemandHintResponse{}, err
	}

	requested := attempt.HintIndex
	if index != nil {
		requested = *index
	}
	hint, next, err := s.engine.DemandHint(descriptor, requested)
	if err != nil {
		return dto.DemandHintResponse{}, err
	}

	cmap, err := attempt.LoadCorrectMap()
	if err != nil {
		return dto.DemandHintResponse{}, err
	}
	attempt.HintIndex = next
	if err := s.attempts.Save(ctx, &attempt, pendingRows(cmap, s.now())); err != nil {
		return dto.DemandHintResponse{}, err
	}

	return dto.DemandHintResponse{
		Index:     requested % len(descriptor.DemandHints),
		NextIndex: next,
		Hint:      hint,
	}, nil
}

func (s *attemptService) Reset(ctx context.Context, learnerID, problemID string) (dto.AttemptStateResponse, error) {
	model, descriptor, err := s.problems.Load(ctx, problemID)
	if err != nil {
		return dto.AttemptStateResponse{}, err
	}

	unlock, err := s.locker.Lock(ctx, AttemptLockKey(learnerID, problemID))
	if err != nil {
		return dto.AttemptStateResponse{}, err
	}
	defer unlock()

	attempt, err := s.ensureAttempt(ctx, learnerID, problemID)
	if err != nil {
		return dto.AttemptStateResponse{}, err
	}
	if model.Closed(attempt.Submissions) {
		return dto.AttemptStateResponse{}, &ActionError{Code: ActionResetClosed, Message: "You cannot select Reset for a problem that is closed."}
	}
	if !attempt.Done {
		return dto.AttemptStateResponse{}, &ActionError{Code: ActionResetUnanswered, Message: "You must submit an answer before you can select Reset."}
	}

	cmap := correctmap.New()
	cleared := make(map[string]string, len(descriptor.InputIDs))
	for _, id := range descriptor.InputIDs {
		cmap.Set(id, correctmap.Record{Correctness: correctmap.Unsubmitted})
		cleared[id] = ""
	}

	attempt.Done = false
	attempt.AttemptNumber++
	attempt.Seed = s.newSeed()
	attempt.HintIndex = 0
	attempt.SetAnswers(cleared)
	if err := attempt.StoreCorrectMap(cmap); err != nil {
		return dto.AttemptStateResponse{}, err
	}

	maxPoints, err := s.engine.MaxPoints(ctx, descriptor, problem.Env{Seed: attempt.Seed})
	if err != nil {
		return dto.AttemptStateResponse{}, err
	}
	attempt.Score, attempt.Possible = problem.Score(maxPoints, cmap, model.Weight)

	// Dropping every pending row makes outstanding verdicts stale.
	if err := s.attempts.Save(ctx, &attempt, nil); err != nil {
		return dto.AttemptStateResponse{}, err
	}

	s.logger.Info().Str("learner_id", learnerID).Str("problem_id", problemID).Int("attempt_number", attempt.AttemptNumber).Msg("attempt reset")
	state := dto.NewAttemptStateResponse(model, attempt, cmap)
	s.publish(ctx, dto.AttemptEventReset, attempt, state)
	return state, nil
}

func (s *attemptService) Rescore(ctx context.Context, learnerID, problemID string, onlyIfHigher bool) (dto.AttemptStateResponse, error) {
	ctx, span := s.tracer.Start(ctx, "attempt.rescore", trace.WithAttributes(attribute.String("problem.id", problemID)))
	defer span.End()

	model, descriptor, err := s.problems.Load(ctx, problemID)
	if err != nil {
		return dto.AttemptStateResponse{}, err
	}

	unlock, err := s.locker.Lock(ctx, AttemptLockKey(learnerID, problemID))
	if err != nil {
		return dto.AttemptStateResponse{}, err
	}
	defer unlock()

	attempt, err := s.attempts.Get(ctx, learnerID, problemID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.AttemptStateResponse{}, ErrAttemptNotFound
		}
		return dto.AttemptStateResponse{}, err
	}
	if !attempt.Done {
		return dto.AttemptStateResponse{}, &ActionError{Code: ActionUnanswered, Message: "Problem must be answered before it can be graded again."}
	}
	previous, err := attempt.LoadCorrectMap()
	if err != nil {
		return dto.AttemptStateResponse{}, err
	}

	answers := make(map[string]string)
	for id, value := range attempt.Answers() {
		if previous.GetCorrectness(id) != correctmap.Unsubmitted {
			answers[id] = value
		}
	}

	graded, err := s.engine.Grade(ctx, descriptor, problem.Env{Seed: attempt.Seed, Previous: previous, Rescore: true}, answers)
	if err != nil {
		span.RecordError(err)
		return dto.AttemptStateResponse{}, err
	}
	earned, possible := problem.Score(graded.MaxPoints, graded.CorrectMap, model.Weight)
	if onlyIfHigher && earned <= attempt.Score {
		s.logger.Info().Str("learner_id", learnerID).Str("problem_id", problemID).Msg("rescore kept the previous score")
		return dto.NewAttemptStateResponse(model, attempt, previous), nil
	}

	if err := attempt.StoreCorrectMap(graded.CorrectMap); err != nil {
		return dto.AttemptStateResponse{}, err
	}
	now := s.now().UTC()
	attempt.RecordScore(earned, possible, models.ScoreSourceRescore, now)
	if err := s.attempts.Save(ctx, &attempt, pendingRows(graded.CorrectMap, now)); err != nil {
		return dto.AttemptStateResponse{}, err
	}

	state := dto.NewAttemptStateResponse(model, attempt, graded.CorrectMap)
	s.publish(ctx, dto.AttemptEventRescored, attempt, state)
	return state, nil
}

func (s *attemptService) ExpirePending(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		olderThan = s.cfg.PendingTTL
	}
	if olderThan <= 0 {
		return 0, ErrExpiryDisabled
	}

	now := s.now().UTC()
	rows, err := s.attempts.ListPendingBefore(ctx, now.Add(-olderThan))
	if err != nil {
		return 0, err
	}

	byAttempt := make(map[uint][]models.PendingSubmission)
	var order []uint
	for _, row := range rows {
		if _, seen := byAttempt[row.AttemptID]; !seen {
			order = append(order, row.AttemptID)
		}
		byAttempt[row.AttemptID] = append(byAttempt[row.AttemptID], row)
	}

	expired := 0
	for _, attemptID := range order {
		count, err := s.expireAttempt(ctx, attemptID, byAttempt[attemptID], now)
		if err != nil {
			s.logger.Error().Err(err).Uint("attempt_id", attemptID).Msg("failed to expire pending submissions")
			continue
		}
		expired += count
	}
	return expired, nil
}

func (s *attemptService) expireAttempt(ctx context.Context, attemptID uint, rows []models.PendingSubmission, now time.Time) (int, error) {
	attempt, err := s.attempts.GetByID(ctx, attemptID)
	if err != nil {
		return 0, err
	}

	unlock, err := s.locker.Lock(ctx, AttemptLockKey(attempt.LearnerID, attempt.ProblemID))
	if err != nil {
		return 0, err
	}
	defer unlock()

	if attempt, err = s.attempts.GetByID(ctx, attemptID); err != nil {
		return 0, err
	}
	cmap, err := attempt.LoadCorrectMap()
	if err != nil {
		return 0, err
	}

	count := 0
	for _, row := range rows {
		key := row.LMSKey
		if !cmap.IsRightQueuekey(row.InputID, &key) {
			continue
		}
		cmap.Set(row.InputID, correctmap.Record{Correctness: correctmap.Incorrect, Msg: ExpiredQueueMsg})
		s.logger.Warn().
			Str("learner_id", attempt.LearnerID).
			Str("problem_id", attempt.ProblemID).
			Str("input_id", row.InputID).
			Str("lms_key", key).
			Msg("queued input expired")
		count++
	}

	if count > 0 {
		model, descriptor, err := s.problems.Load(ctx, attempt.ProblemID)
		if err != nil {
			return 0, err
		}
		maxPoints, err := s.engine.MaxPoints(ctx, descriptor, problem.Env{Seed: attempt.Seed})
		if err != nil {
			return 0, err
		}
		if err := attempt.StoreCorrectMap(cmap); err != nil {
			return 0, err
		}
		earned, possible := problem.Score(maxPoints, cmap, model.Weight)
		attempt.RecordScore(earned, possible, models.ScoreSourceExpire, now)
		defer s.publish(ctx, dto.AttemptEventExpired, attempt, dto.NewAttemptStateResponse(model, attempt, cmap))
	}

	if err := s.attempts.Save(ctx, &attempt, pendingRows(cmap, now)); err != nil {
		return 0, err
	}
	return count, nil
}

// ensureAttempt returns the learner's attempt, creating attempt 1 with a
// fresh seed on first access.
func (s *attemptService) ensureAttempt(ctx context.Context, learnerID, problemID string) (models.Attempt, error) {
	init := models.Attempt{AttemptNumber: 1, Seed: s.newSeed()}
	init.SetAnswers(map[string]string{})
	attempt, _, err := s.attempts.FirstOrCreate(ctx, learnerID, problemID, init)
	if err == nil {
		return attempt, nil
	}
	// A concurrent first view may have won the unique index.
	if existing, getErr := s.attempts.Get(ctx, learnerID, problemID); getErr == nil {
		return existing, nil
	}
	return models.Attempt{}, err
}

func (s *attemptService) storeFiles(ctx context.Context, attempt models.Attempt, files []SubmittedFile) (map[string]string, error) {
	if s.files == nil {
		return nil, ErrFileStoreUnavailable
	}
	maxBytes := s.cfg.MaxFileMB * 1024 * 1024
	prefix := fmt.Sprintf("%s-%s-%d-%d", attempt.ProblemID, AnonymousStudentID(attempt.LearnerID), attempt.AttemptNumber, attempt.Submissions+1)

	byInput := make(map[string]map[string]string)
	for _, file := range files {
		if len(file.Content) > maxBytes {
			return nil, fmt.Errorf("%w: %s", ErrFileTooLarge, file.Name)
		}
		detected := mimetype.Detect(file.Content)
		if !allowedSubmissionType(detected) {
			return nil, fmt.Errorf("%w: %s (%s)", ErrFileTypeNotAllowed, file.Name, detected.String())
		}
		url, err := s.files.Put(ctx, prefix, file.Name, bytes.NewReader(file.Content))
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", file.Name, err)
		}
		if byInput[file.InputID] == nil {
			byInput[file.InputID] = make(map[string]string)
		}
		byInput[file.InputID][file.Name] = url
	}

	encoded := make(map[string]string, len(byInput))
	for inputID, urls := range byInput {
		data, err := json.Marshal(urls)
		if err != nil {
			return nil, err
		}
		encoded[inputID] = string(data)
	}
	return encoded, nil
}

var allowedSubmissionTypes = []string{"text/plain", "application/json", "application/zip", "application/pdf", "image/png", "image/jpeg"}

func allowedSubmissionType(detected *mimetype.MIME) bool {
	for m := detected; m != nil; m = m.Parent() {
		for _, allowed := range allowedSubmissionTypes {
			if m.Is(allowed) {
				return true
			}
		}
		if strings.HasPrefix(m.String(), "text/") {
			return true
		}
	}
	return false
}

func (s *attemptService) publish(ctx context.Context, eventType string, attempt models.Attempt, state dto.AttemptStateResponse) {
	if s.events == nil {
		return
	}
	s.events.Publish(ctx, dto.AttemptEvent{
		Type:      eventType,
		LearnerID: attempt.LearnerID,
		ProblemID: attempt.ProblemID,
		State:     state,
		SentAt:    s.now().UTC(),
	})
}

// pendingRows lists the queued inputs of cmap in the form the pending index
// stores them.
func pendingRows(cmap *correctmap.CorrectMap, fallback time.Time) []models.PendingSubmission {
	queued := cmap.QueuedInputs()
	if len(queued) == 0 {
		return nil
	}
	rows := make([]models.PendingSubmission, 0, len(queued))
	for inputID, key := range queued {
		queuedAt, err := time.Parse(time.RFC3339, cmap.GetQueuetimeStr(inputID))
		if err != nil {
			queuedAt = fallback
		}
		rows = append(rows, models.PendingSubmission{LMSKey: key, InputID: inputID, QueuedAt: queuedAt.UTC()})
	}
	return rows
}

// withUnsubmitted fills in the inputs an attempt has no record for yet.
func withUnsubmitted(descriptor *problem.Descriptor, cmap *correctmap.CorrectMap) *correctmap.CorrectMap {
	for _, id := range descriptor.InputIDs {
		if !cmap.Has(id) {
			cmap.Set(id, correctmap.Record{Correctness: correctmap.Unsubmitted})
		}
	}
	return cmap
}
