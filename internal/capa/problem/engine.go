package problem

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
	"github.com/noah-isme/gema-grader/internal/capa/responses"
	"github.com/noah-isme/gema-grader/pkg/sandbox"
)

// InternalErrorMsg is shown when a handler failed for reasons the learner
// cannot fix.
const InternalErrorMsg = "An error occurred while grading this response. The course staff has been notified."

var (
	// ErrUnknownInput is returned for input ids the problem does not declare.
	ErrUnknownInput = errors.New("unknown input")
	// ErrNoDemandHints is returned when the problem has no <demandhint>.
	ErrNoDemandHints = errors.New("problem has no demand hints")
	// ErrScriptFailed is returned when the problem script could not be run.
	ErrScriptFailed = errors.New("problem script failed")
)

var gradedInputs = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gema",
	Subsystem: "capa",
	Name:      "graded_inputs_total",
	Help:      "Inputs graded by response type and correctness",
}, []string{"response_type", "correctness"})

// Env is what one grading needs beyond the descriptor and the answers.
type Env struct {
	Seed  int64
	Queue responses.Dispatcher
	// Previous is the stored CorrectMap; Rescore keeps its records for
	// asynchronous responses instead of dispatching again.
	Previous *correctmap.CorrectMap
	Rescore  bool
}

// Graded is the outcome of Engine.Grade.
type Graded struct {
	CorrectMap *correctmap.CorrectMap
	MaxPoints  map[string]float64
}

// Engine builds handlers from descriptors and merges their verdicts.
type Engine struct {
	registry  *responses.Registry
	sandbox   responses.Sandbox
	queueName string
	logger    zerolog.Logger
}

// NewEngine creates an engine. sandbox may be nil when no problem needs to
// run instructor code.
func NewEngine(registry *responses.Registry, box responses.Sandbox, queueName string, logger zerolog.Logger) *Engine {
	if registry == nil {
		registry = responses.DefaultRegistry()
	}
	return &Engine{
		registry:  registry,
		sandbox:   box,
		queueName: queueName,
		logger:    logger.With().Str("component", "capa_engine").Logger(),
	}
}

// Grade grades every response of d against answers. Inputs without an
// answer are recorded as unsubmitted and their response is skipped. Handler
// failures become incorrect records; only descriptor and script errors
// abort grading.
func (e *Engine) Grade(ctx context.Context, d *Descriptor, env Env, answers map[string]string) (Graded, error) {
	ctx, span := otel.Tracer("gema-grader/capa").Start(ctx, "capa.grade")
	defer span.End()
	span.SetAttributes(attribute.String("problem.id", d.ID))

	handlers, err := e.build(ctx, d, env)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Graded{}, err
	}

	cmap := correctmap.New()
	maxPoints := make(map[string]float64)
	var overall []string

	for _, h := range handlers {
		for id, points := range h.MaxPoints() {
			maxPoints[id] = points
		}

		if _, async := h.(responses.Asynchronous); async && env.Rescore {
			e.keepPrevious(h, env.Previous, cmap)
			continue
		}

		if missing := missingInputs(h, answers); len(missing) > 0 {
			for _, id := range h.InputIDs() {
				cmap.Set(id, correctmap.Record{Correctness: correctmap.Unsubmitted})
			}
			continue
		}

		result, err := safeGrade(ctx, h, answers)
		if err != nil {
			e.logger.Error().Err(err).
				Str("problem_id", d.ID).
				Str("response_id", h.ID()).
				Str("response_type", h.Type()).
				Msg("response grading failed")
			span.RecordError(err)
			for _, id := range h.InputIDs() {
				cmap.Set(id, correctmap.Record{Correctness: correctmap.Incorrect, Msg: InternalErrorMsg})
			}
			continue
		}

		for _, id := range h.InputIDs() {
			record, ok := result.Records[id]
			if !ok {
				record = correctmap.Record{Correctness: correctmap.Incorrect}
			}
			cmap.Set(id, record)
			gradedInputs.WithLabelValues(h.Type(), string(record.Correctness)).Inc()
		}
		if result.OverallMessage != "" {
			overall = append(overall, result.OverallMessage)
		}

		if checker, ok := h.(responses.HintChecker); ok {
			checker.ApplyHints(answers, cmap)
		}
	}

	cmap.SetOverallMessage(strings.Join(overall, "\n"))
	return Graded{CorrectMap: cmap, MaxPoints: maxPoints}, nil
}

// MaxPoints returns the points every input is worth.
func (e *Engine) MaxPoints(ctx context.Context, d *Descriptor, env Env) (map[string]float64, error) {
	handlers, err := e.build(ctx, d, env)
	if err != nil {
		return nil, err
	}
	points := make(map[string]float64)
	for _, h := range handlers {
		for id, value := range h.MaxPoints() {
			points[id] = value
		}
	}
	return points, nil
}

// Answers returns the canonical answer of every input.
func (e *Engine) Answers(ctx context.Context, d *Descriptor, env Env) (map[string]string, error) {
	handlers, err := e.build(ctx, d, env)
	if err != nil {
		return nil, err
	}
	answers := make(map[string]string)
	for _, h := range handlers {
		for id, value := range h.Answers() {
			answers[id] = value
		}
	}
	return answers, nil
}

// CheckHintButton returns the hint stored for inputID without changing its
// correctness.
func (e *Engine) CheckHintButton(d *Descriptor, cmap *correctmap.CorrectMap, inputID string) (string, error) {
	if !d.HasInput(inputID) {
		return "", fmt.Errorf("%w: %s", ErrUnknownInput, inputID)
	}
	if cmap == nil {
		return "", nil
	}
	switch cmap.GetHintMode(inputID) {
	case correctmap.HintModeOnRequest, correctmap.HintModeAlways:
		return cmap.GetHint(inputID), nil
	default:
		return "", nil
	}
}

// DemandHint returns the hint at index, wrapping around, and the index of
// the hint that follows it.
func (e *Engine) DemandHint(d *Descriptor, index int) (string, int, error) {
	if len(d.DemandHints) == 0 {
		return "", 0, ErrNoDemandHints
	}
	if index < 0 {
		index = 0
	}
	index %= len(d.DemandHints)
	return d.DemandHints[index], (index + 1) % len(d.DemandHints), nil
}

func (e *Engine) build(ctx context.Context, d *Descriptor, env Env) ([]responses.Handler, error) {
	variables, err := e.runScript(ctx, d, env.Seed)
	if err != nil {
		return nil, err
	}

	ec := &responses.EvaluationContext{
		ProblemID: d.ID,
		Seed:      env.Seed,
		Variables: variables,
		Script:    d.Script,
		QueueName: e.queueName,
		Sandbox:   e.sandbox,
		Queue:     env.Queue,
		Logger:    e.logger,
	}

	handlers := make([]responses.Handler, 0, len(d.Responses))
	for _, el := range d.Responses {
		h, err := e.registry.Build(el, ec)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
		}
		handlers = append(handlers, h)
	}
	return handlers, nil
}

// runScript evaluates the problem script for the $name substitutions used
// in attributes. Without a sandbox the script is skipped.
func (e *Engine) runScript(ctx context.Context, d *Descriptor, seed int64) (map[string]any, error) {
	if d.Script == "" {
		return nil, nil
	}
	if e.sandbox == nil {
		e.logger.Debug().Str("problem_id", d.ID).Msg("no sandbox configured, problem script skipped")
		return nil, nil
	}
	outcome, err := e.sandbox.Execute(ctx, sandbox.Job{Mode: sandbox.ModeContext, Script: d.Script, Seed: seed})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScriptFailed, err)
	}
	return outcome.Context, nil
}

func (e *Engine) keepPrevious(h responses.Handler, previous *correctmap.CorrectMap, cmap *correctmap.CorrectMap) {
	for _, id := range h.InputIDs() {
		if previous != nil {
			if record, ok := previous.Record(id); ok {
				cmap.Set(id, record)
				continue
			}
		}
		cmap.Set(id, correctmap.Record{Correctness: correctmap.Unsubmitted})
	}
}

func missingInputs(h responses.Handler, answers map[string]string) []string {
	var missing []string
	for _, id := range h.InputIDs() {
		if _, ok := answers[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

func safeGrade(ctx context.Context, h responses.Handler, answers map[string]string) (result responses.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s %s: %v", h.Type(), h.ID(), r)
		}
	}()
	return h.Grade(ctx, answers)
}
