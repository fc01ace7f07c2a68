// Package responses implements the response types a problem is built from.
//
// Every response element of a problem descriptor is turned into a Handler by
// a Registry keyed on the element tag. Handlers grade the answers of their
// own inputs and report the canonical answers; they never touch shared
// state. Learner mistakes are reported as records, while returned errors are
// reserved for broken descriptors or failing collaborators.
package responses

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
	"github.com/noah-isme/gema-grader/internal/capa/xmltree"
	"github.com/noah-isme/gema-grader/pkg/calc"
	"github.com/noah-isme/gema-grader/pkg/sandbox"
)

var (
	// ErrMalformedResponse marks response elements that cannot be graded.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrUnknownResponseType is returned for tags absent from the registry.
	ErrUnknownResponseType = errors.New("unknown response type")
	// ErrSandboxUnavailable is returned when instructor code must run but no sandbox is configured.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
	// ErrQueueUnavailable is returned when a queued response has no dispatcher.
	ErrQueueUnavailable = errors.New("submission queue unavailable")
)

// InputTags lists the elements that carry a gradable learner input.
var InputTags = map[string]struct{}{
	"textline":             {},
	"formulaequationinput": {},
	"choicegroup":          {},
	"checkboxgroup":        {},
	"radiogroup":           {},
	"textbox":              {},
	"schematic":            {},
	"filesubmission":       {},
	"jsinput":              {},
}

// IsInput reports whether el is a gradable input element.
func IsInput(el *xmltree.Element) bool {
	_, ok := InputTags[el.Tag]
	return ok
}

// Handler grades one response element.
type Handler interface {
	Type() string
	ID() string
	InputIDs() []string
	MaxPoints() map[string]float64
	Grade(ctx context.Context, answers map[string]string) (Result, error)
	Answers() map[string]string
}

// Result is the outcome of grading one response.
type Result struct {
	Records        map[string]correctmap.Record
	OverallMessage string
}

func single(inputID string, record correctmap.Record) Result {
	return Result{Records: map[string]correctmap.Record{inputID: record}}
}

// HintChecker is implemented by handlers that derive hints from answers.
type HintChecker interface {
	ApplyHints(answers map[string]string, cmap *correctmap.CorrectMap)
}

// Asynchronous is implemented by handlers whose verdict arrives later
// through the callback receiver. Rescoring leaves their records untouched.
type Asynchronous interface {
	Asynchronous()
}

// Sandbox runs instructor-supplied code.
type Sandbox interface {
	Execute(ctx context.Context, job sandbox.Job) (sandbox.Outcome, error)
}

// QueueRequest is what a queued response hands to the dispatcher.
type QueueRequest struct {
	InputID         string
	QueueName       string
	GraderPayload   string
	StudentResponse string
	Files           map[string]string
}

// Dispatcher forwards a submission to the external grader pool and returns
// the queue state to store once the pool acknowledged it.
type Dispatcher interface {
	Dispatch(ctx context.Context, req QueueRequest) (correctmap.QueueState, error)
}

// EvaluationContext carries everything a handler may consult besides its
// own element. It replaces any process-wide grading globals.
type EvaluationContext struct {
	ProblemID string
	Seed      int64
	Variables map[string]any
	Script    string
	QueueName string
	Sandbox   Sandbox
	Queue     Dispatcher
	Logger    zerolog.Logger
}

// Contextualize substitutes the problem variables into text.
func (ec *EvaluationContext) Contextualize(text string) string {
	if ec == nil {
		return text
	}
	return calc.ContextualizeText(text, ec.Variables)
}

// Constructor builds a handler from its response element.
type Constructor func(el *xmltree.Element, ec *EvaluationContext) (Handler, error)

// Registry maps response tags to constructors.
type Registry struct {
	constructors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{constructors: make(map[string]Constructor)}
}

// DefaultRegistry returns a registry holding every built-in response type.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("numericalresponse", NewNumerical)
	r.Register("formularesponse", NewFormula)
	r.Register("customresponse", NewCustom)
	r.Register("multiplechoiceresponse", NewMultipleChoice)
	r.Register("choiceresponse", NewCheckbox)
	r.Register("schematicresponse", NewSchematic)
	r.Register("coderesponse", NewExternal)
	return r
}

// Register adds or replaces the constructor for tag.
func (r *Registry) Register(tag string, constructor Constructor) {
	r.constructors[tag] = constructor
}

// Has reports whether tag names a registered response type.
func (r *Registry) Has(tag string) bool {
	_, ok := r.constructors[tag]
	return ok
}

// Tags returns the registered tags in lexical order.
func (r *Registry) Tags() []string {
	tags := make([]string, 0, len(r.constructors))
	for tag := range r.constructors {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Build constructs the handler for el.
func (r *Registry) Build(el *xmltree.Element, ec *EvaluationContext) (Handler, error) {
	constructor, ok := r.constructors[el.Tag]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResponseType, el.Tag)
	}
	return constructor(el, ec)
}

// base holds what every response type shares: its element, its inputs and
// the points each input is worth.
type base struct {
	tag       string
	id        string
	element   *xmltree.Element
	inputs    []*xmltree.Element
	inputIDs  []string
	maxPoints map[string]float64
	ec        *EvaluationContext
}

func newBase(el *xmltree.Element, ec *EvaluationContext) (base, error) {
	if ec == nil {
		ec = &EvaluationContext{Logger: zerolog.Nop()}
	}

	b := base{
		tag:       el.Tag,
		id:        el.Attr("id"),
		element:   el,
		maxPoints: make(map[string]float64),
		ec:        ec,
	}

	responsePoints, err := parsePoints(el, 1)
	if err != nil {
		return base{}, err
	}

	for _, input := range el.Descendants(IsInput) {
		id := input.Attr("id")
		if id == "" {
			return base{}, malformed(el, "input <%s> has no id", input.Tag)
		}
		if _, dup := b.maxPoints[id]; dup {
			return base{}, malformed(el, "duplicate input id %q", id)
		}
		points, err := parsePoints(input, responsePoints)
		if err != nil {
			return base{}, err
		}
		b.inputs = append(b.inputs, input)
		b.inputIDs = append(b.inputIDs, id)
		b.maxPoints[id] = points
	}

	if len(b.inputIDs) == 0 {
		return base{}, malformed(el, "no inputs")
	}
	return b, nil
}

func (b *base) Type() string { return b.tag }

func (b *base) ID() string { return b.id }

func (b *base) InputIDs() []string {
	return append([]string(nil), b.inputIDs...)
}

func (b *base) MaxPoints() map[string]float64 {
	points := make(map[string]float64, len(b.maxPoints))
	for id, value := range b.maxPoints {
		points[id] = value
	}
	return points
}

func (b *base) firstInput() string { return b.inputIDs[0] }

func (b *base) inputByID(id string) *xmltree.Element {
	for i, inputID := range b.inputIDs {
		if inputID == id {
			return b.inputs[i]
		}
	}
	return nil
}

// sortedInputIDs orders ids by their trailing numeric component so that
// 1_2_10 follows 1_2_9.
func (b *base) sortedInputIDs() []string {
	ids := b.InputIDs()
	sort.SliceStable(ids, func(i, j int) bool {
		ni, oki := trailingNumber(ids[i])
		nj, okj := trailingNumber(ids[j])
		if oki && okj && ni != nj {
			return ni < nj
		}
		return ids[i] < ids[j]
	})
	return ids
}

// tolerance returns the contextualized responseparam tolerance, or "".
func (b *base) tolerance() string {
	for _, param := range b.element.FindAll("responseparam") {
		if param.Attr("type") == "tolerance" {
			return strings.TrimSpace(b.ec.Contextualize(param.Attr("default")))
		}
	}
	return ""
}

// credit returns a record for a fraction of an input's points.
func (b *base) credit(inputID string, fraction float64, msg string) correctmap.Record {
	maxPoints := b.maxPoints[inputID]
	switch {
	case fraction >= 1:
		record := correctmap.Record{Correctness: correctmap.Correct, Msg: msg}
		if maxPoints != 1 {
			record.NPoints = correctmap.Points(maxPoints)
		}
		return record
	case fraction > 0:
		return correctmap.Record{
			Correctness: correctmap.PartiallyCorrect,
			NPoints:     correctmap.Points(fraction * maxPoints),
			Msg:         msg,
		}
	default:
		return correctmap.Record{Correctness: correctmap.Incorrect, Msg: msg}
	}
}

func incorrect(msg string) correctmap.Record {
	return correctmap.Record{Correctness: correctmap.Incorrect, Msg: msg}
}

func parsePoints(el *xmltree.Element, fallback float64) (float64, error) {
	raw, ok := el.LookupAttr("points")
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	points, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || points < 0 {
		return 0, malformed(el, "invalid points %q", raw)
	}
	return points, nil
}

func trailingNumber(id string) (int, bool) {
	idx := strings.LastIndex(id, "_")
	n, err := strconv.Atoi(id[idx+1:])
	return n, err == nil
}

func malformed(el *xmltree.Element, format string, args ...any) error {
	return fmt.Errorf("%w: <%s id=%q>: %s", ErrMalformedResponse, el.Tag, el.Attr("id"), fmt.Sprintf(format, args...))
}

// creditTypes splits a partial_credit attribute into its schemes.
func creditTypes(el *xmltree.Element) []string {
	var types []string
	for _, part := range strings.Split(el.Attr("partial_credit"), ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			types = append(types, part)
		}
	}
	return types
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
