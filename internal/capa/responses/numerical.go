package responses

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math/cmplx"
	"strconv"
	"strings"

	"github.com/noah-isme/gema-grader/internal/capa/xmltree"
	"github.com/noah-isme/gema-grader/pkg/calc"
)

const (
	defaultPartialRange = 2.0
	defaultPartialScore = 0.5
)

var boundaryTolerance = calc.Tolerance{Value: 0x1p-52, Relative: true}

// Numerical grades a single numeric answer against a value or a range.
type Numerical struct {
	base
	answer         string
	expected       complex128
	additional     []complex128
	additionalText []string
	tolerance      string

	isRange   bool
	bounds    [2]float64
	inclusive [2]bool

	creditTypes    []string
	partialRange   float64
	partialAnswers []complex128
}

// NewNumerical builds a numericalresponse handler.
func NewNumerical(el *xmltree.Element, ec *EvaluationContext) (Handler, error) {
	b, err := newBase(el, ec)
	if err != nil {
		return nil, err
	}
	if len(b.inputIDs) != 1 {
		return nil, malformed(el, "expects exactly one input, got %d", len(b.inputIDs))
	}

	h := &Numerical{
		base:         b,
		tolerance:    b.tolerance(),
		creditTypes:  creditTypes(el),
		partialRange: defaultPartialRange,
	}
	for _, style := range h.creditTypes {
		if style != "list" && style != "close" {
			return nil, malformed(el, "partial_credit must be one of list, close")
		}
	}
	if _, err := calc.ParseTolerance(h.tolerance); err != nil {
		return nil, malformed(el, "%v", err)
	}

	raw, ok := el.LookupAttr("answer")
	if !ok {
		return nil, malformed(el, "missing answer")
	}
	raw = strings.TrimSpace(b.ec.Contextualize(raw))

	if isRangeAnswer(raw) {
		if err := h.setupRange(raw); err != nil {
			return nil, err
		}
	} else {
		h.answer = raw
		if h.expected, err = staffValue(raw); err != nil {
			return nil, malformed(el, "invalid answer %q", raw)
		}
	}

	for _, extra := range el.Find("additional_answer") {
		text := strings.TrimSpace(b.ec.Contextualize(extra.Attr("answer")))
		value, err := staffValue(text)
		if err != nil {
			return nil, malformed(el, "invalid additional answer %q", text)
		}
		h.additional = append(h.additional, value)
		h.additionalText = append(h.additionalText, text)
	}

	for _, param := range el.Find("responseparam") {
		if raw, ok := param.LookupAttr("partial_range"); ok {
			value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil || value < 0 {
				return nil, malformed(el, "invalid partial_range %q", raw)
			}
			h.partialRange = value
		}
		if raw, ok := param.LookupAttr("partial_answers"); ok {
			for _, part := range strings.Split(raw, ",") {
				value, err := staffValue(strings.TrimSpace(b.ec.Contextualize(part)))
				if err != nil {
					return nil, malformed(el, "invalid partial answer %q", part)
				}
				h.partialAnswers = append(h.partialAnswers, value)
			}
		}
	}

	return h, nil
}

func isRangeAnswer(answer string) bool {
	return (strings.HasPrefix(answer, "[") || strings.HasPrefix(answer, "(")) &&
		(strings.HasSuffix(answer, "]") || strings.HasSuffix(answer, ")"))
}

func (h *Numerical) setupRange(answer string) error {
	parts := strings.Split(answer[1:len(answer)-1], ",")
	if len(parts) != 2 {
		return malformed(h.element, "invalid range answer %q", answer)
	}
	for i, part := range parts {
		value, err := staffValue(strings.TrimSpace(part))
		if err != nil || imag(value) != 0 || cmplx.IsNaN(value) {
			return malformed(h.element, "invalid range boundary %q", part)
		}
		h.bounds[i] = real(value)
	}
	h.isRange = true
	h.inclusive = [2]bool{answer[0] == '[', answer[len(answer)-1] == ']'}
	h.answer = fmt.Sprintf("%c%s, %s%c", answer[0], strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), answer[len(answer)-1])
	return nil
}

func staffValue(answer string) (complex128, error) {
	if value, err := strconv.ParseComplex(answer, 128); err == nil {
		return value, nil
	}
	value, err := calc.Evaluate(nil, nil, answer, false)
	if err != nil {
		return 0, err
	}
	if cmplx.IsNaN(value) {
		return 0, errors.New("empty answer")
	}
	return value, nil
}

// Grade evaluates the learner expression with no variables bound.
func (h *Numerical) Grade(_ context.Context, answers map[string]string) (Result, error) {
	id := h.firstInput()
	student := strings.TrimSpace(answers[id])
	if student == "" {
		return single(id, incorrect("")), nil
	}

	value, msg := parseNumber(student)
	if msg != "" {
		return single(id, incorrect(msg)), nil
	}

	var fraction float64
	if h.isRange {
		if imag(value) != 0 {
			return single(id, incorrect("You may not use complex numbers in range tolerance problems")), nil
		}
		fraction = h.gradeRange(real(value))
	} else {
		fraction = h.gradeValue(value)
	}

	if fraction == 0 {
		for _, extra := range h.additional {
			if calc.Matches(h.tolerance, value, extra) {
				fraction = 1
				break
			}
		}
	}

	return single(id, h.credit(id, fraction, "")), nil
}

func (h *Numerical) gradeRange(value float64) float64 {
	for i, bound := range h.bounds {
		if boundaryTolerance.Within(complex(value, 0), complex(bound, 0)) {
			if h.inclusive[i] {
				return 1
			}
			return 0
		}
	}

	lo, hi := h.bounds[0], h.bounds[1]
	if lo < value && value < hi {
		return 1
	}
	if containsString(h.creditTypes, "close") {
		width := hi - lo
		if lo-h.partialRange*width < value && value < hi+h.partialRange*width {
			return defaultPartialScore
		}
	}
	return 0
}

func (h *Numerical) gradeValue(value complex128) float64 {
	if calc.Matches(h.tolerance, value, h.expected) {
		return 1
	}

	expanded := expandTolerance(h.tolerance, h.partialRange)
	closeCredit := containsString(h.creditTypes, "close")

	if containsString(h.creditTypes, "list") {
		for _, partial := range h.partialAnswers {
			if calc.Matches(h.tolerance, value, partial) {
				return defaultPartialScore
			}
			if closeCredit {
				if calc.Matches(expanded, value, h.expected) {
					return defaultPartialScore
				}
				if calc.Matches(expanded, value, partial) {
					return defaultPartialScore * defaultPartialScore
				}
			}
		}
		return 0
	}

	if closeCredit && calc.Matches(expanded, value, h.expected) {
		return defaultPartialScore
	}
	return 0
}

// expandTolerance multiplies the tolerance by factor, keeping it relative
// when it was relative.
func expandTolerance(tolerance string, factor float64) string {
	tol, err := calc.ParseTolerance(tolerance)
	if err != nil {
		return tolerance
	}
	if tol.Relative {
		return strconv.FormatFloat(tol.Value*100*factor, 'g', -1, 64) + "%"
	}
	return strconv.FormatFloat(tol.Value*factor, 'g', -1, 64)
}

// parseNumber evaluates a learner answer and returns a learner-facing
// message when it cannot be interpreted.
func parseNumber(student string) (complex128, string) {
	escaped := html.EscapeString(student)
	notANumber := fmt.Sprintf("Could not interpret '%s' as a number.", escaped)

	value, err := calc.Evaluate(nil, nil, student, false)
	if err != nil {
		var undefinedVar *calc.UndefinedVariableError
		var undefinedFn *calc.UndefinedFunctionError
		switch {
		case errors.As(err, &undefinedVar), errors.As(err, &undefinedFn):
			return 0, notANumber + " " + html.EscapeString(err.Error())
		case errors.Is(err, calc.ErrFactorialDomain):
			return 0, fmt.Sprintf("Factorial function evaluated outside its domain:'%s'", escaped)
		case errors.Is(err, calc.ErrInvalidSyntax):
			return 0, fmt.Sprintf("Invalid math syntax: '%s'", escaped)
		default:
			return 0, notANumber
		}
	}
	if cmplx.IsNaN(value) {
		return 0, notANumber
	}
	return value, ""
}

// Answers joins the main answer with any additional answers.
func (h *Numerical) Answers() map[string]string {
	all := append([]string{h.answer}, h.additionalText...)
	return map[string]string{h.firstInput(): strings.Join(all, " or ")}
}
