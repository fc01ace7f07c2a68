package responses

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math/cmplx"
	"math/rand"
	"strconv"
	"strings"

	"github.com/noah-isme/gema-grader/internal/capa/correctmap"
	"github.com/noah-isme/gema-grader/internal/capa/xmltree"
	"github.com/noah-isme/gema-grader/pkg/calc"
)

const maxSamples = 1000

// SamplingSpec is the parsed form of "x,y@lo1,lo2:hi1,hi2#N".
type SamplingSpec struct {
	Names []string
	Low   []float64
	High  []float64
	Count int
}

// ParseSamplingSpec reads a formula sampling specification.
func ParseSamplingSpec(spec string) (SamplingSpec, error) {
	names, rest, ok := strings.Cut(strings.TrimSpace(spec), "@")
	if !ok {
		return SamplingSpec{}, fmt.Errorf("sampling spec %q: missing '@'", spec)
	}
	ranges, count, ok := strings.Cut(rest, "#")
	if !ok {
		return SamplingSpec{}, fmt.Errorf("sampling spec %q: missing '#'", spec)
	}
	low, high, ok := strings.Cut(ranges, ":")
	if !ok {
		return SamplingSpec{}, fmt.Errorf("sampling spec %q: missing ':'", spec)
	}

	var out SamplingSpec
	for _, name := range strings.Split(names, ",") {
		if name = strings.TrimSpace(name); name != "" {
			out.Names = append(out.Names, name)
		}
	}

	var err error
	if out.Low, err = parseFloats(low); err != nil {
		return SamplingSpec{}, fmt.Errorf("sampling spec %q: %w", spec, err)
	}
	if out.High, err = parseFloats(high); err != nil {
		return SamplingSpec{}, fmt.Errorf("sampling spec %q: %w", spec, err)
	}
	if len(out.Low) != len(out.Names) || len(out.High) != len(out.Names) {
		return SamplingSpec{}, fmt.Errorf("sampling spec %q: %d variables but %d/%d bounds", spec, len(out.Names), len(out.Low), len(out.High))
	}

	out.Count, err = strconv.Atoi(strings.TrimSpace(count))
	if err != nil || out.Count < 1 || out.Count > maxSamples {
		return SamplingSpec{}, fmt.Errorf("sampling spec %q: sample count must be between 1 and %d", spec, maxSamples)
	}
	return out, nil
}

func parseFloats(list string) ([]float64, error) {
	var values []float64
	for _, part := range strings.Split(list, ",") {
		value, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

// Draw returns Count variable bindings drawn uniformly from the ranges.
func (s SamplingSpec) Draw(rng *rand.Rand) []map[string]complex128 {
	samples := make([]map[string]complex128, s.Count)
	for i := range samples {
		binding := make(map[string]complex128, len(s.Names))
		for j, name := range s.Names {
			binding[name] = complex(s.Low[j]+rng.Float64()*(s.High[j]-s.Low[j]), 0)
		}
		samples[i] = binding
	}
	return samples
}

// Formula grades symbolic answers by numeric sampling.
type Formula struct {
	base
	answer        string
	samples       SamplingSpec
	tolerance     string
	caseSensitive bool
}

// NewFormula builds a formularesponse handler.
func NewFormula(el *xmltree.Element, ec *EvaluationContext) (Handler, error) {
	b, err := newBase(el, ec)
	if err != nil {
		return nil, err
	}
	if len(b.inputIDs) != 1 {
		return nil, malformed(el, "expects exactly one input, got %d", len(b.inputIDs))
	}

	answer, ok := el.LookupAttr("answer")
	if !ok {
		return nil, malformed(el, "missing answer")
	}
	rawSamples, ok := el.LookupAttr("samples")
	if !ok {
		return nil, malformed(el, "missing samples")
	}
	samples, err := ParseSamplingSpec(b.ec.Contextualize(rawSamples))
	if err != nil {
		return nil, malformed(el, "%v", err)
	}

	h := &Formula{
		base:      b,
		answer:    strings.TrimSpace(b.ec.Contextualize(answer)),
		samples:   samples,
		tolerance: b.tolerance(),
	}
	if _, err := calc.ParseTolerance(h.tolerance); err != nil {
		return nil, malformed(el, "%v", err)
	}

	for _, flag := range strings.Split(el.Attr("type"), ",") {
		switch strings.TrimSpace(flag) {
		case "cs":
			h.caseSensitive = true
		case "ci":
			h.caseSensitive = false
		}
	}
	return h, nil
}

// Grade compares the learner formula against the expected one on every sample.
func (h *Formula) Grade(_ context.Context, answers map[string]string) (Result, error) {
	id := h.firstInput()
	correct, msg, err := h.check(h.answer, answers[id], h.samples)
	if err != nil {
		return Result{}, err
	}
	if msg != "" {
		return single(id, incorrect(msg)), nil
	}
	if correct {
		return single(id, h.credit(id, 1, "")), nil
	}
	return single(id, incorrect("")), nil
}

// check returns a learner-facing message for unusable input and an error
// only when the expected formula itself cannot be evaluated.
func (h *Formula) check(expected, given string, spec SamplingSpec) (bool, string, error) {
	if strings.TrimSpace(given) == "" {
		return false, "", nil
	}

	rng := rand.New(rand.NewSource(h.ec.Seed))
	samples := spec.Draw(rng)

	student := make([]complex128, len(samples))
	for i, binding := range samples {
		value, err := calc.Evaluate(binding, nil, given, h.caseSensitive)
		if err != nil {
			return false, formulaError(given, err), nil
		}
		if cmplx.IsNaN(value) || cmplx.IsInf(value) {
			return false, "", nil
		}
		student[i] = value
	}

	for i, binding := range samples {
		value, err := calc.Evaluate(binding, nil, expected, h.caseSensitive)
		if err != nil {
			return false, "", malformed(h.element, "expected formula %q: %v", expected, err)
		}
		if !calc.Matches(h.tolerance, student[i], value) {
			return false, "", nil
		}
	}
	return true, "", nil
}

func formulaError(given string, err error) string {
	var undefinedVar *calc.UndefinedVariableError
	var undefinedFn *calc.UndefinedFunctionError
	switch {
	case errors.As(err, &undefinedVar), errors.As(err, &undefinedFn):
		return html.EscapeString(err.Error())
	case errors.Is(err, calc.ErrFactorialDomain):
		return fmt.Sprintf("Factorial function not permitted in answer for this problem. Provided answer was: %s", html.EscapeString(given))
	default:
		return fmt.Sprintf("Error in formula: could not parse '%s' as a formula.", html.EscapeString(given))
	}
}

// ApplyHints evaluates formulahint conditions against the learner answer.
func (h *Formula) ApplyHints(answers map[string]string, cmap *correctmap.CorrectMap) {
	given := answers[h.firstInput()]
	applyHintGroup(&h.base, cmap, "formulahint", func(hint *xmltree.Element) bool {
		spec, err := ParseSamplingSpec(h.ec.Contextualize(hint.Attr("samples")))
		if err != nil {
			spec = h.samples
		}
		correct, _, err := h.check(h.ec.Contextualize(hint.Attr("answer")), given, spec)
		return err == nil && correct
	})
}

func (h *Formula) Answers() map[string]string {
	return map[string]string{h.firstInput(): h.answer}
}
