package calc

import (
	"fmt"
	"math"
	"math/cmplx"
	"strings"
)

// DefaultTolerance applies when a response declares no tolerance.
const DefaultTolerance = "0.001%"

// Tolerance is a parsed tolerance specification.
type Tolerance struct {
	Value    float64
	Relative bool
}

// ParseTolerance reads "0.01" (absolute, any expression) or "5%" (relative).
// An empty spec yields DefaultTolerance.
func ParseTolerance(spec string) (Tolerance, error) {
	text := strings.TrimSpace(spec)
	if text == "" {
		text = DefaultTolerance
	}

	relative := strings.HasSuffix(text, "%")
	if relative {
		text = strings.TrimSpace(strings.TrimSuffix(text, "%"))
	}

	value, err := Real(nil, nil, text, true)
	if err != nil {
		return Tolerance{}, fmt.Errorf("invalid tolerance %q: %w", spec, err)
	}
	if math.IsNaN(value) || value < 0 {
		return Tolerance{}, fmt.Errorf("invalid tolerance %q: must be a non-negative number", spec)
	}

	if relative {
		value *= 0.01
	}
	return Tolerance{Value: value, Relative: relative}, nil
}

// Within reports whether student lies within the tolerance of expected.
// Relative bounds scale with the larger magnitude so the check is symmetric.
func (t Tolerance) Within(student, expected complex128) bool {
	if cmplx.IsNaN(student) || cmplx.IsNaN(expected) {
		return false
	}
	if cmplx.IsInf(student) || cmplx.IsInf(expected) {
		return student == expected
	}

	bound := t.Value
	if t.Relative {
		bound *= math.Max(cmplx.Abs(student), cmplx.Abs(expected))
	}

	return math.Abs(real(student)-real(expected)) <= bound &&
		math.Abs(imag(student)-imag(expected)) <= bound
}

// CompareWithTolerance parses tolerance and applies it to the two values.
func CompareWithTolerance(student, expected complex128, tolerance string) (bool, error) {
	tol, err := ParseTolerance(tolerance)
	if err != nil {
		return false, err
	}
	return tol.Within(student, expected), nil
}

// Matches is CompareWithTolerance for tolerances already validated by the
// caller; an unparseable tolerance never matches.
func Matches(tolerance string, student, expected complex128) bool {
	ok, err := CompareWithTolerance(student, expected, tolerance)
	return err == nil && ok
}
