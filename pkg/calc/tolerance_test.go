package calc_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/gema-grader/pkg/calc"
)

func compare(t *testing.T, student, expected float64, tol string) bool {
	t.Helper()
	ok, err := calc.CompareWithTolerance(complex(student, 0), complex(expected, 0), tol)
	require.NoError(t, err)
	return ok
}

func TestCompareWithToleranceDefault(t *testing.T) {
	require.True(t, compare(t, 100.0, 100.0, ""))
	require.False(t, compare(t, 101.0, 100.0, ""))
	require.True(t, compare(t, 100.001, 100.0, ""))
	require.True(t, compare(t, 100.0, 100.0, calc.DefaultTolerance))
}

func TestCompareWithToleranceRelativeAndAbsolute(t *testing.T) {
	require.True(t, compare(t, 111, 100, "10%"))
	require.False(t, compare(t, 112, 100, "10%"))

	require.True(t, compare(t, 109.9, 100, "10.0"))
	require.False(t, compare(t, 110.1, 100, "10.0"))

	require.True(t, compare(t, 2.0005, 2.0, "0.001"))
	require.True(t, compare(t, 1.05, 1, "1/10"))
}

func TestCompareWithToleranceIsSymmetric(t *testing.T) {
	values := []float64{0, 1, -1, 99.5, 100, 100.0009, 111, 112, 1e9, -3.25, math.Inf(1)}
	tolerances := []string{"", "10%", "0.5", "0.001%", "0"}

	for _, a := range values {
		for _, b := range values {
			for _, tol := range tolerances {
				require.Equal(t, compare(t, a, b, tol), compare(t, b, a, tol), "a=%v b=%v tol=%q", a, b, tol)
			}
		}
	}
}

func TestCompareWithToleranceSpecialValues(t *testing.T) {
	require.True(t, compare(t, math.Inf(1), math.Inf(1), "1"))
	require.False(t, compare(t, math.Inf(1), math.Inf(-1), "1"))
	require.False(t, compare(t, math.Inf(1), 1e308, "100%"))
	require.False(t, compare(t, math.NaN(), math.NaN(), "1"))
	require.False(t, compare(t, math.NaN(), 1, "100%"))
}

func TestCompareWithToleranceComplex(t *testing.T) {
	ok, err := calc.CompareWithTolerance(complex(1, 2.05), complex(1, 2), "0.1")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = calc.CompareWithTolerance(complex(1.2, 2), complex(1, 2), "0.1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestParseToleranceRejectsGarbage(t *testing.T) {
	_, err := calc.ParseTolerance("abc%")
	require.Error(t, err)

	_, err = calc.ParseTolerance("-1")
	require.Error(t, err)

	tol, err := calc.ParseTolerance("0.1%")
	require.NoError(t, err)
	require.True(t, tol.Relative)
	require.InDelta(t, 0.001, tol.Value, 1e-15)
}
