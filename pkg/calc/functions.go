package calc

import (
	"math"
	"math/cmplx"
)

var defaultVariables = map[string]complex128{
	"i":  complex(0, 1),
	"j":  complex(0, 1),
	"e":  complex(math.E, 0),
	"pi": complex(math.Pi, 0),
	"k":  complex(1.3806488e-23, 0),
	"c":  complex(2.998e8, 0),
	"T":  complex(298.15, 0),
	"q":  complex(1.602176565e-19, 0),
}

var defaultFunctions = map[string]Function{
	"sin":       realOrComplex(math.Sin, cmplx.Sin, anyReal),
	"cos":       realOrComplex(math.Cos, cmplx.Cos, anyReal),
	"tan":       realOrComplex(math.Tan, cmplx.Tan, anyReal),
	"sec":       reciprocal(realOrComplex(math.Cos, cmplx.Cos, anyReal)),
	"csc":       reciprocal(realOrComplex(math.Sin, cmplx.Sin, anyReal)),
	"cot":       reciprocal(realOrComplex(math.Tan, cmplx.Tan, anyReal)),
	"sqrt":      realOrComplex(math.Sqrt, cmplx.Sqrt, nonNegative),
	"log10":     realOrComplex(math.Log10, cmplx.Log10, positive),
	"log2":      realOrComplex(math.Log2, func(z complex128) complex128 { return cmplx.Log(z) / complex(math.Ln2, 0) }, positive),
	"ln":        realOrComplex(math.Log, cmplx.Log, positive),
	"exp":       realOrComplex(math.Exp, cmplx.Exp, anyReal),
	"arccos":    realOrComplex(math.Acos, cmplx.Acos, unitInterval),
	"arcsin":    realOrComplex(math.Asin, cmplx.Asin, unitInterval),
	"arctan":    realOrComplex(math.Atan, cmplx.Atan, anyReal),
	"arcsec":    ofReciprocal(realOrComplex(math.Acos, cmplx.Acos, unitInterval)),
	"arccsc":    ofReciprocal(realOrComplex(math.Asin, cmplx.Asin, unitInterval)),
	"arccot":    ofReciprocal(realOrComplex(math.Atan, cmplx.Atan, anyReal)),
	"sinh":      realOrComplex(math.Sinh, cmplx.Sinh, anyReal),
	"cosh":      realOrComplex(math.Cosh, cmplx.Cosh, anyReal),
	"tanh":      realOrComplex(math.Tanh, cmplx.Tanh, anyReal),
	"sech":      reciprocal(realOrComplex(math.Cosh, cmplx.Cosh, anyReal)),
	"csch":      reciprocal(realOrComplex(math.Sinh, cmplx.Sinh, anyReal)),
	"coth":      reciprocal(realOrComplex(math.Tanh, cmplx.Tanh, anyReal)),
	"arcsinh":   realOrComplex(math.Asinh, cmplx.Asinh, anyReal),
	"arccosh":   realOrComplex(math.Acosh, cmplx.Acosh, atLeastOne),
	"arctanh":   realOrComplex(math.Atanh, cmplx.Atanh, openUnitInterval),
	"arcsech":   ofReciprocal(realOrComplex(math.Acosh, cmplx.Acosh, atLeastOne)),
	"arccsch":   ofReciprocal(realOrComplex(math.Asinh, cmplx.Asinh, anyReal)),
	"arccoth":   ofReciprocal(realOrComplex(math.Atanh, cmplx.Atanh, openUnitInterval)),
	"abs":       func(z complex128) (complex128, error) { return complex(cmplx.Abs(z), 0), nil },
	"fact":      factorial,
	"factorial": factorial,
	"re":        func(z complex128) (complex128, error) { return complex(real(z), 0), nil },
	"im":        func(z complex128) (complex128, error) { return complex(imag(z), 0), nil },
	"conj":      func(z complex128) (complex128, error) { return cmplx.Conj(z), nil },
}

func anyReal(float64) bool { return true }
func nonNegative(x float64) bool { return x >= 0 }
func positive(x float64) bool { return x > 0 }
func unitInterval(x float64) bool { return x >= -1 && x <= 1 }
func openUnitInterval(x float64) bool { return x > -1 && x < 1 }
func atLeastOne(x float64) bool { return x >= 1 }

// realOrComplex keeps results real while the argument stays inside the real
// domain of fn, and falls back to the complex branch otherwise.
func realOrComplex(fn func(float64) float64, cfn func(complex128) complex128, domain func(float64) bool) Function {
	return func(z complex128) (complex128, error) {
		if imag(z) == 0 && domain(real(z)) {
			return complex(fn(real(z)), 0), nil
		}
		return cfn(unsigned(z)), nil
	}
}

func reciprocal(fn Function) Function {
	return func(z complex128) (complex128, error) {
		value, err := fn(z)
		if err != nil {
			return 0, err
		}
		return divide(1, value), nil
	}
}

func ofReciprocal(fn Function) Function {
	return func(z complex128) (complex128, error) {
		return fn(divide(1, z))
	}
}
