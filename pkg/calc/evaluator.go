package calc

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"sort"
	"strings"
)

// Function is a unary function callable from an expression.
type Function func(complex128) (complex128, error)

var (
	// ErrInvalidSyntax marks expressions that could not be parsed.
	ErrInvalidSyntax = errors.New("invalid math syntax")
	// ErrFactorialDomain is returned when factorial is applied outside the
	// non-negative integers.
	ErrFactorialDomain = errors.New("factorial() only accepts non-negative integral values")
)

// UndefinedVariableError reports names used as variables that are not bound.
type UndefinedVariableError struct {
	Names []string
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("Invalid Input: %s not permitted in answer as a variable", strings.Join(e.Names, ", "))
}

// UndefinedFunctionError reports names used as functions that are not bound.
type UndefinedFunctionError struct {
	Names []string
}

func (e *UndefinedFunctionError) Error() string {
	return fmt.Sprintf("Invalid Input: %s not permitted in answer as a function", strings.Join(e.Names, ", "))
}

// SyntaxError carries the offending position of a parse failure.
type SyntaxError struct {
	Expression string
	Position   int
	Reason     string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid math syntax at position %d in %q: %s", e.Position, e.Expression, e.Reason)
}

func (e *SyntaxError) Unwrap() error { return ErrInvalidSyntax }

// Evaluate parses expression and evaluates it against the supplied bindings.
// Default constants and functions are always available and may be shadowed
// by variables and functions. Real results carry a zero imaginary part. An
// empty expression evaluates to NaN.
func Evaluate(variables map[string]complex128, functions map[string]Function, expression string, caseSensitive bool) (complex128, error) {
	if strings.TrimSpace(expression) == "" {
		return cmplx.NaN(), nil
	}

	env := newEnvironment(variables, functions, caseSensitive)

	root, err := parse(expression, caseSensitive)
	if err != nil {
		return 0, err
	}

	vars, funcs := collectNames(root)
	if missing := env.missingFunctions(funcs); len(missing) > 0 {
		return 0, &UndefinedFunctionError{Names: missing}
	}
	if missing := env.missingVariables(vars); len(missing) > 0 {
		return 0, &UndefinedVariableError{Names: missing}
	}

	return root.eval(env)
}

// Real evaluates expression and requires a real-valued result.
func Real(variables map[string]complex128, functions map[string]Function, expression string, caseSensitive bool) (float64, error) {
	value, err := Evaluate(variables, functions, expression, caseSensitive)
	if err != nil {
		return 0, err
	}
	if imag(value) != 0 {
		return 0, fmt.Errorf("expression %q is not real", expression)
	}
	return real(value), nil
}

type environment struct {
	variables map[string]complex128
	functions map[string]Function
}

func newEnvironment(variables map[string]complex128, functions map[string]Function, caseSensitive bool) *environment {
	env := &environment{
		variables: make(map[string]complex128, len(defaultVariables)+len(variables)),
		functions: make(map[string]Function, len(defaultFunctions)+len(functions)),
	}

	normalize := func(name string) string {
		if caseSensitive {
			return name
		}
		return strings.ToLower(name)
	}

	for name, value := range defaultVariables {
		env.variables[normalize(name)] = value
	}
	for name, value := range variables {
		env.variables[normalize(name)] = value
	}
	for name, fn := range defaultFunctions {
		env.functions[normalize(name)] = fn
	}
	for name, fn := range functions {
		env.functions[normalize(name)] = fn
	}

	return env
}

func (e *environment) missingVariables(names map[string]struct{}) []string {
	var missing []string
	for name := range names {
		if _, ok := e.variables[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

func (e *environment) missingFunctions(names map[string]struct{}) []string {
	var missing []string
	for name := range names {
		if _, ok := e.functions[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	return missing
}

type node interface {
	eval(env *environment) (complex128, error)
}

type numberNode struct {
	value complex128
}

type variableNode struct {
	name string
}

type callNode struct {
	name string
	arg  node
}

type negateNode struct {
	operand node
}

type binaryNode struct {
	op          byte
	left, right node
}

type factorialNode struct {
	operand node
}

type parallelNode struct {
	terms []node
}

func (n numberNode) eval(*environment) (complex128, error) { return n.value, nil }

func (n variableNode) eval(env *environment) (complex128, error) {
	value, ok := env.variables[n.name]
	if !ok {
		return 0, &UndefinedVariableError{Names: []string{n.name}}
	}
	return value, nil
}

func (n callNode) eval(env *environment) (complex128, error) {
	fn, ok := env.functions[n.name]
	if !ok {
		return 0, &UndefinedFunctionError{Names: []string{n.name}}
	}
	arg, err := n.arg.eval(env)
	if err != nil {
		return 0, err
	}
	return fn(arg)
}

func (n negateNode) eval(env *environment) (complex128, error) {
	value, err := n.operand.eval(env)
	if err != nil {
		return 0, err
	}
	if imag(value) == 0 {
		return complex(-real(value), 0), nil
	}
	return -value, nil
}

func (n binaryNode) eval(env *environment) (complex128, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return 0, err
	}
	right, err := n.right.eval(env)
	if err != nil {
		return 0, err
	}

	switch n.op {
	case '+':
		return left + right, nil
	case '-':
		return left - right, nil
	case '*':
		if imag(left) == 0 && imag(right) == 0 {
			return complex(real(left)*real(right), 0), nil
		}
		return left * right, nil
	case '/':
		return divide(left, right), nil
	case '^':
		return power(left, right), nil
	default:
		return 0, fmt.Errorf("unknown operator %q", n.op)
	}
}

func (n factorialNode) eval(env *environment) (complex128, error) {
	value, err := n.operand.eval(env)
	if err != nil {
		return 0, err
	}
	return factorial(value)
}

func (n parallelNode) eval(env *environment) (complex128, error) {
	var sum complex128
	zero := false
	for _, term := range n.terms {
		value, err := term.eval(env)
		if err != nil {
			return 0, err
		}
		if value == 0 {
			zero = true
			continue
		}
		sum += divide(1, value)
	}
	if zero {
		return complex(math.NaN(), 0), nil
	}
	return divide(1, sum), nil
}

func divide(a, b complex128) complex128 {
	if imag(a) == 0 && imag(b) == 0 {
		return complex(real(a)/real(b), 0)
	}
	return a / b
}

func power(base, exponent complex128) complex128 {
	if imag(base) == 0 && imag(exponent) == 0 {
		b, e := real(base), real(exponent)
		if b >= 0 || e == math.Trunc(e) {
			return complex(math.Pow(b, e), 0)
		}
	}
	return cmplx.Pow(unsigned(base), exponent)
}

// unsigned clears a negative-zero imaginary part so branch cuts follow the
// real axis from above.
func unsigned(z complex128) complex128 {
	if imag(z) == 0 {
		return complex(real(z), 0)
	}
	return z
}

func factorial(value complex128) (complex128, error) {
	n := real(value)
	if imag(value) != 0 || n < 0 || n != math.Trunc(n) {
		return 0, ErrFactorialDomain
	}
	return complex(math.Gamma(n+1), 0), nil
}

func collectNames(root node) (map[string]struct{}, map[string]struct{}) {
	vars := make(map[string]struct{})
	funcs := make(map[string]struct{})

	var walk func(n node)
	walk = func(n node) {
		switch v := n.(type) {
		case variableNode:
			vars[v.name] = struct{}{}
		case callNode:
			funcs[v.name] = struct{}{}
			walk(v.arg)
		case negateNode:
			walk(v.operand)
		case factorialNode:
			walk(v.operand)
		case binaryNode:
			walk(v.left)
			walk(v.right)
		case parallelNode:
			for _, term := range v.terms {
				walk(term)
			}
		}
	}
	walk(root)

	return vars, funcs
}
