package calc

import (
	"fmt"
	"strconv"
	"strings"
)

// Scale suffixes accepted directly after a number, e.g. 5k or 2.2u.
var suffixes = map[byte]float64{
	'%': 0.01,
	'k': 1e3,
	'M': 1e6,
	'G': 1e9,
	'T': 1e12,
	'c': 1e-2,
	'm': 1e-3,
	'u': 1e-6,
	'n': 1e-9,
	'p': 1e-12,
}

type tokenKind int

const (
	tokenNumber tokenKind = iota
	tokenName
	tokenOperator
	tokenEOF
)

type token struct {
	kind  tokenKind
	text  string
	value float64
	pos   int
}

func tokenize(expression string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expression) {
		ch := expression[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case isDigit(ch) || (ch == '.' && i+1 < len(expression) && isDigit(expression[i+1])):
			tok, next, err := scanNumber(expression, i)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, tok)
			i = next
		case isNameStart(ch):
			start := i
			for i < len(expression) && isNamePart(expression[i]) {
				i++
			}
			tokens = append(tokens, token{kind: tokenName, text: expression[start:i], pos: start})
		case ch == '|':
			if i+1 >= len(expression) || expression[i+1] != '|' {
				return nil, &SyntaxError{Expression: expression, Position: i, Reason: "expected '||'"}
			}
			tokens = append(tokens, token{kind: tokenOperator, text: "||", pos: i})
			i += 2
		case strings.IndexByte("+-*/^!(),", ch) >= 0:
			tokens = append(tokens, token{kind: tokenOperator, text: string(ch), pos: i})
			i++
		default:
			return nil, &SyntaxError{Expression: expression, Position: i, Reason: "unexpected character " + strconv.QuoteRune(rune(ch))}
		}
	}
	tokens = append(tokens, token{kind: tokenEOF, pos: len(expression)})
	return tokens, nil
}

func scanNumber(expression string, start int) (token, int, error) {
	i := start
	for i < len(expression) && isDigit(expression[i]) {
		i++
	}
	if i < len(expression) && expression[i] == '.' {
		i++
		for i < len(expression) && isDigit(expression[i]) {
			i++
		}
	}
	if i < len(expression) && (expression[i] == 'e' || expression[i] == 'E') {
		j := i + 1
		if j < len(expression) && (expression[j] == '+' || expression[j] == '-') {
			j++
		}
		if j < len(expression) && isDigit(expression[j]) {
			for j < len(expression) && isDigit(expression[j]) {
				j++
			}
			i = j
		}
	}

	value, err := strconv.ParseFloat(expression[start:i], 64)
	if err != nil {
		return token{}, 0, &SyntaxError{Expression: expression, Position: start, Reason: "malformed number"}
	}

	if i < len(expression) {
		if scale, ok := suffixes[expression[i]]; ok {
			if i+1 >= len(expression) || !isNamePart(expression[i+1]) {
				value *= scale
				i++
			}
		}
	}

	return token{kind: tokenNumber, text: expression[start:i], value: value, pos: start}, i, nil
}

func isDigit(ch byte) bool { return ch >= '0' && ch <= '9' }

func isNameStart(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z')
}

func isNamePart(ch byte) bool {
	return isNameStart(ch) || isDigit(ch) || ch == '\''
}

type parser struct {
	expression    string
	tokens        []token
	pos           int
	caseSensitive bool
}

func parse(expression string, caseSensitive bool) (node, error) {
	tokens, err := tokenize(expression)
	if err != nil {
		return nil, err
	}

	p := &parser{expression: expression, tokens: tokens, caseSensitive: caseSensitive}
	root, err := p.parseParallel()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokenEOF {
		return nil, p.errorf(tok, "unexpected %q", tok.text)
	}
	return root, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) accept(op string) bool {
	if tok := p.peek(); tok.kind == tokenOperator && tok.text == op {
		p.pos++
		return true
	}
	return false
}

func (p *parser) errorf(tok token, reason string, args ...any) error {
	if len(args) > 0 {
		reason = fmt.Sprintf(reason, args...)
	}
	if tok.kind == tokenEOF {
		reason = "unexpected end of expression"
	}
	return &SyntaxError{Expression: p.expression, Position: tok.pos, Reason: reason}
}

// parallel has the lowest precedence: a+b || c is (a+b) || c.
func (p *parser) parseParallel() (node, error) {
	first, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	terms := []node{first}
	for p.accept("||") {
		term, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return parallelNode{terms: terms}, nil
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for {
		var op byte
		switch {
		case p.accept("+"):
			op = '+'
		case p.accept("-"):
			op = '-'
		default:
			return left, nil
		}
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseProduct() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op byte
		switch {
		case p.accept("*"):
			op = '*'
		case p.accept("/"):
			op = '/'
		default:
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.accept("-") {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return negateNode{operand: operand}, nil
	}
	if p.accept("+") {
		return p.parseUnary()
	}
	return p.parsePower()
}

// power is right associative and binds tighter than unary minus: -2^2 is -4.
func (p *parser) parsePower() (node, error) {
	base, err := p.parsePostfix()
	if err != nil {
		return nil, err
	}
	if p.accept("^") {
		exponent, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return binaryNode{op: '^', left: base, right: exponent}, nil
	}
	return base, nil
}

func (p *parser) parsePostfix() (node, error) {
	operand, err := p.parseAtom()
	if err != nil {
		return nil, err
	}
	for p.accept("!") {
		operand = factorialNode{operand: operand}
	}
	return operand, nil
}

func (p *parser) parseAtom() (node, error) {
	tok := p.next()
	switch tok.kind {
	case tokenNumber:
		return numberNode{value: complex(tok.value, 0)}, nil
	case tokenName:
		name := tok.text
		if !p.caseSensitive {
			name = strings.ToLower(name)
		}
		if p.accept("(") {
			arg, err := p.parseParallel()
			if err != nil {
				return nil, err
			}
			if !p.accept(")") {
				return nil, p.errorf(p.peek(), "expected ')' after argument of %s", tok.text)
			}
			return callNode{name: name, arg: arg}, nil
		}
		return variableNode{name: name}, nil
	case tokenOperator:
		if tok.text == "(" {
			inner, err := p.parseParallel()
			if err != nil {
				return nil, err
			}
			if !p.accept(")") {
				return nil, p.errorf(p.peek(), "expected ')'")
			}
			return inner, nil
		}
	}
	return nil, p.errorf(tok, "unexpected %q", tok.text)
}
