package native

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	calcMaxLength     = 500
	calcMaxParenDepth = 20
)

type calcFunc struct {
	minArgs, maxArgs int // maxArgs < 0 means unbounded
	apply            func(args []float64) float64
}

func unary(f func(float64) float64) calcFunc {
	return calcFunc{minArgs: 1, maxArgs: 1, apply: func(a []float64) float64 { return f(a[0]) }}
}

var calcFuncs = map[string]calcFunc{
	"abs":   unary(math.Abs),
	"ceil":  unary(math.Ceil),
	"floor": unary(math.Floor),
	"round": unary(func(x float64) float64 { return math.Floor(x + 0.5) }),
	"sqrt":  unary(math.Sqrt),
	"log":   unary(math.Log),
	"log10": unary(math.Log10),
	"log2":  unary(math.Log2),
	"sin":   unary(math.Sin),
	"cos":   unary(math.Cos),
	"tan":   unary(math.Tan),
	"pow": {minArgs: 2, maxArgs: 2, apply: func(a []float64) float64 {
		return math.Pow(a[0], a[1])
	}},
	"min": {minArgs: 1, maxArgs: -1, apply: func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Min(m, v)
		}
		return m
	}},
	"max": {minArgs: 1, maxArgs: -1, apply: func(a []float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Max(m, v)
		}
		return m
	}},
}

var calcConstants = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

// Evaluate computes an arithmetic expression with a recursive-descent parser.
// Nothing is executed beyond the listed operators, functions and constants.
func Evaluate(expr string) (float64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("expression is empty")
	}
	if len(expr) > calcMaxLength {
		return 0, fmt.Errorf("expression too long (max %d characters)", calcMaxLength)
	}
	if err := checkParens(expr); err != nil {
		return 0, err
	}

	p := &calcParser{src: expr}
	v, err := p.parseExpr()
	if err != nil {
		return 0, err
	}
	p.skipSpace()
	if p.pos < len(p.src) {
		return 0, fmt.Errorf("unexpected character %q at position %d", p.src[p.pos], p.pos)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("result is not a finite number")
	}
	return v, nil
}

func checkParens(expr string) error {
	depth := 0
	for _, r := range expr {
		switch r {
		case '(':
			depth++
			if depth > calcMaxParenDepth {
				return fmt.Errorf("parentheses nested deeper than %d", calcMaxParenDepth)
			}
		case ')':
			depth--
			if depth < 0 {
				return errors.New("unbalanced parentheses")
			}
		}
	}
	if depth != 0 {
		return errors.New("unbalanced parentheses")
	}
	return nil
}

type calcParser struct {
	src string
	pos int
}

func (p *calcParser) skipSpace() {
	for p.pos < len(p.src) && strings.ContainsRune(" \t\n\r", rune(p.src[p.pos])) {
		p.pos++
	}
}

func (p *calcParser) peek() byte {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

// expr := term (('+' | '-') term)*
func (p *calcParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

// term := unary (('*' | '/' | '%') unary)*
func (p *calcParser) parseTerm() (float64, error) {
	left, err := p.parseUnary()
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek()
		if op != '*' && op != '/' && op != '%' {
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			left *= right
		case '/':
			left /= right
		case '%':
			left = math.Mod(left, right)
		}
	}
}

// unary := ('+' | '-') unary | primary
func (p *calcParser) parseUnary() (float64, error) {
	switch p.peek() {
	case '-':
		p.pos++
		v, err := p.parseUnary()
		return -v, err
	case '+':
		p.pos++
		return p.parseUnary()
	}
	return p.parsePrimary()
}

// primary := number | identifier | identifier '(' args ')' | '(' expr ')'
func (p *calcParser) parsePrimary() (float64, error) {
	c := p.peek()
	switch {
	case c == 0:
		return 0, errors.New("unexpected end of expression")
	case c == '(':
		p.pos++
		v, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, errors.New("expected )")
		}
		p.pos++
		return v, nil
	case isDigit(c) || c == '.':
		return p.parseNumber()
	case isLetter(c):
		return p.parseIdentifier()
	}
	return 0, fmt.Errorf("unexpected character %q at position %d", c, p.pos)
}

func (p *calcParser) parseNumber() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && (isDigit(p.src[p.pos]) || p.src[p.pos] == '.') {
		p.pos++
	}
	if p.pos < len(p.src) && (p.src[p.pos] == 'e' || p.src[p.pos] == 'E') {
		mark := p.pos
		p.pos++
		if p.pos < len(p.src) && (p.src[p.pos] == '+' || p.src[p.pos] == '-') {
			p.pos++
		}
		if p.pos < len(p.src) && isDigit(p.src[p.pos]) {
			for p.pos < len(p.src) && isDigit(p.src[p.pos]) {
				p.pos++
			}
		} else {
			// Not an exponent; leave "e" for the identifier parser.
			p.pos = mark
		}
	}
	text := p.src[start:p.pos]
	v, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", text)
	}
	return v, nil
}

func (p *calcParser) parseIdentifier() (float64, error) {
	start := p.pos
	for p.pos < len(p.src) && (isLetter(p.src[p.pos]) || isDigit(p.src[p.pos])) {
		p.pos++
	}
	name := strings.ToLower(p.src[start:p.pos])

	if p.peek() != '(' {
		if v, ok := calcConstants[name]; ok {
			return v, nil
		}
		return 0, fmt.Errorf("unknown identifier %q", name)
	}

	fn, ok := calcFuncs[name]
	if !ok {
		return 0, fmt.Errorf("unknown function %q", name)
	}
	p.pos++ // (
	var args []float64
	if p.peek() != ')' {
		for {
			v, err := p.parseExpr()
			if err != nil {
				return 0, err
			}
			args = append(args, v)
			if p.peek() != ',' {
				break
			}
			p.pos++
		}
	}
	if p.peek() != ')' {
		return 0, fmt.Errorf("expected ) after arguments of %s", name)
	}
	p.pos++
	if len(args) < fn.minArgs || (fn.maxArgs >= 0 && len(args) > fn.maxArgs) {
		return 0, fmt.Errorf("wrong number of arguments for %s: %d", name, len(args))
	}
	return fn.apply(args), nil
}

func isDigit(c byte) bool  { return c >= '0' && c <= '9' }
func isLetter(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' }
