package formula

import (
	"math"
	"strconv"
	"strings"

	"github.com/xuri/efp"
)

// Error values.
const (
	ErrValue = "#VALUE!"
	ErrDiv0  = "#DIV/0!"
	ErrName  = "#NAME?"
	ErrRef   = "#REF!"
	ErrCycle = "#CYCLE!"
)

// Accessor reads the displayed value of a cell as text.
type Accessor interface {
	Value(row, col int) string
}

// Evaluator computes one formula. It must be pure with respect to the
// accessor's snapshot.
type Evaluator interface {
	Evaluate(formula string, g Accessor, row, col int) string
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func(formula string, g Accessor, row, col int) string

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(formula string, g Accessor, row, col int) string {
	return f(formula, g, row, col)
}

// DefaultEvaluator evaluates the spreadsheet subset used in reports: numbers,
// text, booleans, references, arithmetic, concatenation, comparison, percent,
// parentheses and SUM AVERAGE MIN MAX COUNT ABS ROUND IF.
type DefaultEvaluator struct{}

// Evaluate implements Evaluator.
func (DefaultEvaluator) Evaluate(formula string, g Accessor, row, col int) string {
	p := &parser{toks: tokenize(formula), acc: g}
	if len(p.toks) == 0 {
		return ErrValue
	}
	v := p.comparison()
	if p.pos != len(p.toks) {
		return ErrValue
	}
	if v.kind == kindList {
		v = scalar(v)
	}
	return v.String()
}

type kind int

const (
	kindEmpty kind = iota
	kindNumber
	kindText
	kindBool
	kindError
	kindList
)

type value struct {
	kind kind
	num  float64
	str  string
	b    bool
	list []value
}

func number(f float64) value { return value{kind: kindNumber, num: f} }
func text(s string) value    { return value{kind: kindText, str: s} }
func boolean(b bool) value   { return value{kind: kindBool, b: b} }
func errorValue(e string) value {
	return value{kind: kindError, str: e}
}

func (v value) String() string {
	switch v.kind {
	case kindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			return ErrValue
		}
		return strconv.FormatFloat(v.num, 'g', 15, 64)
	case kindText, kindError:
		return v.str
	case kindBool:
		if v.b {
			return "TRUE"
		}
		return "FALSE"
	default:
		return "0"
	}
}

// cellValue interprets displayed cell text.
func cellValue(s string) value {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return value{}
	case strings.EqualFold(s, "TRUE"):
		return boolean(true)
	case strings.EqualFold(s, "FALSE"):
		return boolean(false)
	case strings.HasPrefix(s, "#") && strings.HasSuffix(s, "!") || s == ErrName:
		return errorValue(s)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return number(f)
	}
	return text(s)
}

// toNumber coerces a scalar for arithmetic.
func toNumber(v value) (float64, *value) {
	switch v.kind {
	case kindNumber:
		return v.num, nil
	case kindEmpty:
		return 0, nil
	case kindBool:
		if v.b {
			return 1, nil
		}
		return 0, nil
	case kindText:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64); err == nil {
			return f, nil
		}
	case kindError:
		return 0, &v
	}
	e := errorValue(ErrValue)
	return 0, &e
}

func toText(v value) string {
	switch v.kind {
	case kindEmpty:
		return ""
	case kindNumber, kindBool:
		return v.String()
	default:
		return v.str
	}
}

// scalar reduces a single-cell list to its value.
func scalar(v value) value {
	if v.kind != kindList {
		return v
	}
	if len(v.list) == 1 {
		return v.list[0]
	}
	return errorValue(ErrValue)
}

type parser struct {
	toks []efp.Token
	pos  int
	acc  Accessor
}

func (p *parser) peek() *efp.Token {
	if p.pos >= len(p.toks) {
		return nil
	}
	return &p.toks[p.pos]
}

func (p *parser) infix(ops ...string) (string, bool) {
	tok := p.peek()
	if tok == nil || tok.TType != efp.TokenTypeOperatorInfix {
		return "", false
	}
	for _, op := range ops {
		if tok.TValue == op {
			p.pos++
			return op, true
		}
	}
	return "", false
}

func (p *parser) comparison() value {
	left := p.concat()
	for {
		op, ok := p.infix("=", "<>", "<", ">", "<=", ">=")
		if !ok {
			return left
		}
		left = compare(op, scalar(left), scalar(p.concat()))
	}
}

func (p *parser) concat() value {
	left := p.additive()
	for {
		if _, ok := p.infix("&"); !ok {
			return left
		}
		right := scalar(p.additive())
		l := scalar(left)
		switch {
		case l.kind == kindError:
			left = l
		case right.kind == kindError:
			left = right
		default:
			left = text(toText(l) + toText(right))
		}
	}
}

func (p *parser) additive() value {
	left := p.multiplicative()
	for {
		op, ok := p.infix("+", "-")
		if !ok {
			return left
		}
		left = arith(op, left, p.multiplicative())
	}
}

func (p *parser) multiplicative() value {
	left := p.power()
	for {
		op, ok := p.infix("*", "/")
		if !ok {
			return left
		}
		left = arith(op, left, p.power())
	}
}

func (p *parser) power() value {
	left := p.postfix()
	for {
		if _, ok := p.infix("^"); !ok {
			return left
		}
		left = arith("^", left, p.postfix())
	}
}

func (p *parser) postfix() value {
	v := p.unary()
	for {
		tok := p.peek()
		if tok == nil || tok.TType != efp.TokenTypeOperatorPostfix || tok.TValue != "%" {
			return v
		}
		p.pos++
		n, errv := toNumber(scalar(v))
		if errv != nil {
			v = *errv
			continue
		}
		v = number(n / 100)
	}
}

func (p *parser) unary() value {
	tok := p.peek()
	if tok != nil && tok.TType == efp.TokenTypeOperatorPrefix {
		p.pos++
		v := p.unary()
		if tok.TValue == "+" {
			return v
		}
		n, errv := toNumber(scalar(v))
		if errv != nil {
			return *errv
		}
		return number(-n)
	}
	return p.primary()
}

func (p *parser) primary() value {
	tok := p.peek()
	if tok == nil {
		return errorValue(ErrValue)
	}
	p.pos++

	switch tok.TType {
	case efp.TokenTypeOperand:
		return p.operand(*tok)
	case efp.TokenTypeSubexpression:
		if tok.TSubType != efp.TokenSubTypeStart {
			return errorValue(ErrValue)
		}
		v := p.comparison()
		if end := p.peek(); end == nil || end.TType != efp.TokenTypeSubexpression || end.TSubType != efp.TokenSubTypeStop {
			return errorValue(ErrValue)
		}
		p.pos++
		return v
	case efp.TokenTypeFunction:
		if tok.TSubType != efp.TokenSubTypeStart {
			return errorValue(ErrValue)
		}
		return p.function(strings.ToUpper(tok.TValue))
	}
	return errorValue(ErrValue)
}

func (p *parser) operand(tok efp.Token) value {
	switch tok.TSubType {
	case efp.TokenSubTypeNumber:
		f, err := strconv.ParseFloat(tok.TValue, 64)
		if err != nil {
			return errorValue(ErrValue)
		}
		return number(f)
	case efp.TokenSubTypeText:
		return text(tok.TValue)
	case efp.TokenSubTypeLogical:
		return boolean(strings.EqualFold(tok.TValue, "TRUE"))
	case efp.TokenSubTypeError:
		return errorValue(tok.TValue)
	case efp.TokenSubTypeRange:
		if strings.Contains(tok.TValue, "!") {
			return errorValue(ErrRef)
		}
		cells, ok := expandRange(tok.TValue)
		if !ok {
			return errorValue(ErrName)
		}
		vals := make([]value, len(cells))
		for i, c := range cells {
			vals[i] = cellValue(p.acc.Value(c.Row, c.Col))
		}
		return value{kind: kindList, list: vals}
	}
	return errorValue(ErrValue)
}

func (p *parser) function(name string) value {
	var args []value
	if end := p.peek(); end != nil && end.TType == efp.TokenTypeFunction && end.TSubType == efp.TokenSubTypeStop {
		p.pos++
		return call(name, args)
	}
	for {
		args = append(args, p.comparison())
		tok := p.peek()
		switch {
		case tok == nil:
			return errorValue(ErrValue)
		case tok.TType == efp.TokenTypeArgument:
			p.pos++
		case tok.TType == efp.TokenTypeFunction && tok.TSubType == efp.TokenSubTypeStop:
			p.pos++
			return call(name, args)
		default:
			return errorValue(ErrValue)
		}
	}
}

func arith(op string, l, r value) value {
	a, errv := toNumber(scalar(l))
	if errv != nil {
		return *errv
	}
	b, errv := toNumber(scalar(r))
	if errv != nil {
		return *errv
	}
	switch op {
	case "+":
		return number(a + b)
	case "-":
		return number(a - b)
	case "*":
		return number(a * b)
	case "/":
		if b == 0 {
			return errorValue(ErrDiv0)
		}
		return number(a / b)
	case "^":
		res := math.Pow(a, b)
		if math.IsNaN(res) || math.IsInf(res, 0) {
			return errorValue(ErrValue)
		}
		return number(res)
	}
	return errorValue(ErrValue)
}

func compare(op string, l, r value) value {
	if l.kind == kindError {
		return l
	}
	if r.kind == kindError {
		return r
	}

	var c int
	ln, lerr := toNumber(l)
	rn, rerr := toNumber(r)
	numeric := lerr == nil && rerr == nil && l.kind != kindText && r.kind != kindText
	if numeric {
		switch {
		case ln < rn:
			c = -1
		case ln > rn:
			c = 1
		}
	} else {
		c = strings.Compare(strings.ToUpper(toText(l)), strings.ToUpper(toText(r)))
	}

	switch op {
	case "=":
		return boolean(c == 0)
	case "<>":
		return boolean(c != 0)
	case "<":
		return boolean(c < 0)
	case ">":
		return boolean(c > 0)
	case "<=":
		return boolean(c <= 0)
	case ">=":
		return boolean(c >= 0)
	}
	return errorValue(ErrValue)
}

// flatten expands list arguments; values read from ranges are marked so
// aggregate functions can skip text and blanks the way spreadsheets do.
func flatten(args []value) (direct []value, fromRange []value) {
	for _, a := range args {
		if a.kind == kindList {
			fromRange = append(fromRange, a.list...)
			continue
		}
		direct = append(direct, a)
	}
	return direct, fromRange
}

// numbers collects numeric arguments: direct arguments are coerced, range
// values contribute only when numeric.
func numbers(args []value) ([]float64, *value) {
	direct, fromRange := flatten(args)
	var out []float64
	for _, v := range direct {
		if v.kind == kindEmpty {
			continue
		}
		n, errv := toNumber(v)
		if errv != nil {
			return nil, errv
		}
		out = append(out, n)
	}
	for _, v := range fromRange {
		switch v.kind {
		case kindNumber:
			out = append(out, v.num)
		case kindError:
			return nil, &v
		}
	}
	return out, nil
}

func call(name string, args []value) value {
	switch name {
	case "SUM", "AVERAGE", "MIN", "MAX", "COUNT":
		if name == "COUNT" {
			direct, fromRange := flatten(args)
			n := 0
			for _, v := range append(direct, fromRange...) {
				if v.kind == kindNumber {
					n++
				}
			}
			return number(float64(n))
		}
		nums, errv := numbers(args)
		if errv != nil {
			return *errv
		}
		return aggregate(name, nums)
	case "ABS":
		if len(args) != 1 {
			return errorValue(ErrValue)
		}
		n, errv := toNumber(scalar(args[0]))
		if errv != nil {
			return *errv
		}
		return number(math.Abs(n))
	case "ROUND":
		if len(args) != 2 {
			return errorValue(ErrValue)
		}
		n, errv := toNumber(scalar(args[0]))
		if errv != nil {
			return *errv
		}
		d, errv := toNumber(scalar(args[1]))
		if errv != nil {
			return *errv
		}
		scale := math.Pow(10, math.Trunc(d))
		return number(math.Round(n*scale) / scale)
	case "IF":
		if len(args) < 2 || len(args) > 3 {
			return errorValue(ErrValue)
		}
		cond := scalar(args[0])
		if cond.kind == kindError {
			return cond
		}
		n, errv := toNumber(cond)
		if errv != nil {
			return *errv
		}
		if n != 0 {
			return scalar(args[1])
		}
		if len(args) == 3 {
			return scalar(args[2])
		}
		return boolean(false)
	}
	return errorValue(ErrName)
}

func aggregate(name string, nums []float64) value {
	switch name {
	case "SUM":
		s := 0.0
		for _, n := range nums {
			s += n
		}
		return number(s)
	case "AVERAGE":
		if len(nums) == 0 {
			return errorValue(ErrDiv0)
		}
		s := 0.0
		for _, n := range nums {
			s += n
		}
		return number(s / float64(len(nums)))
	case "MIN", "MAX":
		if len(nums) == 0 {
			return number(0)
		}
		m := nums[0]
		for _, n := range nums[1:] {
			if (name == "MIN" && n < m) || (name == "MAX" && n > m) {
				m = n
			}
		}
		return number(m)
	}
	return errorValue(ErrName)
}
