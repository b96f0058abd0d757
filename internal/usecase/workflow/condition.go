package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"agentflow/internal/domain"
)

// Condition is a compiled step guard. A nil or empty condition always holds.
//
// Grammar:
//
//	or    := and ('||' and)*
//	and   := unary ('&&' unary)*
//	unary := '!' unary | cmp
//	cmp   := operand (('=='|'!='|'<'|'<='|'>'|'>=') operand)?
//	operand := step.path | {{step.path}} | ${NAME} | 'str' | "str" | number
//	         | true | false | null | '(' or ')'
//
// Operators short-circuit. A reference that is evaluated but cannot be
// resolved makes the whole guard false.
type Condition struct {
	src  string
	root cexpr
}

// CompileCondition parses a guard expression.
func CompileCondition(src string) (*Condition, error) {
	c := &Condition{src: src}
	if strings.TrimSpace(src) == "" {
		return c, nil
	}

	toks, err := lexCondition(src)
	if err != nil {
		return nil, conditionError(src, err)
	}
	p := &condParser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, conditionError(src, err)
	}
	if p.peek().kind != tokEOF {
		return nil, conditionError(src, fmt.Errorf("unexpected %s", p.peek()))
	}
	c.root = root
	return c, nil
}

func conditionError(src string, err error) error {
	return domain.NewDomainError("CompileCondition", domain.ErrConfiguration, fmt.Sprintf("guard %q: %v", src, err))
}

// String returns the source expression.
func (c *Condition) String() string {
	if c == nil {
		return ""
	}
	return c.src
}

// IsEmpty reports whether the guard is absent.
func (c *Condition) IsEmpty() bool { return c == nil || c.root == nil }

// Check evaluates the guard. The error explains a false result caused by an
// unresolved reference or an invalid comparison.
func (c *Condition) Check(scope Scope) (bool, error) {
	if c.IsEmpty() {
		return true, nil
	}
	v, err := c.root.eval(scope)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Evaluate is Check without the explanation.
func (c *Condition) Evaluate(scope Scope) bool {
	ok, _ := c.Check(scope)
	return ok
}

// References lists every step reference in the guard.
func (c *Condition) References() []Reference {
	if c.IsEmpty() {
		return nil
	}
	var refs []Reference
	c.root.walk(func(r Reference) { refs = append(refs, r) })
	return refs
}

// Evaluate compiles and evaluates expr. Syntax errors yield false.
func Evaluate(expr string, ectx ExecutionContext, params map[string]string) bool {
	c, err := CompileCondition(expr)
	if err != nil {
		return false
	}
	return c.Evaluate(Scope{Context: ectx, Params: params})
}

// --- lexer ---

type tokKind int

const (
	tokEOF tokKind = iota
	tokOr
	tokAnd
	tokNot
	tokCmp
	tokLParen
	tokRParen
	tokRef
	tokParam
	tokLiteral
)

type token struct {
	kind tokKind
	text string
	ref  Reference
	lit  any
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of expression"
	}
	return strconv.Quote(t.text)
}

func lexCondition(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case strings.HasPrefix(src[i:], "||"):
			toks = append(toks, token{kind: tokOr, text: "||"})
			i += 2
		case strings.HasPrefix(src[i:], "&&"):
			toks = append(toks, token{kind: tokAnd, text: "&&"})
			i += 2
		case strings.HasPrefix(src[i:], "=="), strings.HasPrefix(src[i:], "!="),
			strings.HasPrefix(src[i:], "<="), strings.HasPrefix(src[i:], ">="):
			toks = append(toks, token{kind: tokCmp, text: src[i : i+2]})
			i += 2
		case c == '<' || c == '>':
			toks = append(toks, token{kind: tokCmp, text: string(c)})
			i++
		case c == '!':
			toks = append(toks, token{kind: tokNot, text: "!"})
			i++
		case c == '(':
			toks = append(toks, token{kind: tokLParen, text: "("})
			i++
		case c == ')':
			toks = append(toks, token{kind: tokRParen, text: ")"})
			i++
		case strings.HasPrefix(src[i:], "{{"):
			end := strings.Index(src[i+2:], "}}")
			if end < 0 {
				return nil, fmt.Errorf("unterminated {{ at offset %d", i)
			}
			ref, err := ParseReference(src[i+2 : i+2+end])
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokRef, text: src[i : i+4+end], ref: ref})
			i += end + 4
		case strings.HasPrefix(src[i:], "${"):
			end := strings.IndexByte(src[i+2:], '}')
			if end < 0 || !isParamName(src[i+2:i+2+end]) {
				return nil, fmt.Errorf("invalid parameter reference at offset %d", i)
			}
			toks = append(toks, token{kind: tokParam, text: src[i+2 : i+2+end]})
			i += end + 3
		case c == '\'' || c == '"':
			s, n, err := lexString(src[i:])
			if err != nil {
				return nil, fmt.Errorf("%v at offset %d", err, i)
			}
			toks = append(toks, token{kind: tokLiteral, text: src[i : i+n], lit: s})
			i += n
		case c == '-' || (c >= '0' && c <= '9'):
			j := i + 1
			for j < len(src) && (src[j] == '.' || (src[j] >= '0' && src[j] <= '9')) {
				j++
			}
			f, err := strconv.ParseFloat(src[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("invalid number %q", src[i:j])
			}
			toks = append(toks, token{kind: tokLiteral, text: src[i:j], lit: f})
			i = j
		case isIdentByte(c, true):
			j := scanPath(src, i)
			word := src[i:j]
			switch word {
			case "true":
				toks = append(toks, token{kind: tokLiteral, text: word, lit: true})
			case "false":
				toks = append(toks, token{kind: tokLiteral, text: word, lit: false})
			case "null":
				toks = append(toks, token{kind: tokLiteral, text: word, lit: nil})
			default:
				ref, err := ParseReference(word)
				if err != nil {
					return nil, err
				}
				toks = append(toks, token{kind: tokRef, text: word, ref: ref})
			}
			i = j
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d", c, i)
		}
	}
	return append(toks, token{kind: tokEOF}), nil
}

// scanPath returns the end of a bare reference starting at i.
func scanPath(src string, i int) int {
	j := i
	for j < len(src) {
		c := src[j]
		switch {
		case isIdentByte(c, false) || c == '.':
			j++
		case c == '[':
			end := strings.IndexByte(src[j:], ']')
			if end < 0 {
				return len(src)
			}
			j += end + 1
		case c == '(' && strings.HasSuffix(src[i:j], "values") && strings.HasPrefix(src[j:], "()"):
			j += 2
		default:
			return j
		}
	}
	return j
}

// lexString reads a quoted literal and returns its value and length.
func lexString(s string) (string, int, error) {
	quote := s[0]
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				i++
				switch s[i] {
				case 'n':
					b.WriteByte('\n')
				case 't':
					b.WriteByte('\t')
				default:
					b.WriteByte(s[i])
				}
			}
		case quote:
			return b.String(), i + 1, nil
		default:
			b.WriteByte(s[i])
		}
	}
	return "", 0, fmt.Errorf("unterminated string")
}

// --- parser ---

type condParser struct {
	toks []token
	pos  int
}

func (p *condParser) peek() token { return p.toks[p.pos] }

func (p *condParser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *condParser) parseOr() (cexpr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orExpr{left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseAnd() (cexpr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &andExpr{left: left, right: right}
	}
	return left, nil
}

func (p *condParser) parseUnary() (cexpr, error) {
	if p.peek().kind == tokNot {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notExpr{x: x}, nil
	}
	return p.parseCmp()
}

func (p *condParser) parseCmp() (cexpr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokCmp {
		return left, nil
	}
	op := p.next().text
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &cmpExpr{op: op, left: left, right: right}, nil
}

func (p *condParser) parseOperand() (cexpr, error) {
	t := p.next()
	switch t.kind {
	case tokRef:
		return &refExpr{ref: t.ref}, nil
	case tokParam:
		return &paramExpr{name: t.text}, nil
	case tokLiteral:
		return &litExpr{v: t.lit}, nil
	case tokLParen:
		x, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing ')'")
		}
		return x, nil
	default:
		return nil, fmt.Errorf("expected operand, got %s", t)
	}
}

// --- evaluation ---

type cexpr interface {
	eval(scope Scope) (any, error)
	walk(fn func(Reference))
}

type orExpr struct{ left, right cexpr }

func (e *orExpr) eval(scope Scope) (any, error) {
	l, err := e.left.eval(scope)
	if err != nil {
		return nil, err
	}
	if truthy(l) {
		return true, nil
	}
	r, err := e.right.eval(scope)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

func (e *orExpr) walk(fn func(Reference)) { e.left.walk(fn); e.right.walk(fn) }

type andExpr struct{ left, right cexpr }

func (e *andExpr) eval(scope Scope) (any, error) {
	l, err := e.left.eval(scope)
	if err != nil {
		return nil, err
	}
	if !truthy(l) {
		return false, nil
	}
	r, err := e.right.eval(scope)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

func (e *andExpr) walk(fn func(Reference)) { e.left.walk(fn); e.right.walk(fn) }

type notExpr struct{ x cexpr }

func (e *notExpr) eval(scope Scope) (any, error) {
	v, err := e.x.eval(scope)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

func (e *notExpr) walk(fn func(Reference)) { e.x.walk(fn) }

type cmpExpr struct {
	op          string
	left, right cexpr
}

func (e *cmpExpr) eval(scope Scope) (any, error) {
	l, err := e.left.eval(scope)
	if err != nil {
		return nil, err
	}
	r, err := e.right.eval(scope)
	if err != nil {
		return nil, err
	}
	return compare(e.op, l, r)
}

func (e *cmpExpr) walk(fn func(Reference)) { e.left.walk(fn); e.right.walk(fn) }

type refExpr struct{ ref Reference }

func (e *refExpr) eval(scope Scope) (any, error) { return e.ref.Resolve(scope.Context) }
func (e *refExpr) walk(fn func(Reference))       { fn(e.ref) }

type paramExpr struct{ name string }

func (e *paramExpr) eval(scope Scope) (any, error) { return lookupParam(e.name, scope) }
func (e *paramExpr) walk(func(Reference))          {}

type litExpr struct{ v any }

func (e *litExpr) eval(Scope) (any, error) { return e.v, nil }
func (e *litExpr) walk(func(Reference))    {}

func compare(op string, l, r any) (bool, error) {
	switch op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	}

	if l == nil || r == nil {
		return false, fmt.Errorf("cannot order null with %s", op)
	}
	var c int
	lf, lok := numeric(l, true)
	rf, rok := numeric(r, true)
	ls, lIsStr := l.(string)
	rs, rIsStr := r.(string)
	switch {
	case lok && rok:
		c = cmpFloat(lf, rf)
	case lIsStr && rIsStr:
		c = strings.Compare(ls, rs)
	default:
		return false, fmt.Errorf("cannot order %T with %T", l, r)
	}

	switch op {
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("unknown operator %q", op)
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// equal compares JSON-like values. Numbers compare by value across Go types,
// and a number equals a string holding the same number.
func equal(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	ls, lIsStr := l.(string)
	rs, rIsStr := r.(string)
	if lIsStr && rIsStr {
		return ls == rs
	}
	if lf, ok := numeric(l, true); ok {
		if rf, ok := numeric(r, true); ok {
			return lf == rf
		}
	}
	if lb, ok := l.(bool); ok {
		rb, ok := r.(bool)
		return ok && lb == rb
	}
	return reflect.DeepEqual(l, r)
}

// numeric converts numbers, and numeric strings when parseStrings is set.
func numeric(v any, parseStrings bool) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		if !parseStrings {
			return 0, false
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	}
	if f, ok := numeric(v, false); ok {
		return f != 0
	}
	return true
}
