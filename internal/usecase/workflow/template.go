package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"agentflow/internal/domain"
)

// Scope is what a template or guard is resolved against.
type Scope struct {
	Context ExecutionContext
	Params  map[string]string
	// Args holds a tool step's resolved arguments. It is nil outside tool
	// templates, which disables {name} placeholders.
	Args map[string]string
}

type partKind int

const (
	partLiteral partKind = iota
	partParam            // ${NAME}
	partArg              // {name}
	partRef              // {{step.path}}
)

type part struct {
	kind partKind
	text string // literal text or parameter/argument name
	ref  Reference
}

// Template is a compiled template string. Compilation parses every
// reference once; rendering re-resolves them against the given scope.
type Template struct {
	raw   string
	parts []part
}

// CompileTemplate compiles a template that may contain ${NAME} and
// {{step.path}} references.
func CompileTemplate(text string) (*Template, error) {
	return compileTemplate(text, false)
}

// compileToolTemplate additionally recognises {name} argument placeholders.
func compileToolTemplate(text string) (*Template, error) {
	return compileTemplate(text, true)
}

func compileTemplate(text string, allowArgs bool) (*Template, error) {
	t := &Template{raw: text}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.parts = append(t.parts, part{kind: partLiteral, text: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(text); {
		switch {
		case strings.HasPrefix(text[i:], "{{"):
			end := strings.Index(text[i+2:], "}}")
			if end < 0 {
				lit.WriteString(text[i:])
				i = len(text)
				continue
			}
			ref, err := ParseReference(text[i+2 : i+2+end])
			if err != nil {
				return nil, err
			}
			flush()
			t.parts = append(t.parts, part{kind: partRef, ref: ref})
			i += end + 4

		case strings.HasPrefix(text[i:], "${"):
			end := strings.IndexByte(text[i+2:], '}')
			if end >= 0 && isParamName(text[i+2:i+2+end]) {
				flush()
				t.parts = append(t.parts, part{kind: partParam, text: text[i+2 : i+2+end]})
				i += end + 3
				continue
			}
			lit.WriteByte(text[i])
			i++

		case allowArgs && text[i] == '{':
			end := strings.IndexByte(text[i+1:], '}')
			if end >= 0 && isParamName(text[i+1:i+1+end]) {
				flush()
				t.parts = append(t.parts, part{kind: partArg, text: text[i+1 : i+1+end]})
				i += end + 2
				continue
			}
			lit.WriteByte(text[i])
			i++

		default:
			lit.WriteByte(text[i])
			i++
		}
	}
	flush()
	return t, nil
}

func isParamName(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		ok := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9')
		if !ok {
			return false
		}
	}
	return true
}

// String returns the source text.
func (t *Template) String() string { return t.raw }

// IsStatic reports whether the template contains no placeholders.
func (t *Template) IsStatic() bool {
	for _, p := range t.parts {
		if p.kind != partLiteral {
			return false
		}
	}
	return true
}

// References lists the step references in order of appearance.
func (t *Template) References() []Reference {
	var refs []Reference
	for _, p := range t.parts {
		if p.kind == partRef {
			refs = append(refs, p.ref)
		}
	}
	return refs
}

// Render substitutes every placeholder and returns the resulting text.
// Structured values are rendered as compact JSON.
func (t *Template) Render(scope Scope) (string, error) {
	if len(t.parts) == 1 && t.parts[0].kind == partLiteral {
		return t.parts[0].text, nil
	}

	var b strings.Builder
	for _, p := range t.parts {
		switch p.kind {
		case partLiteral:
			b.WriteString(p.text)
		case partParam:
			v, err := lookupParam(p.text, scope)
			if err != nil {
				return "", err
			}
			b.WriteString(v)
		case partArg:
			if v, ok := scope.Args[p.text]; ok {
				b.WriteString(v)
			} else {
				b.WriteString("{" + p.text + "}")
			}
		case partRef:
			v, err := p.ref.Resolve(scope.Context)
			if err != nil {
				return "", err
			}
			s, err := formatValue(v)
			if err != nil {
				return "", &domain.UnresolvedReferenceError{Ref: p.ref.String(), Reason: err.Error()}
			}
			b.WriteString(s)
		}
	}
	return b.String(), nil
}

// Value resolves the template to a typed value when it consists of exactly
// one step reference, and to rendered text otherwise.
func (t *Template) Value(scope Scope) (any, error) {
	if len(t.parts) == 1 && t.parts[0].kind == partRef {
		return t.parts[0].ref.Resolve(scope.Context)
	}
	return t.Render(scope)
}

func lookupParam(name string, scope Scope) (string, error) {
	if v, ok := scope.Args[name]; ok {
		return v, nil
	}
	if v, ok := scope.Params[name]; ok {
		return v, nil
	}
	return "", &domain.UnresolvedReferenceError{Ref: "${" + name + "}", Reason: "parameter not set"}
}

// formatValue renders a resolved value as template text. Null has no text
// form and is reported as an error.
func formatValue(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return "", fmt.Errorf("value is null")
	case string:
		return t, nil
	case bool:
		return strconv.FormatBool(t), nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t), nil
	case json.Number:
		return t.String(), nil
	default:
		data, err := json.Marshal(t)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

// Resolve compiles text and renders it against ectx and params.
func Resolve(text string, ectx ExecutionContext, params map[string]string) (string, error) {
	t, err := CompileTemplate(text)
	if err != nil {
		return "", err
	}
	return t.Render(Scope{Context: ectx, Params: params})
}

// ResolveValue is Resolve returning a typed value for single-reference
// templates.
func ResolveValue(text string, ectx ExecutionContext, params map[string]string) (any, error) {
	t, err := CompileTemplate(text)
	if err != nil {
		return nil, err
	}
	return t.Value(Scope{Context: ectx, Params: params})
}

// bodyTemplate renders a tool request body.
type bodyTemplate interface {
	render(scope Scope) (string, error)
	references() []Reference
}

// compileBody compiles a tool body: a string, or a structured mapping or
// sequence whose leaf strings are templates.
func compileBody(body any, format string) (bodyTemplate, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case string:
		t, err := compileToolTemplate(b)
		if err != nil {
			return nil, err
		}
		return &textBody{tmpl: t, json: format == domain.BodyFormatJSON}, nil
	default:
		root, err := compileNode(b)
		if err != nil {
			return nil, err
		}
		return &structuredBody{root: root}, nil
	}
}

type textBody struct {
	tmpl *Template
	json bool
}

func (b *textBody) render(scope Scope) (string, error) {
	out, err := b.tmpl.Render(scope)
	if err != nil {
		return "", err
	}
	if b.json && !json.Valid([]byte(out)) {
		return "", domain.NewDomainError("Template.Render", domain.ErrInvalidInput, "body is not valid JSON after substitution")
	}
	return out, nil
}

func (b *textBody) references() []Reference { return b.tmpl.References() }

type structuredBody struct {
	root node
}

func (b *structuredBody) render(scope Scope) (string, error) {
	v, err := b.root.value(scope)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", domain.NewDomainError("Template.Render", domain.ErrInvalidInput, err.Error())
	}
	return string(data), nil
}

func (b *structuredBody) references() []Reference {
	var refs []Reference
	b.root.walk(func(t *Template) { refs = append(refs, t.References()...) })
	return refs
}

// node is one element of a compiled structured body.
type node interface {
	value(scope Scope) (any, error)
	walk(fn func(*Template))
}

type mapNode struct {
	keys  []string
	elems map[string]node
}

func (n *mapNode) value(scope Scope) (any, error) {
	out := make(map[string]any, len(n.elems))
	for _, k := range n.keys {
		v, err := n.elems[k].value(scope)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func (n *mapNode) walk(fn func(*Template)) {
	for _, k := range n.keys {
		n.elems[k].walk(fn)
	}
}

type listNode []node

func (n listNode) value(scope Scope) (any, error) {
	out := make([]any, len(n))
	for i, e := range n {
		v, err := e.value(scope)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (n listNode) walk(fn func(*Template)) {
	for _, e := range n {
		e.walk(fn)
	}
}

type leafNode struct{ tmpl *Template }

func (n leafNode) value(scope Scope) (any, error) { return n.tmpl.Value(scope) }
func (n leafNode) walk(fn func(*Template))       { fn(n.tmpl) }

type constNode struct{ v any }

func (n constNode) value(Scope) (any, error) { return n.v, nil }
func (n constNode) walk(func(*Template))     {}

func compileNode(v any) (node, error) {
	switch t := v.(type) {
	case map[string]any:
		n := &mapNode{elems: make(map[string]node, len(t))}
		for k, e := range t {
			c, err := compileNode(e)
			if err != nil {
				return nil, err
			}
			n.keys = append(n.keys, k)
			n.elems[k] = c
		}
		sort.Strings(n.keys)
		return n, nil
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[fmt.Sprint(k)] = e
		}
		return compileNode(m)
	case []any:
		n := make(listNode, len(t))
		for i, e := range t {
			c, err := compileNode(e)
			if err != nil {
				return nil, err
			}
			n[i] = c
		}
		return n, nil
	case string:
		tmpl, err := compileToolTemplate(t)
		if err != nil {
			return nil, err
		}
		return leafNode{tmpl: tmpl}, nil
	default:
		return constNode{v: t}, nil
	}
}
