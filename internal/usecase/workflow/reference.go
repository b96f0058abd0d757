package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"agentflow/internal/domain"
)

// SegmentKind identifies how a path segment descends into a value.
type SegmentKind int

const (
	// SegmentKey selects a mapping entry.
	SegmentKey SegmentKind = iota
	// SegmentIndex selects a sequence element.
	SegmentIndex
	// SegmentValues turns a mapping into the sequence of its values,
	// ordered by key.
	SegmentValues
)

// Segment is one step of a reference path.
type Segment struct {
	Kind  SegmentKind
	Key   string
	Index int
}

func (s Segment) String() string {
	switch s.Kind {
	case SegmentIndex:
		return "[" + strconv.Itoa(s.Index) + "]"
	case SegmentValues:
		return ".values()"
	default:
		if isIdent(s.Key) {
			return "." + s.Key
		}
		return "[" + strconv.Quote(s.Key) + "]"
	}
}

// Reference is a parsed step.path expression.
type Reference struct {
	Step     string
	Segments []Segment
}

func (r Reference) String() string {
	var b strings.Builder
	b.WriteString(r.Step)
	for _, s := range r.Segments {
		b.WriteString(s.String())
	}
	return b.String()
}

// ParseReference parses a path such as
// "fetch_build.response.values()[0].status" or `lookup.headers["X-Id"]`.
func ParseReference(text string) (Reference, error) {
	p := refParser{src: strings.TrimSpace(text)}
	ref, err := p.parse()
	if err != nil {
		return Reference{}, domain.NewDomainError("ParseReference", domain.ErrConfiguration,
			fmt.Sprintf("reference %q: %v", text, err))
	}
	return ref, nil
}

type refParser struct {
	src string
	pos int
}

func (p *refParser) parse() (Reference, error) {
	step := p.ident()
	if step == "" {
		return Reference{}, fmt.Errorf("expected step name at offset %d", p.pos)
	}
	ref := Reference{Step: step}

	for p.pos < len(p.src) {
		switch p.src[p.pos] {
		case '.':
			p.pos++
			key := p.ident()
			if key == "" {
				return Reference{}, fmt.Errorf("expected key after '.' at offset %d", p.pos)
			}
			if key == "values" && strings.HasPrefix(p.src[p.pos:], "()") {
				p.pos += 2
				ref.Segments = append(ref.Segments, Segment{Kind: SegmentValues})
				continue
			}
			ref.Segments = append(ref.Segments, Segment{Kind: SegmentKey, Key: key})
		case '[':
			seg, err := p.bracket()
			if err != nil {
				return Reference{}, err
			}
			ref.Segments = append(ref.Segments, seg)
		default:
			return Reference{}, fmt.Errorf("unexpected %q at offset %d", p.src[p.pos], p.pos)
		}
	}
	return ref, nil
}

func (p *refParser) ident() string {
	start := p.pos
	for p.pos < len(p.src) && isIdentByte(p.src[p.pos], p.pos == start) {
		p.pos++
	}
	return p.src[start:p.pos]
}

// bracket parses [n], ['key'] or ["key"].
func (p *refParser) bracket() (Segment, error) {
	end := strings.IndexByte(p.src[p.pos:], ']')
	if end < 0 {
		return Segment{}, fmt.Errorf("unterminated '[' at offset %d", p.pos)
	}
	inner := strings.TrimSpace(p.src[p.pos+1 : p.pos+end])
	p.pos += end + 1

	if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0] {
		return Segment{Kind: SegmentKey, Key: inner[1 : len(inner)-1]}, nil
	}
	n, err := strconv.Atoi(inner)
	if err != nil || n < 0 {
		return Segment{}, fmt.Errorf("invalid index %q", inner)
	}
	return Segment{Kind: SegmentIndex, Index: n}, nil
}

func isIdentByte(c byte, first bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case c >= '0' && c <= '9', c == '-':
		return !first
	}
	return false
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isIdentByte(s[i], i == 0) {
			return false
		}
	}
	return true
}

// Resolve walks the reference through ectx. The step must have been recorded
// in the current pass and every segment must exist; a skipped step resolves
// to nil only when the reference has no segments.
func (r Reference) Resolve(ectx ExecutionContext) (any, error) {
	cur, ok := ectx.Lookup(r.Step)
	if !ok {
		return nil, r.unresolved("step has not run in this pass")
	}

	for i, seg := range r.Segments {
		next, err := descend(cur, seg)
		if err != nil {
			return nil, r.unresolved(fmt.Sprintf("%s at %s", err, r.prefix(i+1)))
		}
		cur = next
	}
	return cur, nil
}

func (r Reference) prefix(n int) string {
	return Reference{Step: r.Step, Segments: r.Segments[:n]}.String()
}

func (r Reference) unresolved(reason string) error {
	return &domain.UnresolvedReferenceError{Ref: r.String(), Reason: reason}
}

// descend applies one segment. Strings holding JSON documents are decoded on
// the fly so raw response bodies can be addressed directly.
func descend(v any, seg Segment) (any, error) {
	if s, ok := v.(string); ok {
		decoded, ok := decodeJSONString(s)
		if !ok {
			return nil, fmt.Errorf("cannot descend into text")
		}
		v = decoded
	}

	switch seg.Kind {
	case SegmentKey:
		switch m := v.(type) {
		case map[string]any:
			e, ok := m[seg.Key]
			if !ok {
				return nil, fmt.Errorf("key not found")
			}
			return e, nil
		case map[string]string:
			e, ok := m[seg.Key]
			if !ok {
				return nil, fmt.Errorf("key not found")
			}
			return e, nil
		case nil:
			return nil, fmt.Errorf("value is null")
		default:
			return nil, fmt.Errorf("not a mapping")
		}

	case SegmentIndex:
		switch s := v.(type) {
		case []any:
			if seg.Index >= len(s) {
				return nil, fmt.Errorf("index out of range (len %d)", len(s))
			}
			return s[seg.Index], nil
		case []string:
			if seg.Index >= len(s) {
				return nil, fmt.Errorf("index out of range (len %d)", len(s))
			}
			return s[seg.Index], nil
		case nil:
			return nil, fmt.Errorf("value is null")
		default:
			return nil, fmt.Errorf("not a sequence")
		}

	case SegmentValues:
		switch m := v.(type) {
		case map[string]any:
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			out := make([]any, len(keys))
			for i, k := range keys {
				out[i] = m[k]
			}
			return out, nil
		case []any:
			return m, nil
		case nil:
			return nil, fmt.Errorf("value is null")
		default:
			return nil, fmt.Errorf("values() needs a mapping")
		}
	}
	return nil, fmt.Errorf("unknown segment")
}

// decodeJSONString decodes s when it holds a JSON object or array.
func decodeJSONString(s string) (any, bool) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return nil, false
	}
	var out any
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, false
	}
	return out, true
}
