package recipes

import (
	"context"
	"fmt"
	"sort"
	"time"

	"agentflow/internal/domain"
	"agentflow/internal/usecase/workflow"
)

// latestByField returns the candidate record whose `field` (default
// "timestamp") is strictly greatest. Arguments:
//
//	sources  comma separated step.path references to collections or records
//	field    the ordering field
//
// Ties keep the first candidate seen; sources that did not resolve are
// skipped. The result is nil when no candidate carries the field.
func (s *Set) latestByField(_ context.Context, in workflow.InlineInput) (any, error) {
	sources := splitList(in.Arg("sources", ""))
	if len(sources) == 0 {
		return nil, domain.NewSubSystemError("inline", LatestByField, domain.ErrInvalidInput, "argument sources is required")
	}
	field := in.Arg("field", "timestamp")

	cands, err := collectCandidates(in, sources, field)
	if err != nil {
		return nil, err
	}
	best, _, err := newest(cands, field)
	if err != nil {
		return nil, err
	}
	return best, nil
}

// candidate is a record found under one of the sources.
type candidate struct {
	source string
	record map[string]any
}

// collectCandidates expands every source into the records that carry field.
// A record holding field is a candidate itself; otherwise its values (in key
// order) or elements are inspected, which covers keyed collections such as
// `{"-Nx1": {...}}` returned by realtime databases.
func collectCandidates(in workflow.InlineInput, sources []string, field string) ([]candidate, error) {
	var out []candidate
	for _, src := range sources {
		v, ok, err := lookupOptional(in, src)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		for _, rec := range records(v, field) {
			out = append(out, candidate{source: src, record: rec})
		}
	}
	return out, nil
}

func records(v any, field string) []map[string]any {
	switch c := v.(type) {
	case map[string]any:
		if _, ok := c[field]; ok {
			return []map[string]any{c}
		}
		keys := make([]string, 0, len(c))
		for k := range c {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var out []map[string]any
		for _, k := range keys {
			if m, ok := c[k].(map[string]any); ok {
				if _, has := m[field]; has {
					out = append(out, m)
				}
			}
		}
		return out
	case []any:
		var out []map[string]any
		for _, e := range c {
			if m, ok := e.(map[string]any); ok {
				if _, has := m[field]; has {
					out = append(out, m)
				}
			}
		}
		return out
	}
	return nil
}

// newest picks the candidate with the strictly greatest field value.
func newest(cands []candidate, field string) (map[string]any, string, error) {
	var (
		best   map[string]any
		source string
	)
	for _, c := range cands {
		if best == nil {
			best, source = c.record, c.source
			continue
		}
		cmp, err := compareOrdering(c.record[field], best[field])
		if err != nil {
			return nil, "", domain.NewSubSystemError("inline", LatestByField, domain.ErrInlineFailure,
				fmt.Sprintf("field %q from %s: %v", field, c.source, err))
		}
		if cmp > 0 {
			best, source = c.record, c.source
		}
	}
	return best, source, nil
}

// compareOrdering orders two field values: numbers numerically, RFC 3339
// strings chronologically, other strings lexically.
func compareOrdering(a, b any) (int, error) {
	if af, ok := a.(float64); ok {
		bf, ok := b.(float64)
		if !ok {
			return 0, fmt.Errorf("cannot compare %T with %T", a, b)
		}
		return cmpFloat(af, bf), nil
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, fmt.Errorf("cannot compare %T with %T", a, b)
	}
	at, aerr := time.Parse(time.RFC3339Nano, as)
	bt, berr := time.Parse(time.RFC3339Nano, bs)
	if aerr == nil && berr == nil {
		return at.Compare(bt), nil
	}
	switch {
	case as < bs:
		return -1, nil
	case as > bs:
		return 1, nil
	}
	return 0, nil
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
