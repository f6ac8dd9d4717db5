package stateflow

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/ohler55/ojg/jp"
)

type removeMarker struct{}

// Remove is a sentinel value. A step update that maps a field to Remove
// deletes that field from the run context instead of overwriting it.
var Remove = removeMarker{}

// Payload is the per-run context document threaded through states. Fields are
// added or overwritten by step results and never deleted implicitly.
//
// Payload is not safe for concurrent use; Parallel branches each work on their
// own Snapshot.
type Payload struct {
	fields map[string]any
}

// NewPayload wraps a copy of fields.
func NewPayload(fields map[string]any) *Payload {
	return &Payload{fields: copyDocument(fields)}
}

// Get returns a top-level field.
func (p *Payload) Get(field string) (any, bool) {
	value, ok := p.fields[field]
	return value, ok
}

// Lookup resolves a JSONPath expression ("$.probe.height") or a dotted field
// path ("probe.height") against the document and returns the first match.
func (p *Payload) Lookup(path string) (any, bool, error) {
	expr, err := parsePath(path)
	if err != nil {
		return nil, false, err
	}
	results := expr.Get(p.fields)
	if len(results) == 0 {
		return nil, false, nil
	}
	return results[0], true, nil
}

// Set overwrites a top-level field.
func (p *Payload) Set(field string, value any) {
	p.fields[field] = value
}

// Delete removes a top-level field.
func (p *Payload) Delete(field string) {
	delete(p.fields, field)
}

// Merge applies a partial update with shallow overwrite semantics: arrays and
// nested documents replace the existing value wholesale.
func (p *Payload) Merge(update map[string]any) {
	for key, value := range update {
		if _, ok := value.(removeMarker); ok {
			delete(p.fields, key)
			continue
		}
		p.fields[key] = value
	}
}

// Snapshot returns an independent deep copy.
func (p *Payload) Snapshot() *Payload {
	return &Payload{fields: copyDocument(p.fields)}
}

// Map returns a deep copy of the document as a plain map.
func (p *Payload) Map() map[string]any {
	return copyDocument(p.fields)
}

// Fields returns the sorted field names.
func (p *Payload) Fields() []string {
	keys := make([]string, 0, len(p.fields))
	for key := range p.fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func parsePath(path string) (jp.Expr, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("empty path")
	}
	if !strings.HasPrefix(path, "$") {
		path = "$." + path
	}
	expr, err := jp.ParseString(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path %q: %w", path, err)
	}
	return expr, nil
}

// copyDocument deep-copies maps and slices so that sibling branches never
// share mutable containers.
func copyDocument(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyDocument(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = copyValue(item)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// changedFields returns the fields of after that are new or differ from
// before, plus Remove markers for fields that were deleted.
func changedFields(before, after map[string]any) map[string]any {
	diff := map[string]any{}
	for key, value := range after {
		if prev, ok := before[key]; !ok || !reflect.DeepEqual(prev, value) {
			diff[key] = value
		}
	}
	for key := range before {
		if _, ok := after[key]; !ok {
			diff[key] = Remove
		}
	}
	return diff
}
