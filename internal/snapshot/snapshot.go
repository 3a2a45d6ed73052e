// Package snapshot exports a span of a host document as the JSON object a
// worker receives with an execute command.
package snapshot

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/mattjoyce/docbridge/internal/document"
)

// DefaultIDFeature is the synthetic feature carrying the annotation ID.
const DefaultIDFeature = "annotationID"

// AllSets selects the default set and every named set.
const AllSets = "*"

// Options controls what an export contains.
type Options struct {
	// Sets selects annotation sets by name. Empty or containing "*" selects
	// all sets. A blank name selects the default set.
	Sets []string
	// IDFeature names the synthetic ID feature; empty means annotationID.
	IDFeature string
	// TypeFeature, when set, names a synthetic feature carrying the type.
	TypeFeature string
	// Extra is merged into the top level of the snapshot.
	Extra map[string]any
}

// Snapshot is an immutable export of one document span.
type Snapshot struct {
	Text             string
	Entities         map[string][]any
	DocumentFeatures map[string]any

	extra map[string]any
	known map[string]map[int]struct{}
}

// Export builds a snapshot of doc restricted to [spanStart, spanEnd].
// Annotations not fully inside the span are left out; exported offsets are
// relative to spanStart.
func Export(doc *document.Document, spanStart, spanEnd int, opts Options) (*Snapshot, error) {
	text, err := doc.Span(spanStart, spanEnd)
	if err != nil {
		return nil, err
	}

	idFeature := opts.IDFeature
	if idFeature == "" {
		idFeature = DefaultIDFeature
	}

	s := &Snapshot{
		Text:             text,
		Entities:         make(map[string][]any),
		DocumentFeatures: map[string]any(doc.Features().Clone()),
		known:            make(map[string]map[int]struct{}),
	}
	if s.DocumentFeatures == nil {
		s.DocumentFeatures = map[string]any{}
	}

	for _, name := range selectSets(doc, opts.Sets) {
		set, ok := doc.LookupSet(name)
		if !ok {
			continue
		}
		ids := make(map[int]struct{})
		for _, a := range set.All() {
			if a.Start() < spanStart || a.End() > spanEnd {
				continue
			}
			key := name + ":" + a.Type()
			s.Entities[key] = append(s.Entities[key], entity(a, spanStart, idFeature, opts.TypeFeature))
			ids[a.ID()] = struct{}{}
		}
		s.known[name] = ids
	}

	s.extra = make(map[string]any, len(opts.Extra))
	for k, v := range opts.Extra {
		if k == "entities" {
			mergeEntities(s.Entities, v)
			continue
		}
		s.extra[k] = v
	}
	return s, nil
}

func entity(a *document.Annotation, offset int, idFeature, typeFeature string) map[string]any {
	e := make(map[string]any, len(a.Features())+3)
	for k, v := range a.Features().Clone() {
		if k == idFeature || (typeFeature != "" && k == typeFeature) {
			continue
		}
		e[k] = v
	}
	e["indices"] = []int{a.Start() - offset, a.End() - offset}
	e[idFeature] = a.ID()
	if typeFeature != "" {
		e[typeFeature] = a.Type()
	}
	return e
}

// mergeEntities appends caller supplied groups to generated ones by key.
func mergeEntities(dst map[string][]any, extra any) {
	groups, ok := extra.(map[string]any)
	if !ok {
		return
	}
	for key, v := range groups {
		switch list := v.(type) {
		case []any:
			dst[key] = append(dst[key], list...)
		case []map[string]any:
			for _, e := range list {
				dst[key] = append(dst[key], e)
			}
		}
	}
}

func selectSets(doc *document.Document, sets []string) []string {
	all := len(sets) == 0
	want := make(map[string]bool, len(sets))
	for _, n := range sets {
		n = strings.TrimSpace(n)
		if n == AllSets {
			all = true
			break
		}
		want[n] = true
	}

	names := append([]string{document.DefaultSet}, doc.SetNames()...)
	if all {
		return names
	}
	out := names[:0]
	for _, n := range names {
		if want[n] {
			out = append(out, n)
		}
	}
	return out
}

// Known reports whether the annotation with id in set was exported.
func (s *Snapshot) Known(set string, id int) bool {
	_, ok := s.known[set][id]
	return ok
}

// Map returns the snapshot as a JSON object. Caller extra fields override
// generated top-level fields; entities were merged at export time.
func (s *Snapshot) Map() map[string]any {
	m := map[string]any{
		"text":             s.Text,
		"entities":         s.Entities,
		"documentFeatures": s.DocumentFeatures,
	}
	for k, v := range s.extra {
		m[k] = v
	}
	return m
}

// Keys returns the entity group keys in lexicographic order.
func (s *Snapshot) Keys() []string {
	keys := make([]string, 0, len(s.Entities))
	for k := range s.Entities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON encodes the snapshot. encoding/json writes map keys sorted, so
// entity groups come out in lexicographic order.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Map())
}
