// Package document is the in-memory host document model the bridge exports
// to workers and applies worker changes to.
//
// Offsets are Unicode code points into the document text. Annotation IDs come
// from a document-wide counter, so an ID is unique within every set.
// A Document is not safe for concurrent use.
package document

import (
	"fmt"
	"sort"

	"github.com/mattjoyce/docbridge/internal/bridgeerr"
)

// DefaultSet is the name of the default annotation set.
const DefaultSet = ""

// FeatureMap maps feature names to JSON-compatible values. A nil value is a
// present feature with a null value.
type FeatureMap map[string]any

// Clone returns a deep copy of maps and slices inside f.
func (f FeatureMap) Clone() FeatureMap {
	if f == nil {
		return nil
	}
	out := make(FeatureMap, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(FeatureMap(t).Clone())
	case FeatureMap:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Document owns text, document features and annotation sets.
type Document struct {
	name     string
	text     string
	runes    []rune
	features FeatureMap
	sets     map[string]*AnnotationSet
	nextID   int
}

// New creates a document with the given name and text.
func New(name, text string) *Document {
	return &Document{
		name:     name,
		text:     text,
		runes:    []rune(text),
		features: FeatureMap{},
		sets:     make(map[string]*AnnotationSet),
	}
}

func (d *Document) Name() string { return d.name }

// SetName renames the document.
func (d *Document) SetName(name string) { d.name = name }

func (d *Document) Text() string { return d.text }

// Len is the text length in code points.
func (d *Document) Len() int { return len(d.runes) }

// Span returns the text in [start, end).
func (d *Document) Span(start, end int) (string, error) {
	if err := d.checkSpan(start, end); err != nil {
		return "", err
	}
	return string(d.runes[start:end]), nil
}

func (d *Document) checkSpan(start, end int) error {
	if start < 0 || end < start || end > len(d.runes) {
		return fmt.Errorf("span [%d, %d) outside document of length %d: %w", start, end, len(d.runes), bridgeerr.ErrInvalidOffset)
	}
	return nil
}

// Features returns the live document feature map.
func (d *Document) Features() FeatureMap { return d.features }

// Annotations returns the named set, creating it if needed. DefaultSet
// addresses the default set.
func (d *Document) Annotations(name string) *AnnotationSet {
	if s, ok := d.sets[name]; ok {
		return s
	}
	s := &AnnotationSet{name: name, doc: d, anns: make(map[int]*Annotation)}
	d.sets[name] = s
	return s
}

// LookupSet returns the named set without creating it.
func (d *Document) LookupSet(name string) (*AnnotationSet, bool) {
	s, ok := d.sets[name]
	return s, ok
}

// SetNames returns the names of all named (non-default) sets, sorted.
func (d *Document) SetNames() []string {
	names := make([]string, 0, len(d.sets))
	for n := range d.sets {
		if n != DefaultSet {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

func (d *Document) allocID() int {
	id := d.nextID
	d.nextID++
	return id
}

func (d *Document) reserveID(id int) {
	if id >= d.nextID {
		d.nextID = id + 1
	}
}

// AnnotationSet is a named collection of annotations owned by one document.
type AnnotationSet struct {
	name string
	doc  *Document
	anns map[int]*Annotation
}

func (s *AnnotationSet) Name() string { return s.name }

func (s *AnnotationSet) Size() int { return len(s.anns) }

// Add creates an annotation over [start, end). The feature map is copied.
func (s *AnnotationSet) Add(start, end int, typ string, features FeatureMap) (*Annotation, error) {
	if err := s.doc.checkSpan(start, end); err != nil {
		return nil, err
	}
	return s.insert(s.doc.allocID(), start, end, typ, features), nil
}

func (s *AnnotationSet) addWithID(id, start, end int, typ string, features FeatureMap) (*Annotation, error) {
	if err := s.doc.checkSpan(start, end); err != nil {
		return nil, err
	}
	if _, dup := s.anns[id]; dup {
		return nil, fmt.Errorf("duplicate annotation id %d in set %q", id, s.name)
	}
	s.doc.reserveID(id)
	return s.insert(id, start, end, typ, features), nil
}

func (s *AnnotationSet) insert(id, start, end int, typ string, features FeatureMap) *Annotation {
	fm := features.Clone()
	if fm == nil {
		fm = FeatureMap{}
	}
	a := &Annotation{id: id, typ: typ, start: start, end: end, features: fm}
	s.anns[id] = a
	return a
}

// Get returns the annotation with the given ID.
func (s *AnnotationSet) Get(id int) (*Annotation, bool) {
	a, ok := s.anns[id]
	return a, ok
}

// Remove deletes the annotation with the given ID and reports whether it existed.
func (s *AnnotationSet) Remove(id int) bool {
	if _, ok := s.anns[id]; !ok {
		return false
	}
	delete(s.anns, id)
	return true
}

// All returns the annotations ordered by start offset, then ID.
func (s *AnnotationSet) All() []*Annotation {
	out := make([]*Annotation, 0, len(s.anns))
	for _, a := range s.anns {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].start != out[j].start {
			return out[i].start < out[j].start
		}
		return out[i].id < out[j].id
	})
	return out
}

// Annotation has a fixed identity, type and span, and a mutable feature map.
type Annotation struct {
	id       int
	typ      string
	start    int
	end      int
	features FeatureMap
}

func (a *Annotation) ID() int      { return a.id }
func (a *Annotation) Type() string { return a.typ }
func (a *Annotation) Start() int   { return a.start }
func (a *Annotation) End() int     { return a.end }

// Features returns the live feature map.
func (a *Annotation) Features() FeatureMap { return a.features }

// ClearFeatures removes every feature.
func (a *Annotation) ClearFeatures() { a.features = FeatureMap{} }
