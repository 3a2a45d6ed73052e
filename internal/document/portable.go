package document

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

// Offset types of the portable form. OffsetPython counts code points,
// OffsetJava counts UTF-16 code units.
const (
	OffsetPython = "p"
	OffsetJava   = "j"
)

// Portable is the JSON interchange form of a document.
type Portable struct {
	Name           string                 `json:"name,omitempty"`
	Text           string                 `json:"text"`
	Features       map[string]any         `json:"features"`
	OffsetType     string                 `json:"offset_type"`
	AnnotationSets map[string]PortableSet `json:"annotation_sets"`
}

// PortableSet is one annotation set in portable form.
type PortableSet struct {
	Name        string               `json:"name"`
	NextAnnID   int                  `json:"next_annid"`
	Annotations []PortableAnnotation `json:"annotations"`
}

// PortableAnnotation is one annotation in portable form.
type PortableAnnotation struct {
	ID       int            `json:"id"`
	Type     string         `json:"type"`
	Start    int            `json:"start"`
	End      int            `json:"end"`
	Features map[string]any `json:"features"`
}

// ToPortable converts d into portable form with code point offsets. The result
// shares nothing with d.
func (d *Document) ToPortable() *Portable {
	p := &Portable{
		Name:           d.name,
		Text:           d.text,
		Features:       map[string]any(d.features.Clone()),
		OffsetType:     OffsetPython,
		AnnotationSets: make(map[string]PortableSet, len(d.sets)),
	}
	for name, set := range d.sets {
		ps := PortableSet{Name: name, NextAnnID: d.nextID, Annotations: make([]PortableAnnotation, 0, set.Size())}
		for _, a := range set.All() {
			ps.Annotations = append(ps.Annotations, PortableAnnotation{
				ID:       a.id,
				Type:     a.typ,
				Start:    a.start,
				End:      a.end,
				Features: map[string]any(a.features.Clone()),
			})
		}
		p.AnnotationSets[name] = ps
	}
	return p
}

// FromPortable rebuilds a document. Java offsets are converted to code points.
func FromPortable(p *Portable) (*Document, error) {
	if p == nil {
		return nil, fmt.Errorf("portable document is nil")
	}
	d := New(p.Name, p.Text)
	if p.Features != nil {
		d.features = FeatureMap(p.Features).Clone()
	}

	var convert func(int) (int, error)
	switch p.OffsetType {
	case "", OffsetPython:
		convert = func(o int) (int, error) { return o, nil }
	case OffsetJava:
		convert = utf16ToCodePoints(p.Text)
	default:
		return nil, fmt.Errorf("unsupported offset_type %q", p.OffsetType)
	}

	names := make([]string, 0, len(p.AnnotationSets))
	for n := range p.AnnotationSets {
		names = append(names, n)
	}
	sort.Strings(names)

	for _, key := range names {
		ps := p.AnnotationSets[key]
		name := ps.Name
		if name == "" {
			name = key
		}
		set := d.Annotations(name)
		for _, pa := range ps.Annotations {
			start, err := convert(pa.Start)
			if err != nil {
				return nil, fmt.Errorf("set %q annotation %d: %w", name, pa.ID, err)
			}
			end, err := convert(pa.End)
			if err != nil {
				return nil, fmt.Errorf("set %q annotation %d: %w", name, pa.ID, err)
			}
			if _, err := set.addWithID(pa.ID, start, end, pa.Type, FeatureMap(pa.Features)); err != nil {
				return nil, fmt.Errorf("set %q: %w", name, err)
			}
		}
		d.reserveID(ps.NextAnnID - 1)
	}
	return d, nil
}

// utf16ToCodePoints returns a converter from UTF-16 unit offsets to code point
// offsets for text. Offsets that split a surrogate pair are rejected.
func utf16ToCodePoints(text string) func(int) (int, error) {
	units := utf16.Encode([]rune(text))
	index := make(map[int]int, len(units)+1)
	u := 0
	for cp, r := range []rune(text) {
		index[u] = cp
		u += utf16.RuneLen(r)
	}
	index[len(units)] = utf8.RuneCountInString(text)
	return func(o int) (int, error) {
		cp, ok := index[o]
		if !ok {
			return 0, fmt.Errorf("utf-16 offset %d is not a code point boundary", o)
		}
		return cp, nil
	}
}

// MarshalJSON encodes the document in portable form.
func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.ToPortable())
}

// ParseJSON decodes a portable JSON document.
func ParseJSON(data []byte) (*Document, error) {
	var p Portable
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode portable document: %w", err)
	}
	return FromPortable(&p)
}

// LoadFile creates a document from a file. Files ending in .json or .bdocjs
// are read as portable documents; anything else must be UTF-8 text.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}

	name := filepath.Base(path)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".bdocjs":
		d, err := ParseJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if d.name == "" {
			d.name = name
		}
		return d, nil
	}

	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%s: document is not valid UTF-8", path)
	}
	d := New(name, string(data))
	d.features["sourcePath"] = path
	return d, nil
}
