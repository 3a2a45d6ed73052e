// Package changelog decodes the mutation commands a worker returns from an
// execute call and applies them to the host document.
package changelog

import (
	"fmt"

	"github.com/mattjoyce/docbridge/internal/bridgeerr"
	"github.com/mattjoyce/docbridge/internal/document"
)

// Command is one document mutation. The concrete types below are the only
// implementations.
type Command interface {
	Kind() string
	apply(doc *document.Document, known KnownIDs) error
}

// KnownIDs reports whether an annotation ID was part of the snapshot the
// worker received. *snapshot.Snapshot implements it.
type KnownIDs interface {
	Known(set string, id int) bool
}

// AddAnnotation creates a new annotation. The host assigns its ID.
type AddAnnotation struct {
	Set      string
	Start    int
	End      int
	Type     string
	Features document.FeatureMap
}

// RemoveAnnotation deletes an existing annotation.
type RemoveAnnotation struct {
	Set string
	ID  int
}

// SetFeature sets one feature of an existing annotation.
type SetFeature struct {
	Set   string
	ID    int
	Name  string
	Value any
}

// RemoveFeature deletes one feature of an existing annotation.
type RemoveFeature struct {
	Set  string
	ID   int
	Name string
}

// ClearFeatures removes every feature of an existing annotation.
type ClearFeatures struct {
	Set string
	ID  int
}

// SetDocumentFeature sets a document feature.
type SetDocumentFeature struct {
	Name  string
	Value any
}

// RemoveDocumentFeature deletes a document feature.
type RemoveDocumentFeature struct {
	Name string
}

// ClearDocumentFeatures removes every document feature.
type ClearDocumentFeatures struct{}

func (AddAnnotation) Kind() string         { return KindAddAnnotation }
func (RemoveAnnotation) Kind() string      { return KindRemoveAnnotation }
func (SetFeature) Kind() string            { return KindSetFeature }
func (RemoveFeature) Kind() string         { return KindRemoveFeature }
func (ClearFeatures) Kind() string         { return KindClearFeatures }
func (SetDocumentFeature) Kind() string    { return KindSetDocumentFeature }
func (RemoveDocumentFeature) Kind() string { return KindRemoveDocumentFeature }
func (ClearDocumentFeatures) Kind() string { return KindClearDocumentFeatures }

// Changelog command names.
const (
	KindAddAnnotation         = "annotation:add"
	KindRemoveAnnotation      = "annotation:remove"
	KindSetFeature            = "annotation:feature:set"
	KindRemoveFeature         = "annotation:feature:remove"
	KindClearFeatures         = "annotation:features:clear"
	KindSetDocumentFeature    = "doc-feature:set"
	KindRemoveDocumentFeature = "doc-feature:remove"
	KindClearDocumentFeatures = "doc-features:clear"
)

func (c AddAnnotation) apply(doc *document.Document, _ KnownIDs) error {
	_, err := doc.Annotations(c.Set).Add(c.Start, c.End, c.Type, c.Features)
	return err
}

func (c RemoveAnnotation) apply(doc *document.Document, known KnownIDs) error {
	set, err := resolve(doc, known, c.Set, c.ID)
	if err != nil {
		return err
	}
	set.Remove(c.ID)
	return nil
}

func (c SetFeature) apply(doc *document.Document, known KnownIDs) error {
	a, err := lookup(doc, known, c.Set, c.ID)
	if err != nil {
		return err
	}
	a.Features()[c.Name] = c.Value
	return nil
}

func (c RemoveFeature) apply(doc *document.Document, known KnownIDs) error {
	a, err := lookup(doc, known, c.Set, c.ID)
	if err != nil {
		return err
	}
	delete(a.Features(), c.Name)
	return nil
}

func (c ClearFeatures) apply(doc *document.Document, known KnownIDs) error {
	a, err := lookup(doc, known, c.Set, c.ID)
	if err != nil {
		return err
	}
	a.ClearFeatures()
	return nil
}

func (c SetDocumentFeature) apply(doc *document.Document, _ KnownIDs) error {
	doc.Features()[c.Name] = c.Value
	return nil
}

func (c RemoveDocumentFeature) apply(doc *document.Document, _ KnownIDs) error {
	delete(doc.Features(), c.Name)
	return nil
}

func (ClearDocumentFeatures) apply(doc *document.Document, _ KnownIDs) error {
	for k := range doc.Features() {
		delete(doc.Features(), k)
	}
	return nil
}

func resolve(doc *document.Document, known KnownIDs, setName string, id int) (*document.AnnotationSet, error) {
	if known != nil && !known.Known(setName, id) {
		return nil, fmt.Errorf("annotation %d in set %q was not in the exported snapshot: %w", id, setName, bridgeerr.ErrUnknownAnnotation)
	}
	set, ok := doc.LookupSet(setName)
	if ok {
		if _, ok = set.Get(id); ok {
			return set, nil
		}
	}
	return nil, fmt.Errorf("annotation %d in set %q: %w", id, setName, bridgeerr.ErrUnknownAnnotation)
}

func lookup(doc *document.Document, known KnownIDs, setName string, id int) (*document.Annotation, error) {
	set, err := resolve(doc, known, setName, id)
	if err != nil {
		return nil, err
	}
	a, _ := set.Get(id)
	return a, nil
}

// ApplyError reports the command that stopped Apply. Commands before Index
// stay applied.
type ApplyError struct {
	Index int
	Kind  string
	Err   error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("change %d (%s): %v", e.Index, e.Kind, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Apply applies cmds to doc in order. It stops at the first failing command
// without rolling back earlier ones.
func Apply(doc *document.Document, cmds []Command) error {
	return ApplyChecked(doc, cmds, nil)
}

// ApplyChecked is Apply that also rejects IDs missing from known.
func ApplyChecked(doc *document.Document, cmds []Command, known KnownIDs) error {
	for i, c := range cmds {
		if err := c.apply(doc, known); err != nil {
			return &ApplyError{Index: i, Kind: c.Kind(), Err: err}
		}
	}
	return nil
}
