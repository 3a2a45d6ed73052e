package gateway

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/docbridge/internal/document"
	"github.com/mattjoyce/docbridge/internal/pipeline"
)

var (
	errNotFound = errors.New("not found")
	errConflict = errors.New("already exists")
)

// registry holds the live resources a gateway client has created.
type registry struct {
	mu        sync.RWMutex
	pipelines map[string]*pipeline.Pipeline
	documents map[string]*document.Document
	corpora   map[string][]string
}

func newRegistry() *registry {
	return &registry{
		pipelines: make(map[string]*pipeline.Pipeline),
		documents: make(map[string]*document.Document),
		corpora:   make(map[string][]string),
	}
}

// putPipeline stores p, closing any pipeline it replaces.
func (r *registry) putPipeline(p *pipeline.Pipeline) {
	r.mu.Lock()
	old := r.pipelines[p.Name()]
	r.pipelines[p.Name()] = p
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
}

func (r *registry) pipeline(name string) (*pipeline.Pipeline, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", name, errNotFound)
	}
	return p, nil
}

func (r *registry) putDocument(name string, d *document.Document) string {
	if name == "" {
		name = "doc-" + uuid.NewString()
	}
	d.SetName(name)
	r.mu.Lock()
	r.documents[name] = d
	r.mu.Unlock()
	return name
}

func (r *registry) document(name string) (*document.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.documents[name]
	if !ok {
		return nil, fmt.Errorf("document %q: %w", name, errNotFound)
	}
	return d, nil
}

// deleteDocument removes a document and every corpus reference to it.
func (r *registry) deleteDocument(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.documents[name]; !ok {
		return fmt.Errorf("document %q: %w", name, errNotFound)
	}
	delete(r.documents, name)
	for c, names := range r.corpora {
		kept := names[:0]
		for _, n := range names {
			if n != name {
				kept = append(kept, n)
			}
		}
		r.corpora[c] = kept
	}
	return nil
}

func (r *registry) createCorpus(name string) (string, error) {
	if name == "" {
		name = "corpus-" + uuid.NewString()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.corpora[name]; ok {
		return "", fmt.Errorf("corpus %q: %w", name, errConflict)
	}
	r.corpora[name] = nil
	return name, nil
}

func (r *registry) addToCorpus(name string, docs []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.corpora[name]
	if !ok {
		return nil, fmt.Errorf("corpus %q: %w", name, errNotFound)
	}
	member := make(map[string]bool, len(cur)+len(docs))
	for _, d := range cur {
		member[d] = true
	}
	for _, d := range docs {
		if _, ok := r.documents[d]; !ok {
			return nil, fmt.Errorf("document %q: %w", d, errNotFound)
		}
		if member[d] {
			return nil, fmt.Errorf("document %q already in corpus %q: %w", d, name, errConflict)
		}
		member[d] = true
	}
	cur = append(cur, docs...)
	r.corpora[name] = cur
	return append([]string(nil), cur...), nil
}

func (r *registry) clearCorpus(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.corpora[name]; !ok {
		return fmt.Errorf("corpus %q: %w", name, errNotFound)
	}
	r.corpora[name] = nil
	return nil
}

// corpus resolves a corpus to its documents in insertion order.
func (r *registry) corpus(name string) ([]*document.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names, ok := r.corpora[name]
	if !ok {
		return nil, fmt.Errorf("corpus %q: %w", name, errNotFound)
	}
	docs := make([]*document.Document, 0, len(names))
	for _, n := range names {
		docs = append(docs, r.documents[n])
	}
	return docs, nil
}

// list returns resources sorted by kind then name, filtered when kind or
// name is non-empty.
func (r *registry) list(kind, name string) []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Resource
	add := func(k string, names []string) {
		if kind != "" && kind != k {
			return
		}
		for _, n := range names {
			if name == "" || name == n {
				out = append(out, Resource{Kind: k, Name: n})
			}
		}
	}
	add(KindCorpus, keys(r.corpora))
	add(KindDocument, keys(r.documents))
	add(KindPipeline, keys(r.pipelines))
	return out
}

func (r *registry) counts() (pipelines, documents, corpora int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pipelines), len(r.documents), len(r.corpora)
}

func (r *registry) closeAll() {
	r.mu.Lock()
	ps := make([]*pipeline.Pipeline, 0, len(r.pipelines))
	for _, p := range r.pipelines {
		ps = append(ps, p)
	}
	r.mu.Unlock()
	for _, p := range ps {
		_ = p.Close()
	}
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
