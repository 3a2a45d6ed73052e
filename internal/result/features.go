// Package result holds the sinks a pipeline step publishes its corpus result
// to: an in-memory feature map, optionally persisted as a JSON file, or rows
// in the SQLite store.
package result

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/mattjoyce/docbridge/internal/log"
	"github.com/mattjoyce/docbridge/internal/session"
)

// ValueKey holds a result that is not a JSON object.
const ValueKey = "result"

// Features keeps the latest result as a feature map. Each publish replaces
// the whole map. A nil result leaves the map untouched.
type Features struct {
	mu      sync.RWMutex
	fm      map[string]any
	path    string
	logKeys bool
	logger  *slog.Logger
}

// Option configures a Features sink.
type Option func(*Features)

// WithLog logs every key of a result when it is published.
func WithLog(enabled bool) Option {
	return func(f *Features) { f.logKeys = enabled }
}

// WithLogger overrides the sink logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Features) { f.logger = l }
}

// NewFeatures returns an in-memory sink.
func NewFeatures(opts ...Option) *Features {
	f := &Features{fm: map[string]any{}, logger: log.WithComponent("result")}
	for _, o := range opts {
		o(f)
	}
	return f
}

// OpenFile returns a sink persisted to path. An existing file is loaded
// first; a missing one is created on the first publish.
func OpenFile(path string, opts ...Option) (*Features, error) {
	if path == "" {
		return nil, errors.New("result file path is empty")
	}
	f := NewFeatures(opts...)
	f.path = path

	fm, err := Load(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		f.fm = fm
	}
	return f, nil
}

// Load reads a result file written by a file sink.
func Load(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read result file: %w", err)
	}
	fm := map[string]any{}
	if err := json.Unmarshal(data, &fm); err != nil {
		return nil, fmt.Errorf("parse result file %s: %w", path, err)
	}
	return fm, nil
}

// Publish replaces the feature map with r.Data.
func (f *Features) Publish(_ context.Context, r session.Result) error {
	if r.Data == nil {
		return nil
	}
	fm := asMap(r.Data)

	f.mu.Lock()
	f.fm = fm
	f.mu.Unlock()

	if f.path != "" {
		if err := writeAtomic(f.path, fm); err != nil {
			return err
		}
	}
	if f.logKeys {
		keys := make([]string, 0, len(fm))
		for k := range fm {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			f.logger.Info("result", "step", r.Step, "key", k, "value", fm[k])
		}
	}
	return nil
}

// Snapshot returns a shallow copy of the current map.
func (f *Features) Snapshot() map[string]any {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]any, len(f.fm))
	for k, v := range f.fm {
		out[k] = v
	}
	return out
}

// Get returns one feature.
func (f *Features) Get(key string) (any, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	v, ok := f.fm[key]
	return v, ok
}

func (f *Features) Path() string { return f.path }

func asMap(v any) map[string]any {
	if m, ok := v.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, e := range m {
			out[k] = e
		}
		return out
	}
	return map[string]any{ValueKey: v}
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create result directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp result file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write result file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close result file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace result file: %w", err)
	}
	return nil
}
