// Package pipeline runs a corpus of documents through a sequence of worker
// steps, with each step optionally duplicated over parallel worker
// processes.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/docbridge/internal/bridgeerr"
	"github.com/mattjoyce/docbridge/internal/document"
	"github.com/mattjoyce/docbridge/internal/duplication"
	"github.com/mattjoyce/docbridge/internal/events"
	"github.com/mattjoyce/docbridge/internal/log"
	"github.com/mattjoyce/docbridge/internal/result"
	"github.com/mattjoyce/docbridge/internal/session"
)

// ErrDuplicateDocument is returned by Run when a corpus lists the same
// document more than once.
var ErrDuplicateDocument = errors.New("document listed more than once in corpus")

// Options are the services a pipeline publishes to. All are optional,
// except that a sqlite result sink needs Store.
type Options struct {
	Store  *result.Store
	Events events.Publisher
	Logger *slog.Logger
}

// Pipeline owns Duplicates instances, each holding one session per step.
// Runs are serialized.
type Pipeline struct {
	def    Definition
	opts   Options
	logger *slog.Logger

	sinks  []session.ResultSink
	groups []*duplication.Group

	mu        sync.Mutex
	instances [][]*session.Session

	resMu     sync.Mutex
	published map[string]session.Result
}

// Report summarizes one run.
type Report struct {
	RunID      string                    `json:"run_id"`
	Pipeline   string                    `json:"pipeline"`
	Documents  int                       `json:"documents"`
	Duplicates int                       `json:"duplicates"`
	Results    map[string]session.Result `json:"results,omitempty"`
	StartedAt  time.Time                 `json:"started_at"`
	Duration   time.Duration             `json:"duration"`
	Error      string                    `json:"error,omitempty"`
	ErrorCode  bridgeerr.Code            `json:"error_code,omitempty"`
}

// Load reads the first definition in path and builds it.
func Load(path string, opts Options) (*Pipeline, error) {
	defs, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	return New(defs[0], opts)
}

// New builds a pipeline from a definition.
func New(def Definition, opts Options) (*Pipeline, error) {
	if err := def.Normalize(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("pipeline")
	}
	p := &Pipeline{def: def, opts: opts, logger: logger.With("pipeline", def.Name)}

	for _, st := range def.Steps {
		sink, err := p.newSink(st)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q step %q: %w", def.Name, st.Name, err)
		}
		p.sinks = append(p.sinks, sink)
		p.groups = append(p.groups, duplication.NewGroup())
	}
	p.build()
	return p, nil
}

func (p *Pipeline) newSink(st StepDef) (session.ResultSink, error) {
	opts := []result.Option{result.WithLog(st.Result.Log)}
	switch st.Result.Sink {
	case SinkNone:
		return nil, nil
	case SinkFile:
		return result.OpenFile(st.Result.Path, opts...)
	case SinkSQLite:
		if p.opts.Store == nil {
			return nil, errors.New("sqlite result sink needs storage.path")
		}
		return p.opts.Store, nil
	default:
		return result.NewFeatures(opts...), nil
	}
}

// build creates the session matrix. Duplicate IDs are claimed in instance
// order, so instance i holds duplicate i of every step.
func (p *Pipeline) build() {
	p.instances = make([][]*session.Session, p.def.Duplicates)
	for i := range p.instances {
		row := make([]*session.Session, len(p.def.Steps))
		for j, st := range p.def.Steps {
			row[j] = session.New(session.Config{
				Pipeline: p.def.Name,
				Step:     st.Name,
				Worker:   st.Worker,
				Group:    p.groups[j],
				Sink:     recordingSink{p: p, next: p.sinks[j]},
				Events:   p.opts.Events,
			})
		}
		p.instances[i] = row
	}
}

func (p *Pipeline) Name() string { return p.def.Name }

func (p *Pipeline) Definition() Definition { return p.def }

// Sink returns the result sink of a step, or nil.
func (p *Pipeline) Sink(step string) session.ResultSink {
	for i, st := range p.def.Steps {
		if st.Name == step {
			return p.sinks[i]
		}
	}
	return nil
}

// Sessions returns the session matrix indexed [duplicate][step].
func (p *Pipeline) Sessions() [][]*session.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.instances
}

// Reinit stops every worker, resets the duplication groups and builds fresh
// sessions.
func (p *Pipeline) Reinit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeSessions()
	for _, g := range p.groups {
		g.Reset()
	}
	p.build()
}

// Close stops every worker.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeSessions()
	return nil
}

func (p *Pipeline) closeSessions() {
	for _, row := range p.instances {
		for _, s := range row {
			_ = s.Close()
		}
	}
}

// RunDocument runs a one-document corpus.
func (p *Pipeline) RunDocument(ctx context.Context, doc *document.Document) (*Report, error) {
	return p.Run(ctx, []*document.Document{doc})
}

// Run processes corpus. Documents are dealt round-robin to the instances.
// Every instance starts all of its steps before any document executes, so
// each duplication group sees all of its sessions join the run before the
// first one leaves it. On failure every session is aborted with the cause.
// A corpus naming the same document twice is rejected before anything starts.
func (p *Pipeline) Run(ctx context.Context, corpus []*document.Document) (*Report, error) {
	seen := make(map[*document.Document]bool, len(corpus))
	for i, d := range corpus {
		if seen[d] {
			return nil, fmt.Errorf("corpus entry %d (%q): %w", i, d.Name(), ErrDuplicateDocument)
		}
		seen[d] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rep := &Report{
		RunID:      uuid.NewString(),
		Pipeline:   p.def.Name,
		Documents:  len(corpus),
		Duplicates: len(p.instances),
		Results:    map[string]session.Result{},
		StartedAt:  time.Now(),
	}
	logger := p.logger.With("run_id", rep.RunID)
	p.resMu.Lock()
	p.published = map[string]session.Result{}
	p.resMu.Unlock()
	for _, row := range p.instances {
		for _, s := range row {
			s.SetRunID(rep.RunID)
		}
	}
	p.publishRun(events.RunStarted, rep, nil)
	logger.Info("run started", "documents", len(corpus), "duplicates", len(p.instances))

	err := p.run(ctx, corpus, logger)
	rep.Duration = time.Since(rep.StartedAt)
	p.resMu.Lock()
	for step, r := range p.published {
		rep.Results[step] = r
	}
	p.resMu.Unlock()
	if err != nil {
		rep.Error = err.Error()
		rep.ErrorCode = bridgeerr.Classify(err)
		logger.Error("run failed", "error", err, "code", rep.ErrorCode, "duration", rep.Duration)
	} else {
		logger.Info("run completed", "duration", rep.Duration)
	}

	p.recordRun(ctx, rep, logger)
	p.publishRun(events.RunCompleted, rep, err)
	return rep, err
}

func (p *Pipeline) run(ctx context.Context, corpus []*document.Document, logger *slog.Logger) error {
	parts := partition(corpus, len(p.instances))

	sg, sctx := errgroup.WithContext(ctx)
	for _, row := range p.instances {
		sg.Go(func() error {
			for _, s := range row {
				if err := s.OnCorpusStart(sctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := sg.Wait(); err != nil {
		p.abortAll(ctx, err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, row := range p.instances {
		g.Go(func() error {
			if err := runInstance(gctx, row, parts[i]); err != nil {
				logger.Warn("instance failed", "duplicate_id", i, "error", err)
				abortRow(gctx, row, err)
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func runInstance(ctx context.Context, row []*session.Session, docs []*document.Document) error {
	for _, doc := range docs {
		for _, s := range row {
			if err := s.OnDocumentExecute(ctx, doc); err != nil {
				return err
			}
		}
	}
	for _, s := range row {
		if err := s.OnCorpusFinish(ctx); err != nil {
			return err
		}
	}
	return nil
}

// recordingSink forwards to the configured sink and keeps the result for
// the run report.
type recordingSink struct {
	p    *Pipeline
	next session.ResultSink
}

func (r recordingSink) Publish(ctx context.Context, res session.Result) error {
	if r.next != nil {
		if err := r.next.Publish(ctx, res); err != nil {
			return err
		}
	}
	r.p.resMu.Lock()
	if r.p.published != nil {
		r.p.published[res.Step] = res
	}
	r.p.resMu.Unlock()
	return nil
}

func (p *Pipeline) abortAll(ctx context.Context, cause error) {
	var wg sync.WaitGroup
	for _, row := range p.instances {
		wg.Add(1)
		go func() {
			defer wg.Done()
			abortRow(ctx, row, cause)
		}()
	}
	wg.Wait()
}

// abortRow aborts every session of an instance that has not already
// finished.
func abortRow(ctx context.Context, row []*session.Session, cause error) {
	for _, s := range row {
		if s.State() == session.Stopped {
			continue
		}
		_ = s.OnCorpusAbort(ctx, cause)
	}
}

func partition(corpus []*document.Document, n int) [][]*document.Document {
	parts := make([][]*document.Document, n)
	for i, doc := range corpus {
		parts[i%n] = append(parts[i%n], doc)
	}
	return parts
}

func (p *Pipeline) recordRun(ctx context.Context, rep *Report, logger *slog.Logger) {
	if p.opts.Store == nil {
		return
	}
	status := result.RunSucceeded
	if rep.Error != "" {
		status = result.RunFailed
	}
	err := p.opts.Store.RecordRun(context.WithoutCancel(ctx), result.Run{
		ID:          rep.RunID,
		Pipeline:    rep.Pipeline,
		Status:      status,
		Documents:   rep.Documents,
		Duplicates:  rep.Duplicates,
		StartedAt:   rep.StartedAt,
		CompletedAt: rep.StartedAt.Add(rep.Duration),
		ErrorCode:   string(rep.ErrorCode),
		LastError:   rep.Error,
	})
	if err != nil {
		logger.Error("failed to record run", "error", err)
	}
}

func (p *Pipeline) publishRun(eventType string, rep *Report, err error) {
	if p.opts.Events == nil {
		return
	}
	ev := events.RunEvent{
		RunID:      rep.RunID,
		Pipeline:   rep.Pipeline,
		Documents:  rep.Documents,
		Duplicates: rep.Duplicates,
	}
	for _, st := range p.def.Steps {
		ev.Steps = append(ev.Steps, st.Name)
	}
	if err != nil {
		ev.Error = err.Error()
	}
	p.opts.Events.Publish(eventType, ev)
}
