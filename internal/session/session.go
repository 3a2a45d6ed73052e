// Package session drives one worker through the corpus lifecycle: start,
// execute per document, finish (with reduce across duplicates) and abort.
//
// A Session is not safe for concurrent use. Distinct sessions, including the
// duplicates of one step, are independent and may run in parallel.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/docbridge/internal/bridgeerr"
	"github.com/mattjoyce/docbridge/internal/changelog"
	"github.com/mattjoyce/docbridge/internal/config"
	"github.com/mattjoyce/docbridge/internal/document"
	"github.com/mattjoyce/docbridge/internal/duplication"
	"github.com/mattjoyce/docbridge/internal/events"
	"github.com/mattjoyce/docbridge/internal/log"
	"github.com/mattjoyce/docbridge/internal/protocol"
	"github.com/mattjoyce/docbridge/internal/snapshot"
	"github.com/mattjoyce/docbridge/internal/supervisor"
)

// Config wires a session to its step.
type Config struct {
	Pipeline string
	Step     string
	Worker   config.WorkerConfig

	// Group is shared by every duplicate of the step. A nil Group makes the
	// session its own single-member group.
	Group  *duplication.Group
	Sink   ResultSink
	Events events.Publisher
	Logger *slog.Logger
}

// Session is one worker's view of a corpus run.
type Session struct {
	pipeline string
	step     string
	worker   config.WorkerConfig
	group    *duplication.Group
	sink     ResultSink
	events   events.Publisher
	logger   *slog.Logger
	sup      *supervisor.Supervisor

	duplicateID  int
	state        State
	inRun        bool
	forceRestart bool
	runID        string
	lastErr      error
}

// New creates an idle session and claims the next duplicate ID of its group.
func New(cfg Config) *Session {
	w := cfg.Worker
	w.ApplyDefaults()

	group := cfg.Group
	if group == nil {
		group = duplication.NewGroup()
	}
	id := group.NextDuplicateID()

	logger := cfg.Logger
	if logger == nil {
		logger = log.WithSession(cfg.Step, id)
	}

	return &Session{
		pipeline:     cfg.Pipeline,
		step:         cfg.Step,
		worker:       w,
		group:        group,
		sink:         cfg.Sink,
		events:       cfg.Events,
		logger:       logger,
		sup:          supervisor.New(supervisor.OptionsFrom(w, logger.With("component", "worker"))),
		duplicateID:  id,
		forceRestart: w.ForceRestart,
	}
}

func (s *Session) State() State { return s.state }

func (s *Session) DuplicateID() int { return s.duplicateID }

func (s *Session) Step() string { return s.step }

// Err returns the error that put the session into Failed, if any.
func (s *Session) Err() error { return s.lastErr }

// SetRunID tags events and published results with a run ID.
func (s *Session) SetRunID(id string) { s.runID = id }

// Supervisor exposes the process supervisor.
func (s *Session) Supervisor() *supervisor.Supervisor { return s.sup }

// OnCorpusStart ensures a worker process, joins the duplication group's run
// and sends start. The session is Ready on success.
func (s *Session) OnCorpusStart(ctx context.Context) error {
	if !s.state.canStart() {
		return fmt.Errorf("corpus start in state %s: %w", s.state, bridgeerr.ErrSessionState)
	}
	// A session that failed mid-run still holds its slot.
	s.abandonRun()
	s.state = Starting
	s.lastErr = nil

	wc := s.worker
	wc.ForceRestart = s.forceRestart
	fp, err := supervisor.Resolve(wc)
	if err != nil {
		return s.fail(err)
	}
	if s.worker.CheckScript {
		if err := s.sup.Check(ctx, fp); err != nil {
			return s.fail(err)
		}
	}

	proc, err := s.sup.Ensure(ctx, fp)
	if err != nil {
		return s.fail(err)
	}
	if fp.ForceRestart {
		s.forceRestart = false
	}

	s.group.BeginRun()
	s.inRun = true

	params := make(map[string]any, len(s.worker.Params)+3)
	for k, v := range s.worker.Params {
		params[k] = v
	}
	params["duplicateId"] = s.duplicateID
	params["nrDuplicates"] = s.group.NrDuplicates()
	params["scriptPath"] = fp.Script

	resp, err := s.exchange(ctx, proc, protocol.CommandStart, params)
	if err != nil {
		return s.fail(err)
	}
	if !resp.OK() {
		return s.fail(s.processingError(protocol.CommandStart, resp))
	}

	s.state = Ready
	s.logger.Info("session started", "pid", proc.Pid(), "nr_duplicates", params["nrDuplicates"])
	s.publish(events.SessionStarted, "", nil)
	return nil
}

// OnDocumentExecute exports doc, sends execute and applies the returned
// changes to doc. Any failure terminates the session; a later execute fails
// fast until the next OnCorpusStart.
func (s *Session) OnDocumentExecute(ctx context.Context, doc *document.Document) error {
	if s.state != Ready {
		return fmt.Errorf("execute %q in state %s: %w", doc.Name(), s.state, bridgeerr.ErrSessionState)
	}
	proc := s.sup.Current()
	if proc == nil {
		return s.fail(fmt.Errorf("worker process is gone: %w", bridgeerr.ErrWorkerUnavailable))
	}
	s.state = Busy

	snap, err := snapshot.Export(doc, 0, doc.Len(), snapshot.Options{
		Sets:        s.worker.SelectedSets(),
		IDFeature:   s.worker.IDFeature,
		TypeFeature: s.worker.TypeFeature,
		Extra: map[string]any{
			"inputAS":      s.worker.InputAS,
			"outputAS":     s.worker.OutputAS,
			"scriptParams": s.worker.Params,
		},
	})
	if err != nil {
		return s.fail(err)
	}

	resp, err := s.exchange(ctx, proc, protocol.CommandExecute, snap)
	if err != nil {
		return s.fail(fmt.Errorf("document %q: %w", doc.Name(), err))
	}
	if !resp.OK() {
		return s.fail(s.processingError(protocol.CommandExecute, resp))
	}

	cmds, err := changelog.Decode(resp.Data)
	if err != nil {
		return s.fail(fmt.Errorf("document %q: %w", doc.Name(), err))
	}
	if err := changelog.ApplyChecked(doc, cmds, snap); err != nil {
		return s.fail(fmt.Errorf("document %q: %w", doc.Name(), err))
	}

	s.state = Ready
	s.logger.Debug("document executed", "document", doc.Name(), "changes", len(cmds))
	s.publish(events.DocumentExecuted, doc.Name(), nil)
	return nil
}

// OnCorpusFinish sends finish and leaves the run. With duplicates, every
// session records its partial result and the last one to leave sends reduce
// and publishes the reduced result; a lone session publishes its finish
// result. The worker process is stopped afterwards.
func (s *Session) OnCorpusFinish(ctx context.Context) error {
	if s.state != Ready {
		return fmt.Errorf("corpus finish in state %s: %w", s.state, bridgeerr.ErrSessionState)
	}
	proc := s.sup.Current()
	if proc == nil {
		return s.fail(fmt.Errorf("worker process is gone: %w", bridgeerr.ErrWorkerUnavailable))
	}
	s.state = Finishing

	resp, err := s.exchange(ctx, proc, protocol.CommandFinish, nil)
	if err != nil {
		return s.fail(err)
	}
	if !resp.OK() {
		return s.fail(s.processingError(protocol.CommandFinish, resp))
	}
	partial, err := decodeData(protocol.CommandFinish, resp)
	if err != nil {
		return s.fail(err)
	}

	duplicated := s.group.NrDuplicates() > 1
	if duplicated && partial != nil {
		s.group.RecordPartialResult(partial)
	}
	last := s.leaveRun()

	switch {
	case !duplicated:
		if partial != nil {
			if err := s.publishResult(ctx, partial, false); err != nil {
				return s.fail(err)
			}
		}
	case last && s.group.Aborted():
		s.group.DrainResults()
		s.logger.Warn("a duplicate aborted the run, partial results discarded")
	case last:
		results := s.group.DrainResults()
		if len(results) > 0 {
			resp, err := s.exchange(ctx, proc, protocol.CommandReduce, results)
			if err != nil {
				return s.fail(err)
			}
			if !resp.OK() {
				return s.fail(s.processingError(protocol.CommandReduce, resp))
			}
			final, err := decodeData(protocol.CommandReduce, resp)
			if err != nil {
				return s.fail(err)
			}
			s.logger.Info("reduced duplicate results", "partials", len(results))
			if err := s.publishResult(ctx, final, true); err != nil {
				return s.fail(err)
			}
		}
	}

	if err := s.sup.Stop(ctx); err != nil {
		return s.fail(err)
	}
	s.state = Stopped
	s.logger.Info("session finished", "last", last)
	s.publish(events.SessionFinished, "", nil)
	return nil
}

// OnCorpusAbort sends a best-effort abort, stops the worker and leaves the
// run so peers are not left waiting. It returns cause wrapped.
func (s *Session) OnCorpusAbort(ctx context.Context, cause error) error {
	if proc := s.sup.Current(); proc != nil && !proc.Exited() && ctx.Err() == nil {
		abortCtx, cancel := context.WithTimeout(ctx, s.worker.GracePeriod)
		if resp, err := s.exchange(abortCtx, proc, protocol.CommandAbort, nil); err != nil {
			s.logger.Debug("abort not acknowledged", "error", err)
		} else if !resp.OK() {
			s.logger.Debug("worker rejected abort", "error", resp.ErrorMessage())
		}
		cancel()
	}
	s.stopProcess()
	s.abandonRun()

	if s.state != Failed {
		s.state = Stopped
	}
	s.logger.Warn("corpus aborted", "cause", cause)
	s.publish(events.SessionAborted, "", cause)

	if cause == nil {
		return nil
	}
	return fmt.Errorf("corpus aborted: %w", cause)
}

// Close stops the worker and releases the run slot if the session still
// holds one. It is safe to call more than once.
func (s *Session) Close() error {
	s.stopProcess()
	s.abandonRun()
	if s.state != Failed && s.state != Idle {
		s.state = Stopped
	}
	return nil
}

// leaveRun decrements the group's running count once per BeginRun.
func (s *Session) leaveRun() bool {
	if !s.inRun {
		return false
	}
	s.inRun = false
	return s.group.EndRun()
}

// abandonRun leaves the run without a result and marks it aborted for the
// remaining duplicates.
func (s *Session) abandonRun() {
	if !s.inRun {
		return
	}
	s.group.Abort()
	if s.leaveRun() {
		s.group.DrainResults()
	}
}

// exchange runs one request on its own goroutine so a cancelled ctx can kill
// the worker and abandon the blocked read.
func (s *Session) exchange(ctx context.Context, proc *supervisor.Process, cmd string, data any) (*protocol.Response, error) {
	if err := ctx.Err(); err != nil {
		s.sup.Kill()
		return nil, fmt.Errorf("%s: %w: %w", cmd, bridgeerr.ErrInterrupted, err)
	}

	type reply struct {
		resp *protocol.Response
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := proc.Exchange(&protocol.Request{Command: cmd, Data: data})
		done <- reply{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			s.logger.Error("exchange failed", "command", cmd, "error", r.err, "stderr", proc.StderrTail())
			return nil, r.err
		}
		s.relayLogs(r.resp.Logs)
		s.logger.Debug("exchange", "command", cmd, "status", r.resp.Status)
		return r.resp, nil
	case <-ctx.Done():
		s.sup.Kill()
		<-done
		return nil, fmt.Errorf("%s: %w: %w", cmd, bridgeerr.ErrInterrupted, ctx.Err())
	}
}

func (s *Session) relayLogs(entries []protocol.LogEntry) {
	for _, e := range entries {
		s.logger.Log(context.Background(), log.ParseLevel(e.Level), e.Message, "source", "worker")
	}
}

func (s *Session) processingError(cmd string, resp *protocol.Response) error {
	msg := resp.ErrorMessage()
	if msg == "" {
		msg = bridgeerr.NoErrorDescription
	}
	return &bridgeerr.ProcessingError{
		Command:    cmd,
		Message:    msg,
		Info:       resp.InfoMessage(),
		Stacktrace: bridgeerr.FormatStacktrace(resp.Stacktrace),
	}
}

// fail stops the worker, moves the session to Failed, leaves the run as
// aborted and returns err.
func (s *Session) fail(err error) error {
	s.state = Failed
	s.lastErr = err

	var perr *bridgeerr.ProcessingError
	if errors.As(err, &perr) && perr.Stacktrace != "" {
		s.logger.Error("session failed", "error", err, "code", bridgeerr.Classify(err), "stacktrace", perr.Stacktrace)
	} else {
		s.logger.Error("session failed", "error", err, "code", bridgeerr.Classify(err))
	}

	s.stopProcess()
	s.abandonRun()
	s.publish(events.SessionFailed, "", err)
	return err
}

func (s *Session) stopProcess() {
	ctx, cancel := context.WithTimeout(context.Background(), s.worker.GracePeriod)
	defer cancel()
	if err := s.sup.Stop(ctx); err != nil {
		s.logger.Warn("worker did not stop in time and was killed", "error", err)
	}
}

func (s *Session) publishResult(ctx context.Context, data any, reduced bool) error {
	if s.sink == nil {
		return nil
	}
	r := Result{RunID: s.runID, Pipeline: s.pipeline, Step: s.step, Reduced: reduced, Data: data}
	if err := s.sink.Publish(ctx, r); err != nil {
		return fmt.Errorf("publish result for step %s: %w", s.step, err)
	}
	s.publish(events.ResultPublished, "", nil)
	return nil
}

func (s *Session) publish(eventType, doc string, err error) {
	if s.events == nil {
		return
	}
	ev := events.SessionEvent{
		RunID:       s.runID,
		Step:        s.step,
		DuplicateID: s.duplicateID,
		Document:    doc,
		State:       s.state.String(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.events.Publish(eventType, ev)
}

func decodeData(cmd string, resp *protocol.Response) (any, error) {
	if !resp.HasData() {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(resp.Data, &v); err != nil {
		return nil, fmt.Errorf("%s result: %v: %w", cmd, err, bridgeerr.ErrProtocol)
	}
	return v, nil
}
