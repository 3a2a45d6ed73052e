// Package supervisor owns the lifecycle of one worker process: spawning it
// with the right environment, reusing it while its fingerprint is unchanged,
// and stopping or killing it.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/docbridge/internal/bridgeerr"
	"github.com/mattjoyce/docbridge/internal/config"
	"github.com/mattjoyce/docbridge/internal/log"
	"github.com/mattjoyce/docbridge/internal/protocol"
)

// Options controls how workers are spawned.
type Options struct {
	InterpreterArgs []string
	ScriptArgs      []string
	LogLevel        string
	WorkDir         string
	LibraryDir      string
	PathVar         string
	Env             map[string]string
	MaxLineBytes    int
	GracePeriod     time.Duration
	Logger          *slog.Logger
}

// OptionsFrom derives spawn options from a worker config.
func OptionsFrom(cfg config.WorkerConfig, logger *slog.Logger) Options {
	return Options{
		InterpreterArgs: cfg.InterpreterArgs,
		ScriptArgs:      cfg.ScriptArgs,
		LogLevel:        cfg.LogLevel,
		WorkDir:         cfg.WorkDir,
		LibraryDir:      cfg.LibraryDir,
		PathVar:         cfg.PathVar,
		Env:             cfg.Env,
		MaxLineBytes:    cfg.MaxLineBytes,
		GracePeriod:     cfg.GracePeriod,
		Logger:          logger,
	}
}

// Process is a running worker.
type Process struct {
	fp     Fingerprint
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	codec  *protocol.Codec
	stderr *stderrLog

	done    chan struct{}
	waitErr error
}

// Pid returns the OS process ID.
func (p *Process) Pid() int { return p.cmd.Process.Pid }

// Fingerprint returns the fingerprint the process was spawned with.
func (p *Process) Fingerprint() Fingerprint { return p.fp }

// Exchange sends one request and reads one response.
func (p *Process) Exchange(req *protocol.Request) (*protocol.Response, error) {
	return p.codec.Exchange(req)
}

// Exited reports whether the process has exited, without blocking.
func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// StderrTail returns the most recent stderr output.
func (p *Process) StderrTail() string { return p.stderr.Tail() }

// Supervisor manages at most one worker process at a time. Kill may be
// called from another goroutine while an exchange is in flight; everything
// else must be serialized by the caller.
type Supervisor struct {
	opts   Options
	logger *slog.Logger

	mu     sync.Mutex
	proc   *Process
	spawns int
}

// New creates a supervisor.
func New(opts Options) *Supervisor {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = config.DefaultGracePeriod
	}
	if opts.PathVar == "" {
		opts.PathVar = config.DefaultPathVar
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("supervisor")
	}
	return &Supervisor{opts: opts, logger: logger}
}

// Ensure returns a live process for fp. The current process is reused when
// it is alive, its fingerprint equals fp and fp does not force a restart.
// Otherwise the current process is stopped first and a new one spawned.
func (s *Supervisor) Ensure(ctx context.Context, fp Fingerprint) (*Process, error) {
	s.mu.Lock()
	cur := s.proc
	s.mu.Unlock()

	if cur != nil && !fp.ForceRestart && cur.fp == fp && !cur.Exited() {
		return cur, nil
	}
	if cur != nil {
		if err := s.Stop(ctx); err != nil {
			return nil, err
		}
	}

	p, err := s.spawn(fp)
	if err != nil {
		return nil, fmt.Errorf("spawn worker %s: %v: %w", fp.Script, err, bridgeerr.ErrWorkerUnavailable)
	}

	s.mu.Lock()
	s.proc = p
	s.spawns++
	s.mu.Unlock()

	s.logger.Info("worker started", "pid", p.Pid(), "interpreter", fp.Interpreter, "script", fp.Script)
	return p, nil
}

// Current returns the managed process, or nil.
func (s *Supervisor) Current() *Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// Spawns returns how many processes this supervisor has started.
func (s *Supervisor) Spawns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spawns
}

// IsAlive reports whether a managed process exists and has not exited.
func (s *Supervisor) IsAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc != nil && !s.proc.Exited()
}

// Stop closes the worker's stdin and waits for it to exit. A non-zero exit
// is logged, not returned. If ctx ends first the process is killed and an
// interrupted error returned.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()
	if p == nil {
		return nil
	}

	_ = p.stdin.Close()
	select {
	case <-p.done:
	case <-ctx.Done():
		if !p.Exited() {
			s.logger.Warn("interrupted while waiting for worker to exit")
			s.terminate(p)
			s.reap(p)
			return fmt.Errorf("stop worker: %v: %w", ctx.Err(), bridgeerr.ErrInterrupted)
		}
	}
	s.reap(p)
	return nil
}

// Kill terminates the worker: SIGTERM, then SIGKILL after the grace period.
func (s *Supervisor) Kill() {
	s.mu.Lock()
	p := s.proc
	s.proc = nil
	s.mu.Unlock()
	if p == nil {
		return
	}
	s.terminate(p)
	s.reap(p)
}

func (s *Supervisor) terminate(p *Process) {
	_ = p.stdin.Close()
	if p.Exited() {
		return
	}

	s.logger.Warn("terminating worker, sending SIGTERM", "pid", p.Pid())
	if err := signalGroup(p.cmd, syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(s.opts.GracePeriod)
	defer grace.Stop()

	select {
	case <-p.done:
		s.logger.Info("worker exited after SIGTERM")
	case <-grace.C:
		s.logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		if err := signalGroup(p.cmd, syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.logger.Error("failed to send SIGKILL", "error", err)
		}
		<-p.done
	}
}

// reap runs after the process has exited.
func (s *Supervisor) reap(p *Process) {
	_ = p.stdout.Close()
	p.stderr.Flush()

	var exitErr *exec.ExitError
	switch {
	case p.waitErr == nil:
		s.logger.Debug("worker exited", "pid", p.Pid())
	case errors.As(p.waitErr, &exitErr):
		s.logger.Warn("worker exited with non-zero status", "pid", p.Pid(), "exit_code", exitErr.ExitCode(), "stderr", truncate(p.StderrTail(), 2048))
	default:
		s.logger.Error("wait for worker failed", "pid", p.Pid(), "error", p.waitErr)
	}
}

func (s *Supervisor) spawn(fp Fingerprint) (*Process, error) {
	args := append([]string{}, s.opts.InterpreterArgs...)
	args = append(args, fp.Script)
	args = append(args, s.opts.ScriptArgs...)
	if s.opts.LogLevel != "" {
		args = append(args, "--log_lvl", strings.ToUpper(s.opts.LogLevel))
	}

	cmd := exec.Command(fp.Interpreter, args...)
	cmd.Dir = s.opts.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = filepath.Dir(fp.Script)
	}
	cmd.Env = buildEnv(os.Environ(), s.opts)
	setProcessGroup(cmd)
	// Wait must not outlive the worker because a child still holds stderr.
	cmd.WaitDelay = max(s.opts.GracePeriod, time.Second)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	// os.Pipe rather than StdoutPipe: Wait runs concurrently with reads and
	// would close a StdoutPipe reader underneath the codec.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	stderr := newStderrLog(s.logger.With("stream", "stderr"))
	cmd.Stderr = stderr

	s.logger.Debug("spawning worker", "interpreter", fp.Interpreter, "args", args, "dir", cmd.Dir)
	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("start process: %w", err)
	}
	stdoutW.Close()

	p := &Process{
		fp:     fp,
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		codec:  protocol.NewCodec(stdin, stdoutR, s.opts.MaxLineBytes),
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// buildEnv layers opts.Env over base and prefixes the path variable with the
// library directory.
func buildEnv(base []string, opts Options) []string {
	env := append([]string{}, base...)
	for k, v := range opts.Env {
		env = setEnv(env, k, v)
	}
	if opts.LibraryDir != "" {
		value := opts.LibraryDir
		if existing := lookupEnv(env, opts.PathVar); existing != "" {
			value += string(os.PathListSeparator) + existing
		}
		env = setEnv(env, opts.PathVar, value)
	}
	return env
}

func lookupEnv(env []string, key string) string {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):]
		}
	}
	return ""
}

func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
