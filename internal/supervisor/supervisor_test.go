package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/docbridge/internal/bridgeerr"
	"github.com/mattjoyce/docbridge/internal/config"
	"github.com/mattjoyce/docbridge/internal/protocol"
)

const echoOK = `while read line; do echo '{"status":"ok"}'; done
`

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newSupervisor(t *testing.T, opts Options) *Supervisor {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = quietLogger()
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = 200 * time.Millisecond
	}
	s := New(opts)
	t.Cleanup(s.Kill)
	return s
}

func TestEnsureReusesLiveProcess(t *testing.T) {
	dir := t.TempDir()
	fp := Fingerprint{Interpreter: "/bin/sh", Script: writeScript(t, dir, "w.sh", echoOK)}
	s := newSupervisor(t, Options{})

	first, err := s.Ensure(context.Background(), fp)
	require.NoError(t, err)
	second, err := s.Ensure(context.Background(), fp)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, s.Spawns())
	assert.True(t, s.IsAlive())

	resp, err := second.Exchange(&protocol.Request{Command: protocol.CommandStart})
	require.NoError(t, err)
	assert.True(t, resp.OK())
}

func TestEnsureRespawnsOnFingerprintChange(t *testing.T) {
	dir := t.TempDir()
	fpA := Fingerprint{Interpreter: "/bin/sh", Script: writeScript(t, dir, "a.sh", echoOK)}
	fpB := Fingerprint{Interpreter: "/bin/sh", Script: writeScript(t, dir, "b.sh", echoOK)}
	s := newSupervisor(t, Options{})

	a, err := s.Ensure(context.Background(), fpA)
	require.NoError(t, err)
	b, err := s.Ensure(context.Background(), fpB)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.True(t, a.Exited(), "old process must be stopped before the new one is returned")
	assert.Equal(t, fpB, b.Fingerprint())
	assert.Equal(t, 2, s.Spawns())
}

func TestEnsureForceRestart(t *testing.T) {
	dir := t.TempDir()
	fp := Fingerprint{Interpreter: "/bin/sh", Script: writeScript(t, dir, "w.sh", echoOK), ForceRestart: true}
	s := newSupervisor(t, Options{})

	a, err := s.Ensure(context.Background(), fp)
	require.NoError(t, err)
	b, err := s.Ensure(context.Background(), fp)
	require.NoError(t, err)

	assert.NotSame(t, a, b)
	assert.Equal(t, 2, s.Spawns())
}

func TestEnsureRespawnsExitedProcess(t *testing.T) {
	dir := t.TempDir()
	fp := Fingerprint{Interpreter: "/bin/sh", Script: writeScript(t, dir, "w.sh", "exit 0\n")}
	s := newSupervisor(t, Options{})

	p, err := s.Ensure(context.Background(), fp)
	require.NoError(t, err)
	require.Eventually(t, p.Exited, 5*time.Second, 10*time.Millisecond)
	assert.False(t, s.IsAlive())

	_, err = s.Ensure(context.Background(), fp)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Spawns())
}

func TestEnsureSpawnFailure(t *testing.T) {
	s := newSupervisor(t, Options{})

	_, err := s.Ensure(context.Background(), Fingerprint{Interpreter: "/nonexistent/interp", Script: "/tmp/x"})
	assert.ErrorIs(t, err, bridgeerr.ErrWorkerUnavailable)
	assert.Nil(t, s.Current())
}

func TestSpawnEnvironmentAndWorkDir(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "env.sh", `read line
printf '{"status":"ok","data":{"path":"%s","dir":"%s","extra":"%s","args":"%s"}}\n' "$PYTHONPATH" "$(pwd)" "$EXTRA" "$*"
read line
`)
	t.Setenv("PYTHONPATH", "/existing")
	s := newSupervisor(t, Options{
		LibraryDir: "/lib/bridge",
		Env:        map[string]string{"EXTRA": "yes"},
		ScriptArgs: []string{"--mode", "pipe"},
		LogLevel:   "debug",
	})

	p, err := s.Ensure(context.Background(), Fingerprint{Interpreter: "/bin/sh", Script: script})
	require.NoError(t, err)
	resp, err := p.Exchange(&protocol.Request{Command: protocol.CommandStart})
	require.NoError(t, err)

	var got map[string]string
	require.NoError(t, json.Unmarshal(resp.Data, &got))
	assert.Equal(t, "/lib/bridge"+string(os.PathListSeparator)+"/existing", got["path"])
	wantDir, _ := filepath.EvalSymlinks(dir)
	gotDir, _ := filepath.EvalSymlinks(got["dir"])
	assert.Equal(t, wantDir, gotDir)
	assert.Equal(t, "yes", got["extra"])
	assert.Equal(t, "--mode pipe --log_lvl DEBUG", got["args"])

	require.NoError(t, s.Stop(context.Background()))
	assert.Nil(t, s.Current())
}

func TestStopToleratesNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	var logs bytes.Buffer
	s := newSupervisor(t, Options{Logger: slog.New(slog.NewTextHandler(&logs, nil))})

	_, err := s.Ensure(context.Background(), Fingerprint{Interpreter: "/bin/sh", Script: writeScript(t, dir, "w.sh", "echo going >&2\nread line\nexit 3\n")})
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	assert.Contains(t, logs.String(), "non-zero status")
	assert.Contains(t, logs.String(), "exit_code=3")
	assert.Contains(t, logs.String(), "line=going")
}

func TestStopInterruptedKills(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "stubborn.sh", "trap '' TERM\nwhile :; do sleep 0.05; done\n")
	s := newSupervisor(t, Options{GracePeriod: 100 * time.Millisecond})

	p, err := s.Ensure(context.Background(), Fingerprint{Interpreter: "/bin/sh", Script: script})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Stop(ctx)
	assert.ErrorIs(t, err, bridgeerr.ErrInterrupted)
	assert.True(t, p.Exited())
}

func TestKillUnblocksExchange(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "silent.sh", "exec sleep 30\n")
	s := newSupervisor(t, Options{})

	p, err := s.Ensure(context.Background(), Fingerprint{Interpreter: "/bin/sh", Script: script})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Exchange(&protocol.Request{Command: protocol.CommandExecute})
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	s.Kill()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, bridgeerr.ErrProtocol)
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not return after Kill")
	}
	assert.False(t, s.IsAlive())
}

func TestKillReachesWorkerChildren(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "busy.sh", "read line\nsleep 30\necho '{\"status\":\"ok\"}'\n")
	s := newSupervisor(t, Options{})

	p, err := s.Ensure(context.Background(), Fingerprint{Interpreter: "/bin/sh", Script: script})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := p.Exchange(&protocol.Request{Command: protocol.CommandExecute})
		errc <- err
	}()
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	s.Kill()
	assert.Less(t, time.Since(start), 5*time.Second)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, bridgeerr.ErrProtocol)
	case <-time.After(5 * time.Second):
		t.Fatal("exchange did not return after Kill")
	}
}

func TestStopDoesNotWaitForOrphanedChild(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "forker.sh", "sleep 20 &\nwhile read line; do echo '{\"status\":\"ok\"}'; done\n")
	s := newSupervisor(t, Options{})

	p, err := s.Ensure(context.Background(), Fingerprint{Interpreter: "/bin/sh", Script: script})
	require.NoError(t, err)
	defer func() { _ = signalGroup(p.cmd, syscall.SIGKILL) }()

	start := time.Now()
	require.NoError(t, s.Stop(context.Background()))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, p.Exited())
}

func TestCheck(t *testing.T) {
	dir := t.TempDir()
	good := writeScript(t, dir, "good.sh", `[ "$1" = "--mode" ] && [ "$2" = "check" ] && exit 0
exit 1
`)
	bad := writeScript(t, dir, "bad.sh", "echo syntax error >&2\nexit 2\n")
	s := newSupervisor(t, Options{})

	assert.NoError(t, s.Check(context.Background(), Fingerprint{Interpreter: "/bin/sh", Script: good}))

	err := s.Check(context.Background(), Fingerprint{Interpreter: "/bin/sh", Script: bad})
	assert.ErrorIs(t, err, bridgeerr.ErrWorkerUnavailable)
	assert.Contains(t, err.Error(), "syntax error")
}

func TestStderrLogSplitsLines(t *testing.T) {
	var logs bytes.Buffer
	l := newStderrLog(slog.New(slog.NewJSONHandler(&logs, nil)))

	_, _ = l.Write([]byte("first li"))
	_, _ = l.Write([]byte("ne\nsecond\r\nthi"))
	l.Flush()

	var lines []string
	for _, raw := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(raw), &rec))
		lines = append(lines, rec["line"].(string))
	}
	assert.Equal(t, []string{"first line", "second", "thi"}, lines)
	assert.Equal(t, "first line\nsecond\r\nthi", l.Tail())
}

func TestStderrLogTailIsBounded(t *testing.T) {
	l := newStderrLog(quietLogger())
	chunk := bytes.Repeat([]byte("x"), 1000)
	for i := 0; i < 100; i++ {
		_, _ = l.Write(chunk)
	}
	assert.Len(t, l.Tail(), maxStderrBytes)
}

func TestBuildEnv(t *testing.T) {
	base := []string{"HOME=/root", "PYTHONPATH=/old"}

	env := buildEnv(base, Options{PathVar: "PYTHONPATH", LibraryDir: "/lib", Env: map[string]string{"HOME": "/home/w"}})
	assert.Equal(t, "/home/w", lookupEnv(env, "HOME"))
	assert.Equal(t, "/lib"+string(os.PathListSeparator)+"/old", lookupEnv(env, "PYTHONPATH"))
	assert.Equal(t, "/old", lookupEnv(base, "PYTHONPATH"), "base must not be modified")

	env = buildEnv([]string{"A=1"}, Options{PathVar: "LIBPATH", LibraryDir: "/lib"})
	assert.Equal(t, "/lib", lookupEnv(env, "LIBPATH"))

	env = buildEnv([]string{"PYTHONPATH=/old"}, Options{PathVar: "PYTHONPATH"})
	assert.Equal(t, "/old", lookupEnv(env, "PYTHONPATH"))
}

func TestResolveInterpreter(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "python")
	require.NoError(t, os.WriteFile(bin, []byte("#!/bin/sh\n"), 0o755))

	got, err := ResolveInterpreter(config.WorkerConfig{InterpreterPath: bin})
	require.NoError(t, err)
	assert.Equal(t, bin, got)

	_, err = ResolveInterpreter(config.WorkerConfig{InterpreterPath: dir})
	assert.ErrorIs(t, err, bridgeerr.ErrWorkerUnavailable)

	got, err = ResolveInterpreter(config.WorkerConfig{Interpreter: "sh"})
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))

	_, err = ResolveInterpreter(config.WorkerConfig{Interpreter: "docbridge-no-such-interpreter"})
	assert.ErrorIs(t, err, bridgeerr.ErrWorkerUnavailable)
}

func TestResolveScript(t *testing.T) {
	dir := t.TempDir()

	_, err := ResolveScript(config.WorkerConfig{Script: filepath.Join(dir, "missing.py")})
	assert.ErrorIs(t, err, bridgeerr.ErrWorkerUnavailable)

	_, err = ResolveScript(config.WorkerConfig{Script: dir})
	assert.ErrorIs(t, err, bridgeerr.ErrWorkerUnavailable)

	_, err = ResolveScript(config.WorkerConfig{})
	assert.ErrorIs(t, err, bridgeerr.ErrWorkerUnavailable)

	created := filepath.Join(dir, "sub", "worker.py")
	got, err := ResolveScript(config.WorkerConfig{Script: created, CreateMissingScript: true})
	require.NoError(t, err)
	assert.Equal(t, created, got)
	data, err := os.ReadFile(created)
	require.NoError(t, err)
	assert.Equal(t, workerTemplate, data)
	assert.Contains(t, string(data), `"--mode"`)
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "w.sh", echoOK)

	fp, err := Resolve(config.WorkerConfig{Interpreter: "sh", Script: script, ForceRestart: true})
	require.NoError(t, err)
	assert.Equal(t, script, fp.Script)
	assert.True(t, fp.ForceRestart)
}
