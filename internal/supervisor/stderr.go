package supervisor

import (
	"bytes"
	"log/slog"
	"sync"
)

// maxStderrBytes caps the stderr tail kept for error reports and the length
// of a single unterminated line.
const maxStderrBytes = 64 * 1024

// stderrLog forwards worker stderr to the logger one line at a time and keeps
// the most recent output for diagnostics.
type stderrLog struct {
	mu      sync.Mutex
	logger  *slog.Logger
	partial []byte
	tail    []byte
}

func newStderrLog(logger *slog.Logger) *stderrLog {
	return &stderrLog{logger: logger}
}

func (s *stderrLog) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tail = append(s.tail, p...)
	if over := len(s.tail) - maxStderrBytes; over > 0 {
		s.tail = append(s.tail[:0:0], s.tail[over:]...)
	}

	s.partial = append(s.partial, p...)
	for {
		i := bytes.IndexByte(s.partial, '\n')
		if i < 0 {
			break
		}
		s.emit(s.partial[:i])
		s.partial = s.partial[i+1:]
	}
	if len(s.partial) > maxStderrBytes {
		s.emit(s.partial)
		s.partial = nil
	}
	return len(p), nil
}

func (s *stderrLog) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		return
	}
	s.logger.Info("worker stderr", "line", string(line))
}

// Flush logs any unterminated final line.
func (s *stderrLog) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit(s.partial)
	s.partial = nil
}

// Tail returns up to maxStderrBytes of the most recent stderr output.
func (s *stderrLog) Tail() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.tail)
}
