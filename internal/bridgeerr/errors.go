// Package bridgeerr defines the error taxonomy shared by the worker bridge.
//
// Callers match on the sentinels with errors.Is; ProcessingError carries the
// worker-supplied details for status=error replies.
package bridgeerr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrWorkerUnavailable: spawn or respawn failed. Recoverable on the next ensure.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	// ErrProtocol: malformed or short reply, unexpected envelope, unknown command tag.
	ErrProtocol = errors.New("protocol error")
	// ErrProcessing: the worker replied with status=error.
	ErrProcessing = errors.New("processing error")
	// ErrInvalidOffset: an annotation span lies outside the document or is inverted.
	ErrInvalidOffset = errors.New("invalid offset")
	// ErrUnknownAnnotation: a command addressed an annotation ID that does not exist.
	ErrUnknownAnnotation = errors.New("unknown annotation")
	// ErrInterrupted: the host cancelled an in-flight operation.
	ErrInterrupted = errors.New("interrupted")
	// ErrSessionState: a lifecycle call arrived in a state that does not allow it.
	ErrSessionState = errors.New("invalid session state")
)

// NoErrorDescription replaces an empty error field in a status=error reply.
const NoErrorDescription = "(no error description from worker)"

// ProcessingError is a status=error reply from the worker.
type ProcessingError struct {
	Command    string
	Message    string
	Info       string
	Stacktrace string
}

func (e *ProcessingError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = NoErrorDescription
	}
	var b strings.Builder
	fmt.Fprintf(&b, "worker %s failed: %s", e.Command, msg)
	if e.Info != "" {
		fmt.Fprintf(&b, " (info: %s)", e.Info)
	}
	return b.String()
}

func (e *ProcessingError) Unwrap() error { return ErrProcessing }

// FormatStacktrace renders whatever the worker sent as a stack trace. Workers
// commonly send a list of frames, each a list of strings.
func FormatStacktrace(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var frames [][]string
	if err := json.Unmarshal(raw, &frames); err == nil {
		lines := make([]string, 0, len(frames))
		for _, f := range frames {
			lines = append(lines, strings.Join(f, " "))
		}
		return strings.Join(lines, "\n")
	}
	var flat []string
	if err := json.Unmarshal(raw, &flat); err == nil {
		return strings.Join(flat, "\n")
	}
	return string(raw)
}

// Code is a stable error classification for logs, the run log and gateway replies.
type Code string

const (
	CodeNone        Code = ""
	CodeUnknown     Code = "unknown"
	CodeUnavailable Code = "worker_unavailable"
	CodeProtocol    Code = "protocol"
	CodeProcessing  Code = "processing"
	CodeOffset      Code = "invalid_offset"
	CodeAnnotation  Code = "unknown_annotation"
	CodeInterrupted Code = "interrupted"
	CodeState       Code = "session_state"
)

// Classify maps err onto a Code using sentinels only, never string matching.
func Classify(err error) Code {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeInterrupted
	case errors.Is(err, ErrProtocol):
		return CodeProtocol
	case errors.Is(err, ErrProcessing):
		return CodeProcessing
	case errors.Is(err, ErrInvalidOffset):
		return CodeOffset
	case errors.Is(err, ErrUnknownAnnotation):
		return CodeAnnotation
	case errors.Is(err, ErrWorkerUnavailable):
		return CodeUnavailable
	case errors.Is(err, ErrSessionState):
		return CodeState
	default:
		return CodeUnknown
	}
}

// Terminal reports whether err leaves the session unusable until a fresh start.
// Every classified bridge error does; only unclassified host errors do not.
func Terminal(err error) bool {
	c := Classify(err)
	return c != CodeNone && c != CodeUnknown
}
