package protocol

import "encoding/json"

// Commands a host sends to a worker.
const (
	CommandStart   = "start"
	CommandExecute = "execute"
	CommandFinish  = "finish"
	CommandReduce  = "reduce"
	CommandAbort   = "abort"
)

// Response status values.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the envelope written to the worker's stdin, one per line.
type Request struct {
	Command string `json:"command"` // start | execute | finish | reduce | abort
	Data    any    `json:"data"`
}

// Response is the envelope read from the worker's stdout, one per line.
// Fields the host does not know are ignored.
type Response struct {
	Status     string          `json:"status"` // ok | error
	Error      *string         `json:"error"`
	Info       *string         `json:"info"`
	Stacktrace json.RawMessage `json:"stacktrace,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Logs       []LogEntry      `json:"logs,omitempty"`
}

// LogEntry is a log message a worker may attach to any response.
type LogEntry struct {
	Level   string `json:"level"` // debug | info | warn | error
	Message string `json:"message"`
}

// OK reports whether the worker accepted the command.
func (r *Response) OK() bool { return r.Status == StatusOK }

// HasData reports whether the response carries a non-null data payload.
func (r *Response) HasData() bool {
	return len(r.Data) > 0 && string(r.Data) != "null"
}

// ErrorMessage returns the worker's error text, or "" if none was sent.
func (r *Response) ErrorMessage() string {
	if r.Error == nil {
		return ""
	}
	return *r.Error
}

// InfoMessage returns the worker's info text, or "" if none was sent.
func (r *Response) InfoMessage() string {
	if r.Info == nil {
		return ""
	}
	return *r.Info
}

func validCommand(cmd string) bool {
	switch cmd {
	case CommandStart, CommandExecute, CommandFinish, CommandReduce, CommandAbort:
		return true
	}
	return false
}
