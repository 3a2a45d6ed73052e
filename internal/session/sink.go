package session

import "context"

//go:generate mockgen -destination=mocks/mock_sink.go -package=mocks github.com/mattjoyce/docbridge/internal/session ResultSink

// Result is the corpus-level outcome of one pipeline step: the reduce result
// when duplicates ran, otherwise the single finish result.
type Result struct {
	RunID    string `json:"run_id,omitempty"`
	Pipeline string `json:"pipeline,omitempty"`
	Step     string `json:"step"`
	Reduced  bool   `json:"reduced"`
	Data     any    `json:"data"`
}

// ResultSink receives published corpus results.
type ResultSink interface {
	Publish(ctx context.Context, r Result) error
}
