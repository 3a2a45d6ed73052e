// Package duplication coordinates the duplicate sessions that share one
// corpus run: it hands out duplicate IDs, counts running sessions and
// collects their partial results for the final reduce.
package duplication

import (
	"sync"
	"sync/atomic"
)

// Group is shared by pointer between all duplicates of one pipeline step.
// It is safe for concurrent use.
type Group struct {
	nextID  atomic.Int64
	running atomic.Int64
	aborted atomic.Bool

	mu      sync.Mutex
	results []any
}

// NewGroup returns an empty group.
func NewGroup() *Group {
	return &Group{}
}

// NextDuplicateID returns 0 to the first caller and increments afterwards.
func (g *Group) NextDuplicateID() int {
	return int(g.nextID.Add(1) - 1)
}

// NrDuplicates is the number of IDs handed out so far.
func (g *Group) NrDuplicates() int {
	return int(g.nextID.Load())
}

// BeginRun records a session entering the corpus run. The first session to
// enter clears the aborted flag of the previous run.
func (g *Group) BeginRun() {
	if g.running.Add(1) == 1 {
		g.aborted.Store(false)
	}
}

// Abort marks the current run as aborted. The last session to leave an
// aborted run discards the partial results instead of reducing them.
func (g *Group) Abort() {
	g.aborted.Store(true)
}

// Aborted reports whether any session aborted the current run.
func (g *Group) Aborted() bool {
	return g.aborted.Load()
}

// EndRun records a session leaving the run. It returns true to exactly the
// caller that brings the running count to zero.
func (g *Group) EndRun() bool {
	return g.running.Add(-1) == 0
}

// Running returns the number of sessions currently in a run.
func (g *Group) Running() int {
	return int(g.running.Load())
}

// RecordPartialResult appends a session's finish result.
func (g *Group) RecordPartialResult(v any) {
	g.mu.Lock()
	g.results = append(g.results, v)
	g.mu.Unlock()
}

// DrainResults returns the recorded results in recording order and empties
// the list.
func (g *Group) DrainResults() []any {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.results
	g.results = nil
	return out
}

// Reset clears every counter and result. Only call it when no session of the
// group is running, i.e. when the owning pipeline is reinitialized.
func (g *Group) Reset() {
	g.nextID.Store(0)
	g.running.Store(0)
	g.aborted.Store(false)
	g.mu.Lock()
	g.results = nil
	g.mu.Unlock()
}
