package duplication

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextDuplicateID(t *testing.T) {
	g := NewGroup()
	assert.Equal(t, 0, g.NrDuplicates())
	assert.Equal(t, 0, g.NextDuplicateID())
	assert.Equal(t, 1, g.NextDuplicateID())
	assert.Equal(t, 2, g.NrDuplicates())
}

func TestNextDuplicateIDConcurrent(t *testing.T) {
	g := NewGroup()
	const n = 64

	seen := make([]atomic.Bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := g.NextDuplicateID()
			assert.False(t, seen[id].Swap(true), "id %d handed out twice", id)
		}()
	}
	wg.Wait()
	assert.Equal(t, n, g.NrDuplicates())
}

func TestEndRunTrueExactlyOnce(t *testing.T) {
	for round := 0; round < 50; round++ {
		g := NewGroup()
		const n = 32
		for i := 0; i < n; i++ {
			g.BeginRun()
		}

		var last atomic.Int32
		var wg sync.WaitGroup
		start := make(chan struct{})
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				if g.EndRun() {
					last.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), last.Load(), "round %d", round)
		assert.Equal(t, 0, g.Running())
	}
}

func TestResultsKeepRecordingOrder(t *testing.T) {
	g := NewGroup()
	g.RecordPartialResult("a")
	g.RecordPartialResult(map[string]any{"n": 2})

	assert.Equal(t, []any{"a", map[string]any{"n": 2}}, g.DrainResults())
	assert.Empty(t, g.DrainResults())
}

func TestReset(t *testing.T) {
	g := NewGroup()
	g.NextDuplicateID()
	g.BeginRun()
	g.RecordPartialResult(1)

	g.Reset()
	assert.Equal(t, 0, g.NrDuplicates())
	assert.Equal(t, 0, g.Running())
	assert.Empty(t, g.DrainResults())
	assert.Equal(t, 0, g.NextDuplicateID())
}

func TestAbortedFlagLastsForOneRun(t *testing.T) {
	g := NewGroup()
	g.BeginRun()
	g.BeginRun()
	g.Abort()
	assert.True(t, g.Aborted())
	assert.False(t, g.EndRun())
	assert.True(t, g.EndRun())
	assert.True(t, g.Aborted(), "flag survives until the next run begins")

	g.BeginRun()
	assert.False(t, g.Aborted())
}
