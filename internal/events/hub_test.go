package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishSubscribe(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(SessionStarted, SessionEvent{Step: "tok", DuplicateID: 1, State: "ready"})

	select {
	case ev := <-ch:
		assert.Equal(t, SessionStarted, ev.Type)
		assert.Equal(t, int64(1), ev.ID)
		var p SessionEvent
		require.NoError(t, ev.Decode(&p))
		assert.Equal(t, "tok", p.Step)
		assert.Equal(t, 1, p.DuplicateID)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
}

func TestSnapshotSinceWrapsRing(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(DocumentExecuted, nil)
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, int64(3), all[0].ID)
	assert.Equal(t, int64(5), all[2].ID)
	assert.JSONEq(t, `{}`, string(all[0].Data))

	assert.Len(t, h.SnapshotSince(4), 1)
}

func TestCancelClosesChannel(t *testing.T) {
	h := NewHub(0)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	h.Publish(RunCompleted, RunEvent{RunID: "r"})
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(10)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish(DocumentExecuted, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
