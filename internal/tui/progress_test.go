package tui

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/docbridge/internal/events"
)

func event(t *testing.T, typ string, data any) eventMsg {
	t.Helper()
	b, err := json.Marshal(data)
	if err != nil {
		t.Fatal(err)
	}
	return eventMsg(events.Event{Type: typ, At: time.Now(), Data: b})
}

func step(t *testing.T, m tea.Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func TestProgressCountsLastStepOnly(t *testing.T) {
	ch := make(chan events.Event)
	m := New("ner", 2, []string{"tokenize", "tag"}, ch)

	m, _ = step(t, m, event(t, events.RunStarted, events.RunEvent{RunID: "r1", Pipeline: "ner", Documents: 2}))
	m, _ = step(t, m, event(t, events.DocumentExecuted, events.SessionEvent{RunID: "r1", Step: "tokenize", Document: "a", State: "ready"}))
	m, _ = step(t, m, event(t, events.DocumentExecuted, events.SessionEvent{RunID: "r1", Step: "tag", Document: "a", State: "ready"}))
	m, _ = step(t, m, event(t, events.DocumentExecuted, events.SessionEvent{RunID: "r1", Step: "tag", DuplicateID: 1, Document: "b", State: "ready"}))

	if m.Done() != 2 {
		t.Fatalf("Done() = %d, want 2", m.Done())
	}
	if len(m.sessions) != 3 {
		t.Fatalf("sessions = %d, want 3", len(m.sessions))
	}
	if m.Finished() {
		t.Fatal("run not finished yet")
	}
	if !strings.Contains(m.View(), "2/2 documents") {
		t.Fatalf("view missing progress:\n%s", m.View())
	}
}

func TestProgressQuitsOnRunCompleted(t *testing.T) {
	m := New("ner", 1, []string{"tag"}, make(chan events.Event))
	m, _ = step(t, m, event(t, events.RunStarted, events.RunEvent{RunID: "r1", Pipeline: "ner"}))
	m, cmd := step(t, m, event(t, events.RunCompleted, events.RunEvent{RunID: "r1", Pipeline: "ner", Error: "worker exploded"}))

	if !m.Finished() {
		t.Fatal("expected finished")
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("expected tea.QuitMsg")
	}
	if !strings.Contains(m.View(), "run failed: worker exploded") {
		t.Fatalf("view missing error:\n%s", m.View())
	}
}

func TestProgressIgnoresOtherRuns(t *testing.T) {
	m := New("ner", 1, []string{"tag"}, make(chan events.Event))
	m, _ = step(t, m, event(t, events.RunStarted, events.RunEvent{RunID: "r1", Pipeline: "ner"}))
	m, _ = step(t, m, event(t, events.DocumentExecuted, events.SessionEvent{RunID: "other", Step: "tag", State: "ready"}))
	m, _ = step(t, m, event(t, events.RunCompleted, events.RunEvent{RunID: "r9", Pipeline: "other"}))

	if m.Done() != 0 || m.Finished() {
		t.Fatalf("foreign events changed state: done=%d finished=%v", m.Done(), m.Finished())
	}
}

func TestProgressRecordsSessionFailure(t *testing.T) {
	m := New("ner", 1, []string{"tag"}, make(chan events.Event))
	m, _ = step(t, m, event(t, events.SessionFailed, events.SessionEvent{Step: "tag", State: "failed", Error: "boom"}))

	row := m.sessions[sessionKey{"tag", 0}]
	if row == nil || row.state != "failed" || row.err != "boom" {
		t.Fatalf("unexpected row %+v", row)
	}
}

func TestProgressUserQuit(t *testing.T) {
	m := New("ner", 1, []string{"tag"}, make(chan events.Event))
	m, cmd := step(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil || !m.Interrupted() {
		t.Fatal("ctrl+c should quit and mark the run interrupted")
	}
}

func TestWaitForEventClosedChannel(t *testing.T) {
	ch := make(chan events.Event)
	close(ch)
	if _, ok := waitForEvent(ch)().(closedMsg); !ok {
		t.Fatal("closed channel should yield closedMsg")
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("abcdefghij", 4); got != "abcd…" {
		t.Fatalf("truncate = %q", got)
	}
}
