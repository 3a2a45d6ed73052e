package tui

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mattjoyce/docbridge/internal/events"
)

func TestStreamParsesEvents(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" || r.URL.Query().Get("replay") != "false" {
			http.Error(w, "bad request "+r.URL.String(), http.StatusBadRequest)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "id: 7\nevent: run.started\ndata: {\"run_id\":\"r1\",\"pipeline\":\"ner\",\"documents\":3,\"steps\":[\"tag\"]}\n\n")
		fmt.Fprint(w, "id: 8\nevent: run.completed\ndata: {\"run_id\":\"r1\",\"pipeline\":\"ner\"}\n\n")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := Stream(ctx, srv.URL+"/", "tok")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].ID != 7 || got[0].Type != events.RunStarted {
		t.Fatalf("first event = %+v", got[0])
	}
	var re events.RunEvent
	if err := got[0].Decode(&re); err != nil || re.Documents != 3 || len(re.Steps) != 1 {
		t.Fatalf("decode: %v %+v", err, re)
	}
	if got[1].Type != events.RunCompleted {
		t.Fatalf("second event = %+v", got[1])
	}
}

func TestStreamRejectsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	if _, err := Stream(context.Background(), srv.URL, ""); err == nil {
		t.Fatal("expected error for 401")
	}
}

func TestWatcherAdoptsRunShape(t *testing.T) {
	m := New("", 0, nil, make(chan events.Event))
	m, _ = step(t, m, event(t, events.RunStarted, events.RunEvent{RunID: "r1", Pipeline: "ner", Documents: 2, Steps: []string{"tokenize", "tag"}}))
	m, _ = step(t, m, event(t, events.DocumentExecuted, events.SessionEvent{RunID: "r1", Step: "tokenize", State: "ready"}))
	m, _ = step(t, m, event(t, events.DocumentExecuted, events.SessionEvent{RunID: "r1", Step: "tag", State: "ready"}))

	if m.pipeline != "ner" || m.documents != 2 {
		t.Fatalf("shape not adopted: pipeline=%q documents=%d", m.pipeline, m.documents)
	}
	if m.Done() != 1 {
		t.Fatalf("Done() = %d, want 1", m.Done())
	}
}
