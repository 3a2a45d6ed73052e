package tui

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/docbridge/internal/events"
)

// Stream connects to a gateway's /events endpoint and feeds live events into
// the returned channel, which is closed when the connection drops or ctx is
// cancelled. Buffered events are not replayed, so a watcher sees the next run.
func Stream(ctx context.Context, baseURL, token string) (<-chan events.Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/events?replay=false", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("connect to %s: %s", baseURL, resp.Status)
	}

	ch := make(chan events.Event, 64)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		readSSE(ctx, bufio.NewScanner(resp.Body), ch)
	}()
	return ch, nil
}

func readSSE(ctx context.Context, scanner *bufio.Scanner, ch chan<- events.Event) {
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var cur events.Event
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				cur.At = time.Now()
				cur.Data = []byte(data.String())
				select {
				case ch <- cur:
				case <-ctx.Done():
					return
				}
			}
			cur = events.Event{}
			data.Reset()
		case strings.HasPrefix(line, ":"):
			// keep-alive
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				cur.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			cur.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			data.WriteString(line[6:])
		}
	}
}
