package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/seantiz/taskworker/internal/events"
)

type sseEvent struct {
	name string
	data string
}

// readSSE parses events from an SSE body onto a channel until the body ends.
func readSSE(body *bufio.Scanner) <-chan sseEvent {
	out := make(chan sseEvent, 128)
	go func() {
		defer close(out)
		var cur sseEvent
		for body.Scan() {
			line := body.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data += strings.TrimPrefix(line, "data: ")
			case line == "":
				out <- cur
				cur = sseEvent{}
			}
		}
	}()
	return out
}

func openEventStream(t *testing.T, ts *httptest.Server, query string) (<-chan sseEvent, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events"+query, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("GET /v1/events: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	if resp.StatusCode != http.StatusOK {
		cancel()
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}
	return readSSE(bufio.NewScanner(resp.Body)), cancel
}

func TestStreamEventsForTaskType(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	stream, cancel := openEventStream(t, ts, "?task_type=echo")
	defer cancel()

	task := env.queue.Enqueue("echo", "", map[string]any{"hello": "world"})
	env.handler.StartWorkers(context.Background())

	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				t.Fatal("stream ended before execution completed")
			}
			if ev.name != string(events.KindTaskExecutionCompleted) {
				continue
			}
			var rec struct {
				Kind     string         `json:"kind"`
				TaskType string         `json:"taskType"`
				Event    map[string]any `json:"event"`
			}
			if err := json.Unmarshal([]byte(ev.data), &rec); err != nil {
				t.Fatalf("decode event data %q: %v", ev.data, err)
			}
			if rec.TaskType != "echo" || rec.Event["taskId"] != task.TaskID {
				t.Errorf("unexpected record %+v", rec)
			}
			return
		case <-timeout:
			t.Fatal("no task_execution_completed event within 5s")
		}
	}
}

func TestStreamEventsDoneOnBrokerClose(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	stream, cancel := openEventStream(t, ts, "")
	defer cancel()

	if got := testutil.ToFloat64(eventStreamClients); got < 1 {
		t.Errorf("event stream clients = %v, want at least 1", got)
	}

	env.broker.Close()

	select {
	case ev := <-stream:
		if ev.name != "done" || ev.data != "stream complete" {
			t.Errorf("event = %+v, want done", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no done event after broker close")
	}
}

func TestWriteSSEEventSplitsLines(t *testing.T) {
	rec := httptest.NewRecorder()
	if err := writeSSEEvent(rec, "note", "a\nb"); err != nil {
		t.Fatalf("writeSSEEvent: %v", err)
	}
	want := "event: note\ndata: a\ndata: b\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
}
