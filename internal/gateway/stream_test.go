package gateway_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/basket/rulesymbiosis/internal/bus"
	"github.com/basket/rulesymbiosis/internal/gateway"
)

type streamSSEEvent struct {
	Type  string `json:"type"`
	RunID string `json:"run_id,omitempty"`
}

func openStream(t *testing.T, ctx context.Context, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+gatewayTestAuthToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	return resp
}

func readSSE(t *testing.T, resp *http.Response) []streamSSEEvent {
	t.Helper()
	var events []streamSSEEvent
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var evt streamSSEEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt); err != nil {
			t.Fatalf("unmarshal SSE event: %v", err)
		}
		events = append(events, evt)
	}
	return events
}

func TestStreamSSE_ContentType(t *testing.T) {
	b := bus.New()
	ts, _ := apiTestServer(t, func(cfg *gateway.Config) { cfg.Bus = b })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, ts.URL+"/v1/events/stream?run_id=run-1")
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}
	b.Publish(bus.TopicRunFinished, bus.RunFinishedEvent{RunID: "run-1", Reason: "RUN_COMPLETED"})
	if events := readSSE(t, resp); len(events) != 1 {
		t.Fatalf("expected 1 event, got %+v", events)
	}
}

func TestStreamSSE_MethodNotAllowed(t *testing.T) {
	ts, _ := apiTestServer(t, func(cfg *gateway.Config) { cfg.Bus = bus.New() })

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/v1/events/stream", gatewayTestAuthToken, "{}")
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", resp.StatusCode)
	}
}

func TestStreamSSE_NoBus(t *testing.T) {
	ts, _ := apiTestServer(t, nil)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/v1/events/stream", gatewayTestAuthToken, "")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}

func TestStreamSSE_FiltersByRunAndClosesOnFinish(t *testing.T) {
	b := bus.New()
	ts, _ := apiTestServer(t, func(cfg *gateway.Config) { cfg.Bus = b })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp := openStream(t, ctx, ts.URL+"/v1/events/stream?run_id=run-1")
	defer resp.Body.Close()

	b.Publish(bus.TopicRunStarted, bus.RunStartedEvent{RunID: "run-1", Budget: 2})
	b.Publish(bus.TopicGenerationCompleted, bus.GenerationCompletedEvent{RunID: "other", Generation: 1})
	b.Publish(bus.TopicGenerationCompleted, bus.GenerationCompletedEvent{RunID: "run-1", Generation: 1})
	b.Publish(bus.TopicPatternsDiscovered, bus.PatternsDiscoveredEvent{Count: 1})
	b.Publish(bus.TopicRunFinished, bus.RunFinishedEvent{RunID: "run-1", Reason: "RUN_COMPLETED"})

	events := readSSE(t, resp)
	want := []string{"run_started", "generation", "run_finished"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %+v", len(want), events)
	}
	for i, typ := range want {
		if events[i].Type != typ || events[i].RunID != "run-1" {
			t.Fatalf("event[%d] = %+v, want %s for run-1", i, events[i], typ)
		}
	}
}

func TestStreamSSE_ClientDisconnect(t *testing.T) {
	b := bus.New()
	ts, _ := apiTestServer(t, func(cfg *gateway.Config) { cfg.Bus = b })

	ctx, cancel := context.WithCancel(context.Background())
	resp := openStream(t, ctx, ts.URL+"/v1/events/stream")
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}
	cancel()
	_ = resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("expected subscription released after disconnect, still %d", b.SubscriberCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
