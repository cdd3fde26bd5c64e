package mock

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/sandbox"
)

func newTestProvider(t *testing.T) *Provider {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return NewProvider(log)
}

// lineCollector accumulates channel messages for assertions.
type lineCollector struct {
	mu    sync.Mutex
	lines []map[string]any
}

func (c *lineCollector) handle(line []byte) {
	var msg map[string]any
	if err := json.Unmarshal(line, &msg); err != nil {
		return
	}
	c.mu.Lock()
	c.lines = append(c.lines, msg)
	c.mu.Unlock()
}

func (c *lineCollector) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	for i, msg := range c.lines {
		out[i], _ = msg["type"].(string)
	}
	return out
}

// waitFor polls until the collector has seen an event of the given
// type or the deadline passes.
func (c *lineCollector) waitFor(t *testing.T, eventType string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, got := range c.types() {
			if got == eventType {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q, saw %v", eventType, c.types())
}

func createAttached(t *testing.T, p *Provider, sessionID string) (sandbox.Handle, sandbox.Channel, *lineCollector) {
	t.Helper()
	ctx := context.Background()

	handle, err := p.CreateSandbox(ctx, sandbox.CreateOptions{SessionID: sessionID})
	if err != nil {
		t.Fatalf("CreateSandbox: %v", err)
	}
	ch, err := handle.Attach(ctx)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	collector := &lineCollector{}
	ch.OnMessage(collector.handle)
	return handle, ch, collector
}

func TestPromptStreamsCanonicalSequence(t *testing.T) {
	p := newTestProvider(t)
	_, ch, collector := createAttached(t, p, "sess-1")

	if err := ch.Send([]byte(`{"type":"prompt","message":"hello"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	collector.waitFor(t, "agent_end")

	types := collector.types()
	wantOrder := []string{"agent_start", "message_start", "message_update", "message_end", "agent_end"}
	idx := 0
	for _, got := range types {
		if idx < len(wantOrder) && got == wantOrder[idx] {
			idx++
		}
	}
	if idx != len(wantOrder) {
		t.Errorf("expected ordered subsequence %v, got %v", wantOrder, types)
	}
}

func TestPromptWithToolEmitsToolExecution(t *testing.T) {
	p := newTestProvider(t)
	_, ch, collector := createAttached(t, p, "sess-1")

	if err := ch.Send([]byte(`{"type":"prompt","message":"use a tool please"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	collector.waitFor(t, "agent_end")

	types := collector.types()
	var sawStart, sawEnd bool
	for _, got := range types {
		if got == "tool_execution_start" {
			sawStart = true
		}
		if got == "tool_execution_end" {
			sawEnd = true
		}
	}
	if !sawStart || !sawEnd {
		t.Errorf("expected tool execution pair, got %v", types)
	}
}

func TestGetStateRPC(t *testing.T) {
	p := newTestProvider(t)
	_, ch, collector := createAttached(t, p, "sess-1")

	if err := ch.Send([]byte(`{"type":"get_state","id":"req-1"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	collector.waitFor(t, "response")

	collector.mu.Lock()
	defer collector.mu.Unlock()
	resp := collector.lines[len(collector.lines)-1]
	if resp["command"] != "get_state" || resp["id"] != "req-1" {
		t.Errorf("unexpected response correlation: %v", resp)
	}
	if resp["success"] != true {
		t.Errorf("expected success=true, got %v", resp)
	}
}

func TestSimulateSilenceNeverResponds(t *testing.T) {
	p := newTestProvider(t)
	_, ch, collector := createAttached(t, p, "sess-1")

	if err := ch.Send([]byte(`{"type":"simulate_silence","id":"req-1"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if got := collector.types(); len(got) != 0 {
		t.Errorf("expected no events, got %v", got)
	}
}

func TestReattachClosesPreviousChannel(t *testing.T) {
	p := newTestProvider(t)
	handle, chA, _ := createAttached(t, p, "sess-1")

	closeReasons := make(chan string, 2)
	chA.OnClose(func(reason string) { closeReasons <- reason })

	chB, err := handle.Attach(context.Background())
	if err != nil {
		t.Fatalf("second Attach: %v", err)
	}

	select {
	case reason := <-closeReasons:
		if reason != sandbox.ReasonReattach {
			t.Errorf("expected close reason %q, got %q", sandbox.ReasonReattach, reason)
		}
	case <-time.After(time.Second):
		t.Fatal("first channel never received onClose")
	}

	// A's sends are now silently dropped; B is the writer.
	if err := chA.Send([]byte(`{"type":"get_state","id":"stale"}`)); err != nil {
		t.Errorf("send on closed channel should be a silent no-op, got %v", err)
	}

	collectorB := &lineCollector{}
	chB.OnMessage(collectorB.handle)
	if err := chB.Send([]byte(`{"type":"get_state","id":"req-b"}`)); err != nil {
		t.Fatalf("Send on B: %v", err)
	}
	collectorB.waitFor(t, "response")

	collectorB.mu.Lock()
	defer collectorB.mu.Unlock()
	for _, msg := range collectorB.lines {
		if msg["id"] == "stale" {
			t.Error("stale channel's send reached the agent")
		}
	}

	// Exactly one onClose.
	select {
	case extra := <-closeReasons:
		t.Errorf("onClose fired more than once: %q", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPauseResume(t *testing.T) {
	p := newTestProvider(t)
	handle, _, _ := createAttached(t, p, "sess-1")

	var transitions []sandbox.Status
	var mu sync.Mutex
	unsub := handle.OnStatusChange(func(s sandbox.Status) {
		mu.Lock()
		transitions = append(transitions, s)
		mu.Unlock()
	})
	defer unsub()

	if err := handle.Pause(context.Background()); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if handle.Status() != sandbox.StatusPaused {
		t.Errorf("expected paused, got %s", handle.Status())
	}

	// Pausing twice is an error.
	if err := handle.Pause(context.Background()); err == nil {
		t.Error("expected error pausing a paused sandbox")
	}

	if err := handle.Resume(context.Background(), map[string]string{"API_KEY": "fresh"}, ""); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if handle.Status() != sandbox.StatusRunning {
		t.Errorf("expected running, got %s", handle.Status())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []sandbox.Status{sandbox.StatusPaused, sandbox.StatusRunning}
	if len(transitions) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestTerminateRemovesFromListing(t *testing.T) {
	p := newTestProvider(t)
	handle, ch, _ := createAttached(t, p, "sess-1")
	ctx := context.Background()

	closed := make(chan string, 1)
	ch.OnClose(func(reason string) { closed <- reason })

	if err := handle.Terminate(ctx); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	select {
	case reason := <-closed:
		if reason != sandbox.ReasonTerminated {
			t.Errorf("expected close reason %q, got %q", sandbox.ReasonTerminated, reason)
		}
	case <-time.After(time.Second):
		t.Fatal("channel never closed on terminate")
	}

	infos, err := p.ListSandboxes(ctx)
	if err != nil {
		t.Fatalf("ListSandboxes: %v", err)
	}
	if len(infos) != 0 {
		t.Errorf("expected empty listing after terminate, got %v", infos)
	}

	if _, err := p.GetSandbox(ctx, "mock-sess-1"); !errors.Is(err, sandbox.ErrSandboxNotFound) {
		t.Errorf("expected ErrSandboxNotFound, got %v", err)
	}
}

func TestAbortStopsStream(t *testing.T) {
	p := newTestProvider(t)
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	p = NewProvider(log, WithAgentDelay(10*time.Millisecond))

	_, ch, collector := createAttached(t, p, "sess-1")

	if err := ch.Send([]byte(`{"type":"prompt","message":"a fairly long prompt that streams several chunks of reply text"}`)); err != nil {
		t.Fatalf("Send prompt: %v", err)
	}
	collector.waitFor(t, "message_update")

	if err := ch.Send([]byte(`{"type":"abort","id":"abort-1"}`)); err != nil {
		t.Fatalf("Send abort: %v", err)
	}
	collector.waitFor(t, "agent_end")

	collector.mu.Lock()
	defer collector.mu.Unlock()
	var end map[string]any
	for _, msg := range collector.lines {
		if msg["type"] == "agent_end" {
			end = msg
		}
	}
	if end == nil || end["success"] != false {
		t.Errorf("expected agent_end with success=false after abort, got %v", end)
	}
}

func TestNativeToolRoundTrip(t *testing.T) {
	p := newTestProvider(t)
	_, ch, collector := createAttached(t, p, "sess-1")

	if err := ch.Send([]byte(`{"type":"prompt","message":"needs a native capability"}`)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	collector.waitFor(t, "native_tool_request")
	collector.waitFor(t, "agent_end")

	collector.mu.Lock()
	var callID string
	for _, msg := range collector.lines {
		if msg["type"] == "native_tool_request" {
			callID, _ = msg["callId"].(string)
		}
	}
	collector.mu.Unlock()
	if callID == "" {
		t.Fatal("native_tool_request carried no callId")
	}

	resp, _ := json.Marshal(map[string]any{
		"type":   "native_tool_response",
		"callId": callID,
		"result": map[string]any{"answer": "yes"},
	})
	if err := ch.Send(resp); err != nil {
		t.Fatalf("Send native_tool_response: %v", err)
	}
	collector.waitFor(t, "native_tool_result_ack")
}
