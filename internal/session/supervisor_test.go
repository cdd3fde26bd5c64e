package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/relayci/relay/internal/journal"
	"github.com/relayci/relay/internal/sandbox"
	"github.com/relayci/relay/pkg/wire"
)

// fakeChannel is a scriptable sandbox.Channel: tests inspect what the
// supervisor sent and inject agent lines.
type fakeChannel struct {
	mu        sync.Mutex
	sent      [][]byte
	onMessage func(line []byte)
	onClose   func(reason string)
	closed    bool
	sendErr   error
}

func (c *fakeChannel) Send(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return c.sendErr
	}
	buf := make([]byte, len(line))
	copy(buf, line)
	c.sent = append(c.sent, buf)
	return nil
}

func (c *fakeChannel) OnMessage(handler func(line []byte)) {
	c.mu.Lock()
	c.onMessage = handler
	c.mu.Unlock()
}

func (c *fakeChannel) OnClose(handler func(reason string)) {
	c.mu.Lock()
	c.onClose = handler
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) emit(line string) {
	c.mu.Lock()
	handler := c.onMessage
	c.mu.Unlock()
	if handler != nil {
		handler([]byte(line))
	}
}

func (c *fakeChannel) fireClose(reason string) {
	c.mu.Lock()
	handler := c.onClose
	c.mu.Unlock()
	if handler != nil {
		handler(reason)
	}
}

func (c *fakeChannel) lastSent(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("nothing was sent on the channel")
	}
	var msg map[string]any
	if err := json.Unmarshal(c.sent[len(c.sent)-1], &msg); err != nil {
		t.Fatalf("unmarshal sent line: %v", err)
	}
	return msg
}

func newTestSupervisor(t *testing.T, j journal.Journal, rpcTimeout time.Duration) (*Supervisor, *fakeChannel, *Broadcaster) {
	t.Helper()
	log := newTestLogger(t)
	bcast := NewBroadcaster("s1", j, 16, log)
	manager := sandbox.NewManager(sandbox.TypeMock, log)

	sup := newSupervisor("s1", sandbox.TypeMock, "mock-s1", j, bcast, manager, log, rpcTimeout, 1)
	ch := &fakeChannel{}
	sup.bind(ch)
	return sup, ch, bcast
}

func TestHandleLineJournalsAgentEvents(t *testing.T) {
	j := newTestJournal(t)
	sup, ch, bcast := newTestSupervisor(t, j, time.Second)
	defer sup.Close()
	ctx := context.Background()

	sub, err := bcast.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer sub.Close()
	readFrame(t, sub) // connected

	ch.emit(`{"type":"message_update","delta":"hello"}`)

	frame := readFrame(t, sub)
	if frame["seq"] != float64(1) || frame["type"] != "message_update" {
		t.Fatalf("broadcast frame = %v", frame)
	}
	last, err := j.LastSeq(ctx, "s1")
	if err != nil {
		t.Fatalf("LastSeq: %v", err)
	}
	if last != 1 {
		t.Errorf("journal LastSeq = %d, want 1", last)
	}
}

func TestCallCorrelatesResponseByID(t *testing.T) {
	j := newTestJournal(t)
	sup, ch, _ := newTestSupervisor(t, j, 2*time.Second)
	defer sup.Close()

	type result struct {
		resp wire.ResponseFrame
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := sup.Call(context.Background(), "get_state", nil)
		done <- result{resp, err}
	}()

	// Wait for the command to hit the channel, then answer it.
	var id string
	for i := 0; i < 100; i++ {
		ch.mu.Lock()
		if len(ch.sent) > 0 {
			var msg map[string]any
			_ = json.Unmarshal(ch.sent[0], &msg)
			id, _ = msg["id"].(string)
		}
		ch.mu.Unlock()
		if id != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("command never reached the channel")
	}
	ch.emit(fmt.Sprintf(`{"type":"response","id":%q,"command":"get_state","success":true,"result":{"status":"idle"}}`, id))

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Call: %v", r.err)
		}
		if !r.resp.Success || r.resp.ID != id {
			t.Errorf("response = %+v", r.resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Call did not return")
	}

	// No pending entry may survive the round trip.
	sup.mu.Lock()
	pending := len(sup.pending)
	sup.mu.Unlock()
	if pending != 0 {
		t.Errorf("pending calls remaining: %d", pending)
	}
}

func TestCallTimesOut(t *testing.T) {
	j := newTestJournal(t)
	sup, _, _ := newTestSupervisor(t, j, 50*time.Millisecond)
	defer sup.Close()

	resp, err := sup.Call(context.Background(), "simulate_silence", nil)
	if !errors.Is(err, ErrRequestTimeout) {
		t.Fatalf("err = %v, want ErrRequestTimeout", err)
	}
	if resp.Success || resp.Error != wire.CodeRequestTimeout {
		t.Errorf("response = %+v", resp)
	}
}

func TestCallCancelledByContext(t *testing.T) {
	j := newTestJournal(t)
	sup, ch, _ := newTestSupervisor(t, j, 5*time.Second)
	defer sup.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	resp, err := sup.Call(ctx, "get_messages", nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if resp.Error != wire.CodeCancelled {
		t.Errorf("response = %+v", resp)
	}
	// An abort is pushed at the agent so it stops working on the call.
	if msg := ch.lastSent(t); msg["type"] != "abort" {
		t.Errorf("last sent = %v, want abort", msg)
	}
}

func TestNativeToolFramesAreLiveOnlyWithSubscribers(t *testing.T) {
	j := newTestJournal(t)
	sup, ch, bcast := newTestSupervisor(t, j, time.Second)
	defer sup.Close()
	ctx := context.Background()

	sub, err := bcast.Subscribe(ctx, 0)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	readFrame(t, sub) // connected

	ch.emit(`{"type":"native_tool_request","callId":"c1","toolName":"host_prompt"}`)
	frame := readFrame(t, sub)
	if frame["type"] != "native_tool_request" {
		t.Fatalf("frame = %v", frame)
	}
	if last, _ := j.LastSeq(ctx, "s1"); last != 0 {
		t.Errorf("native tool frame was journaled with subscriber attached, LastSeq = %d", last)
	}

	// With nobody attached the request is journaled so the next
	// subscriber replays it.
	sub.Close()
	ch.emit(`{"type":"native_tool_request","callId":"c2","toolName":"host_prompt"}`)
	if last, _ := j.LastSeq(ctx, "s1"); last != 1 {
		t.Errorf("detached native tool frame not journaled, LastSeq = %d", last)
	}
}

func TestNativeToolResponseForwardedToAgent(t *testing.T) {
	j := newTestJournal(t)
	sup, ch, _ := newTestSupervisor(t, j, time.Second)
	defer sup.Close()

	if err := sup.HandleNativeToolResponse([]byte(`{"type":"native_tool_response","callId":"c1","result":{"answer":"yes"}}`)); err != nil {
		t.Fatalf("HandleNativeToolResponse: %v", err)
	}
	if msg := ch.lastSent(t); msg["callId"] != "c1" {
		t.Errorf("forwarded line = %v", msg)
	}

	if err := sup.HandleNativeToolResponse([]byte(`{"type":"native_tool_response"}`)); err == nil {
		t.Error("missing callId should be rejected")
	}
}

func TestExhaustedReattachJournalsSyntheticEnd(t *testing.T) {
	j := newTestJournal(t)
	// The manager has no registered providers, so every re-attach fails.
	sup, ch, _ := newTestSupervisor(t, j, time.Second)

	var failedID string
	var failMu sync.Mutex
	sup.onFailure = func(sessionID string) {
		failMu.Lock()
		failedID = sessionID
		failMu.Unlock()
	}

	ch.fireClose(sandbox.ReasonPeerExit)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := j.ReadAfter(context.Background(), "s1", 0, 0)
		if err != nil {
			t.Fatalf("ReadAfter: %v", err)
		}
		if len(entries) == 1 {
			if entries[0].Type != "agent_end" {
				t.Fatalf("journaled type = %s, want agent_end", entries[0].Type)
			}
			var payload struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
			}
			if err := json.Unmarshal(entries[0].Payload, &payload); err != nil {
				t.Fatalf("unmarshal payload: %v", err)
			}
			if payload.Success || payload.Error != "transport_disconnect" {
				t.Fatalf("payload = %+v", payload)
			}
			failMu.Lock()
			got := failedID
			failMu.Unlock()
			if got != "s1" {
				t.Fatalf("onFailure called with %q", got)
			}
			if !sup.Closed() {
				t.Fatal("supervisor should be closed after exhausting retries")
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("synthetic agent_end never journaled")
}

func TestPendingCallsFailOnChannelClose(t *testing.T) {
	j := newTestJournal(t)
	sup, ch, _ := newTestSupervisor(t, j, 5*time.Second)
	defer sup.Close()

	done := make(chan error, 1)
	go func() {
		_, err := sup.Call(context.Background(), "get_state", nil)
		done <- err
	}()

	for i := 0; i < 100; i++ {
		ch.mu.Lock()
		n := len(ch.sent)
		ch.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	ch.fireClose(sandbox.ReasonTerminated)

	select {
	case err := <-done:
		if !errors.Is(err, ErrConnectionLost) {
			t.Errorf("err = %v, want ErrConnectionLost", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never failed")
	}
}
