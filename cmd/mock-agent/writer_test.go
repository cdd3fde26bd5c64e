package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/relayci/relay/internal/sandbox/mock"
)

// syncBuffer guards a bytes.Buffer so the test can read while writers
// are still running.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

func TestConcurrentEmitsStayLineAtomic(t *testing.T) {
	var out syncBuffer
	w := newLineWriter(&out)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				w.emit([]byte(fmt.Sprintf(`{"writer":%d,"seq":%d}`, n, j)))
			}
		}(i)
	}
	wg.Wait()

	scanner := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	lines := 0
	for scanner.Scan() {
		var parsed map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &parsed); err != nil {
			t.Fatalf("interleaved line %q: %v", scanner.Text(), err)
		}
		lines++
	}
	if lines != 8*50 {
		t.Errorf("got %d lines, want %d", lines, 8*50)
	}
}

func TestAgentTurnStreamsOverWriter(t *testing.T) {
	var out syncBuffer
	w := newLineWriter(&out)
	agent := mock.NewAgent("stdio-test", w.emit)

	agent.HandleLine([]byte(`{"type":"get_state","id":"r1"}`))

	scanner := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	if !scanner.Scan() {
		t.Fatal("no output from get_state")
	}
	var resp map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp["type"] != "response" || resp["id"] != "r1" || resp["success"] != true {
		t.Errorf("response = %v", resp)
	}
}
