// Package main runs the simulated agent as a standalone binary. The
// container and microVM providers mount it as the session agent: it
// reads command lines on stdin and emits event lines on stdout, in the
// same JSONL vocabulary the in-process mock provider speaks.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/relayci/relay/internal/sandbox/mock"
)

const (
	// Prompts can carry pasted file content; size the scanner buffer the
	// same way the relay sizes its channel reader.
	initialBufSize = 64 * 1024
	maxLineSize    = 10 * 1024 * 1024
)

func main() {
	sessionID := flag.String("session", "", "session id reported in agent events")
	delay := flag.Duration("delay", 0, "pause between streamed events")
	flag.Parse()

	id := *sessionID
	if id == "" {
		id = os.Getenv("RELAY_SESSION_ID")
	}
	if id == "" {
		// One process per session, so the PID is unique enough.
		id = fmt.Sprintf("mock-%d", os.Getpid())
	}

	out := newLineWriter(os.Stdout)
	agent := mock.NewAgent(id, out.emit, mock.WithDelay(*delay))

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, initialBufSize), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		agent.HandleLine(line)
	}

	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: stdin read error: %v\n", err)
		os.Exit(1)
	}

	// Give an in-flight turn a moment to flush before the pipe closes.
	time.Sleep(50 * time.Millisecond)
}
