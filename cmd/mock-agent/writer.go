package main

import (
	"io"
	"sync"
)

// lineWriter serializes event lines onto one stream. The agent engine
// emits from both the command loop and the prompt goroutine, and the
// relay parses stdout line by line, so writes must not interleave.
type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func newLineWriter(w io.Writer) *lineWriter {
	return &lineWriter{w: w}
}

func (l *lineWriter) emit(line []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, _ = l.w.Write(buf)
}
