package sandbox

import (
	"io"
	"sync"
)

// StdioChannel is the Channel implementation shared by providers that
// expose the agent's stdin/stdout as a pipe. The provider's read pump
// feeds stdout lines through Deliver; Send writes to stdin.
type StdioChannel struct {
	mu        sync.Mutex
	stdin     io.Writer
	onMessage []func([]byte)
	onClose   []func(string)
	closed    bool
}

// NewStdioChannel creates a channel writing to the given stdin.
func NewStdioChannel(stdin io.Writer) *StdioChannel {
	return &StdioChannel{stdin: stdin}
}

// Send writes one line plus newline to stdin. Sends after close are
// silently dropped.
func (c *StdioChannel) Send(line []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	stdin := c.stdin
	c.mu.Unlock()

	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	_, err := stdin.Write(buf)
	return err
}

// OnMessage registers a stdout line handler.
func (c *StdioChannel) OnMessage(handler func(line []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, handler)
}

// OnClose registers a close handler. Registering after close fires the
// handler immediately with ReasonClosed.
func (c *StdioChannel) OnClose(handler func(reason string)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		handler(ReasonClosed)
		return
	}
	c.onClose = append(c.onClose, handler)
	c.mu.Unlock()
}

// Deliver invokes the registered message handlers with one stdout line.
// Called by the provider's read pump; delivery order is arrival order.
func (c *StdioChannel) Deliver(line []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	handlers := make([]func([]byte), len(c.onMessage))
	copy(handlers, c.onMessage)
	c.mu.Unlock()

	for _, h := range handlers {
		h(line)
	}
}

// CloseWithReason marks the channel closed and fires onClose handlers
// exactly once.
func (c *StdioChannel) CloseWithReason(reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	handlers := c.onClose
	c.onClose = nil
	c.onMessage = nil
	c.mu.Unlock()

	for _, h := range handlers {
		h(reason)
	}
}

// Close closes the channel with ReasonClosed and closes stdin when the
// writer supports it.
func (c *StdioChannel) Close() error {
	c.CloseWithReason(ReasonClosed)
	if closer, ok := c.stdin.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Closed reports whether the channel has been closed.
func (c *StdioChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

var _ Channel = (*StdioChannel)(nil)
