package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/journal"
	"github.com/relayci/relay/pkg/wire"
)

// Broadcaster fans one session's event stream out to subscribers. Each
// subscriber gets replay from its cursor followed by the live tail,
// with no event lost or duplicated across the cutover: the subscriber
// is registered for live delivery before replay reads the journal,
// live events arriving during replay are buffered, and the buffer is
// flushed suppressing any seq the replay already covered.
type Broadcaster struct {
	sessionID  string
	journal    journal.Journal
	bufferSize int
	logger     *logger.Logger

	mu     sync.Mutex
	subs   map[int]*Subscriber
	nextID int
	closed bool
}

// NewBroadcaster creates a broadcaster for one session.
func NewBroadcaster(sessionID string, j journal.Journal, bufferSize int, log *logger.Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Broadcaster{
		sessionID:  sessionID,
		journal:    j,
		bufferSize: bufferSize,
		logger:     log,
		subs:       make(map[int]*Subscriber),
	}
}

// PublishEvent delivers a journaled event to all subscribers. seq must
// be the value the journal assigned.
func (b *Broadcaster) PublishEvent(seq int64, frame wire.EventFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		b.logger.Error("marshal event frame", zap.Error(err))
		return
	}
	b.publish(seq, data)
}

// PublishFrame delivers a meta frame (sandbox_status, native_tool_*,
// response). Meta frames carry no seq and are never suppressed.
func (b *Broadcaster) PublishFrame(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		b.logger.Error("marshal meta frame", zap.Error(err))
		return
	}
	b.publish(0, data)
}

func (b *Broadcaster) publish(seq int64, data []byte) {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(seq, data)
	}
}

// SubscriberCount reports currently attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscribe registers a subscriber and starts the replay handshake.
// When journaled history must be streamed, replay runs on its own
// goroutine so the caller can drain Frames() while it progresses;
// replay sends block against the subscriber buffer rather than drop.
func (b *Broadcaster) Subscribe(ctx context.Context, lastSeq int64) (*Subscriber, error) {
	sub := &Subscriber{
		b:         b,
		out:       make(chan []byte, b.bufferSize),
		done:      make(chan struct{}),
		replaying: true,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("session %s stream is closed", b.sessionID)
	}
	sub.id = b.nextID
	b.nextID++
	b.subs[sub.id] = sub
	b.mu.Unlock()

	cur, err := b.journal.LastSeq(ctx, b.sessionID)
	if err != nil {
		sub.Close()
		return nil, err
	}

	if lastSeq >= cur {
		// Nothing to replay; the connected frame always fits the empty
		// buffer, so the cutover completes before the caller sees the
		// subscriber.
		if err := sub.send(wire.NewConnected(b.sessionID, cur)); err != nil {
			return nil, err
		}
		if err := sub.finishReplay(cur); err != nil {
			return nil, err
		}
		return sub, nil
	}

	go b.replay(ctx, sub, lastSeq, cur)
	return sub, nil
}

// replay streams connected + journaled history + replay_end, then cuts
// the subscriber over to live delivery.
func (b *Broadcaster) replay(ctx context.Context, sub *Subscriber, lastSeq, cur int64) {
	if err := sub.send(wire.NewConnected(b.sessionID, cur)); err != nil {
		return
	}
	if err := sub.send(wire.NewReplayStart(lastSeq+1, cur)); err != nil {
		return
	}

	entries, err := b.journal.ReadAfter(ctx, b.sessionID, lastSeq, 0)
	if err != nil {
		b.logger.Warn("replay aborted",
			zap.String("session_id", b.sessionID),
			zap.Error(err))
		sub.Close()
		return
	}
	for _, e := range entries {
		if e.Seq > cur {
			break
		}
		if err := sub.send(wire.EventFrame{Seq: e.Seq, Type: e.Type, Payload: e.Payload}); err != nil {
			return
		}
	}
	if err := sub.send(wire.NewReplayEnd()); err != nil {
		return
	}

	if err := sub.finishReplay(cur); err != nil {
		b.logger.Debug("subscriber closed during replay cutover",
			zap.String("session_id", b.sessionID))
	}
}

// Close tears the broadcaster down, closing every subscriber stream.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

func (b *Broadcaster) unsubscribe(id int) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

type bufferedFrame struct {
	seq  int64
	data []byte
}

// Subscriber is one consumer of a session stream. The consumer reads
// Frames() and stops when Done() fires; Lagged then reports whether
// the stream was cut because the consumer fell behind.
type Subscriber struct {
	b    *Broadcaster
	id   int
	out  chan []byte
	done chan struct{}
	once sync.Once

	mu        sync.Mutex
	closed    bool
	lagged    bool
	replaying bool
	pending   []bufferedFrame
}

// Frames returns the outbound frame stream. Select on Done() as well;
// the channel itself stays open so in-flight sends never race a close.
func (s *Subscriber) Frames() <-chan []byte {
	return s.out
}

// Done fires when the subscriber is detached.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Lagged reports whether the stream was closed by the oldest-drop
// policy. The consumer should reconnect with its last seen seq.
func (s *Subscriber) Lagged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lagged
}

// Close detaches the subscriber. Idempotent.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.b.unsubscribe(s.id)
		close(s.done)
	})
}

// send marshals and enqueues one frame during the replay phase. Sends
// block on a full buffer; the consumer is expected to be draining.
func (s *Subscriber) send(frame any) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	select {
	case s.out <- data:
		return nil
	case <-s.done:
		return fmt.Errorf("subscriber closed")
	}
}

// deliver routes one live frame. During replay the frame is parked;
// afterwards it goes straight to the buffer, and a full buffer drops
// the subscriber with a lag error rather than blocking the publisher.
func (s *Subscriber) deliver(seq int64, data []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.replaying {
		// The parked slice is bounded like the live buffer; a consumer
		// that cannot keep up during replay is cut the same way.
		if len(s.pending) >= s.b.bufferSize {
			s.mu.Unlock()
			s.fail()
			return
		}
		s.pending = append(s.pending, bufferedFrame{seq: seq, data: data})
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	select {
	case s.out <- data:
	case <-s.done:
	default:
		s.fail()
	}
}

// finishReplay flushes frames parked during replay, suppressing
// journaled events the replay already delivered, then switches to
// live delivery.
func (s *Subscriber) finishReplay(replayedThrough int64) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return fmt.Errorf("subscriber closed")
		}
		if len(s.pending) == 0 {
			s.replaying = false
			s.mu.Unlock()
			return nil
		}
		parked := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, f := range parked {
			if f.seq > 0 && f.seq <= replayedThrough {
				continue
			}
			select {
			case s.out <- f.data:
			case <-s.done:
				return fmt.Errorf("subscriber closed")
			}
		}
	}
}

// fail cuts a lagging subscriber: emit a synthetic lag error if the
// buffer has room, then close the stream.
func (s *Subscriber) fail() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.lagged = true
	s.mu.Unlock()

	if data, err := json.Marshal(wire.NewError(wire.CodeLag, "subscriber fell behind, reconnect with lastSeq")); err == nil {
		select {
		case s.out <- data:
		default:
		}
	}
	s.Close()
}
