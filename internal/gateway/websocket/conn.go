package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/session"
	"github.com/relayci/relay/pkg/wire"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait).
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	// Conn-local frames (RPC responses, error frames) queued for the
	// write pump.
	outBuffer = 64
)

// sessionConn is one client connection to a session stream.
type sessionConn struct {
	sessionID string
	ws        *websocket.Conn
	sessions  *session.Service
	logger    *logger.Logger

	// out carries frames addressed to this connection only; journaled
	// events arrive through the subscriber instead.
	out chan []byte
}

func newSessionConn(sessionID string, ws *websocket.Conn, sessions *session.Service, log *logger.Logger) *sessionConn {
	return &sessionConn{
		sessionID: sessionID,
		ws:        ws,
		sessions:  sessions,
		logger:    log.WithFields(zap.String("session_id", sessionID)),
		out:       make(chan []byte, outBuffer),
	}
}

// run subscribes and drives both pumps; it returns when the connection
// dies from either side.
func (c *sessionConn) run(ctx context.Context, lastSeq int64) {
	defer c.ws.Close()

	sub, err := c.sessions.BroadcasterFor(c.sessionID).Subscribe(ctx, lastSeq)
	if err != nil {
		c.logger.Error("subscribe failed", zap.Error(err))
		c.writeControl(websocket.CloseInternalServerErr, "subscribe failed")
		return
	}
	defer sub.Close()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(sub)
	}()

	c.readPump(ctx)

	sub.Close()
	<-writerDone
}

// writePump is the sole websocket writer: live/replayed frames from
// the subscriber, conn-local frames, and keepalive pings.
func (c *sessionConn) writePump(sub *session.Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-sub.Frames():
			if !c.writeFrame(frame) {
				return
			}
		case frame := <-c.out:
			if !c.writeFrame(frame) {
				return
			}
		case <-sub.Done():
			// Flush whatever is still queued, then close with the
			// matching code: lag is the client's cue to reconnect with
			// its lastSeq.
			c.drainRemaining(sub)
			if sub.Lagged() {
				c.writeControl(websocket.CloseNormalClosure, "lag")
			} else {
				c.writeControl(websocket.CloseNormalClosure, "")
			}
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *sessionConn) drainRemaining(sub *session.Subscriber) {
	for {
		select {
		case frame := <-sub.Frames():
			if !c.writeFrame(frame) {
				return
			}
		case frame := <-c.out:
			if !c.writeFrame(frame) {
				return
			}
		default:
			return
		}
	}
}

func (c *sessionConn) writeFrame(frame []byte) bool {
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return false
	}
	return true
}

func (c *sessionConn) writeControl(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

// readPump consumes client command frames until the connection drops.
func (c *sessionConn) readPump(ctx context.Context) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("websocket read error", zap.Error(err))
			}
			return
		}
		c.handleCommand(ctx, message)
	}
}

// clientCommand is the minimal shape needed to route an inbound frame.
type clientCommand struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// knownCommands is the inbound vocabulary. Anything else is rejected
// before it reaches the agent.
var knownCommands = map[string]bool{
	"prompt":                     true,
	"abort":                      true,
	"get_state":                  true,
	"set_model":                  true,
	"get_messages":               true,
	"get_available_models":       true,
	wire.FrameNativeToolResponse: true,
}

// handleCommand routes one client frame. Bad frames produce an error
// frame but keep the socket open.
func (c *sessionConn) handleCommand(ctx context.Context, message []byte) {
	var cmd clientCommand
	if err := json.Unmarshal(message, &cmd); err != nil || cmd.Type == "" {
		c.sendError(wire.CodeValidation, "malformed command frame")
		return
	}
	if !knownCommands[cmd.Type] {
		c.sendError(wire.CodeValidation, "unknown command type: "+cmd.Type)
		return
	}

	c.sessions.Touch(ctx, c.sessionID)

	sup, err := c.sessions.SupervisorFor(ctx, c.sessionID)
	if err != nil {
		c.logger.Warn("no agent channel for command",
			zap.String("command", cmd.Type), zap.Error(err))
		c.sendError(wire.CodeSandboxNotFound, "agent is not reachable")
		return
	}

	switch {
	case cmd.Type == wire.FrameNativeToolResponse:
		if err := sup.HandleNativeToolResponse(message); err != nil {
			c.sendError(wire.CodeValidation, err.Error())
		}

	case cmd.ID != "" && cmd.Type != "prompt":
		// An id means the client wants the correlated response; prompt
		// replies arrive as journaled events instead.
		go c.call(ctx, sup, cmd, message)

	default:
		if err := sup.Send(message); err != nil {
			c.sendError(wire.CodeConnectionLost, "agent channel is down")
		}
	}
}

// call runs an agent RPC off the read loop and writes the response to
// this connection only, restoring the client's correlation id.
func (c *sessionConn) call(ctx context.Context, sup *session.Supervisor, cmd clientCommand, message []byte) {
	var params map[string]any
	if err := json.Unmarshal(message, &params); err != nil {
		c.sendError(wire.CodeValidation, "malformed command frame")
		return
	}
	delete(params, "type")
	delete(params, "id")

	resp, err := sup.Call(ctx, cmd.Type, params)
	if err != nil {
		c.logger.Debug("agent call failed",
			zap.String("command", cmd.Type),
			zap.Error(err))
	}
	resp.ID = cmd.ID

	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	select {
	case c.out <- data:
	default:
		c.logger.Warn("connection outbound buffer full, dropping response",
			zap.String("command", cmd.Type))
	}
}

func (c *sessionConn) sendError(code, message string) {
	data, err := json.Marshal(wire.NewError(code, message))
	if err != nil {
		return
	}
	select {
	case c.out <- data:
	default:
	}
}
