// Package websocket exposes the session event stream at
// /ws/sessions/:id. Each connection is one subscriber: replay from the
// client's lastSeq, then the live tail, plus the command path to the
// agent through the session supervisor.
package websocket

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/session"
	"github.com/relayci/relay/pkg/wire"
)

// Gateway upgrades session stream connections.
type Gateway struct {
	sessions *session.Service
	logger   *logger.Logger
	upgrader websocket.Upgrader
}

// NewGateway creates the WebSocket gateway.
func NewGateway(sessions *session.Service, log *logger.Logger) *Gateway {
	return &Gateway{
		sessions: sessions,
		logger:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Single-operator deployment; the REST API is equally open.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the stream endpoint on the router.
func RegisterRoutes(router *gin.Engine, sessions *session.Service, log *logger.Logger) {
	g := NewGateway(sessions, log)
	router.GET("/ws/sessions/:id", g.handleSession)
}

func (g *Gateway) handleSession(c *gin.Context) {
	sessionID := c.Param("id")

	lastSeq, err := strconv.ParseInt(c.DefaultQuery("lastSeq", "0"), 10, 64)
	if err != nil || lastSeq < 0 {
		c.JSON(http.StatusBadRequest, wire.Err(wire.CodeValidation, "lastSeq must be a non-negative integer"))
		return
	}

	if _, err := g.sessions.Get(c.Request.Context(), sessionID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, wire.Err(wire.CodeNotFound, err.Error()))
			return
		}
		g.logger.Error("session lookup before upgrade failed",
			zap.String("session_id", sessionID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "session lookup failed"))
		return
	}

	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Warn("websocket upgrade failed",
			zap.String("session_id", sessionID), zap.Error(err))
		return
	}

	conn := newSessionConn(sessionID, ws, g.sessions, g.logger)
	conn.run(c.Request.Context(), lastSeq)
}
