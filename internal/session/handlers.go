package session

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/journal"
	"github.com/relayci/relay/internal/sandbox"
	"github.com/relayci/relay/pkg/wire"
)

// Handler provides the HTTP surface for session lifecycle.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates a new session handler.
func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{service: svc, logger: log}
}

// RegisterRoutes mounts the session routes on the router.
func RegisterRoutes(router *gin.Engine, svc *Service, log *logger.Logger) {
	h := NewHandler(svc, log)
	api := router.Group("/api")
	api.POST("/sessions", h.createSession)
	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:id", h.getSession)
	api.DELETE("/sessions/:id", h.deleteSession)
	api.GET("/sessions/:id/connect", h.connectSession)
	api.GET("/sessions/:id/events", h.listEvents)
	api.POST("/sessions/:id/pause", h.pauseSession)
	api.POST("/sessions/:id/resume", h.resumeSession)
}

func (h *Handler) createSession(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.Err(wire.CodeValidation, "invalid payload"))
		return
	}

	sess, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrValidation):
			c.JSON(http.StatusBadRequest, wire.Err(wire.CodeValidation, err.Error()))
		case errors.Is(err, sandbox.ErrProviderUnavailable):
			c.JSON(http.StatusServiceUnavailable, wire.Err(wire.CodeProviderUnavailable, err.Error()))
		default:
			h.logger.Error("failed to create session", zap.Error(err))
			c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to create session"))
		}
		return
	}
	c.JSON(http.StatusCreated, wire.OK(sess))
}

func (h *Handler) listSessions(c *gin.Context) {
	sessions, err := h.service.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to list sessions"))
		return
	}
	c.JSON(http.StatusOK, wire.OK(sessions))
}

func (h *Handler) getSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, wire.Err(wire.CodeNotFound, err.Error()))
			return
		}
		h.logger.Error("failed to get session", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to get session"))
		return
	}
	c.JSON(http.StatusOK, wire.OK(sess))
}

func (h *Handler) deleteSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		h.logger.Error("failed to delete session", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to delete session"))
		return
	}
	c.JSON(http.StatusOK, wire.OK(gin.H{"deleted": id}))
}

func (h *Handler) connectSession(c *gin.Context) {
	id := c.Param("id")
	info, err := h.service.Connect(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, wire.Err(wire.CodeNotFound, err.Error()))
			return
		}
		h.logger.Error("failed to build connect info", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to build connect info"))
		return
	}
	c.JSON(http.StatusOK, wire.OK(info))
}

func (h *Handler) listEvents(c *gin.Context) {
	id := c.Param("id")

	afterSeq, err := strconv.ParseInt(c.DefaultQuery("afterSeq", "0"), 10, 64)
	if err != nil || afterSeq < 0 {
		c.JSON(http.StatusBadRequest, wire.Err(wire.CodeValidation, "afterSeq must be a non-negative integer"))
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, wire.Err(wire.CodeValidation, "limit must be a non-negative integer"))
		return
	}

	entries, err := h.service.Events(c.Request.Context(), id, afterSeq, limit)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, wire.Err(wire.CodeNotFound, err.Error()))
			return
		}
		h.logger.Error("failed to read session events", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to read session events"))
		return
	}
	if entries == nil {
		entries = []*journal.Entry{}
	}
	c.JSON(http.StatusOK, wire.OK(entries))
}

func (h *Handler) pauseSession(c *gin.Context) {
	h.transitionHandler(c, h.service.Pause, "pause")
}

func (h *Handler) resumeSession(c *gin.Context) {
	h.transitionHandler(c, h.service.Resume, "resume")
}

func (h *Handler) transitionHandler(c *gin.Context, op func(ctx context.Context, id string) error, verb string) {
	id := c.Param("id")
	if err := op(c.Request.Context(), id); err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, wire.Err(wire.CodeNotFound, err.Error()))
		case errors.Is(err, ErrConflict):
			c.JSON(http.StatusConflict, wire.Err(wire.CodeConflict, err.Error()))
		case errors.Is(err, sandbox.ErrSandboxNotFound):
			c.JSON(http.StatusConflict, wire.Err(wire.CodeSandboxNotFound, err.Error()))
		case errors.Is(err, sandbox.ErrProviderUnavailable):
			c.JSON(http.StatusServiceUnavailable, wire.Err(wire.CodeProviderUnavailable, err.Error()))
		default:
			h.logger.Error("failed to "+verb+" session", zap.String("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to "+verb+" session"))
		}
		return
	}

	sess, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusOK, wire.OK(gin.H{"id": id}))
		return
	}
	c.JSON(http.StatusOK, wire.OK(sess))
}
