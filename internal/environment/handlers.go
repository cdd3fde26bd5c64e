package environment

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/pkg/wire"
)

// Handler provides the HTTP surface for environment templates.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates a new environment handler.
func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{service: svc, logger: log}
}

// RegisterRoutes mounts the environment routes on the router.
func RegisterRoutes(router *gin.Engine, svc *Service, log *logger.Logger) {
	h := NewHandler(svc, log)
	api := router.Group("/api")
	api.GET("/environments", h.listEnvironments)
	api.GET("/environments/:id", h.getEnvironment)
	api.POST("/environments", h.createEnvironment)
	api.PUT("/environments/:id", h.updateEnvironment)
	api.DELETE("/environments/:id", h.deleteEnvironment)
}

func (h *Handler) listEnvironments(c *gin.Context) {
	envs, err := h.service.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list environments", zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to list environments"))
		return
	}
	c.JSON(http.StatusOK, wire.OK(envs))
}

func (h *Handler) getEnvironment(c *gin.Context) {
	id := c.Param("id")
	env, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, wire.Err(wire.CodeNotFound, err.Error()))
			return
		}
		h.logger.Error("failed to get environment", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to get environment"))
		return
	}
	c.JSON(http.StatusOK, wire.OK(env))
}

func (h *Handler) createEnvironment(c *gin.Context) {
	var req WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.Err(wire.CodeValidation, "invalid payload"))
		return
	}

	env, err := h.service.Create(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, "create", err)
		return
	}
	c.JSON(http.StatusCreated, wire.OK(env))
}

func (h *Handler) updateEnvironment(c *gin.Context) {
	id := c.Param("id")
	var req WriteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.Err(wire.CodeValidation, "invalid payload"))
		return
	}

	env, err := h.service.Update(c.Request.Context(), id, &req)
	if err != nil {
		h.writeError(c, "update", err)
		return
	}
	c.JSON(http.StatusOK, wire.OK(env))
}

func (h *Handler) deleteEnvironment(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		h.logger.Error("failed to delete environment", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to delete environment"))
		return
	}
	c.JSON(http.StatusOK, wire.OK(gin.H{"deleted": id}))
}

func (h *Handler) writeError(c *gin.Context, verb string, err error) {
	switch {
	case errors.Is(err, ErrValidation):
		c.JSON(http.StatusBadRequest, wire.Err(wire.CodeValidation, err.Error()))
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, wire.Err(wire.CodeNotFound, err.Error()))
	case errors.Is(err, ErrDuplicateDefault):
		c.JSON(http.StatusConflict, wire.Err(wire.CodeConflict, err.Error()))
	default:
		h.logger.Error("failed to "+verb+" environment", zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to "+verb+" environment"))
	}
}
