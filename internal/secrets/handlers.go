package secrets

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/crypto"
	"github.com/relayci/relay/pkg/wire"
)

// Handler provides the HTTP surface for secrets CRUD.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates a new secrets handler.
func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{service: svc, logger: log}
}

// RegisterRoutes mounts the secrets routes on the router.
func RegisterRoutes(router *gin.Engine, svc *Service, log *logger.Logger) {
	h := NewHandler(svc, log)
	api := router.Group("/api")
	api.GET("/secrets", h.listSecrets)
	api.GET("/secrets/:id", h.getSecret)
	api.PUT("/secrets/:id", h.putSecret)
	api.DELETE("/secrets/:id", h.deleteSecret)
}

func (h *Handler) listSecrets(c *gin.Context) {
	items, err := h.service.List(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list secrets", zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to list secrets"))
		return
	}
	c.JSON(http.StatusOK, wire.OK(items))
}

func (h *Handler) getSecret(c *gin.Context) {
	id := c.Param("id")
	secret, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, wire.Err(wire.CodeNotFound, err.Error()))
		case errors.Is(err, crypto.ErrDecryptFailed), errors.Is(err, crypto.ErrUnknownKeyVersion):
			h.logger.Error("failed to decrypt secret", zap.String("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeDecryptFailed, "failed to decrypt secret"))
		default:
			h.logger.Error("failed to get secret", zap.String("id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to get secret"))
		}
		return
	}
	c.JSON(http.StatusOK, wire.OK(gin.H{
		"metadata": secret.Secret,
		"value":    string(secret.Value),
	}))
}

func (h *Handler) putSecret(c *gin.Context) {
	id := c.Param("id")
	var req PutSecretRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, wire.Err(wire.CodeValidation, "invalid payload"))
		return
	}

	item, err := h.service.Put(c.Request.Context(), id, &req)
	if err != nil {
		if errors.Is(err, ErrValidation) {
			c.JSON(http.StatusBadRequest, wire.Err(wire.CodeValidation, err.Error()))
			return
		}
		h.logger.Error("failed to store secret", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to store secret"))
		return
	}
	c.JSON(http.StatusOK, wire.OK(item))
}

func (h *Handler) deleteSecret(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.Delete(c.Request.Context(), id); err != nil {
		h.logger.Error("failed to delete secret", zap.String("id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, wire.Err(wire.CodeInternal, "failed to delete secret"))
		return
	}
	c.JSON(http.StatusOK, wire.OK(gin.H{"deleted": id}))
}
