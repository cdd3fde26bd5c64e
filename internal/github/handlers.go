package github

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/pkg/wire"
)

// Handler provides the HTTP surface for repository listing.
type Handler struct {
	service *Service
	logger  *logger.Logger
}

// NewHandler creates a new github handler.
func NewHandler(svc *Service, log *logger.Logger) *Handler {
	return &Handler{service: svc, logger: log}
}

// RegisterRoutes mounts the github routes on the router.
func RegisterRoutes(router *gin.Engine, svc *Service, log *logger.Logger) {
	h := NewHandler(svc, log)
	api := router.Group("/api")
	api.GET("/github/repos", h.listRepos)
}

func (h *Handler) listRepos(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "0"))
	if err != nil || limit < 0 {
		c.JSON(http.StatusBadRequest, wire.Err(wire.CodeValidation, "limit must be a non-negative integer"))
		return
	}

	repos, err := h.service.ListRepos(c.Request.Context(), c.Query("query"), limit)
	if err != nil {
		var ghErr *apiError
		switch {
		case errors.Is(err, ErrNoToken):
			c.JSON(http.StatusBadRequest, wire.Err(wire.CodeValidation, err.Error()))
		case errors.As(err, &ghErr) && (ghErr.StatusCode == http.StatusUnauthorized || ghErr.StatusCode == http.StatusForbidden):
			c.JSON(http.StatusBadRequest, wire.Err(wire.CodeValidation, "github rejected the stored token"))
		default:
			h.logger.Error("failed to list github repos", zap.Error(err))
			c.JSON(http.StatusBadGateway, wire.Err(wire.CodeInternal, "failed to list github repos"))
		}
		return
	}
	if repos == nil {
		repos = []Repo{}
	}
	c.JSON(http.StatusOK, wire.OK(repos))
}
