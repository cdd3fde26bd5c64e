package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/relayci/relay/internal/common/config"
	"github.com/relayci/relay/internal/common/httpmw"
	"github.com/relayci/relay/internal/common/logger"
	"github.com/relayci/relay/internal/environment"
	gateway "github.com/relayci/relay/internal/gateway/websocket"
	"github.com/relayci/relay/internal/github"
	"github.com/relayci/relay/internal/sandbox"
	"github.com/relayci/relay/internal/secrets"
	"github.com/relayci/relay/internal/session"
	"github.com/relayci/relay/pkg/wire"
)

// version is stamped at build time via -ldflags.
var version = "dev"

type routerDeps struct {
	sessions     *session.Service
	secrets      *secrets.Service
	environments *environment.Service
	github       *github.Service
	manager      *sandbox.Manager
}

// newRouter assembles the full HTTP surface: REST API, WebSocket
// gateway, and the operational endpoints.
func newRouter(cfg *config.Config, log *logger.Logger, deps routerDeps) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(httpmw.RequestLogger(log, "relay"))
	router.Use(httpmw.OtelTracing("relay"))

	session.RegisterRoutes(router, deps.sessions, log)
	secrets.RegisterRoutes(router, deps.secrets, log)
	environment.RegisterRoutes(router, deps.environments, log)
	github.RegisterRoutes(router, deps.github, log)
	gateway.RegisterRoutes(router, deps.sessions, log)

	// Health check for load balancers and monitoring.
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, wire.OK(gin.H{
			"ok":      true,
			"version": version,
		}))
	})

	// Provider availability for the dashboard.
	router.GET("/api/providers", func(c *gin.Context) {
		c.JSON(http.StatusOK, wire.OK(gin.H{
			"defaultProvider": deps.manager.DefaultType(),
			"providers":       deps.manager.ProviderStatuses(c.Request.Context()),
		}))
	})

	return router
}

// corsMiddleware allows browser dashboards served from another origin
// to reach the API and upgrade WebSocket connections.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Authorization, Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Protocol")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
