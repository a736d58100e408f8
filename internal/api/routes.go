package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fleet/internal/api/handlers"
	"fleet/internal/api/middleware"
	"fleet/internal/config"
	"fleet/internal/metrics"
	"fleet/internal/services"
)

type Router struct {
	nearestService *services.NearestService
	nearestHandler *handlers.NearestHandler
	indexHandler   *handlers.IndexHandler
	server         config.ServerConfig
	metrics        *metrics.Metrics
	gatherer       prometheus.Gatherer
	logger         *slog.Logger
}

func NewRouter(
	nearestService *services.NearestService,
	server config.ServerConfig,
	m *metrics.Metrics,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Router {
	return &Router{
		nearestService: nearestService,
		nearestHandler: handlers.NewNearestHandler(nearestService),
		indexHandler:   handlers.NewIndexHandler(nearestService, server.MaxUpload),
		server:         server,
		metrics:        m,
		gatherer:       gatherer,
		logger:         logger,
	}
}

func (r *Router) Setup(engine *gin.Engine) {
	engine.Use(middleware.RequestID(), middleware.Logger(r.logger, r.metrics))

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "ready": r.nearestService.Ready()})
	})

	// Ready answers 503 until the first index is published, for load
	// balancer checks.
	engine.GET("/ready", func(c *gin.Context) {
		if !r.nearestService.Ready() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "index not built"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})))

	// Query routes
	query := engine.Group("/")
	query.Use(middleware.RateLimit(r.server.RateLimit, r.server.RateBurst))
	{
		query.GET("/nearest", r.nearestHandler.Nearest)
		query.POST("/nearest/batch", r.nearestHandler.Batch)
		query.GET("/index/stats", r.indexHandler.Stats)
		query.GET("/index/cells/:geohash", r.nearestHandler.Cell)
	}

	// Admin routes
	admin := engine.Group("/index")
	admin.Use(middleware.RequireToken(r.server.AdminToken))
	{
		admin.POST("/rebuild", r.indexHandler.Rebuild)
		admin.PUT("/positions", r.indexHandler.Upload)
	}
}

// NewEngine returns a gin engine with recovery and all routes installed.
func NewEngine(r *Router) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	r.Setup(engine)
	return engine
}
