package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prasenjit/go-mockengine/internal/history"
	"github.com/prasenjit/go-mockengine/internal/logging"
	"github.com/prasenjit/go-mockengine/internal/metrics"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

// Router handles HTTP routing. /_api serves the admin API; every other path
// goes to the mock edge.
type Router struct {
	engine  *gin.Engine
	handler *Handler
	edge    http.Handler
	stream  http.Handler
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// NewRouter creates a new router
func NewRouter(s Services) *Router {
	gin.SetMode(gin.ReleaseMode)

	r := &Router{
		engine:  gin.New(),
		handler: NewHandler(s),
		edge:    s.Engine.Handler(),
		stream:  history.NewStreamHandler(s.History, s.Logger),
		metrics: s.Metrics,
		log:     logging.OrDiscard(s.Logger, "api"),
	}

	// mock paths reach the edge exactly as sent
	r.engine.RedirectTrailingSlash = false
	r.engine.RedirectFixedPath = false

	r.engine.Use(gin.Recovery())
	r.engine.Use(accessLog(r.log))

	r.setupRoutes()

	return r
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	api := r.engine.Group("/_api")
	{
		// Environments
		api.GET("/environments", r.handler.ListEnvironments)
		api.POST("/environments", r.handler.CreateEnvironment)
		api.GET("/environments/:id", r.handler.GetEnvironment)
		api.PUT("/environments/:id", r.handler.UpdateEnvironment)
		api.DELETE("/environments/:id", r.handler.DeleteEnvironment)

		// Rules
		api.GET("/rules", r.handler.ListRules)
		api.POST("/rules", r.handler.CreateRule)
		api.POST("/rules/import/openapi", r.handler.ImportOpenAPI)
		api.GET("/rules/:id", r.handler.GetRule)
		api.PUT("/rules/:id", r.handler.UpdateRule)
		api.DELETE("/rules/:id", r.handler.DeleteRule)
		api.PUT("/rules/:id/enable", r.handler.EnableRule)
		api.PUT("/rules/:id/disable", r.handler.DisableRule)
		api.PUT("/rules/:id/priority", r.handler.UpdateRulePriority)

		// Rule index
		api.GET("/index/:projectId/:environmentId", r.handler.GetIndex)
		api.POST("/index/:projectId/:environmentId/rebuild", r.handler.RebuildIndex)

		// Mock-test console
		api.POST("/evaluate", r.handler.Evaluate)

		// Interaction history
		api.GET("/interactions", r.handler.ListInteractions)
		api.GET("/interactions/stream", gin.WrapH(r.stream))
		api.GET("/interactions/:id", r.handler.GetInteraction)
		api.DELETE("/interactions", r.handler.ClearInteractions)

		// Statistics
		api.GET("/stats", r.handler.GetGlobalStats)
		api.GET("/stats/rules/:id", r.handler.GetRuleStats)
		api.GET("/stats/environments/:projectId/:environmentId", r.handler.GetEnvironmentStats)
		api.POST("/stats/reset", r.handler.ResetStats)

		// Operations
		api.GET("/metrics", gin.WrapH(r.metrics.Handler()))
		api.GET("/health", r.handler.HealthCheck)
	}

	r.engine.NoRoute(func(c *gin.Context) {
		r.edge.ServeHTTP(c.Writer, c.Request)
	})
}

// Handler returns the http.Handler with CORS applied to both the admin API
// and the mock edge
func (r *Router) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
			http.MethodDelete, http.MethodHead, http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
		MaxAge:         86400,
	}).Handler(r.engine)
}

// accessLog logs every request through logrus instead of gin's own logger
func accessLog(log *logrus.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		entry := log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   status,
			"latency":  time.Since(start).String(),
			"clientIp": c.ClientIP(),
		})

		switch {
		case len(c.Errors) > 0:
			entry.Error(c.Errors.String())
		case status >= http.StatusInternalServerError:
			entry.Warn("Request failed")
		default:
			entry.Info("Request handled")
		}
	}
}
