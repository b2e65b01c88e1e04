package server

import (
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/theoriahq/theoria-backend/internal/http/handlers"
	"github.com/theoriahq/theoria-backend/internal/http/middleware"
	"github.com/theoriahq/theoria-backend/internal/platform/envutil"
)

type RouterConfig struct {
	AuthMiddleware *middleware.AuthMiddleware
	TheoryHandler  *handlers.TheoryHandler
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := strings.Split(envutil.Str("CORS_ALLOW_ORIGINS", "http://localhost:3000"), ",")
	for i := range origins {
		origins[i] = strings.TrimSpace(origins[i])
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))
	router.Use(otelgin.Middleware("theoria-backend"))

	router.GET("/healthcheck", handlers.HealthCheck)

	api := router.Group("/api")
	api.Use(cfg.AuthMiddleware.RequireAuth())

	api.POST("/projects/:id/theory/generate", cfg.TheoryHandler.Generate)
	api.GET("/projects/:id/theory", cfg.TheoryHandler.LatestTheory)
	api.GET("/theory-tasks/:id", cfg.TheoryHandler.TaskStatus)
	api.POST("/theory-tasks/:id/cancel", cfg.TheoryHandler.CancelTask)
	api.GET("/theory-tasks/:id/events", cfg.TheoryHandler.TaskEvents)
	api.GET("/theories/:id/claims/:claimId/explain", cfg.TheoryHandler.ExplainClaim)

	return router
}
