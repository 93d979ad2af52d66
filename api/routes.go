package api

import (
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"

	"github.com/customeros/mailsync/api/middleware"
	"github.com/customeros/mailsync/api/rest/handlers"
	"github.com/customeros/mailsync/interfaces"
	"github.com/customeros/mailsync/internal/logger"
	"github.com/customeros/mailsync/internal/tracing"
)

const AppSource = "mailsync"

type RouteDependencies struct {
	Log    logger.Logger
	Queue  interfaces.SyncRequestQueue
	Waiter interfaces.SyncRequestWaiter
	Status interfaces.SyncStatusProvider
	APIKey string
}

// RegisterRoutes sets up all API endpoints
func RegisterRoutes(r *gin.Engine, deps RouteDependencies) {
	if deps.Queue == nil || deps.Waiter == nil {
		panic("sync request queue and waiter cannot be nil")
	}
	if deps.Status == nil {
		panic("status provider cannot be nil")
	}

	r.Use(gin.Recovery())
	r.Use(tracing.RecoveryWithJaeger(opentracing.GlobalTracer()))

	r.GET("/health", handlers.HealthCheck)
	r.GET("/status", handlers.Status(deps.Status))

	syncRequests := handlers.NewSyncRequestsHandler(deps.Queue, deps.Waiter, deps.Log)

	api := r.Group("/v1")
	api.Use(middleware.APIKeyMiddleware(middleware.APIKeyConfig{
		HeaderName:  middleware.APIKeyHeader,
		ValidAPIKey: deps.APIKey,
	}))
	api.Use(middleware.UserIdMiddleware())
	api.Use(middleware.CustomContextMiddleware(AppSource))
	api.Use(middleware.TracingMiddleware())
	{
		requests := api.Group("/sync-requests")
		{
			requests.POST("", syncRequests.Create())
			requests.GET("/:id", syncRequests.Get())
		}
	}
}
