// Package router assembles the gin engine: middleware chain, versioned API
// groups, health and metrics endpoints.
package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/mailzen/ingest-api/internal/middleware"
)

type Handler interface {
	RegisterRoutes(*gin.RouterGroup)
}

type Config struct {
	RateLimit rate.Limit
	RateBurst int
}

type Router struct {
	engine   *gin.Engine
	health   Handler
	webhook  Handler
	account  Handler
	analysis Handler
}

func NewRouter(health, webhook, account, analysis Handler, config Config) *Router {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Logger(),
	)

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		Rate:  config.RateLimit,
		Burst: config.RateBurst,
	})
	engine.Use(rateLimiter.RateLimit())

	return &Router{
		engine:   engine,
		health:   health,
		webhook:  webhook,
		account:  account,
		analysis: analysis,
	}
}

func (r *Router) Setup() {
	r.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.health.RegisterRoutes(&r.engine.RouterGroup)

	api := r.engine.Group("/api/v1")
	r.webhook.RegisterRoutes(api)
	r.account.RegisterRoutes(api)
	r.analysis.RegisterRoutes(api)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
