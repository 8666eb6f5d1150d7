package handler

import (
	"net/http"

	"travel-event-core/internal/adapter/http/middleware"
	"travel-event-core/internal/core/ports"
	"travel-event-core/internal/observability"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// maxBodyBytes caps every request body. Provider callbacks are well under it.
const maxBodyBytes = 1 << 20

// RouterDeps holds all dependencies needed to set up routes.
type RouterDeps struct {
	IngestSvc      ports.IngestService
	WebhookSvc     ports.WebhookService
	Queues         ports.QueueInspector
	Store          ports.StoreInspector
	TokenSvc       ports.TokenService
	RateLimiter    ports.RateLimiter // nil = rate limiting disabled
	RateLimits     map[string]middleware.RateLimitRule
	HealthCheckers []ports.HealthChecker
	Metrics        *observability.Metrics // nil = no request metrics
	MetricsHandler http.Handler           // nil = /metrics not served
	OpenAPISpec    []byte                 // nil = /docs not served
	Mode           string
	Logger         zerolog.Logger
}

// SetupRouter initialises the Gin engine with all routes and middleware.
func SetupRouter(deps RouterDeps) *gin.Engine {
	if deps.Mode == "" {
		deps.Mode = gin.ReleaseMode
	}
	gin.SetMode(deps.Mode)
	r := gin.New()

	// Global middleware
	r.Use(middleware.RequestID())
	r.Use(middleware.Recovery(deps.Logger))
	r.Use(middleware.RequestLogger(deps.Logger))
	if deps.Metrics != nil {
		r.Use(middleware.Metrics(deps.Metrics))
	}
	r.Use(middleware.MaxBodySize(maxBodyBytes))

	r.GET("/health", HealthCheck(deps.HealthCheckers...))
	if deps.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(deps.MetricsHandler))
	}
	if deps.OpenAPISpec != nil {
		docs := NewDocsHandler(deps.OpenAPISpec)
		r.GET("/docs", docs.UI)
		r.GET("/docs/openapi.yaml", docs.Spec)
	}

	rl := func(group string) gin.HandlerFunc {
		rule, ok := deps.RateLimits[group]
		if deps.RateLimiter == nil || !ok || rule.Limit <= 0 {
			return func(c *gin.Context) { c.Next() }
		}
		return middleware.RateLimiter(deps.RateLimiter, group, rule, deps.Logger)
	}

	v1 := r.Group("/api/v1")

	// --- Provider callbacks (signature-verified, no auth) ---
	inbound := NewInboundHandler(deps.IngestSvc)
	webhooks := v1.Group("/webhooks", rl(middleware.GroupInbound))
	{
		webhooks.POST("/payment-gateway", inbound.PaymentGateway)
		webhooks.POST("/esign", inbound.ESign)
	}

	// --- Operator API (JWT, tenant scoped) ---
	jwtAuth := middleware.JWTAuth(deps.TokenSvc, deps.Logger)
	operator := v1.Group("", jwtAuth, rl(middleware.GroupOperator))

	events := NewEventHandler(deps.WebhookSvc)
	operator.POST("/events", events.Publish)
	operator.GET("/deliveries", events.ListDeliveries)
	operator.GET("/deliveries/:id", events.GetDelivery)

	if deps.Queues != nil {
		queues := NewQueueHandler(deps.Queues)
		operator.GET("/queues", queues.List)
		operator.GET("/queues/:name/failed", queues.Failed)
		operator.GET("/queues/:name/jobs/:id", queues.GetJob)
	}
	if deps.Store != nil {
		store := NewStoreHandler(deps.Store)
		operator.GET("/store", store.Namespaces)
		operator.GET("/store/:namespace/keys", store.Keys)
	}

	return r
}
