package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/qs3c/line_persona_bot/config"
	"github.com/qs3c/line_persona_bot/internal/api/handler"
	"github.com/qs3c/line_persona_bot/internal/api/middleware"
)

type Router struct {
	webhookHandler   *handler.WebhookHandler
	billingHandler   *handler.BillingHandler
	broadcastHandler *handler.BroadcastHandler
	adminHandler     *handler.AdminHandler
	healthHandler    *handler.HealthHandler
	cfg              *config.Config
}

func NewRouter(
	webhookHandler *handler.WebhookHandler,
	billingHandler *handler.BillingHandler,
	broadcastHandler *handler.BroadcastHandler,
	adminHandler *handler.AdminHandler,
	healthHandler *handler.HealthHandler,
	cfg *config.Config,
) *Router {
	return &Router{
		webhookHandler:   webhookHandler,
		billingHandler:   billingHandler,
		broadcastHandler: broadcastHandler,
		adminHandler:     adminHandler,
		healthHandler:    healthHandler,
		cfg:              cfg,
	}
}

func (r *Router) Setup() *gin.Engine {
	if r.cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(middleware.RequestID())
	engine.Use(middleware.Logger())
	engine.Use(middleware.Recovery())
	engine.Use(middleware.Metrics())

	// LINE 平台回调
	engine.POST("/webhook", r.webhookHandler.Callback)

	// Stripe 回调
	engine.POST("/billing/stripe/webhook", r.billingHandler.StripeWebhook)

	// 外部调度器
	internal := engine.Group("/internal")
	internal.Use(middleware.CronSecret(r.cfg.Broadcast.Secret))
	{
		internal.POST("/broadcast/:occasion", r.broadcastHandler.Trigger)
	}

	// 运维接口
	admin := engine.Group("/admin")
	admin.Use(middleware.AdminAuth(r.cfg.Admin.JWTSecret))
	{
		users := admin.Group("/users")
		users.GET("/:id", r.adminHandler.GetUser)
		users.GET("/:id/quota", r.adminHandler.GetQuota)
		users.PUT("/:id/plan", r.adminHandler.SetPlan)
		users.DELETE("/:id", r.adminHandler.ResetUser)
	}

	engine.GET("/health", r.healthHandler.Check)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return engine
}
