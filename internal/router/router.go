package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/upon-ly/QR-auction-web-sub004/internal/handler"
)

// Handlers 路由依赖的处理器
type Handlers struct {
	Claim      *handler.ClaimHandler
	Queue      *handler.QueueHandler
	Admin      *handler.AdminHandler
	Health     *handler.HealthHandler
	AdminToken string
	Gatherer   prometheus.Gatherer
}

func Setup(h Handlers) *gin.Engine {
	r := gin.New()

	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(corsMiddleware())

	// 健康检查
	r.GET("/health", h.Health.Health)

	gatherer := h.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	// API版本组
	v1 := r.Group("/api/v1")
	{
		claims := v1.Group("/claims")
		{
			claims.POST("", h.Claim.CreateClaim)
			claims.GET("/amount", h.Claim.GetAmount)
			claims.GET("/status", h.Claim.GetStatus)
		}

		v1.POST("/queue/retry", h.Queue.Retry)

		admin := v1.Group("/admin", handler.AdminAuth(h.AdminToken))
		{
			admin.GET("/failures", h.Admin.ListFailures)
			admin.POST("/failures/:id/requeue", h.Admin.RequeueFailure)
			admin.POST("/tiers/refresh", h.Admin.RefreshTiers)
		}
	}

	return r
}

// CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-Admin-Token")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
