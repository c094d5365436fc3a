package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtrack/backend/internal/config"
	"mailtrack/backend/internal/health"
	"mailtrack/backend/internal/middleware"
	"mailtrack/backend/internal/monitoring"
	"mailtrack/backend/internal/service"
	"mailtrack/backend/internal/storage"
	"mailtrack/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config          *config.Config
	EmailService    *service.EmailService
	TrackingService *service.TrackingService
	WebSocketHub    *websocket.Hub              // 为空时不注册实时推送路由
	HealthChecker   *health.HealthChecker       // 为空时只提供 /health 的静态响应
	RateLimits      storage.RateLimitRepository // 发送接口限流计数
	Metrics         *monitoring.Metrics
	Logger          *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	router := gin.New()

	mm := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)
	router.Use(mm.PanicRecovery())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(mm.HTTPMetrics())
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.BodySizeLimit(middleware.DefaultBodyLimit))
	router.Use(gincors.New(corsConfig(deps.Config.CORS.AllowedOrigins)))

	emailHandler := NewEmailHandler(deps.EmailService, deps.Config.Tracking.BaseURL, deps.Logger)
	trackingHandler := NewTrackingHandler(deps.TrackingService, deps.Config)
	limiter := middleware.NewRateLimiter(deps.RateLimits, deps.Metrics, deps.Logger)

	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		if deps.HealthChecker == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "checks": deps.HealthChecker.CheckHealth()})
	})
	if deps.HealthChecker != nil {
		probes := gin.WrapH(http.StripPrefix("/health", deps.HealthChecker.Handler()))
		router.GET("/health/live", probes)
		router.GET("/health/ready", probes)
	}
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))
	}

	api := router.Group("/api")
	{
		emails := api.Group("/emails/:userEmail")
		{
			emails.GET("", emailHandler.ListEmails)
			emails.GET("/sent", emailHandler.ListSentEmails)
			emails.POST("/send",
				middleware.BodySizeLimit(middleware.EmailBodyLimit),
				limiter.Limit("send", deps.Config.Mail.SendRateLimit, deps.Config.Mail.SendRateWindow, middleware.ByUserEmail),
				emailHandler.SendEmail,
			)
		}

		api.GET("/track/:trackingId", trackingHandler.Pixel)
		api.GET("/debug/config", trackingHandler.DebugConfig)

		if deps.WebSocketHub != nil {
			api.GET("/ws/:userEmail",
				limiter.Limit("ws_connect", deps.Config.WebSocket.ConnectRateLimit, deps.Config.WebSocket.ConnectRateWindow, middleware.ByClientIP),
				websocket.HandleWebSocket(deps.WebSocketHub),
			)
		}
	}

	return router
}

func corsConfig(origins []string) gincors.Config {
	cfg := gincors.Config{
		AllowOrigins: origins,
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{
			"Content-Length",
			"X-RateLimit-Limit",
			"X-RateLimit-Remaining",
			"Retry-After",
		},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 允许所有来源时不能携带凭证
	for _, origin := range origins {
		if origin == "*" {
			cfg.AllowOrigins = nil
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
			break
		}
	}
	return cfg
}
