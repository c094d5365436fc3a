package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/monitoring"
	"mailtrack/backend/internal/storage"
)

// KeyFunc 从请求中提取限流键
type KeyFunc func(c *gin.Context) string

// ByUserEmail 按路径中的用户邮箱限流
func ByUserEmail(c *gin.Context) string {
	return "user:" + domain.NormalizeEmail(c.Param("userEmail"))
}

// ByClientIP 按客户端 IP 限流
func ByClientIP(c *gin.Context) string {
	return "ip:" + c.ClientIP()
}

// RateLimiter 固定窗口限流，计数存放在存储层，多实例部署时共享 redis 计数
type RateLimiter struct {
	repo    storage.RateLimitRepository
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

// NewRateLimiter 创建限流器
func NewRateLimiter(repo storage.RateLimitRepository, metrics *monitoring.Metrics, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{repo: repo, metrics: metrics, logger: logger}
}

// Limit 返回限流中间件；limit <= 0 时不限流
func (rl *RateLimiter) Limit(name string, limit int64, window time.Duration, keyFn KeyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit <= 0 {
			c.Next()
			return
		}

		key := fmt.Sprintf("%s:%s", name, keyFn(c))
		count, err := rl.repo.IncrementRateLimit(key, window)
		if err != nil {
			// 计数失败时放行，限流不影响主流程
			rl.logger.Warn("rate limit counter unavailable", zap.String("key", key), zap.Error(err))
			c.Next()
			return
		}

		remaining := limit - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))

		if count > limit {
			rl.metrics.RecordRateLimitBlock(name)
			c.Header("Retry-After", strconv.Itoa(int(window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too many requests",
				"details": fmt.Sprintf("limit of %d requests per %s exceeded", limit, window),
			})
			return
		}

		c.Next()
	}
}
