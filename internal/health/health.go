package health

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"

	"mailtrack/backend/internal/storage"
)

// HealthChecker 健康检查器，/live 只反映进程本身，/ready 反映存储可用性
type HealthChecker struct {
	health    healthcheck.Handler
	store     storage.Store
	logger    *zap.Logger
	startTime time.Time
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(store storage.Store, logger *zap.Logger) *HealthChecker {
	hc := &HealthChecker{
		health:    healthcheck.NewHandler(),
		store:     store,
		logger:    logger,
		startTime: time.Now(),
	}

	hc.addChecks()
	return hc
}

func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))

	hc.health.AddReadinessCheck("store", healthcheck.Timeout(func() error {
		return hc.store.Health()
	}, 5*time.Second))
}

// AddReadinessCheck 追加就绪检查，例如数据库连接池
func (hc *HealthChecker) AddReadinessCheck(name string, check healthcheck.Check) {
	hc.health.AddReadinessCheck(name, check)
}

// Handler 返回健康检查处理器，提供 /live 与 /ready
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// CheckHealth 执行一次检查并返回各组件状态
func (hc *HealthChecker) CheckHealth() map[string]string {
	results := make(map[string]string)

	if err := hc.store.Health(); err != nil {
		results["store"] = fmt.Sprintf("ERROR: %v", err)
		hc.logger.Warn("store health check failed", zap.Error(err))
	} else {
		results["store"] = "OK"
	}

	results["uptime"] = time.Since(hc.startTime).Round(time.Second).String()
	results["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return results
}

// DatabaseHealthCheck 数据库健康检查
func DatabaseHealthCheck(db *sql.DB) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return db.PingContext(ctx)
	}
}
