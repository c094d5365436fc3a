package monitoring

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"

	"mailtrack/backend/internal/storage"
)

// AlertLevel 告警级别
type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
)

// Alert 告警
type Alert struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Level      AlertLevel `json:"level"`
	Component  string     `json:"component"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// AlertRule 告警规则，条件不再成立时自动解除
type AlertRule struct {
	ID        string
	Name      string
	Condition func() bool
	Level     AlertLevel
	Component string
	Message   string
	Cooldown  time.Duration

	lastTriggered time.Time
}

// AlertReceiver 告警接收器接口
type AlertReceiver interface {
	SendAlert(alert *Alert) error
}

// AlertManager 告警管理器
type AlertManager struct {
	mu        sync.Mutex
	alerts    map[string]*Alert // ruleID -> 当前告警
	rules     []*AlertRule
	receivers []AlertReceiver
	logger    *zap.Logger
	now       func() time.Time
}

// NewAlertManager 创建告警管理器
func NewAlertManager(logger *zap.Logger) *AlertManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AlertManager{
		alerts: make(map[string]*Alert),
		logger: logger,
		now:    time.Now,
	}
}

// AddReceiver 添加告警接收器
func (am *AlertManager) AddReceiver(receiver AlertReceiver) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.receivers = append(am.receivers, receiver)
}

// AddRule 添加告警规则
func (am *AlertManager) AddRule(rule AlertRule) {
	am.mu.Lock()
	defer am.mu.Unlock()
	am.rules = append(am.rules, &rule)
}

// ActiveAlerts 获取未解除的告警
func (am *AlertManager) ActiveAlerts() []Alert {
	am.mu.Lock()
	defer am.mu.Unlock()

	alerts := make([]Alert, 0, len(am.alerts))
	for _, alert := range am.alerts {
		if !alert.Resolved {
			alerts = append(alerts, *alert)
		}
	}
	return alerts
}

// CheckRules 检查所有规则，触发新告警并解除已恢复的告警
func (am *AlertManager) CheckRules() {
	am.mu.Lock()
	rules := make([]*AlertRule, len(am.rules))
	copy(rules, am.rules)
	am.mu.Unlock()

	for _, rule := range rules {
		firing := rule.Condition()

		am.mu.Lock()
		now := am.now()
		current, exists := am.alerts[rule.ID]
		active := exists && !current.Resolved

		switch {
		case firing && !active && now.Sub(rule.lastTriggered) >= rule.Cooldown:
			alert := &Alert{
				ID:        fmt.Sprintf("%s_%d", rule.ID, now.Unix()),
				Title:     rule.Name,
				Message:   rule.Message,
				Level:     rule.Level,
				Component: rule.Component,
				Timestamp: now,
			}
			am.alerts[rule.ID] = alert
			rule.lastTriggered = now
			receivers := append([]AlertReceiver(nil), am.receivers...)
			am.mu.Unlock()

			am.dispatch(alert, receivers)
			continue
		case !firing && active:
			current.Resolved = true
			current.ResolvedAt = &now
			am.logger.Info("Alert resolved", zap.String("alert_id", current.ID))
		}
		am.mu.Unlock()
	}
}

func (am *AlertManager) dispatch(alert *Alert, receivers []AlertReceiver) {
	for _, receiver := range receivers {
		if err := receiver.SendAlert(alert); err != nil {
			am.logger.Error("Failed to send alert",
				zap.String("alert_id", alert.ID),
				zap.Error(err),
			)
		}
	}
	am.logger.Info("Alert triggered",
		zap.String("alert_id", alert.ID),
		zap.String("level", string(alert.Level)),
		zap.String("component", alert.Component),
	)
}

// StartMonitoring 按固定间隔检查规则，直到 ctx 结束
func (am *AlertManager) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			am.CheckRules()
		}
	}
}

// ========== 内置告警规则 ==========

// HighMemoryUsageRule 高内存使用告警规则
func HighMemoryUsageRule(thresholdMB float64) AlertRule {
	return AlertRule{
		ID:   "high_memory_usage",
		Name: "High Memory Usage",
		Condition: func() bool {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return float64(m.Alloc)/1024/1024 > thresholdMB
		},
		Level:     AlertLevelWarning,
		Component: "memory",
		Message:   fmt.Sprintf("Memory usage exceeds %.0f MB", thresholdMB),
		Cooldown:  5 * time.Minute,
	}
}

// StoreHealthRule 存储不可用告警规则
func StoreHealthRule(store storage.Store) AlertRule {
	return AlertRule{
		ID:   "store_health",
		Name: "Store Unavailable",
		Condition: func() bool {
			return store.Health() != nil
		},
		Level:     AlertLevelCritical,
		Component: "storage",
		Message:   "Sent-email store health check failed",
		Cooldown:  time.Minute,
	}
}

// GatewayErrorBurstRule 在两次检查之间服务商失败次数超过阈值时告警
func GatewayErrorBurstRule(metrics *Metrics, threshold int64) AlertRule {
	var (
		mu   sync.Mutex
		last int64
	)
	return AlertRule{
		ID:   "gateway_error_burst",
		Name: "Mail Provider Errors",
		Condition: func() bool {
			mu.Lock()
			defer mu.Unlock()
			current := metrics.GatewayErrors()
			delta := current - last
			last = current
			return delta > threshold
		},
		Level:     AlertLevelWarning,
		Component: "gateway",
		Message:   fmt.Sprintf("More than %d mail provider calls failed since the last check", threshold),
		Cooldown:  5 * time.Minute,
	}
}

// ========== 告警接收器实现 ==========

// LogAlertReceiver 日志告警接收器
type LogAlertReceiver struct {
	logger *zap.Logger
}

// NewLogAlertReceiver 创建日志告警接收器
func NewLogAlertReceiver(logger *zap.Logger) *LogAlertReceiver {
	return &LogAlertReceiver{logger: logger}
}

// SendAlert 发送告警到日志
func (lar *LogAlertReceiver) SendAlert(alert *Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID),
		zap.String("title", alert.Title),
		zap.String("message", alert.Message),
		zap.String("component", alert.Component),
		zap.Time("timestamp", alert.Timestamp),
	}
	if alert.Level == AlertLevelCritical {
		lar.logger.Error("CRITICAL ALERT", fields...)
	} else {
		lar.logger.Warn("WARNING ALERT", fields...)
	}
	return nil
}
