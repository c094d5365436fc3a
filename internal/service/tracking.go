package service

import (
	"context"

	"go.uber.org/zap"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/monitoring"
	"mailtrack/backend/internal/tracking"
)

// OpenNotifier 接收首次打开事件，例如实时推送中心
type OpenNotifier interface {
	NotifyOpened(ctx context.Context, email *domain.SentEmail)
}

// TrackingService 处理追踪像素请求
type TrackingService struct {
	correlator *tracking.Correlator
	notifiers  []OpenNotifier
	metrics    *monitoring.Metrics
	logger     *zap.Logger
}

// NewTrackingService 创建追踪服务
func NewTrackingService(correlator *tracking.Correlator, metrics *monitoring.Metrics, logger *zap.Logger, notifiers ...OpenNotifier) *TrackingService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TrackingService{
		correlator: correlator,
		notifiers:  notifiers,
		metrics:    metrics,
		logger:     logger,
	}
}

// HandlePixel 记录一次像素请求。
// 所有错误只记录日志，调用方总是返回像素图片。
func (s *TrackingService) HandlePixel(ctx context.Context, trackingID string) {
	s.metrics.RecordPixelRequest()

	record, err := s.correlator.RecordOpen(trackingID)
	if err != nil {
		s.logger.Error("failed to record email open",
			zap.String("tracking_id", trackingID),
			zap.Error(err),
		)
		s.metrics.RecordError("record_open", "tracking")
		return
	}
	if record == nil {
		s.logger.Debug("pixel request without state change", zap.String("tracking_id", trackingID))
		return
	}

	s.metrics.RecordEmailOpened()
	s.logger.Info("email opened",
		zap.String("tracking_id", record.TrackingID),
		zap.String("from", record.From),
		zap.String("to", record.To),
	)

	for _, n := range s.notifiers {
		n.NotifyOpened(ctx, record)
	}
}
