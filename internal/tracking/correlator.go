package tracking

import (
	"errors"
	"fmt"
	"time"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/storage"
)

// Correlator 将像素请求映射到发送记录并完成首次打开的状态转换。
type Correlator struct {
	repo storage.SentEmailRepository
	now  func() time.Time
}

// NewCorrelator 创建关联器
func NewCorrelator(repo storage.SentEmailRepository) *Correlator {
	return &Correlator{repo: repo, now: time.Now}
}

// RecordOpen 记录一次打开。
//
// 只有当本次调用完成了 opened=false 到 true 的转换时才返回记录；
// 未知的追踪ID和已打开的记录都返回 nil, nil，后者不会修改 openedAt。
func (c *Correlator) RecordOpen(trackingID string) (*domain.SentEmail, error) {
	if trackingID == "" {
		return nil, nil
	}

	record, err := c.repo.GetSentEmailByTrackingID(trackingID)
	if err != nil {
		if errors.Is(err, storage.ErrSentEmailNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup sent email: %w", err)
	}
	if record.Opened {
		return nil, nil
	}

	openedAt := c.now().UTC()
	changed, err := c.repo.MarkSentEmailOpened(trackingID, openedAt)
	if err != nil {
		if errors.Is(err, storage.ErrSentEmailNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("mark sent email opened: %w", err)
	}
	if !changed {
		// 并发请求已经先完成了转换
		return nil, nil
	}

	record.Opened = true
	record.OpenedAt = &openedAt
	return record, nil
}
