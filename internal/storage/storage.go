package storage

import (
	"errors"
	"time"

	"mailtrack/backend/internal/domain"
)

var (
	// ErrUserNotFound 用户未找到错误
	ErrUserNotFound = errors.New("user not found")
	// ErrSentEmailNotFound 发送记录未找到错误
	ErrSentEmailNotFound = errors.New("sent email not found")
	// ErrTrackingIDExists 追踪ID重复错误
	ErrTrackingIDExists = errors.New("tracking id already exists")
)

// UserRepository 定义用户凭证数据存取操作。
type UserRepository interface {
	// SaveUser 按邮箱创建或更新用户
	SaveUser(user *domain.User) error
	GetUserByEmail(email string) (*domain.User, error)
}

// SentEmailRepository 定义发送记录数据存取操作。
type SentEmailRepository interface {
	CreateSentEmail(email *domain.SentEmail) error
	GetSentEmailByTrackingID(trackingID string) (*domain.SentEmail, error)
	// ListSentEmailsByFrom 按发送时间倒序返回指定发件人的最近 limit 条记录
	ListSentEmailsByFrom(from string, limit int) ([]domain.SentEmail, error)
	// MarkSentEmailOpened 仅当记录尚未打开时标记为已打开，返回本次调用是否完成了状态转换
	MarkSentEmailOpened(trackingID string, openedAt time.Time) (bool, error)
}

// RateLimitRepository 定义限流操作。
type RateLimitRepository interface {
	IncrementRateLimit(key string, window time.Duration) (int64, error)
}

// Store 定义完整的存储接口。
type Store interface {
	UserRepository
	SentEmailRepository
	RateLimitRepository

	// 工具方法
	Close() error
	Health() error
}
