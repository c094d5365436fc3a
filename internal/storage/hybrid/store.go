package hybrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/storage"
	"mailtrack/backend/internal/storage/redis"
)

const (
	userCacheTTL = 10 * time.Minute
	redisTimeout = 3 * time.Second
)

// Store 混合存储实现，数据库保存持久数据，Redis 负责用户缓存和限流计数
type Store struct {
	db     storage.Store
	redis  *redis.Cache
	logger *zap.Logger
}

// NewStore 创建混合存储实例
func NewStore(db storage.Store, cache *redis.Cache, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, redis: cache, logger: logger}
}

func (s *Store) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), redisTimeout)
}

// ========== User Repository ==========

// SaveUser 保存用户并使缓存失效
func (s *Store) SaveUser(user *domain.User) error {
	if err := s.db.SaveUser(user); err != nil {
		return err
	}

	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.redis.DeleteCachedUser(ctx, user.Email); err != nil {
		s.logger.Warn("failed to invalidate user cache", zap.String("email", user.Email), zap.Error(err))
	}
	return nil
}

// GetUserByEmail 先查 Redis，未命中时回源数据库并回填缓存
func (s *Store) GetUserByEmail(email string) (*domain.User, error) {
	ctx, cancel := s.ctx()
	defer cancel()

	user, err := s.redis.GetCachedUserByEmail(ctx, email)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, redis.ErrCacheMiss) {
		s.logger.Warn("user cache lookup failed", zap.String("email", email), zap.Error(err))
	}

	user, err = s.db.GetUserByEmail(email)
	if err != nil {
		return nil, err
	}

	if err := s.redis.CacheUser(ctx, user, userCacheTTL); err != nil {
		s.logger.Warn("failed to cache user", zap.String("email", email), zap.Error(err))
	}
	return user, nil
}

// ========== SentEmail Repository ==========

// CreateSentEmail 保存发送记录
func (s *Store) CreateSentEmail(email *domain.SentEmail) error {
	return s.db.CreateSentEmail(email)
}

// GetSentEmailByTrackingID 根据追踪ID获取发送记录
func (s *Store) GetSentEmailByTrackingID(trackingID string) (*domain.SentEmail, error) {
	return s.db.GetSentEmailByTrackingID(trackingID)
}

// ListSentEmailsByFrom 列表查询不缓存，打开状态需要实时
func (s *Store) ListSentEmailsByFrom(from string, limit int) ([]domain.SentEmail, error) {
	return s.db.ListSentEmailsByFrom(from, limit)
}

// MarkSentEmailOpened 标记首次打开
func (s *Store) MarkSentEmailOpened(trackingID string, openedAt time.Time) (bool, error) {
	return s.db.MarkSentEmailOpened(trackingID, openedAt)
}

// ========== 限流 ==========

// IncrementRateLimit 增加限流计数（多实例共享）
func (s *Store) IncrementRateLimit(key string, window time.Duration) (int64, error) {
	ctx, cancel := s.ctx()
	defer cancel()
	return s.redis.IncrementRateLimit(ctx, key, window)
}

// ========== 工具方法 ==========

// Cache 返回 Redis 缓存，用于跨实例事件分发
func (s *Store) Cache() *redis.Cache {
	return s.redis
}

// Close 关闭数据库和 Redis 连接
func (s *Store) Close() error {
	dbErr := s.db.Close()
	redisErr := s.redis.Close()
	return errors.Join(dbErr, redisErr)
}

// Health 数据库和 Redis 都可用时才算健康
func (s *Store) Health() error {
	if err := s.db.Health(); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	ctx, cancel := s.ctx()
	defer cancel()
	if err := s.redis.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}
