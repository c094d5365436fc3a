package memory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/storage"
)

// Store 使用内存保存用户与发送记录，主要用于开发验证。
type Store struct {
	mu         sync.RWMutex
	users      map[string]*domain.User      // email -> user
	sent       map[string]*domain.SentEmail // trackingID -> record
	sentByFrom map[string][]string          // from -> trackingIDs，按插入顺序

	*storage.WindowCounter
}

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		users:         make(map[string]*domain.User),
		sent:          make(map[string]*domain.SentEmail),
		sentByFrom:    make(map[string][]string),
		WindowCounter: storage.NewWindowCounter(),
	}
}

// ========== User Repository ==========

// SaveUser 按邮箱创建或更新用户
func (s *Store) SaveUser(user *domain.User) error {
	if user.Email == "" {
		return errors.New("user email is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.users[user.Email]; ok {
		user.ID = existing.ID
		user.CreatedAt = existing.CreatedAt
	}
	if user.ID == "" {
		return errors.New("user ID is required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	clone := *user
	s.users[user.Email] = &clone
	return nil
}

// GetUserByEmail 根据邮箱获取用户
func (s *Store) GetUserByEmail(email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[email]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}

// ========== SentEmail Repository ==========

// CreateSentEmail 保存发送记录
func (s *Store) CreateSentEmail(email *domain.SentEmail) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sent[email.TrackingID]; exists {
		return storage.ErrTrackingIDExists
	}
	if email.SentAt.IsZero() {
		email.SentAt = time.Now().UTC()
	}

	clone := *email
	s.sent[email.TrackingID] = &clone
	s.sentByFrom[email.From] = append(s.sentByFrom[email.From], email.TrackingID)
	return nil
}

// GetSentEmailByTrackingID 根据追踪ID获取发送记录
func (s *Store) GetSentEmailByTrackingID(trackingID string) (*domain.SentEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.sent[trackingID]
	if !ok {
		return nil, storage.ErrSentEmailNotFound
	}
	return cloneSentEmail(record), nil
}

// ListSentEmailsByFrom 按发送时间倒序返回指定发件人的最近记录
func (s *Store) ListSentEmailsByFrom(from string, limit int) ([]domain.SentEmail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.sentByFrom[from]
	result := make([]domain.SentEmail, 0, len(ids))
	// 逆序装入，使同一时间发送的记录保持后插入的在前
	for i := len(ids) - 1; i >= 0; i-- {
		result = append(result, *cloneSentEmail(s.sent[ids[i]]))
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].SentAt.After(result[j].SentAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// MarkSentEmailOpened 仅在首次打开时写入状态
func (s *Store) MarkSentEmailOpened(trackingID string, openedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sent[trackingID]
	if !ok {
		return false, storage.ErrSentEmailNotFound
	}
	if record.Opened {
		return false, nil
	}

	at := openedAt.UTC()
	record.Opened = true
	record.OpenedAt = &at
	return true, nil
}

// ========== 工具方法 ==========

// Close 内存存储无需释放资源
func (s *Store) Close() error {
	return nil
}

// Health 内存存储始终健康
func (s *Store) Health() error {
	return nil
}

func cloneSentEmail(record *domain.SentEmail) *domain.SentEmail {
	clone := *record
	if record.OpenedAt != nil {
		at := *record.OpenedAt
		clone.OpenedAt = &at
	}
	return &clone
}
