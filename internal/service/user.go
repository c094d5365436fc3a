package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/storage"
)

// UserService 管理用户访问令牌；令牌的获取与刷新在外部完成
type UserService struct {
	users  storage.UserRepository
	logger *zap.Logger
}

// NewUserService 创建用户服务
func NewUserService(users storage.UserRepository, logger *zap.Logger) *UserService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserService{users: users, logger: logger}
}

// SetToken 登记或更新用户的访问令牌
func (s *UserService) SetToken(email, accessToken string) (*domain.User, error) {
	normalized := domain.NormalizeEmail(email)
	if err := domain.ValidateEmail(normalized); err != nil {
		return nil, &ValidationError{Message: fmt.Sprintf("Invalid email: %v", err)}
	}
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, &ValidationError{Message: "Access token is required"}
	}

	user := &domain.User{
		ID:          uuid.NewString(),
		Email:       normalized,
		AccessToken: accessToken,
	}
	if err := s.users.SaveUser(user); err != nil {
		return nil, fmt.Errorf("save user: %w", err)
	}

	s.logger.Info("user credential updated", zap.String("email", normalized))
	return user, nil
}

// GetUser 按邮箱查找用户
func (s *UserService) GetUser(email string) (*domain.User, error) {
	user, err := s.users.GetUserByEmail(domain.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	return user, nil
}
