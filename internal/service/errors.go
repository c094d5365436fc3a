package service

import (
	"errors"
	"fmt"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/storage"
)

var (
	// ErrValidation 请求参数不合法
	ErrValidation = errors.New("validation failed")
	// ErrUserNotFound 用户未登记
	ErrUserNotFound = errors.New("user not found")
	// ErrUnauthenticated 用户没有可用的访问令牌
	ErrUnauthenticated = errors.New("user not authenticated")
)

// ValidationError 携带面向调用方的校验消息
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Is 使 errors.Is(err, ErrValidation) 成立
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// lookupCredentialedUser 查找持有访问令牌的用户，在任何外部调用之前完成
func lookupCredentialedUser(users storage.UserRepository, email string) (*domain.User, error) {
	user, err := users.GetUserByEmail(domain.NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if !user.HasCredential() {
		return nil, ErrUnauthenticated
	}
	return user, nil
}
