package domain

import "time"

// User 表示在本服务登记过凭证的邮箱用户。
// 令牌的获取与刷新由外部 OAuth 流程负责，这里只保存当前可用的访问令牌。
type User struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(36)"`
	Email       string    `json:"email" gorm:"uniqueIndex;type:varchar(255);not null"`
	AccessToken string    `json:"accessToken,omitempty" gorm:"type:text"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// HasCredential 判断用户是否持有可用的访问令牌
func (u *User) HasCredential() bool {
	return u != nil && u.AccessToken != ""
}
