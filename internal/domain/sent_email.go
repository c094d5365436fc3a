package domain

import "time"

// SentEmail 记录一封经本服务发出的邮件及其阅读状态。
// Opened 只会从 false 变为 true，OpenedAt 记录第一次打开的时间。
type SentEmail struct {
	ID         string     `json:"id" gorm:"primaryKey;type:varchar(36)"`
	TrackingID string     `json:"trackingId" gorm:"type:varchar(64);uniqueIndex;not null"`
	MessageID  string     `json:"messageId" gorm:"type:varchar(255);not null"`
	From       string     `json:"from" gorm:"column:from_address;type:varchar(255);not null;index:idx_sent_from_sent_at,priority:1"`
	To         string     `json:"to" gorm:"column:to_address;type:varchar(1000);not null"`
	Subject    string     `json:"subject" gorm:"type:text"`
	SentAt     time.Time  `json:"sentAt" gorm:"index:idx_sent_from_sent_at,priority:2"`
	Opened     bool       `json:"opened" gorm:"default:false"`
	OpenedAt   *time.Time `json:"openedAt,omitempty"`
}

// TableName 指定表名
func (SentEmail) TableName() string {
	return "sent_emails"
}
