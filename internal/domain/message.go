package domain

import "strings"

// Header 是服务商返回的单个邮件头。
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers 是小写头名到值的映射，同名头后出现的覆盖先出现的。
type Headers map[string]string

// Get 按名称（不区分大小写）读取头的值，不存在时返回空串。
func (h Headers) Get(name string) string {
	return h[strings.ToLower(name)]
}

// MessagePartBody 是 MIME 节点的内联数据，Data 为 URL 安全的 base64。
type MessagePartBody struct {
	Data         string `json:"data,omitempty"`
	AttachmentID string `json:"attachmentId,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// MessagePart 是服务商返回的 MIME 树节点。
type MessagePart struct {
	PartID   string           `json:"partId,omitempty"`
	MimeType string           `json:"mimeType"`
	Filename string           `json:"filename,omitempty"`
	Headers  []Header         `json:"headers,omitempty"`
	Body     *MessagePartBody `json:"body,omitempty"`
	Parts    []*MessagePart   `json:"parts,omitempty"`
}

// ProviderMessage 是服务商接口返回的完整邮件。
type ProviderMessage struct {
	ID           string       `json:"id"`
	ThreadID     string       `json:"threadId"`
	LabelIDs     []string     `json:"labelIds"`
	Snippet      string       `json:"snippet"`
	InternalDate int64        `json:"internalDate,string"` // 毫秒时间戳，服务商以字符串下发
	Payload      *MessagePart `json:"payload"`
}

// ParsedEmail 是对外返回的邮件视图。
type ParsedEmail struct {
	ID           string   `json:"id"`
	ThreadID     string   `json:"threadId"`
	LabelIDs     []string `json:"labelIds"`
	Snippet      string   `json:"snippet"`
	Subject      string   `json:"subject"`
	From         string   `json:"from"`
	To           string   `json:"to"`
	Date         string   `json:"date"`
	Body         string   `json:"body"`
	InternalDate int64    `json:"internalDate,string"`
}

// 解析邮件时使用的缺省值
const (
	DefaultSubject = "(No Subject)"
	DefaultFrom    = "Unknown"
)
