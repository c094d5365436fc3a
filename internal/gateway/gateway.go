// Package gateway 封装对外部邮件服务商 REST 接口的调用。
package gateway

import (
	"context"
	"errors"
	"fmt"

	"mailtrack/backend/internal/domain"
)

// ErrUpstream 表示服务商调用失败（网络错误或非 2xx 响应）
var ErrUpstream = errors.New("upstream provider error")

// UpstreamError 携带服务商返回的状态码与诊断信息
type UpstreamError struct {
	Op         string // list / get / send
	StatusCode int    // 网络错误时为 0
	Detail     any    // 服务商响应体中的 error 对象，无法解析时为错误消息
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("gateway %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, ErrUpstream) 成立
func (e *UpstreamError) Is(target error) bool { return target == ErrUpstream }

// MessageRef 是列表接口返回的邮件引用
type MessageRef struct {
	ID       string
	ThreadID string
}

// MessageList 是一页邮件引用
type MessageList struct {
	Messages           []MessageRef
	NextPageToken      string
	ResultSizeEstimate int64
}

// SendResult 是发送接口的确认信息
type SendResult struct {
	ID       string
	ThreadID string
}

// Gateway 定义服务商的三个操作，每次调用都携带用户的访问令牌
type Gateway interface {
	ListMessageIDs(ctx context.Context, token string, maxResults int64, pageToken string) (*MessageList, error)
	GetMessage(ctx context.Context, token, id string) (*domain.ProviderMessage, error)
	SendRawMessage(ctx context.Context, token, encoded string) (*SendResult, error)
}
