package httptransport

import (
	"errors"

	"github.com/gin-gonic/gin"

	"mailtrack/backend/internal/gateway"
	"mailtrack/backend/internal/service"
)

// 错误消息
const (
	MsgUserNotFound       = "User not found"
	MsgUnauthenticated    = "User not authenticated. Please authenticate first"
	MsgMissingFields      = "Missing required fields. Need: to, subject, body"
	MsgFetchEmailsFailed  = "Failed to fetch emails"
	MsgSendEmailFailed    = "Failed to send email"
	MsgFetchSentFailed    = "Failed to fetch sent emails"
	MsgInvalidRequestBody = "Invalid request body"
)

// respondServiceError 把服务层错误映射为 HTTP 响应，其余错误统一返回 500 与 fallback 消息
func respondServiceError(c *gin.Context, err error, fallback string) {
	_ = c.Error(err)

	var validation *service.ValidationError
	switch {
	case errors.As(err, &validation):
		BadRequest(c, validation.Message)
	case errors.Is(err, service.ErrUserNotFound):
		NotFound(c, MsgUserNotFound)
	case errors.Is(err, service.ErrUnauthenticated):
		Unauthorized(c, MsgUnauthenticated)
	default:
		InternalError(c, fallback, errorDetails(err))
	}
}

// errorDetails 优先返回服务商的错误对象，否则返回错误文本
func errorDetails(err error) any {
	var upstream *gateway.UpstreamError
	if errors.As(err, &upstream) && upstream.Detail != nil {
		return upstream.Detail
	}
	return err.Error()
}
