package httptransport

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorResponse 统一错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`             // 简短的错误描述
	Details any    `json:"details,omitempty"` // 可选的诊断信息，例如服务商返回的错误对象
}

// Error 通用错误响应
func Error(c *gin.Context, httpCode int, msg string) {
	c.JSON(httpCode, ErrorResponse{Error: msg})
}

// ErrorWithDetails 带诊断信息的错误响应
func ErrorWithDetails(c *gin.Context, httpCode int, msg string, details any) {
	c.JSON(httpCode, ErrorResponse{Error: msg, Details: details})
}

// BadRequest 请求参数错误（400）
func BadRequest(c *gin.Context, msg string) {
	Error(c, http.StatusBadRequest, msg)
}

// Unauthorized 未认证错误（401）
func Unauthorized(c *gin.Context, msg string) {
	Error(c, http.StatusUnauthorized, msg)
}

// NotFound 资源不存在错误（404）
func NotFound(c *gin.Context, msg string) {
	Error(c, http.StatusNotFound, msg)
}

// InternalError 服务器内部错误（500）
func InternalError(c *gin.Context, msg string, details any) {
	ErrorWithDetails(c, http.StatusInternalServerError, msg, details)
}
