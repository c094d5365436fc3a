package httptransport

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/service"
)

const bodyPreviewLength = 200

// EmailHandler 处理收件箱、发送与已发送列表接口
type EmailHandler struct {
	emails          *service.EmailService
	trackingBaseURL string
	logger          *zap.Logger
}

// NewEmailHandler 创建邮件处理器
func NewEmailHandler(emails *service.EmailService, trackingBaseURL string, logger *zap.Logger) *EmailHandler {
	return &EmailHandler{emails: emails, trackingBaseURL: trackingBaseURL, logger: logger}
}

type listEmailsResponse struct {
	Emails             []domain.ParsedEmail `json:"emails"`
	NextPageToken      string               `json:"nextPageToken,omitempty"`
	ResultSizeEstimate int64                `json:"resultSizeEstimate"`
	Count              int                  `json:"count"`
}

// ListEmails GET /api/emails/:userEmail?maxResults=&pageToken=
func (h *EmailHandler) ListEmails(c *gin.Context) {
	userEmail := c.Param("userEmail")

	// 非数字的 maxResults 按缺省处理
	maxResults, _ := strconv.ParseInt(c.Query("maxResults"), 10, 64)

	result, err := h.emails.List(c.Request.Context(), userEmail, maxResults, c.Query("pageToken"))
	if err != nil {
		h.logger.Warn("failed to list emails", zap.String("user_email", userEmail), zap.Error(err))
		respondServiceError(c, err, MsgFetchEmailsFailed)
		return
	}

	c.JSON(http.StatusOK, listEmailsResponse{
		Emails:             result.Emails,
		NextPageToken:      result.NextPageToken,
		ResultSizeEstimate: result.ResultSizeEstimate,
		Count:              len(result.Emails),
	})
}

type sendEmailRequest struct {
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	TrackRead bool   `json:"trackRead"`
}

type sendDebugInfo struct {
	TrackingEnabled  bool   `json:"trackingEnabled"`
	BaseURL          string `json:"baseUrl"`
	EmailBodyPreview string `json:"emailBodyPreview"`
}

type sendEmailResponse struct {
	Success     bool          `json:"success"`
	MessageID   string        `json:"messageId"`
	ThreadID    string        `json:"threadId"`
	TrackingID  *string       `json:"trackingId"`
	TrackingURL *string       `json:"trackingUrl"`
	Message     string        `json:"message"`
	Debug       sendDebugInfo `json:"debug"`
}

// SendEmail POST /api/emails/:userEmail/send
func (h *EmailHandler) SendEmail(c *gin.Context) {
	userEmail := c.Param("userEmail")

	var req sendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, MsgMissingFields)
		return
	}

	result, err := h.emails.Send(c.Request.Context(), userEmail, service.SendInput{
		To:        req.To,
		Subject:   req.Subject,
		Body:      req.Body,
		TrackRead: req.TrackRead,
	})
	if err != nil {
		h.logger.Warn("failed to send email", zap.String("user_email", userEmail), zap.Error(err))
		respondServiceError(c, err, MsgSendEmailFailed)
		return
	}

	c.JSON(http.StatusOK, sendEmailResponse{
		Success:     true,
		MessageID:   result.MessageID,
		ThreadID:    result.ThreadID,
		TrackingID:  nullable(result.TrackingID),
		TrackingURL: nullable(result.TrackingURL),
		Message:     "Email sent successfully",
		Debug: sendDebugInfo{
			TrackingEnabled:  result.TrackingID != "",
			BaseURL:          h.trackingBaseURL,
			EmailBodyPreview: tail(result.HTMLBody, bodyPreviewLength),
		},
	})
}

type sentEmailItem struct {
	MessageID  string     `json:"messageId"`
	To         string     `json:"to"`
	Subject    string     `json:"subject"`
	SentAt     time.Time  `json:"sentAt"`
	Opened     bool       `json:"opened"`
	OpenedAt   *time.Time `json:"openedAt"`
	TrackingID string     `json:"trackingId"`
}

type sentEmailsResponse struct {
	Success bool            `json:"success"`
	Emails  []sentEmailItem `json:"emails"`
}

// ListSentEmails GET /api/emails/:userEmail/sent
func (h *EmailHandler) ListSentEmails(c *gin.Context) {
	userEmail := c.Param("userEmail")

	records, err := h.emails.ListSent(userEmail)
	if err != nil {
		h.logger.Error("failed to list sent emails", zap.String("user_email", userEmail), zap.Error(err))
		respondServiceError(c, err, MsgFetchSentFailed)
		return
	}

	items := make([]sentEmailItem, 0, len(records))
	for _, r := range records {
		items = append(items, sentEmailItem{
			MessageID:  r.MessageID,
			To:         r.To,
			Subject:    r.Subject,
			SentAt:     r.SentAt,
			Opened:     r.Opened,
			OpenedAt:   r.OpenedAt,
			TrackingID: r.TrackingID,
		})
	}

	c.JSON(http.StatusOK, sentEmailsResponse{Success: true, Emails: items})
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// tail 返回最后 n 个字符，不会截断多字节字符
func tail(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
