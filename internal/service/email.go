package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mailtrack/backend/internal/compose"
	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/gateway"
	"mailtrack/backend/internal/mailparse"
	"mailtrack/backend/internal/monitoring"
	"mailtrack/backend/internal/storage"
	"mailtrack/backend/internal/tracking"
)

const (
	defaultMaxResults       = 10
	maxMaxResults           = 500
	defaultFetchConcurrency = 10
	defaultSentListLimit    = 50
)

// EmailServiceDeps 邮件服务依赖
type EmailServiceDeps struct {
	Users    storage.UserRepository
	Sent     storage.SentEmailRepository
	Gateway  gateway.Gateway
	Composer *compose.Composer
	IDs      *tracking.Generator
	Metrics  *monitoring.Metrics
	Logger   *zap.Logger

	FetchConcurrency int // 列表接口并发获取邮件的上限
	SentListLimit    int // 已发送列表返回条数
}

// EmailService 封装收件箱列表、发送与已发送列表
type EmailService struct {
	users    storage.UserRepository
	sent     storage.SentEmailRepository
	gateway  gateway.Gateway
	composer *compose.Composer
	ids      *tracking.Generator
	metrics  *monitoring.Metrics
	logger   *zap.Logger

	fetchConcurrency int
	sentListLimit    int
	now              func() time.Time
}

// NewEmailService 创建邮件服务
func NewEmailService(deps EmailServiceDeps) *EmailService {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.IDs == nil {
		deps.IDs = tracking.NewGenerator()
	}
	if deps.FetchConcurrency <= 0 {
		deps.FetchConcurrency = defaultFetchConcurrency
	}
	if deps.SentListLimit <= 0 {
		deps.SentListLimit = defaultSentListLimit
	}

	return &EmailService{
		users:            deps.Users,
		sent:             deps.Sent,
		gateway:          deps.Gateway,
		composer:         deps.Composer,
		ids:              deps.IDs,
		metrics:          deps.Metrics,
		logger:           deps.Logger,
		fetchConcurrency: deps.FetchConcurrency,
		sentListLimit:    deps.SentListLimit,
		now:              time.Now,
	}
}

// ListResult 是收件箱列表结果
type ListResult struct {
	Emails             []domain.ParsedEmail
	NextPageToken      string
	ResultSizeEstimate int64
}

// List 列出用户收件箱并解析每封邮件。
// 任意一封邮件获取失败都会中止整批请求。
func (s *EmailService) List(ctx context.Context, userEmail string, maxResults int64, pageToken string) (*ListResult, error) {
	user, err := lookupCredentialedUser(s.users, userEmail)
	if err != nil {
		return nil, err
	}

	maxResults = clampMaxResults(maxResults)
	list, err := s.gateway.ListMessageIDs(ctx, user.AccessToken, maxResults, pageToken)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("fetching message details",
		zap.String("user", userEmail),
		zap.Int("count", len(list.Messages)),
	)

	emails := make([]domain.ParsedEmail, len(list.Messages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.fetchConcurrency)
	for i, ref := range list.Messages {
		g.Go(func() error {
			msg, err := s.gateway.GetMessage(gctx, user.AccessToken, ref.ID)
			if err != nil {
				return err
			}
			emails[i] = mailparse.ParseMessage(msg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.metrics.RecordEmailsListed(len(emails))
	return &ListResult{
		Emails:             emails,
		NextPageToken:      list.NextPageToken,
		ResultSizeEstimate: list.ResultSizeEstimate,
	}, nil
}

// SendInput 是发送请求
type SendInput struct {
	To        string
	Subject   string
	Body      string
	TrackRead bool
}

// SendResult 是发送结果，未启用追踪时 TrackingID 与 TrackingURL 为空
type SendResult struct {
	MessageID   string
	ThreadID    string
	TrackingID  string
	TrackingURL string
	HTMLBody    string
}

// Send 发送邮件；启用追踪时在服务商确认发送成功后才写入发送记录
func (s *EmailService) Send(ctx context.Context, userEmail string, in SendInput) (*SendResult, error) {
	if err := validateSendInput(in); err != nil {
		return nil, err
	}
	userEmail = domain.NormalizeEmail(userEmail)

	user, err := lookupCredentialedUser(s.users, userEmail)
	if err != nil {
		return nil, err
	}

	var trackingID string
	if in.TrackRead {
		trackingID = s.ids.NewID()
	}

	composed := s.composer.Compose(compose.Outbound{
		To:      in.To,
		From:    userEmail,
		Subject: in.Subject,
		Body:    in.Body,
	}, trackingID)

	ack, err := s.gateway.SendRawMessage(ctx, user.AccessToken, composed.Encoded)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordEmailSent(trackingID != "")

	if trackingID != "" {
		record := &domain.SentEmail{
			ID:         uuid.NewString(),
			TrackingID: trackingID,
			MessageID:  ack.ID,
			From:       userEmail,
			To:         in.To,
			Subject:    in.Subject,
			SentAt:     s.now().UTC(),
		}
		if err := s.sent.CreateSentEmail(record); err != nil {
			// 邮件已经发出，记录失败只影响追踪
			s.logger.Error("failed to create tracking record",
				zap.String("tracking_id", trackingID),
				zap.String("message_id", ack.ID),
				zap.Error(err),
			)
			s.metrics.RecordError("create_sent_email", "storage")
			return nil, fmt.Errorf("create tracking record: %w", err)
		}
		s.logger.Info("tracking record created",
			zap.String("tracking_id", trackingID),
			zap.String("tracking_url", composed.TrackingURL),
		)
	}

	return &SendResult{
		MessageID:   ack.ID,
		ThreadID:    ack.ThreadID,
		TrackingID:  trackingID,
		TrackingURL: composed.TrackingURL,
		HTMLBody:    composed.HTMLBody,
	}, nil
}

// ListSent 返回发件人最近的发送记录，按发送时间倒序
func (s *EmailService) ListSent(userEmail string) ([]domain.SentEmail, error) {
	records, err := s.sent.ListSentEmailsByFrom(domain.NormalizeEmail(userEmail), s.sentListLimit)
	if err != nil {
		return nil, fmt.Errorf("list sent emails: %w", err)
	}
	return records, nil
}

func validateSendInput(in SendInput) error {
	// 只有空字符串算缺失，纯空白主题照常发送；纯空白收件人由地址校验拒绝
	if in.To == "" || in.Subject == "" || in.Body == "" {
		return &ValidationError{Message: "Missing required fields. Need: to, subject, body"}
	}
	if err := domain.ValidateAddressList(in.To); err != nil {
		return &ValidationError{Message: fmt.Sprintf("Invalid recipient: %v", err)}
	}
	if err := domain.ValidateHeaderValue(in.Subject); err != nil {
		return &ValidationError{Message: fmt.Sprintf("Invalid subject: %v", err)}
	}
	return nil
}

func clampMaxResults(n int64) int64 {
	switch {
	case n <= 0:
		return defaultMaxResults
	case n > maxMaxResults:
		return maxMaxResults
	default:
		return n
	}
}
