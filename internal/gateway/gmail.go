package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"mailtrack/backend/internal/domain"
)

const (
	currentUser     = "me"
	defaultEndpoint = "https://gmail.googleapis.com/"
)

// Observer 接收每次服务商调用的结果，用于指标统计
type Observer interface {
	ObserveGatewayCall(op, outcome string, duration time.Duration)
}

// Config Gmail 网关配置
type Config struct {
	Endpoint  string        // 服务商地址，测试时指向 httptest
	Timeout   time.Duration // 单次调用超时
	RateLimit float64       // 全局每秒请求数，<=0 表示不限制
	Burst     int
}

// GmailGateway 基于 Gmail REST 接口实现 Gateway
type GmailGateway struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter
	observer   Observer
	logger     *zap.Logger
}

// NewGmailGateway 创建 Gmail 网关
func NewGmailGateway(cfg Config, observer Observer, logger *zap.Logger) *GmailGateway {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &GmailGateway{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    limiter,
		observer:   observer,
		logger:     logger,
	}
}

// ListMessageIDs 列出收件箱中的邮件引用
func (g *GmailGateway) ListMessageIDs(ctx context.Context, token string, maxResults int64, pageToken string) (*MessageList, error) {
	var out *MessageList
	err := g.call(ctx, token, "list", func(ctx context.Context, srv *gmailapi.Service) error {
		call := srv.Users.Messages.List(currentUser).MaxResults(maxResults).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return err
		}

		out = &MessageList{
			Messages:           make([]MessageRef, 0, len(resp.Messages)),
			NextPageToken:      resp.NextPageToken,
			ResultSizeEstimate: resp.ResultSizeEstimate,
		}
		for _, m := range resp.Messages {
			out.Messages = append(out.Messages, MessageRef{ID: m.Id, ThreadID: m.ThreadId})
		}
		return nil
	})
	return out, err
}

// GetMessage 获取完整格式的邮件
func (g *GmailGateway) GetMessage(ctx context.Context, token, id string) (*domain.ProviderMessage, error) {
	var out *domain.ProviderMessage
	err := g.call(ctx, token, "get", func(ctx context.Context, srv *gmailapi.Service) error {
		msg, err := srv.Users.Messages.Get(currentUser, id).Format("full").Context(ctx).Do()
		if err != nil {
			return err
		}
		out = &domain.ProviderMessage{
			ID:           msg.Id,
			ThreadID:     msg.ThreadId,
			LabelIDs:     msg.LabelIds,
			Snippet:      msg.Snippet,
			InternalDate: msg.InternalDate,
			Payload:      convertPart(msg.Payload),
		}
		return nil
	})
	return out, err
}

// SendRawMessage 发送已编码的邮件原文
func (g *GmailGateway) SendRawMessage(ctx context.Context, token, encoded string) (*SendResult, error) {
	var out *SendResult
	err := g.call(ctx, token, "send", func(ctx context.Context, srv *gmailapi.Service) error {
		msg, err := srv.Users.Messages.Send(currentUser, &gmailapi.Message{Raw: encoded}).Context(ctx).Do()
		if err != nil {
			return err
		}
		out = &SendResult{ID: msg.Id, ThreadID: msg.ThreadId}
		return nil
	})
	return out, err
}

// call 统一处理限流、超时、凭证注入、错误包装和指标记录
func (g *GmailGateway) call(ctx context.Context, token, op string, fn func(context.Context, *gmailapi.Service) error) error {
	start := time.Now()

	if err := g.limiter.Wait(ctx); err != nil {
		g.observe(op, "rate_limited", start)
		return &UpstreamError{Op: op, Detail: err.Error(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	srv, err := g.service(ctx, token)
	if err != nil {
		g.observe(op, "error", start)
		return &UpstreamError{Op: op, Detail: err.Error(), Err: err}
	}

	if err := fn(ctx, srv); err != nil {
		upstream := wrapError(op, err)
		g.observe(op, "error", start)
		g.logger.Warn("gateway call failed",
			zap.String("op", op),
			zap.Int("status", upstream.StatusCode),
			zap.Error(err),
		)
		return upstream
	}

	g.observe(op, "success", start)
	return nil
}

func (g *GmailGateway) service(ctx context.Context, token string) (*gmailapi.Service, error) {
	base := context.WithValue(ctx, oauth2.HTTPClient, g.httpClient)
	client := oauth2.NewClient(base, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: token,
		TokenType:   "Bearer",
	}))

	srv, err := gmailapi.NewService(ctx,
		option.WithHTTPClient(client),
		option.WithEndpoint(g.cfg.Endpoint),
	)
	if err != nil {
		return nil, fmt.Errorf("create gmail service: %w", err)
	}
	return srv, nil
}

func (g *GmailGateway) observe(op, outcome string, start time.Time) {
	if g.observer != nil {
		g.observer.ObserveGatewayCall(op, outcome, time.Since(start))
	}
}

// wrapError 把 googleapi.Error 转换为 UpstreamError，保留响应体中的 error 对象用于诊断
func wrapError(op string, err error) *UpstreamError {
	upstream := &UpstreamError{Op: op, Detail: err.Error(), Err: err}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		upstream.StatusCode = apiErr.Code
		var body map[string]any
		if apiErr.Body != "" && json.Unmarshal([]byte(apiErr.Body), &body) == nil && body["error"] != nil {
			upstream.Detail = body["error"]
		} else if apiErr.Message != "" {
			upstream.Detail = apiErr.Message
		}
	}
	return upstream
}

func convertPart(p *gmailapi.MessagePart) *domain.MessagePart {
	if p == nil {
		return nil
	}

	part := &domain.MessagePart{
		PartID:   p.PartId,
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	if len(p.Headers) > 0 {
		part.Headers = make([]domain.Header, 0, len(p.Headers))
		for _, h := range p.Headers {
			if h != nil {
				part.Headers = append(part.Headers, domain.Header{Name: h.Name, Value: h.Value})
			}
		}
	}
	if p.Body != nil {
		part.Body = &domain.MessagePartBody{
			Data:         p.Body.Data,
			AttachmentID: p.Body.AttachmentId,
			Size:         p.Body.Size,
		}
	}
	for _, child := range p.Parts {
		if c := convertPart(child); c != nil {
			part.Parts = append(part.Parts, c)
		}
	}
	return part
}
