package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mailtrack/backend/internal/compose"
	"mailtrack/backend/internal/domain"
	"mailtrack/backend/internal/gateway"
	"mailtrack/backend/internal/mailparse"
	"mailtrack/backend/internal/monitoring"
	"mailtrack/backend/internal/storage/memory"
	"mailtrack/backend/internal/tracking"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) ListMessageIDs(ctx context.Context, token string, maxResults int64, pageToken string) (*gateway.MessageList, error) {
	args := m.Called(ctx, token, maxResults, pageToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.MessageList), args.Error(1)
}

func (m *mockGateway) GetMessage(ctx context.Context, token, id string) (*domain.ProviderMessage, error) {
	args := m.Called(ctx, token, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ProviderMessage), args.Error(1)
}

func (m *mockGateway) SendRawMessage(ctx context.Context, token, encoded string) (*gateway.SendResult, error) {
	args := m.Called(ctx, token, encoded)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*gateway.SendResult), args.Error(1)
}

type fixture struct {
	store   *memory.Store
	gw      *mockGateway
	svc     *EmailService
	metrics *monitoring.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.NewStore()
	require.NoError(t, store.SaveUser(&domain.User{ID: "u1", Email: "alice@example.com", AccessToken: "tok"}))
	require.NoError(t, store.SaveUser(&domain.User{ID: "u2", Email: "nocred@example.com"}))

	gw := &mockGateway{}
	metrics := monitoring.NewMetrics()
	clock := time.UnixMilli(1700000000000)
	svc := NewEmailService(EmailServiceDeps{
		Users:            store,
		Sent:             store,
		Gateway:          gw,
		Composer:         compose.NewComposer("https://track.example.com/"),
		IDs:              tracking.NewGeneratorWith(func() time.Time { return clock }, rand.NewSource(1)),
		Metrics:          metrics,
		FetchConcurrency: 4,
	})
	svc.now = func() time.Time { return clock }

	return &fixture{store: store, gw: gw, svc: svc, metrics: metrics}
}

func htmlMessage(id, subject, html string) *domain.ProviderMessage {
	return &domain.ProviderMessage{
		ID:       id,
		ThreadID: "t-" + id,
		Payload: &domain.MessagePart{
			MimeType: "text/html",
			Headers:  []domain.Header{{Name: "Subject", Value: subject}},
			Body:     &domain.MessagePartBody{Data: mailparse.EncodeBase64URL([]byte(html))},
		},
	}
}

func TestEmailService_List(t *testing.T) {
	ctx := context.Background()

	t.Run("按服务商顺序返回解析结果", func(t *testing.T) {
		f := newFixture(t)
		f.gw.On("ListMessageIDs", mock.Anything, "tok", int64(10), "").Return(&gateway.MessageList{
			Messages:           []gateway.MessageRef{{ID: "m1"}, {ID: "m2"}, {ID: "m3"}},
			NextPageToken:      "next",
			ResultSizeEstimate: 42,
		}, nil)
		for _, id := range []string{"m1", "m2", "m3"} {
			f.gw.On("GetMessage", mock.Anything, "tok", id).Return(htmlMessage(id, "S-"+id, "<p>"+id+"</p>"), nil)
		}

		result, err := f.svc.List(ctx, "alice@example.com", 0, "")
		require.NoError(t, err)
		require.Len(t, result.Emails, 3)
		assert.Equal(t, "m1", result.Emails[0].ID)
		assert.Equal(t, "S-m2", result.Emails[1].Subject)
		assert.Equal(t, "<p>m3</p>", result.Emails[2].Body)
		assert.Equal(t, "Unknown", result.Emails[0].From)
		assert.Equal(t, "next", result.NextPageToken)
		assert.Equal(t, int64(42), result.ResultSizeEstimate)
		f.gw.AssertExpectations(t)
	})

	t.Run("maxResults 超过上限时截断", func(t *testing.T) {
		f := newFixture(t)
		f.gw.On("ListMessageIDs", mock.Anything, "tok", int64(500), "p2").Return(&gateway.MessageList{}, nil)

		result, err := f.svc.List(ctx, "alice@example.com", 10000, "p2")
		require.NoError(t, err)
		assert.Empty(t, result.Emails)
	})

	t.Run("邮箱地址大小写不敏感", func(t *testing.T) {
		f := newFixture(t)
		f.gw.On("ListMessageIDs", mock.Anything, "tok", int64(5), "").Return(&gateway.MessageList{}, nil)

		_, err := f.svc.List(ctx, "Alice@Example.com", 5, "")
		require.NoError(t, err)
	})

	t.Run("用户不存在时不调用服务商", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.List(ctx, "ghost@example.com", 10, "")
		assert.ErrorIs(t, err, ErrUserNotFound)
		f.gw.AssertNotCalled(t, "ListMessageIDs", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("没有访问令牌时返回未认证", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.List(ctx, "nocred@example.com", 10, "")
		assert.ErrorIs(t, err, ErrUnauthenticated)
		f.gw.AssertNotCalled(t, "ListMessageIDs", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("单封邮件失败时整批失败", func(t *testing.T) {
		f := newFixture(t)
		upstream := &gateway.UpstreamError{Op: "get", StatusCode: 404}
		f.gw.On("ListMessageIDs", mock.Anything, "tok", int64(10), "").Return(&gateway.MessageList{
			Messages: []gateway.MessageRef{{ID: "m1"}, {ID: "m2"}},
		}, nil)
		f.gw.On("GetMessage", mock.Anything, "tok", "m1").Return(htmlMessage("m1", "ok", "x"), nil).Maybe()
		f.gw.On("GetMessage", mock.Anything, "tok", "m2").Return(nil, upstream)

		result, err := f.svc.List(ctx, "alice@example.com", 10, "")
		assert.Nil(t, result)
		assert.ErrorIs(t, err, gateway.ErrUpstream)
	})

	t.Run("列表失败时透传上游错误", func(t *testing.T) {
		f := newFixture(t)
		f.gw.On("ListMessageIDs", mock.Anything, "tok", int64(10), "").
			Return(nil, &gateway.UpstreamError{Op: "list", StatusCode: 401})

		_, err := f.svc.List(ctx, "alice@example.com", 10, "")
		var upstream *gateway.UpstreamError
		require.True(t, errors.As(err, &upstream))
		assert.Equal(t, 401, upstream.StatusCode)
	})
}

func TestEmailService_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("启用追踪时写入发送记录", func(t *testing.T) {
		f := newFixture(t)
		var encoded string
		f.gw.On("SendRawMessage", mock.Anything, "tok", mock.AnythingOfType("string")).
			Run(func(args mock.Arguments) { encoded = args.String(2) }).
			Return(&gateway.SendResult{ID: "sent-1", ThreadID: "thread-1"}, nil)

		result, err := f.svc.Send(ctx, "alice@example.com", SendInput{
			To: "bob@example.com", Subject: "Hello", Body: "line1\nline2", TrackRead: true,
		})
		require.NoError(t, err)
		assert.Equal(t, "sent-1", result.MessageID)
		assert.Equal(t, "thread-1", result.ThreadID)
		require.NotEmpty(t, result.TrackingID)
		assert.True(t, strings.HasPrefix(result.TrackingID, "1700000000000-"))
		assert.Equal(t, "https://track.example.com/api/track/"+result.TrackingID, result.TrackingURL)

		raw, err := mailparse.DecodeBase64URL(encoded)
		require.NoError(t, err)
		assert.Contains(t, string(raw), "From: alice@example.com\r\n")
		assert.Contains(t, string(raw), "line1<br>line2")
		assert.Contains(t, string(raw), result.TrackingURL)

		record, err := f.store.GetSentEmailByTrackingID(result.TrackingID)
		require.NoError(t, err)
		assert.Equal(t, "sent-1", record.MessageID)
		assert.Equal(t, "alice@example.com", record.From)
		assert.Equal(t, "bob@example.com", record.To)
		assert.False(t, record.Opened)
		assert.Nil(t, record.OpenedAt)
	})

	t.Run("未启用追踪时不写记录也不插入像素", func(t *testing.T) {
		f := newFixture(t)
		var encoded string
		f.gw.On("SendRawMessage", mock.Anything, "tok", mock.AnythingOfType("string")).
			Run(func(args mock.Arguments) { encoded = args.String(2) }).
			Return(&gateway.SendResult{ID: "sent-2", ThreadID: "thread-2"}, nil)

		result, err := f.svc.Send(ctx, "alice@example.com", SendInput{
			To: "bob@example.com", Subject: "Hello", Body: "plain",
		})
		require.NoError(t, err)
		assert.Empty(t, result.TrackingID)
		assert.Empty(t, result.TrackingURL)

		raw, err := mailparse.DecodeBase64URL(encoded)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "<img")

		records, err := f.store.ListSentEmailsByFrom("alice@example.com", 50)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("缺少字段时校验失败", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Send(ctx, "alice@example.com", SendInput{To: "bob@example.com", Subject: "x"})
		assert.ErrorIs(t, err, ErrValidation)
		assert.EqualError(t, err, "Missing required fields. Need: to, subject, body")
		f.gw.AssertNotCalled(t, "SendRawMessage", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("纯空白主题视为已填写", func(t *testing.T) {
		f := newFixture(t)
		f.gw.On("SendRawMessage", mock.Anything, "tok", mock.AnythingOfType("string")).
			Return(&gateway.SendResult{ID: "sent-3", ThreadID: "thread-3"}, nil)

		result, err := f.svc.Send(ctx, "alice@example.com", SendInput{
			To: "bob@example.com", Subject: "   ", Body: "x",
		})
		require.NoError(t, err)
		assert.Equal(t, "sent-3", result.MessageID)
	})

	t.Run("纯空白收件人被地址校验拒绝", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Send(ctx, "alice@example.com", SendInput{To: "   ", Subject: "x", Body: "x"})
		assert.ErrorIs(t, err, ErrValidation)
		f.gw.AssertNotCalled(t, "SendRawMessage", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("主题包含换行时拒绝", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Send(ctx, "alice@example.com", SendInput{
			To: "bob@example.com", Subject: "Hi\r\nBcc: eve@example.com", Body: "x",
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("收件人非法时拒绝", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Send(ctx, "alice@example.com", SendInput{To: "not-an-address", Subject: "x", Body: "x"})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("校验先于用户查找", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Send(ctx, "ghost@example.com", SendInput{})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("用户不存在", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.svc.Send(ctx, "ghost@example.com", SendInput{To: "bob@example.com", Subject: "x", Body: "x"})
		assert.ErrorIs(t, err, ErrUserNotFound)
	})

	t.Run("发送失败时不写记录", func(t *testing.T) {
		f := newFixture(t)
		f.gw.On("SendRawMessage", mock.Anything, "tok", mock.Anything).
			Return(nil, &gateway.UpstreamError{Op: "send", StatusCode: 500})

		_, err := f.svc.Send(ctx, "alice@example.com", SendInput{
			To: "bob@example.com", Subject: "x", Body: "x", TrackRead: true,
		})
		assert.ErrorIs(t, err, gateway.ErrUpstream)

		records, err := f.store.ListSentEmailsByFrom("alice@example.com", 50)
		require.NoError(t, err)
		assert.Empty(t, records)
	})
}

func TestEmailService_ListSent(t *testing.T) {
	f := newFixture(t)
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 60; i++ {
		require.NoError(t, f.store.CreateSentEmail(&domain.SentEmail{
			ID:         fmt.Sprintf("id-%d", i),
			TrackingID: fmt.Sprintf("track-%d", i),
			From:       "alice@example.com",
			To:         "bob@example.com",
			SentAt:     base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, f.store.CreateSentEmail(&domain.SentEmail{
		ID: "other", TrackingID: "track-other", From: "carol@example.com", SentAt: base,
	}))

	records, err := f.svc.ListSent("alice@example.com")
	require.NoError(t, err)
	require.Len(t, records, 50)
	assert.Equal(t, base.Add(59*time.Minute), records[0].SentAt)
	for i := 1; i < len(records); i++ {
		assert.False(t, records[i].SentAt.After(records[i-1].SentAt))
	}
}

func TestEmailService_SendConcurrentTokensUnique(t *testing.T) {
	f := newFixture(t)
	f.svc.ids = tracking.NewGenerator()
	f.gw.On("SendRawMessage", mock.Anything, "tok", mock.Anything).
		Return(&gateway.SendResult{ID: "sent", ThreadID: "thread"}, nil)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[string]struct{})
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := f.svc.Send(context.Background(), "alice@example.com", SendInput{
				To: "bob@example.com", Subject: "x", Body: "x", TrackRead: true,
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[result.TrackingID] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, ids, 20)
}
