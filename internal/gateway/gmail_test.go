package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingObserver struct {
	mu    sync.Mutex
	calls []string
}

func (o *recordingObserver) ObserveGatewayCall(op, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, op+":"+outcome)
}

func newTestGateway(t *testing.T, handler http.HandlerFunc) (*GmailGateway, *recordingObserver) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	observer := &recordingObserver{}
	gw := NewGmailGateway(Config{Endpoint: server.URL + "/", Timeout: 5 * time.Second}, observer, zap.NewNop())
	return gw, observer
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestGmailGateway_ListMessageIDs(t *testing.T) {
	gw, observer := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/gmail/v1/users/me/messages", r.URL.Path)
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		assert.Equal(t, "5", r.URL.Query().Get("maxResults"))
		assert.Equal(t, "page-2", r.URL.Query().Get("pageToken"))

		writeJSON(w, http.StatusOK, map[string]any{
			"messages": []map[string]string{
				{"id": "m1", "threadId": "t1"},
				{"id": "m2", "threadId": "t2"},
			},
			"nextPageToken":      "page-3",
			"resultSizeEstimate": 42,
		})
	})

	list, err := gw.ListMessageIDs(context.Background(), "tok-1", 5, "page-2")
	require.NoError(t, err)
	assert.Equal(t, []MessageRef{{ID: "m1", ThreadID: "t1"}, {ID: "m2", ThreadID: "t2"}}, list.Messages)
	assert.Equal(t, "page-3", list.NextPageToken)
	assert.Equal(t, int64(42), list.ResultSizeEstimate)
	assert.Equal(t, []string{"list:success"}, observer.calls)
}

func TestGmailGateway_ListMessageIDs_Empty(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.Query().Get("pageToken"))
		writeJSON(w, http.StatusOK, map[string]any{"resultSizeEstimate": 0})
	})

	list, err := gw.ListMessageIDs(context.Background(), "tok", 10, "")
	require.NoError(t, err)
	assert.Empty(t, list.Messages)
	assert.Empty(t, list.NextPageToken)
}

func TestGmailGateway_GetMessage(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/gmail/v1/users/me/messages/m1", r.URL.Path)
		assert.Equal(t, "full", r.URL.Query().Get("format"))

		writeJSON(w, http.StatusOK, map[string]any{
			"id":           "m1",
			"threadId":     "t1",
			"labelIds":     []string{"INBOX", "UNREAD"},
			"snippet":      "hello",
			"internalDate": "1704103200000",
			"payload": map[string]any{
				"mimeType": "multipart/alternative",
				"headers":  []map[string]string{{"name": "Subject", "value": "Greetings"}},
				"parts": []map[string]any{
					{"partId": "0", "mimeType": "text/plain", "body": map[string]any{"data": "SGk", "size": 2}},
					{"partId": "1", "mimeType": "text/html", "body": map[string]any{"data": "PGI-SGk8L2I-", "size": 9}},
				},
			},
		})
	})

	msg, err := gw.GetMessage(context.Background(), "tok", "m1")
	require.NoError(t, err)
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "t1", msg.ThreadID)
	assert.Equal(t, []string{"INBOX", "UNREAD"}, msg.LabelIDs)
	assert.Equal(t, int64(1704103200000), msg.InternalDate)
	require.NotNil(t, msg.Payload)
	assert.Equal(t, "multipart/alternative", msg.Payload.MimeType)
	require.Len(t, msg.Payload.Headers, 1)
	assert.Equal(t, "Subject", msg.Payload.Headers[0].Name)
	require.Len(t, msg.Payload.Parts, 2)
	assert.Equal(t, "SGk", msg.Payload.Parts[0].Body.Data)
	assert.Equal(t, "text/html", msg.Payload.Parts[1].MimeType)
}

func TestGmailGateway_SendRawMessage(t *testing.T) {
	gw, _ := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/gmail/v1/users/me/messages/send", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "VG86IGJvYg", body["raw"])

		writeJSON(w, http.StatusOK, map[string]any{"id": "sent-1", "threadId": "thread-1", "labelIds": []string{"SENT"}})
	})

	res, err := gw.SendRawMessage(context.Background(), "tok", "VG86IGJvYg")
	require.NoError(t, err)
	assert.Equal(t, &SendResult{ID: "sent-1", ThreadID: "thread-1"}, res)
}

func TestGmailGateway_UpstreamError(t *testing.T) {
	gw, observer := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]any{
			"error": map[string]any{
				"code":    401,
				"message": "Invalid Credentials",
				"errors":  []map[string]string{{"reason": "authError", "message": "Invalid Credentials"}},
			},
		})
	})

	_, err := gw.ListMessageIDs(context.Background(), "expired", 10, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, "list", upstream.Op)
	assert.Equal(t, http.StatusUnauthorized, upstream.StatusCode)

	detail, ok := upstream.Detail.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Invalid Credentials", detail["message"])
	assert.Equal(t, []string{"list:error"}, observer.calls)
}

func TestGmailGateway_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	endpoint := server.URL + "/"
	server.Close()

	gw := NewGmailGateway(Config{Endpoint: endpoint, Timeout: time.Second}, nil, nil)
	_, err := gw.SendRawMessage(context.Background(), "tok", "raw")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)

	var upstream *UpstreamError
	require.True(t, errors.As(err, &upstream))
	assert.Equal(t, 0, upstream.StatusCode)
	assert.Equal(t, "send", upstream.Op)
}

func TestGmailGateway_RateLimitHonoursContext(t *testing.T) {
	gw := NewGmailGateway(Config{Endpoint: "http://127.0.0.1:1/", RateLimit: 0.001, Burst: 1}, nil, nil)
	// 消耗唯一的令牌
	require.True(t, gw.limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := gw.GetMessage(ctx, "tok", "m1")
	assert.ErrorIs(t, err, ErrUpstream)
}
