package mailparse

import (
	"encoding/base64"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailtrack/backend/internal/domain"
)

func part(mimeType, text string, children ...*domain.MessagePart) *domain.MessagePart {
	p := &domain.MessagePart{MimeType: mimeType, Parts: children}
	if text != "" {
		p.Body = &domain.MessagePartBody{Data: EncodeBase64URL([]byte(text))}
	}
	return p
}

func TestDecodeBase64URL(t *testing.T) {
	t.Run("无填充的URL安全编码", func(t *testing.T) {
		out, err := DecodeBase64URL("SGVsbG8")
		require.NoError(t, err)
		assert.Equal(t, "Hello", string(out))
	})

	t.Run("带填充的输入", func(t *testing.T) {
		out, err := DecodeBase64URL("SGVsbG8=")
		require.NoError(t, err)
		assert.Equal(t, "Hello", string(out))
	})

	t.Run("URL安全字符还原", func(t *testing.T) {
		raw := []byte{0xfb, 0xff, 0xfe}
		out, err := DecodeBase64URL(EncodeBase64URL(raw))
		require.NoError(t, err)
		assert.Equal(t, raw, out)
		assert.Equal(t, "-__-", EncodeBase64URL(raw))
	})

	t.Run("任意字节串编码后可还原", func(t *testing.T) {
		rng := rand.New(rand.NewSource(42))
		for n := 0; n <= 64; n++ {
			for i := 0; i < 8; i++ {
				raw := make([]byte, n)
				rng.Read(raw)

				encoded := EncodeBase64URL(raw)
				assert.NotContains(t, encoded, "=")
				assert.NotContains(t, encoded, "+")
				assert.NotContains(t, encoded, "/")

				out, err := DecodeBase64URL(encoded)
				require.NoError(t, err, "len=%d", n)
				assert.Equal(t, raw, out, "len=%d", n)

				padded, err := DecodeBase64URL(base64.URLEncoding.EncodeToString(raw))
				require.NoError(t, err, "len=%d", n)
				assert.Equal(t, raw, padded, "len=%d", n)
			}
		}
	})

	t.Run("非法数据返回解码错误", func(t *testing.T) {
		_, err := DecodeBase64URL("!!!not base64")
		assert.ErrorIs(t, err, ErrDecode)
	})
}

func TestParseBody(t *testing.T) {
	t.Run("单一纯文本节点", func(t *testing.T) {
		assert.Equal(t, "Hello", ParseBody(part("text/plain", "Hello")))
	})

	t.Run("HTML优先于更早出现的纯文本", func(t *testing.T) {
		root := part("multipart/alternative", "",
			part("text/plain", "Hi"),
			part("text/html", "<p>Hi</p>"),
		)
		assert.Equal(t, "<p>Hi</p>", ParseBody(root))
	})

	t.Run("深层HTML优先于浅层纯文本", func(t *testing.T) {
		root := part("multipart/mixed", "",
			part("text/plain", "shallow"),
			part("multipart/related", "",
				part("multipart/alternative", "",
					part("text/html", "<b>deep</b>"),
				),
			),
		)
		assert.Equal(t, "<b>deep</b>", ParseBody(root))
	})

	t.Run("取第一个HTML节点", func(t *testing.T) {
		root := part("multipart/mixed", "",
			part("text/html", "first"),
			part("text/html", "second"),
		)
		assert.Equal(t, "first", ParseBody(root))
	})

	t.Run("取第一个纯文本节点", func(t *testing.T) {
		root := part("multipart/mixed", "",
			part("text/plain", "first"),
			part("text/plain", "second"),
		)
		assert.Equal(t, "first", ParseBody(root))
	})

	t.Run("根节点自身的数据先于子节点", func(t *testing.T) {
		root := part("text/html", "root", part("text/html", "child"))
		assert.Equal(t, "root", ParseBody(root))
	})

	t.Run("无数据的节点被跳过", func(t *testing.T) {
		root := part("multipart/alternative", "",
			&domain.MessagePart{MimeType: "text/html", Body: &domain.MessagePartBody{AttachmentID: "att-1"}},
			part("text/plain", "fallback"),
		)
		assert.Equal(t, "fallback", ParseBody(root))
	})

	t.Run("解码失败的HTML节点被跳过", func(t *testing.T) {
		root := part("multipart/alternative", "",
			&domain.MessagePart{MimeType: "text/html", Body: &domain.MessagePartBody{Data: "%%%"}},
			part("text/plain", "plain"),
		)
		assert.Equal(t, "plain", ParseBody(root))
	})

	t.Run("MIME类型大小写与参数不影响匹配", func(t *testing.T) {
		root := part("multipart/alternative", "",
			part("TEXT/PLAIN; charset=utf-8", "plain"),
			part("Text/HTML; charset=\"utf-8\"", "<i>html</i>"),
		)
		assert.Equal(t, "<i>html</i>", ParseBody(root))
	})

	t.Run("没有可用正文返回空串", func(t *testing.T) {
		root := part("multipart/mixed", "", part("image/png", "png-bytes"))
		assert.Equal(t, "", ParseBody(root))
		assert.Equal(t, "", ParseBody(nil))
	})
}

func TestNewHeaders(t *testing.T) {
	headers := NewHeaders([]domain.Header{
		{Name: "Subject", Value: "first"},
		{Name: "FROM", Value: "alice@example.com"},
		{Name: "subject", Value: "second"},
	})

	assert.Equal(t, "second", headers.Get("subject"))
	assert.Equal(t, "alice@example.com", headers["from"])
}

func TestParseMessage(t *testing.T) {
	t.Run("完整邮件", func(t *testing.T) {
		payload := part("text/html", "<p>hello</p>")
		payload.Headers = []domain.Header{
			{Name: "Subject", Value: "Greetings"},
			{Name: "From", Value: "alice@example.com"},
			{Name: "To", Value: "bob@example.com"},
			{Name: "Date", Value: "Mon, 1 Jan 2024 10:00:00 +0000"},
		}
		msg := &domain.ProviderMessage{
			ID:           "m1",
			ThreadID:     "t1",
			LabelIDs:     []string{"INBOX"},
			Snippet:      "hello",
			InternalDate: 1704103200000,
			Payload:      payload,
		}

		parsed := ParseMessage(msg)
		assert.Equal(t, "m1", parsed.ID)
		assert.Equal(t, "t1", parsed.ThreadID)
		assert.Equal(t, []string{"INBOX"}, parsed.LabelIDs)
		assert.Equal(t, "Greetings", parsed.Subject)
		assert.Equal(t, "alice@example.com", parsed.From)
		assert.Equal(t, "bob@example.com", parsed.To)
		assert.Equal(t, "Mon, 1 Jan 2024 10:00:00 +0000", parsed.Date)
		assert.Equal(t, "<p>hello</p>", parsed.Body)
		assert.Equal(t, int64(1704103200000), parsed.InternalDate)
	})

	t.Run("缺失头使用缺省值", func(t *testing.T) {
		parsed := ParseMessage(&domain.ProviderMessage{ID: "m2", Payload: &domain.MessagePart{MimeType: "text/plain"}})
		assert.Equal(t, domain.DefaultSubject, parsed.Subject)
		assert.Equal(t, domain.DefaultFrom, parsed.From)
		assert.Equal(t, "", parsed.To)
		assert.Equal(t, "", parsed.Date)
		assert.Equal(t, "", parsed.Body)
		assert.Equal(t, []string{}, parsed.LabelIDs)
	})

	t.Run("没有payload", func(t *testing.T) {
		parsed := ParseMessage(&domain.ProviderMessage{ID: "m3"})
		assert.Equal(t, domain.DefaultSubject, parsed.Subject)
		assert.Equal(t, "", parsed.Body)
	})
}
