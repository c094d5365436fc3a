// Package mailparse 将服务商返回的 MIME 树转换为可展示的邮件正文和头信息。
package mailparse

import (
	"mime"
	"strings"

	"mailtrack/backend/internal/domain"
)

const (
	mimeHTML  = "text/html"
	mimePlain = "text/plain"
)

// ParseBody 从 MIME 树中选出展示用正文。
//
// 遍历顺序为深度优先，先节点后子节点，子节点按顺序访问。
// 树中任意位置第一个可解码的 text/html 节点优先；
// 没有 HTML 时取第一个可解码的 text/plain 节点；都没有时返回空串。
// 解码失败的节点被跳过，函数本身不会失败。
func ParseBody(root *domain.MessagePart) string {
	var (
		plain    string
		hasPlain bool
	)

	var walk func(p *domain.MessagePart) (string, bool)
	walk = func(p *domain.MessagePart) (string, bool) {
		if p == nil {
			return "", false
		}

		switch mediaType(p.MimeType) {
		case mimeHTML:
			if text, ok := inlineText(p); ok {
				return text, true
			}
		case mimePlain:
			if !hasPlain {
				if text, ok := inlineText(p); ok {
					plain, hasPlain = text, true
				}
			}
		}

		for _, child := range p.Parts {
			if html, ok := walk(child); ok {
				return html, true
			}
		}
		return "", false
	}

	if html, ok := walk(root); ok {
		return html
	}
	return plain
}

// NewHeaders 将头列表转换为小写名称映射，同名头后者覆盖前者
func NewHeaders(list []domain.Header) domain.Headers {
	headers := make(domain.Headers, len(list))
	for _, h := range list {
		headers[strings.ToLower(h.Name)] = h.Value
	}
	return headers
}

// ParseMessage 将服务商邮件转换为对外返回的视图，缺失的头使用缺省值
func ParseMessage(msg *domain.ProviderMessage) domain.ParsedEmail {
	var headers domain.Headers
	if msg.Payload != nil {
		headers = NewHeaders(msg.Payload.Headers)
	}

	labels := msg.LabelIDs
	if labels == nil {
		labels = []string{}
	}

	return domain.ParsedEmail{
		ID:           msg.ID,
		ThreadID:     msg.ThreadID,
		LabelIDs:     labels,
		Snippet:      msg.Snippet,
		Subject:      withDefault(headers.Get("subject"), domain.DefaultSubject),
		From:         withDefault(headers.Get("from"), domain.DefaultFrom),
		To:           headers.Get("to"),
		Date:         headers.Get("date"),
		Body:         ParseBody(msg.Payload),
		InternalDate: msg.InternalDate,
	}
}

func inlineText(p *domain.MessagePart) (string, bool) {
	if p.Body == nil || p.Body.Data == "" {
		return "", false
	}
	data, err := DecodeBase64URL(p.Body.Data)
	if err != nil {
		return "", false
	}
	return string(data), true
}

// mediaType 返回去掉参数并转为小写的 MIME 类型
func mediaType(value string) string {
	if value == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(value)
	if err != nil {
		if i := strings.IndexByte(value, ';'); i >= 0 {
			value = value[:i]
		}
		return strings.ToLower(strings.TrimSpace(value))
	}
	return mt
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
