// Package compose 构造带阅读追踪像素的外发 HTML 邮件。
package compose

import (
	"mime"
	"strings"

	"mailtrack/backend/internal/mailparse"
)

// TrackPath 是像素接口的路由前缀
const TrackPath = "/api/track/"

// Outbound 是待发送邮件的输入
type Outbound struct {
	To      string
	From    string
	Subject string
	Body    string // 纯文本正文，换行会转换为 <br>
}

// Composed 是组装完成的邮件
type Composed struct {
	Raw         []byte // RFC 822 原文
	Encoded     string // URL 安全且不带填充的 base64
	HTMLBody    string
	TrackingURL string // 未启用追踪时为空
}

// Composer 负责邮件组装，不产生任何副作用
type Composer struct {
	trackingBaseURL string
}

// NewComposer 创建组装器，baseURL 末尾的 "/" 会被去掉
func NewComposer(trackingBaseURL string) *Composer {
	return &Composer{trackingBaseURL: strings.TrimRight(trackingBaseURL, "/")}
}

// TrackingURL 返回追踪ID对应的像素地址
func (c *Composer) TrackingURL(trackingID string) string {
	return c.trackingBaseURL + TrackPath + trackingID
}

// Compose 组装邮件；trackingID 为空时不嵌入像素
func (c *Composer) Compose(msg Outbound, trackingID string) Composed {
	body := strings.ReplaceAll(msg.Body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\n", "<br>")

	var trackingURL string
	if trackingID != "" {
		trackingURL = c.TrackingURL(trackingID)
		body += `<img src="` + trackingURL + `" width="1" height="1" style="display:none;" alt="" />`
	}

	lines := []string{
		"To: " + msg.To,
		"From: " + msg.From,
		"Subject: " + encodeHeader(msg.Subject),
		"MIME-Version: 1.0",
		"Content-Type: text/html; charset=utf-8",
		"",
		body,
	}
	raw := []byte(strings.Join(lines, "\r\n"))

	return Composed{
		Raw:         raw,
		Encoded:     mailparse.EncodeBase64URL(raw),
		HTMLBody:    body,
		TrackingURL: trackingURL,
	}
}

// encodeHeader 仅在包含非 ASCII 字符时使用 RFC 2047 编码
func encodeHeader(value string) string {
	for i := 0; i < len(value); i++ {
		if value[i] >= 0x80 {
			return mime.QEncoding.Encode("utf-8", value)
		}
	}
	return value
}
