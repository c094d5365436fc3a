package mailparse

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrDecode 表示内联数据不是合法的 URL 安全 base64
var ErrDecode = errors.New("mailparse: malformed base64url data")

var urlSafeReplacer = strings.NewReplacer("-", "+", "_", "/")

// DecodeBase64URL 解码服务商下发的 URL 安全 base64 数据。
// 兼容带或不带 '=' 填充的输入。
func DecodeBase64URL(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	s = urlSafeReplacer.Replace(s)
	if rem := len(s) % 4; rem != 0 {
		s += strings.Repeat("=", 4-rem)
	}
	out, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return out, nil
}

// EncodeBase64URL 以 URL 安全且不带填充的方式编码
func EncodeBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
