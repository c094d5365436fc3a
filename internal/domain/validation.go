package domain

import (
	"errors"
	"net/mail"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail    = errors.New("invalid email format")
	ErrEmailTooLong    = errors.New("email address too long")
	ErrHeaderInjection = errors.New("header value must not contain line breaks")
)

// MaxEmailLength 是 RFC 5321 规定的地址最大长度
const MaxEmailLength = 254

// NormalizeEmail 去除首尾空白并转为小写，用于用户查找
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail 验证单个邮箱地址，不接受显示名
func ValidateEmail(email string) error {
	if email == "" {
		return ErrInvalidEmail
	}
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateAddressList 验证收件人字段，支持逗号分隔的多个地址
func ValidateAddressList(value string) error {
	if err := ValidateHeaderValue(value); err != nil {
		return err
	}
	if len(value) > MaxEmailLength*20 {
		return ErrEmailTooLong
	}
	if _, err := mail.ParseAddressList(value); err != nil {
		return ErrInvalidEmail
	}
	return nil
}

// ValidateHeaderValue 拒绝包含 CR/LF 的头字段值，防止头注入
func ValidateHeaderValue(value string) error {
	if strings.ContainsAny(value, "\r\n") {
		return ErrHeaderInjection
	}
	return nil
}
