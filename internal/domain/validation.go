package domain

import (
	"errors"
	"net/mail"
	"regexp"
	"strings"
)

// 验证相关的错误定义
var (
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrEmailTooLong     = errors.New("email address too long")
	ErrLocalPartTooLong = errors.New("local part too long (max 64 chars)")
	ErrDomainTooLong    = errors.New("domain too long (max 253 chars)")
	ErrInvalidDomain    = errors.New("invalid domain format")
)

// 验证常量（RFC 5322 长度限制）
const (
	MaxEmailLength     = 254
	MaxLocalPartLength = 64
	MaxDomainLength    = 253
)

var (
	// 别名本地部分：字母数字开头，允许 . _ + -
	aliasNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._+-]*$`)

	// 域名必须至少包含一个点
	domainRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)+$`)
)

// EmailValidator 转发地址与别名名称验证器
type EmailValidator struct{}

// NewEmailValidator 创建验证器
func NewEmailValidator() *EmailValidator {
	return &EmailValidator{}
}

// ValidateEmail 验证完整邮箱地址（不允许显示名称）
func (v *EmailValidator) ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return ErrInvalidEmail
	}
	if len(email) > MaxEmailLength {
		return ErrEmailTooLong
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Name != "" || addr.Address != email {
		return ErrInvalidEmail
	}

	localPart, domainPart, ok := strings.Cut(email, "@")
	if !ok || localPart == "" || strings.ContainsAny(localPart, " \t") {
		return ErrInvalidEmail
	}
	if len(localPart) > MaxLocalPartLength {
		return ErrLocalPartTooLong
	}

	return v.ValidateDomain(domainPart)
}

// ValidateDomain 验证域名
func (v *EmailValidator) ValidateDomain(domain string) error {
	if domain == "" {
		return ErrInvalidDomain
	}
	if len(domain) > MaxDomainLength {
		return ErrDomainTooLong
	}
	if !domainRegex.MatchString(domain) {
		return ErrInvalidDomain
	}
	return nil
}

// ValidateForwardTarget 验证转发地址：格式合法，且不能转发回别名所在域名。
func (v *EmailValidator) ValidateForwardTarget(target, aliasDomain string) error {
	target = strings.TrimSpace(target)
	if err := v.ValidateEmail(target); err != nil {
		return NewValidationError("forward", "please enter a valid email address", ErrInvalidForwardTarget)
	}

	_, forwardDomain, _ := strings.Cut(target, "@")
	if strings.EqualFold(forwardDomain, strings.TrimSpace(aliasDomain)) {
		return NewValidationError("forward", "cannot forward to your own domain email", ErrInvalidForwardTarget)
	}
	return nil
}

// ValidateAliasName 验证别名本地部分
func (v *EmailValidator) ValidateAliasName(name string) error {
	if name == "" || len(name) > MaxLocalPartLength || !aliasNameRegex.MatchString(name) {
		return NewValidationError("alias", "use letters, digits, '.', '_', '+' or '-'", ErrInvalidAliasName)
	}
	return nil
}
