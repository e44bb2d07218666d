package domain

import (
	"errors"
	"fmt"
)

// 业务错误定义
var (
	ErrInvalidForwardTarget = errors.New("invalid forward target")
	ErrInvalidAliasName     = errors.New("invalid alias name")
	ErrMissingCredential    = errors.New("api key and domain are required")
	ErrNotLoggedIn          = errors.New("not logged in")
	ErrAliasExists          = errors.New("alias already exists")
	ErrAliasNotFound        = errors.New("alias not found")
)

// ValidationError 输入校验失败，直接反馈给用户，不重试。
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

// NewValidationError 创建校验错误。
func NewValidationError(field, reason string, err error) *ValidationError {
	return &ValidationError{Field: field, Reason: reason, Err: err}
}

func (e *ValidationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Field, e.Err, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// RemoteError 服务商拒绝或调用失败。
type RemoteError struct {
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *RemoteError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("%s failed (status %d): %s", e.Op, e.Status, msg)
	}
	return fmt.Sprintf("%s failed: %s", e.Op, msg)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsValidationError 判断是否为校验错误。
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRemoteError 判断是否为服务商错误。
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
