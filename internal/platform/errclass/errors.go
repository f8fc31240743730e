package errclass

import (
	"errors"
	"fmt"
)

// Error 是稳定、可机读的错误类别。Web 层按 Code 映射 HTTP 状态码。
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is 只比较 Code，便于 errors.Is(err, errclass.ErrNotFound) 匹配带消息的实例。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithMessage 返回同 Code、带具体消息的新错误。
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef 返回同 Code、带格式化消息的新错误。
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

var (
	ErrNotFound               = &Error{Code: "E_NOT_FOUND"}
	ErrInvalidTransfer        = &Error{Code: "E_INVALID_TRANSFER"}
	ErrIntegrityMismatch      = &Error{Code: "E_INTEGRITY_MISMATCH"}
	ErrSourceUnavailable      = &Error{Code: "E_SOURCE_UNAVAILABLE"}
	ErrInvalidStateTransition = &Error{Code: "E_INVALID_STATE_TRANSITION"}
	ErrConflict               = &Error{Code: "E_CONFLICT"}
	ErrNoDescriptor           = &Error{Code: "E_NO_DESCRIPTOR"}
	ErrPermissionDenied       = &Error{Code: "E_PERMISSION_DENIED"}
	ErrInvalidArgument        = &Error{Code: "E_INVALID_ARGUMENT"}
	ErrUnauthenticated        = &Error{Code: "E_UNAUTHENTICATED"}
)

// Code 返回错误链中第一个 *Error 的 Code；非分类错误返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
