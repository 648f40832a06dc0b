// Package errors 提供统一的错误处理机制
//
// 设计原则：
// 1. 所有错误都应该可以通过 errors.Is() 和 errors.As() 进行类型检查
// 2. 错误码用于实时事件/API 响应和日志分类
// 3. 支持错误链（error wrapping）
// 4. 基础设施故障在组件边界处转换为组件自身的结果类型，不向上泄漏底层存储的错误类型
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

// 错误码定义
const (
	// 认证相关
	CodeAuthFailed   ErrorCode = "AUTH_FAILED"
	CodeInvalidToken ErrorCode = "INVALID_TOKEN"
	CodeTokenExpired ErrorCode = "TOKEN_EXPIRED"

	// 资源不存在
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeMessageNotFound ErrorCode = "MESSAGE_NOT_FOUND"
	CodeRoomNotFound    ErrorCode = "ROOM_NOT_FOUND"
	CodeUserNotFound    ErrorCode = "USER_NOT_FOUND"

	// 资源冲突
	CodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	CodeConflict      ErrorCode = "CONFLICT"
	CodeNotDeleted    ErrorCode = "NOT_DELETED"

	// 请求错误
	CodeInvalidRequest  ErrorCode = "INVALID_REQUEST"
	CodeInvalidParam    ErrorCode = "INVALID_PARAM"
	CodeMissingParam    ErrorCode = "MISSING_PARAM"
	CodeValidationError ErrorCode = "VALIDATION_ERROR"

	// 权限错误
	CodeForbidden   ErrorCode = "FORBIDDEN"
	CodeNotMember   ErrorCode = "NOT_MEMBER"
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// 系统错误
	CodeInternal     ErrorCode = "INTERNAL_ERROR"
	CodeStorageError ErrorCode = "STORAGE_ERROR"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeUnavailable  ErrorCode = "UNAVAILABLE"
)

// Error 带错误码的错误类型
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// Error 实现 error 接口
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回原始错误
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 支持按错误码比较：errors.Is(err, ErrMessageNotFound) 匹配相同 Code 的错误
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New 创建新错误
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// Newf 创建格式化错误
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf 格式化包装错误
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// GetCode 从错误中提取错误码
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// IsCode 检查错误是否为指定错误码
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// IsRetryable 判断是否为可重试的基础设施故障
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeStorageError, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// Is 重导出 errors.Is
var Is = errors.Is

// As 重导出 errors.As
var As = errors.As
