package errors

import (
	"errors"
	"fmt"
)

// ErrorCode 错误码类型
type ErrorCode string

const (
	CodeInvalidInput   ErrorCode = "INVALID_INPUT"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeAlreadyExists  ErrorCode = "ALREADY_EXISTS"
	CodeUnauthorized   ErrorCode = "UNAUTHORIZED"
	CodeForbidden      ErrorCode = "FORBIDDEN"
	CodeConflict       ErrorCode = "CONFLICT"
	CodeInternal       ErrorCode = "INTERNAL_ERROR"
	CodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError 应用错误
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 实现 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, message string, cause error) *AppError {
	return &AppError{Code: code, Message: message, Err: cause}
}

// NewInvalidInputError 创建无效输入错误
func NewInvalidInputError(message string) *AppError {
	return newError(CodeInvalidInput, message, nil)
}

// NewNotFoundError 创建未找到错误
func NewNotFoundError(message string) *AppError {
	return newError(CodeNotFound, message, nil)
}

// NewAlreadyExistsError 创建已存在错误
func NewAlreadyExistsError(message string) *AppError {
	return newError(CodeAlreadyExists, message, nil)
}

// NewForbiddenError 创建禁止访问错误 (跨租户访问)
func NewForbiddenError(message string) *AppError {
	return newError(CodeForbidden, message, nil)
}

// NewConflictError 创建冲突错误
func NewConflictError(message string, cause error) *AppError {
	return newError(CodeConflict, message, cause)
}

// NewUnavailableError 创建服务不可用错误
func NewUnavailableError(message string, cause error) *AppError {
	return newError(CodeServiceUnavail, message, cause)
}

// NewInternalError 创建内部错误
func NewInternalError(message string) *AppError {
	return newError(CodeInternal, message, nil)
}

// NewInternalErrorWithCause 创建带原因的内部错误
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return newError(CodeInternal, message, cause)
}

// CodeOf 返回错误码, 非 AppError 时返回 CodeInternal
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}

func hasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool { return hasCode(err, CodeNotFound) }

// IsInvalidInput 判断是否为无效输入错误
func IsInvalidInput(err error) bool { return hasCode(err, CodeInvalidInput) }

// IsAlreadyExists 判断是否为已存在错误
func IsAlreadyExists(err error) bool { return hasCode(err, CodeAlreadyExists) }

// IsForbidden 判断是否为禁止访问错误
func IsForbidden(err error) bool { return hasCode(err, CodeForbidden) }
