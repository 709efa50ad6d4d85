package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Transport and protocol error codes
const (
	ErrTransientNetwork ErrorCode = "TRANSIENT_NETWORK"
	ErrProtocol         ErrorCode = "PROTOCOL"
	ErrTimeout          ErrorCode = "TIMEOUT"
	ErrBlocked          ErrorCode = "BLOCKED"
	ErrRateLimited      ErrorCode = "RATE_LIMITED"
	ErrUpstreamError    ErrorCode = "UPSTREAM_ERROR"
)

// Session error codes
const (
	ErrPolicy         ErrorCode = "POLICY"
	ErrSessionExpired ErrorCode = "SESSION_EXPIRED"
	ErrReportRequired ErrorCode = "REPORT_REQUIRED"
	ErrSessionUnknown ErrorCode = "SESSION_UNKNOWN"
	ErrNoCredential   ErrorCode = "NO_CREDENTIAL"
)

// Storage error codes
const (
	ErrNotFound      ErrorCode = "NOT_FOUND"
	ErrStorage       ErrorCode = "STORAGE"
	ErrInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
)

// Control error codes
const (
	// ErrNotRunning 没有可接收操作员动作的页面加载
	ErrNotRunning   ErrorCode = "NOT_RUNNING"
	ErrUnauthorized ErrorCode = "UNAUTHORIZED"
	// ErrConflict 请求与当前状态冲突，例如没有可回滚的配置
	ErrConflict ErrorCode = "CONFLICT"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	// Terminal 的错误不会被组件边界吞掉，只由启动流程上报
	Terminal  bool   `json:"terminal"`
	Component string `json:"component,omitempty"`
	Cause     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewTerminalError creates an error the bootstrap path must surface.
func NewTerminalError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message, Terminal: true}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithComponent sets the component that raised the error.
func (e *Error) WithComponent(component string) *Error {
	e.Component = component
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// IsTerminal reports whether err carries a terminal fault anywhere in its chain.
func IsTerminal(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Terminal
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
