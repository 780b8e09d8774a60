package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"

	// 大模型 provider 相关错误码。
	CodeProviderRateLimited Code = "PROVIDER_RATE_LIMITED"
	CodeProviderTimeout     Code = "PROVIDER_TIMEOUT"
	CodeProviderServer      Code = "PROVIDER_SERVER_ERROR"
	CodeProviderAuth        Code = "PROVIDER_AUTH_FAILURE"
	CodeProviderInvalid     Code = "PROVIDER_INVALID_REQUEST"
	CodeRoleUnavailable     Code = "ROLE_UNAVAILABLE"

	// 链上交易执行相关错误码。
	CodeNoRoute          Code = "NO_ROUTE"
	CodeStaleQuote       Code = "STALE_QUOTE"
	CodeSlippageExceeded Code = "SLIPPAGE_EXCEEDED"
	CodeSignFailure      Code = "SIGN_FAILURE"
	CodeRelayFailure     Code = "RELAY_FAILURE"
	CodeUnconfirmed      Code = "UNCONFIRMED"
	CodeAssetBusy        Code = "ASSET_BUSY"

	// 社交发布相关错误码。
	CodeSocialRateLimited Code = "SOCIAL_RATE_LIMITED"
	CodeSocialAuth        Code = "SOCIAL_AUTH_FAILURE"
	CodeDuplicateAction   Code = "DUPLICATE_ACTION"
)

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown: {
			Message:   "unknown error",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
		CodeInvalidArgument: {
			Message:   "invalid argument",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
		CodeInitializationFailure: {
			Message:   "service not initialized",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     true,
		},
		CodeTimeout: {
			Message:   "operation timed out",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     true,
		},
		CodeStorageFailure: {
			Message:   "storage failure",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeQueueFailure: {
			Message:   "queue failure",
			Severity:  SeverityCritical,
			Retryable: true,
			Alert:     true,
		},
		CodeProviderRateLimited: {
			Message:   "provider rate limited",
			Severity:  SeverityInfo,
			Retryable: true,
			Alert:     false,
		},
		CodeProviderTimeout: {
			Message:   "provider timed out",
			Severity:  SeverityInfo,
			Retryable: true,
			Alert:     false,
		},
		CodeProviderServer: {
			Message:   "provider server error",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     false,
		},
		CodeProviderAuth: {
			Message:   "provider auth failure",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
		CodeProviderInvalid: {
			Message:   "provider rejected request",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     false,
		},
		CodeRoleUnavailable: {
			Message:   "analysis role unavailable",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     true,
		},
		CodeNoRoute: {
			Message:   "no swap route",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     false,
		},
		CodeStaleQuote: {
			Message:   "quote expired before build",
			Severity:  SeverityInfo,
			Retryable: true,
			Alert:     false,
		},
		CodeSlippageExceeded: {
			Message:   "slippage exceeded at build",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     true,
		},
		CodeSignFailure: {
			Message:   "transaction signing failed",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
		CodeRelayFailure: {
			Message:   "bundle relay rejected submission",
			Severity:  SeverityWarning,
			Retryable: true,
			Alert:     false,
		},
		CodeUnconfirmed: {
			Message:   "transaction unconfirmed after timeout",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
		CodeAssetBusy: {
			Message:   "asset has an unresolved execution",
			Severity:  SeverityWarning,
			Retryable: false,
			Alert:     false,
		},
		CodeSocialRateLimited: {
			Message:   "social platform rate limited",
			Severity:  SeverityInfo,
			Retryable: true,
			Alert:     false,
		},
		CodeSocialAuth: {
			Message:   "social platform auth failure",
			Severity:  SeverityCritical,
			Retryable: false,
			Alert:     true,
		},
		CodeDuplicateAction: {
			Message:   "duplicate social action",
			Severity:  SeverityInfo,
			Retryable: false,
			Alert:     false,
		},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是系统内统一的错误类型。
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 指定错误是否可重试。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithAlert 指定错误是否需要告警。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.alert = &alert
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.severity = &sev
	}
}

// New 创建一个新的错误实例。
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// Error 实现 error 接口。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap 实现 errors.Unwrap。
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 允许通过 errors.Is 判断是否相同错误码。
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回错误信息。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加信息。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

// Retryable 判断是否可重试。
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

// ShouldAlert 判断是否需要告警。
func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

// Severity 返回错误严重程度。
func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From 尝试从 error 中解析统一错误类型。
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误对应的错误码。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// RetryableError 判断任意 error 是否可重试。
func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

// ShouldAlert 判断是否需要触发告警。
func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
