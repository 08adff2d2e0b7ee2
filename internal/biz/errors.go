package biz

import (
	"context"
	"errors"
	"fmt"

	"RefreshWorker/internal/model"
	"RefreshWorker/pkg/mail"
	"RefreshWorker/pkg/proxy"
)

// StorageError 存储读写失败
type StorageError = model.StorageError

// ErrAccountNotFound is wrapped by StorageError when SaveAccount touched no row.
var ErrAccountNotFound = model.ErrAccountNotFound

// ErrInvalidRecord is wrapped by StorageError when an account cannot be encoded.
var ErrInvalidRecord = model.ErrInvalidRecord

// ConfigError 配置无法读取或环境变量非法
type ConfigError struct {
	Key    string
	Value  string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	switch {
	case e.Err != nil && e.Key != "":
		return fmt.Sprintf("config %s: %s: %v", e.Key, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("config: %s: %v", e.Reason, e.Err)
	default:
		return fmt.Sprintf("config %s=%q: %s", e.Key, e.Value, e.Reason)
	}
}

func (e *ConfigError) Unwrap() error { return e.Err }

// AutomationKind classifies a failed renewal.
type AutomationKind string

// Automation failure kinds.
const (
	KindLoginRejected      AutomationKind = "login_rejected"
	KindVerificationFailed AutomationKind = "verification_failed"
	KindProxyUnreachable   AutomationKind = "proxy_unreachable"
	KindScriptError        AutomationKind = "script_error"
	KindInvalidResult      AutomationKind = "invalid_result"
	KindUnknownProvider    AutomationKind = "unknown_provider"
	KindInvalidProxy       AutomationKind = "invalid_proxy"
)

// ParseAutomationKind maps a wire value to a kind; unknown values become script_error.
func ParseAutomationKind(s string) AutomationKind {
	switch k := AutomationKind(s); k {
	case KindLoginRejected, KindVerificationFailed, KindProxyUnreachable, KindScriptError,
		KindInvalidResult, KindUnknownProvider, KindInvalidProxy:
		return k
	default:
		return KindScriptError
	}
}

// AutomationError 续期动作的分类失败
type AutomationError struct {
	Kind    AutomationKind
	Message string
	Err     error
}

func (e *AutomationError) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AutomationError) Unwrap() error { return e.Err }

// ClassifyFailure folds any renewal error into an AutomationError.
func ClassifyFailure(err error) *AutomationError {
	var ae *AutomationError
	if errors.As(err, &ae) {
		return ae
	}

	var unknown *mail.UnknownProviderError
	var perr *proxy.Error
	var mailErr *mail.ProviderError
	switch {
	case errors.As(err, &unknown):
		return &AutomationError{Kind: KindUnknownProvider, Err: err}
	case errors.As(err, &perr):
		return &AutomationError{Kind: KindInvalidProxy, Err: err}
	case errors.Is(err, mail.ErrMailTimeout), errors.As(err, &mailErr):
		return &AutomationError{Kind: KindVerificationFailed, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &AutomationError{Kind: KindScriptError, Message: "deadline exceeded", Err: err}
	default:
		return &AutomationError{Kind: KindScriptError, Err: err}
	}
}
