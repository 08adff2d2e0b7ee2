package biz

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"RefreshWorker/pkg/mail"
	"RefreshWorker/pkg/proxy"
)

// RenewalAction logs an account in again and returns its fresh credential.
// Run must honour ctx cancellation; errors should be *AutomationError.
// Implementation is in internal/automation (ExecAction).
type RenewalAction interface {
	Run(ctx context.Context, req *RenewalRequest) (*RenewalResult, error)
}

// RenewalRequest 续期动作的输入，Account 为副本
type RenewalRequest struct {
	TaskID  string
	Attempt int
	Account *Account
	Config  EffectiveConfig
	Proxy   proxy.Setting
	Mail    mail.Client
	Mailbox mail.Mailbox
}

// FetchCode waits for the verification code, bounded by Config.MailCodeTimeout.
// Failures come back as AutomationError{Kind: verification_failed}; a
// cancelled ctx is returned as is.
func (r *RenewalRequest) FetchCode(ctx context.Context) (string, error) {
	if r.Mail == nil {
		return "", &AutomationError{Kind: KindVerificationFailed, Message: "no mail client configured"}
	}
	mb := r.Mailbox
	if mb.Since.IsZero() {
		mb.Since = time.Now()
	}
	code, err := r.Mail.FetchCode(ctx, mb, r.Config.MailCodeTimeout)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return "", err
		}
		return "", &AutomationError{Kind: KindVerificationFailed, Err: err}
	}
	return code, nil
}

// RenewalResult 新凭据
type RenewalResult struct {
	Credential json.RawMessage
	ExpiresAt  time.Time
}

// validate rejects results that must never be written back.
func (r *RenewalResult) validate(now time.Time) error {
	switch {
	case r == nil:
		return &AutomationError{Kind: KindInvalidResult, Message: "empty result"}
	case !isCredentialObject(r.Credential):
		return &AutomationError{Kind: KindInvalidResult, Message: "credential is not a non-empty JSON object"}
	case r.ExpiresAt.IsZero():
		return &AutomationError{Kind: KindInvalidResult, Message: "missing expires_at"}
	case !r.ExpiresAt.After(now):
		return &AutomationError{Kind: KindInvalidResult, Message: "expires_at " + r.ExpiresAt.Format(time.RFC3339) + " is not in the future"}
	}
	return nil
}

// isCredentialObject 凭据必须是非空 JSON 对象，存储时逐键写到记录顶层
func isCredentialObject(raw json.RawMessage) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	return len(fields) > 0
}
