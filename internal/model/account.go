// Package model holds the domain types shared by the data and biz layers.
package model

import (
	"encoding/json"
	"strings"
	"time"
)

// Status 账户状态
type Status string

// Account statuses.
const (
	StatusActive     Status = "active"
	StatusDisabled   Status = "disabled"
	StatusRefreshing Status = "refreshing"
	StatusFailed     Status = "failed"
)

// ParseStatus maps a stored value to a Status; unknown values report false.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToLower(strings.TrimSpace(s))); st {
	case StatusActive, StatusDisabled, StatusRefreshing, StatusFailed:
		return st, true
	default:
		return "", false
	}
}

// Account 一条托管凭据
type Account struct {
	ID       string
	Position int

	// CredentialBlob 不透明会话数据 (JSON 对象)，只由续期流程写入；
	// 存储时展开为记录顶层的网关字段
	CredentialBlob json.RawMessage
	// ExpiresAt nil 表示从未刷新或未知
	ExpiresAt *time.Time
	Status    Status

	MailProvider   string
	MailboxAddress string
	MailSecret     string
	// microsoft 邮箱的 OAuth 刷新凭据
	MailClientID     string
	MailRefreshToken string
	MailTenant       string
	ProxySpec        string

	FailureReason string
	LastRefreshAt *time.Time

	// Extra 未建模字段，保存时原样写回 (网关拥有的字段不能丢)
	Extra map[string]json.RawMessage
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	if a.CredentialBlob != nil {
		c.CredentialBlob = append(json.RawMessage(nil), a.CredentialBlob...)
	}
	if a.ExpiresAt != nil {
		t := *a.ExpiresAt
		c.ExpiresAt = &t
	}
	if a.LastRefreshAt != nil {
		t := *a.LastRefreshAt
		c.LastRefreshAt = &t
	}
	if a.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(a.Extra))
		for k, v := range a.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// ExtraString returns a string-valued extra field, "" when absent or not a string.
func (a *Account) ExtraString(key string) string {
	raw, ok := a.Extra[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// ExtraValue decodes an extra field into a generic value; nil when absent.
func (a *Account) ExtraValue(key string) interface{} {
	raw, ok := a.Extra[key]
	if !ok {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// PersistedConfig 存在 kv_settings 表 key=settings 下的运营配置
type PersistedConfig struct {
	Basic map[string]interface{}
	Retry map[string]interface{}
	// Found is false when no settings row exists (all defaults apply).
	Found bool
}
