package data

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"RefreshWorker/internal/model"

	"github.com/spf13/cast"
)

// ExpiresAtLayout 与管理面板一致，按北京时间存储
const ExpiresAtLayout = "2006-01-02 15:04:05"

var beijing = time.FixedZone("CST", 8*3600)

// 账户 JSON 中由本服务建模的字段，其余进入 Account.Extra
const (
	keyID            = "id"
	keyStatus        = "status"
	keyDisabled      = "disabled"
	keyExpiresAt        = "expires_at"
	keyMailProvider     = "mail_provider"
	keyMailAddress      = "mail_address"
	keyMailPassword     = "mail_password"
	keyEmailPassword    = "email_password"
	keyMailClientID     = "mail_client_id"
	keyMailRefreshToken = "mail_refresh_token"
	keyMailTenant       = "mail_tenant"
	keyProxy            = "proxy"
	keyRefreshError     = "refresh_error"
	keyLastRefreshAt    = "last_refresh_at"
)

// credentialKeys 网关直接从账户顶层读取的会话字段，合起来就是 CredentialBlob
var credentialKeys = []string{"secure_c_ses", "host_c_oses", "csesidx", "config_id"}

var modeledKeys = map[string]bool{
	keyID: true, keyStatus: true, keyDisabled: true, keyExpiresAt: true,
	keyMailProvider: true, keyMailAddress: true, keyMailPassword: true,
	keyMailClientID: true, keyMailRefreshToken: true, keyMailTenant: true,
	keyProxy: true, keyRefreshError: true, keyLastRefreshAt: true,
}

func init() {
	for _, k := range credentialKeys {
		modeledKeys[k] = true
	}
}

// decodeAccount parses an accounts.data document. accountID is the row key,
// used when the document has no id of its own.
func decodeAccount(accountID string, position int, data []byte) (*model.Account, error) {
	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("account %s: invalid data: %w", accountID, err)
	}

	a := &model.Account{ID: accountID, Position: position, Extra: map[string]json.RawMessage{}}

	get := func(key string) interface{} {
		raw, ok := fields[key]
		if !ok {
			return nil
		}
		var v interface{}
		d := json.NewDecoder(bytes.NewReader(raw))
		d.UseNumber()
		if err := d.Decode(&v); err != nil {
			return nil
		}
		return v
	}
	str := func(key string) string {
		v := get(key)
		if v == nil {
			return ""
		}
		return strings.TrimSpace(cast.ToString(v))
	}

	if id := str(keyID); id != "" {
		a.ID = id
	}

	disabled := cast.ToBool(get(keyDisabled))
	if st, ok := model.ParseStatus(str(keyStatus)); ok {
		a.Status = st
	} else if disabled {
		a.Status = model.StatusDisabled
	} else {
		a.Status = model.StatusActive
	}
	// 老版本网关只写 disabled
	if disabled && a.Status != model.StatusDisabled {
		a.Status = model.StatusDisabled
	}

	if raw := str(keyExpiresAt); raw != "" {
		if t, ok := parseStoredTime(raw); ok {
			a.ExpiresAt = &t
		}
	}
	if raw := str(keyLastRefreshAt); raw != "" {
		if t, ok := parseStoredTime(raw); ok {
			a.LastRefreshAt = &t
		}
	}

	cred := make(map[string]json.RawMessage, len(credentialKeys))
	for _, k := range credentialKeys {
		if raw, ok := fields[k]; ok && !isJSONNull(raw) {
			cred[k] = raw
		}
	}
	if len(cred) > 0 {
		blob, err := json.Marshal(cred)
		if err != nil {
			return nil, fmt.Errorf("account %s: credential: %w", accountID, err)
		}
		a.CredentialBlob = blob
	}

	a.MailProvider = strings.ToLower(str(keyMailProvider))
	a.MailboxAddress = str(keyMailAddress)
	a.MailSecret = str(keyMailPassword)
	if a.MailSecret == "" {
		a.MailSecret = str(keyEmailPassword)
	}
	a.MailClientID = str(keyMailClientID)
	a.MailRefreshToken = str(keyMailRefreshToken)
	a.MailTenant = str(keyMailTenant)
	a.ProxySpec = str(keyProxy)
	a.FailureReason = str(keyRefreshError)

	for k, v := range fields {
		if !modeledKeys[k] {
			a.Extra[k] = v
		}
	}
	return a, nil
}

// encodeAccount renders the full record. Extra keys are written back
// verbatim, the credential object is flattened into the top level and the
// modeled fields are written last.
func encodeAccount(a *model.Account) ([]byte, error) {
	out := make(map[string]json.RawMessage, len(a.Extra)+len(modeledKeys))
	for k, v := range a.Extra {
		out[k] = v
	}

	if len(a.CredentialBlob) > 0 && !isJSONNull(a.CredentialBlob) {
		var cred map[string]json.RawMessage
		if err := json.Unmarshal(a.CredentialBlob, &cred); err != nil {
			return nil, fmt.Errorf("account %s: credential must be a JSON object: %w", a.ID, err)
		}
		for k, v := range cred {
			out[k] = v
		}
	}

	put := func(key string, v interface{}) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("account %s: encode %s: %w", a.ID, key, err)
		}
		out[key] = raw
		return nil
	}

	status := a.Status
	if status == "" {
		status = model.StatusActive
	}
	fields := []struct {
		key string
		val interface{}
	}{
		{keyID, a.ID},
		{keyStatus, string(status)},
		{keyDisabled, status == model.StatusDisabled},
		{keyExpiresAt, formatStoredTime(a.ExpiresAt)},
		{keyMailProvider, a.MailProvider},
		{keyMailAddress, a.MailboxAddress},
		{keyMailPassword, a.MailSecret},
		{keyProxy, a.ProxySpec},
		{keyRefreshError, a.FailureReason},
		{keyLastRefreshAt, formatStoredTime(a.LastRefreshAt)},
	}
	for _, f := range fields {
		if err := put(f.key, f.val); err != nil {
			return nil, err
		}
	}
	// microsoft 邮箱凭据只在存在时写回
	for _, f := range []struct{ key, val string }{
		{keyMailClientID, a.MailClientID},
		{keyMailRefreshToken, a.MailRefreshToken},
		{keyMailTenant, a.MailTenant},
	} {
		if f.val == "" {
			continue
		}
		if err := put(f.key, f.val); err != nil {
			return nil, err
		}
	}

	return json.Marshal(out)
}

func formatStoredTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.In(beijing).Format(ExpiresAtLayout)
}

// parseStoredTime accepts the panel layout (UTC+8) and RFC 3339.
func parseStoredTime(raw string) (time.Time, bool) {
	if t, err := time.ParseInLocation(ExpiresAtLayout, raw, beijing); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func isJSONNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null"
}
