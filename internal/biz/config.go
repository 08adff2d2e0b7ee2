package biz

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"RefreshWorker/internal/conf"
	"RefreshWorker/pkg/mail"

	"github.com/spf13/cast"
)

// Environment overrides recognised by the resolver.
const (
	EnvRefreshEnabled  = "FORCE_REFRESH_ENABLED"
	EnvIntervalMinutes = "REFRESH_INTERVAL_MINUTES"
	EnvWindowHours     = "REFRESH_WINDOW_HOURS"
	EnvHeadless        = "BROWSER_HEADLESS"
	EnvProxyForAuth    = "PROXY_FOR_AUTH"
)

// OverrideKeys lists every environment override, in resolution order.
var OverrideKeys = []string{EnvRefreshEnabled, EnvIntervalMinutes, EnvWindowHours, EnvHeadless, EnvProxyForAuth}

// Defaults for persisted settings.
const (
	DefaultIntervalMinutes = 30
	DefaultWindowHours     = 1
	DefaultMailProvider    = mail.ProviderDuckMail

	minIntervalMinutes = 1
	maxIntervalMinutes = 720
	maxWindowHours     = 24
)

// 各临时邮箱的默认地址
var providerDefaults = map[string]ProviderDefaults{
	mail.ProviderDuckMail:  {BaseURL: "https://api.duckmail.sbs", VerifySSL: true},
	mail.ProviderMoeMail:   {BaseURL: "https://moemail.nanohajimi.mom", VerifySSL: true},
	mail.ProviderGPTMail:   {BaseURL: "https://mail.chatgpt.org.uk", VerifySSL: true},
	"freemail":             {BaseURL: "http://your-freemail-server.com", VerifySSL: true},
	mail.ProviderIMAP:      {VerifySSL: true},
	mail.ProviderMicrosoft: {VerifySSL: true},
}

// Env is a snapshot of the override variables; absent keys are not overrides.
type Env map[string]string

// EnvFromOS snapshots the override variables from the process environment.
func EnvFromOS() Env {
	env := Env{}
	for _, key := range OverrideKeys {
		if v, ok := os.LookupEnv(key); ok {
			env[key] = v
		}
	}
	return env
}

// ProviderDefaults 单个邮箱提供商的配置
type ProviderDefaults struct {
	BaseURL   string
	APIKey    string
	Domain    string
	VerifySSL bool
}

// EffectiveConfig 每轮重新计算的有效配置，按值传递
type EffectiveConfig struct {
	RefreshEnabled   bool
	PollInterval     time.Duration
	ExpirationWindow time.Duration
	Headless         bool
	DefaultProxy     string

	MailProxyEnabled    bool
	DefaultMailProvider string
	MailProviders       map[string]ProviderDefaults

	// 进程级参数，来自启动配置
	TaskTimeout     time.Duration
	MailCodeTimeout time.Duration
	MaxConcurrency  int

	// Notes 持久化配置中被忽略的非法值
	Notes []string
}

// MailSettings returns the mail client settings for provider; the proxy is
// attached only when mail proxying is enabled.
func (c EffectiveConfig) MailSettings(provider string, proxySetting mail.Settings) mail.Settings {
	d, ok := c.MailProviders[provider]
	if !ok {
		d = providerDefaults[provider]
	}
	s := proxySetting
	s.BaseURL = d.BaseURL
	s.APIKey = d.APIKey
	s.Domain = d.Domain
	s.VerifySSL = d.VerifySSL
	s.UseProxy = c.MailProxyEnabled && s.Proxy.Enabled()
	return s
}

// ConfigResolver merges persisted settings with environment overrides.
type ConfigResolver struct {
	taskTimeout     time.Duration
	mailCodeTimeout time.Duration
	maxConcurrency  int
}

// NewConfigResolver takes the process-level limits from the worker config.
func NewConfigResolver(c *conf.Worker) *ConfigResolver {
	r := &ConfigResolver{taskTimeout: 10 * time.Minute, mailCodeTimeout: 2 * time.Minute, maxConcurrency: 1}
	if c != nil {
		if c.TaskTimeout > 0 {
			r.taskTimeout = c.TaskTimeout
		}
		if c.MailCodeTimeout > 0 {
			r.mailCodeTimeout = c.MailCodeTimeout
		}
		if c.MaxConcurrency > 0 {
			r.maxConcurrency = c.MaxConcurrency
		}
	}
	if r.mailCodeTimeout > r.taskTimeout {
		r.mailCodeTimeout = r.taskTimeout
	}
	return r
}

// Resolve computes the effective configuration. It is pure: the same inputs
// always give the same output. An invalid environment value is a *ConfigError;
// invalid persisted values fall back to defaults and are listed in Notes.
func (r *ConfigResolver) Resolve(persisted *PersistedConfig, env Env) (EffectiveConfig, error) {
	if persisted == nil {
		persisted = &PersistedConfig{}
	}
	p := persistedView{basic: persisted.Basic, retry: persisted.Retry}

	cfg := EffectiveConfig{
		TaskTimeout:     r.taskTimeout,
		MailCodeTimeout: r.mailCodeTimeout,
		MaxConcurrency:  r.maxConcurrency,
	}

	// enabled
	cfg.RefreshEnabled = p.boolean(&cfg, "retry", "scheduled_refresh_enabled", false)
	if raw, ok := env[EnvRefreshEnabled]; ok && strings.TrimSpace(raw) != "" {
		v, err := parseBool(raw)
		if err != nil {
			return EffectiveConfig{}, &ConfigError{Key: EnvRefreshEnabled, Value: raw, Reason: "not a boolean"}
		}
		cfg.RefreshEnabled = v
	}

	// interval
	minutes := p.integer(&cfg, "retry", "scheduled_refresh_interval_minutes", DefaultIntervalMinutes, minIntervalMinutes, maxIntervalMinutes)
	if raw, ok := env[EnvIntervalMinutes]; ok && strings.TrimSpace(raw) != "" {
		v, err := parseRange(raw, minIntervalMinutes, maxIntervalMinutes)
		if err != nil {
			return EffectiveConfig{}, &ConfigError{Key: EnvIntervalMinutes, Value: raw, Reason: err.Error()}
		}
		minutes = v
	}
	cfg.PollInterval = time.Duration(minutes) * time.Minute

	// window
	hours := p.integer(&cfg, "basic", "refresh_window_hours", DefaultWindowHours, 0, maxWindowHours)
	if raw, ok := env[EnvWindowHours]; ok && strings.TrimSpace(raw) != "" {
		v, err := parseRange(raw, 0, maxWindowHours)
		if err != nil {
			return EffectiveConfig{}, &ConfigError{Key: EnvWindowHours, Value: raw, Reason: err.Error()}
		}
		hours = v
	}
	cfg.ExpirationWindow = time.Duration(hours) * time.Hour

	// headless
	cfg.Headless = p.boolean(&cfg, "basic", "browser_headless", false)
	if raw, ok := env[EnvHeadless]; ok && strings.TrimSpace(raw) != "" {
		v, err := parseBool(raw)
		if err != nil {
			return EffectiveConfig{}, &ConfigError{Key: EnvHeadless, Value: raw, Reason: "not a boolean"}
		}
		cfg.Headless = v
	}

	// proxy: 环境变量为空字符串时表示显式不用代理
	cfg.DefaultProxy = p.proxyForAuth()
	if raw, ok := env[EnvProxyForAuth]; ok {
		cfg.DefaultProxy = strings.TrimSpace(raw)
	}

	// mail
	cfg.MailProxyEnabled = p.boolean(&cfg, "basic", "mail_proxy_enabled", false)
	cfg.DefaultMailProvider = strings.ToLower(p.str("basic", "temp_mail_provider"))
	if cfg.DefaultMailProvider == "" {
		cfg.DefaultMailProvider = DefaultMailProvider
	}
	cfg.MailProviders = make(map[string]ProviderDefaults, len(providerDefaults))
	for name, def := range providerDefaults {
		d := def
		if v := p.str("basic", name+"_base_url"); v != "" {
			d.BaseURL = v
		}
		d.APIKey = p.str("basic", name+"_api_key")
		if d.APIKey == "" {
			d.APIKey = p.str("basic", name+"_jwt_token")
		}
		d.Domain = p.str("basic", name+"_domain")
		d.VerifySSL = p.boolean(&cfg, "basic", name+"_verify_ssl", def.VerifySSL)
		cfg.MailProviders[name] = d
	}

	return cfg, nil
}

// persistedView 宽松读取运营配置，非法值回退默认并记录
type persistedView struct {
	basic map[string]interface{}
	retry map[string]interface{}
}

func (p persistedView) get(section, key string) (interface{}, bool) {
	m := p.basic
	if section == "retry" {
		m = p.retry
	}
	v, ok := m[key]
	if !ok || v == nil {
		return nil, false
	}
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return nil, false
	}
	return v, true
}

func (p persistedView) str(section, key string) string {
	v, ok := p.get(section, key)
	if !ok {
		return ""
	}
	s, err := cast.ToStringE(v)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

func (p persistedView) boolean(cfg *EffectiveConfig, section, key string, def bool) bool {
	v, ok := p.get(section, key)
	if !ok {
		return def
	}
	if s, isStr := v.(string); isStr {
		b, err := parseBool(s)
		if err != nil {
			cfg.note(section, key, v, "not a boolean")
			return def
		}
		return b
	}
	b, err := cast.ToBoolE(v)
	if err != nil {
		cfg.note(section, key, v, "not a boolean")
		return def
	}
	return b
}

func (p persistedView) integer(cfg *EffectiveConfig, section, key string, def, lo, hi int) int {
	v, ok := p.get(section, key)
	if !ok {
		return def
	}
	if f, isFloat := v.(float64); isFloat && f != float64(int(f)) {
		cfg.note(section, key, v, "not an integer")
		return def
	}
	var n int
	var err error
	if s, isStr := v.(string); isStr {
		n, err = strconv.Atoi(strings.TrimSpace(s))
	} else {
		n, err = cast.ToIntE(v)
	}
	if err != nil {
		cfg.note(section, key, v, "not an integer")
		return def
	}
	if n < lo || n > hi {
		cfg.note(section, key, v, fmt.Sprintf("outside [%d,%d]", lo, hi))
		return def
	}
	return n
}

// proxyForAuth 兼容旧配置: proxy_for_auth 曾是布尔开关，地址在 basic.proxy
func (p persistedView) proxyForAuth() string {
	raw, ok := p.get("basic", "proxy_for_auth")
	if flag, isBool := raw.(bool); ok && isBool {
		if flag {
			return p.str("basic", "proxy")
		}
		return ""
	}
	return p.str("basic", "proxy_for_auth")
}

func (c *EffectiveConfig) note(section, key string, v interface{}, reason string) {
	c.Notes = append(c.Notes, fmt.Sprintf("%s.%s=%v: %s, using default", section, key, v, reason))
}

func parseBool(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "y", "on":
		return true, nil
	case "0", "false", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", raw)
	}
}

func parseRange(raw string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("outside [%d,%d]", lo, hi)
	}
	return n, nil
}
