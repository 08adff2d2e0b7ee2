// Package mail fetches verification codes from temporary mailbox providers.
//
// Every provider implements Client; the Registry maps a provider id to the
// constructor building it from per-provider Settings.
package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"RefreshWorker/pkg/proxy"

	"github.com/go-kratos/kratos/v2/log"
)

// Provider ids.
const (
	ProviderDuckMail  = "duckmail"
	ProviderMoeMail   = "moemail"
	ProviderGPTMail   = "gptmail"
	ProviderIMAP      = "imap"
	ProviderMicrosoft = "microsoft"
)

// DefaultPollInterval 与各邮箱 API 推荐的轮询间隔一致
const DefaultPollInterval = 4 * time.Second

// ErrMailTimeout is returned when no code arrived before the timeout.
var ErrMailTimeout = errors.New("mail: verification code not received before timeout")

// ProviderError reports a provider-side failure (auth rejected, bad response, unreachable).
type ProviderError struct {
	Provider string
	Op       string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("mail provider %s: %s: HTTP %d: %v", e.Provider, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("mail provider %s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// permanent 认证失败等重试无意义的错误
func (e *ProviderError) permanent() bool {
	if e.Op == "token" && e.Status == http.StatusBadRequest {
		// invalid_grant: refresh token 已失效
		return true
	}
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden || e.Status == http.StatusNotFound
}

// UnknownProviderError is returned by Registry.Get for unregistered ids.
type UnknownProviderError struct {
	Provider string
}

func (e *UnknownProviderError) Error() string {
	return fmt.Sprintf("unknown mail provider %q", e.Provider)
}

// Mailbox identifies the mailbox holding the code.
type Mailbox struct {
	Address string
	// Secret is the provider credential: password for duckmail / imap,
	// email id for moemail, unused by gptmail.
	Secret string
	// OAuth refresh grant for microsoft mailboxes.
	ClientID     string
	RefreshToken string
	Tenant       string
	// Since skips messages received before this instant when non-zero.
	Since time.Time
}

// Client fetches the newest verification code delivered to a mailbox.
type Client interface {
	FetchCode(ctx context.Context, mailbox Mailbox, timeout time.Duration) (string, error)
}

// Settings are the provider defaults resolved from persisted configuration.
type Settings struct {
	BaseURL      string
	APIKey       string
	Domain       string
	VerifySSL    bool
	UseProxy     bool
	Proxy        proxy.Setting
	PollInterval time.Duration
	HTTPTimeout  time.Duration
}

func (s Settings) pollInterval() time.Duration {
	if s.PollInterval > 0 {
		return s.PollInterval
	}
	return DefaultPollInterval
}

// httpClient 按 VerifySSL / 代理设置构造请求客户端
func (s Settings) httpClient() (*http.Client, error) {
	timeout := s.HTTPTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	base := http.DefaultTransport.(*http.Transport).Clone()
	if !s.VerifySSL {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-out per provider
	}
	setting := proxy.Setting{}
	if s.UseProxy {
		setting = s.Proxy
	}
	return proxy.NewHTTPClient(setting, timeout, proxy.WithBaseTransport(base), proxy.WithDirectFallback())
}

// Factory builds a provider client.
type Factory func(settings Settings, logger log.Logger) (Client, error)

// Registry maps provider ids to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	fallback  string
	logger    log.Logger
}

// NewRegistry returns a registry with the built-in providers registered.
func NewRegistry(logger log.Logger) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		fallback:  ProviderDuckMail,
		logger:    logger,
	}
	r.Register(ProviderDuckMail, NewDuckMailClient)
	r.Register(ProviderMoeMail, NewMoeMailClient)
	r.Register(ProviderGPTMail, NewGPTMailClient)
	r.Register(ProviderIMAP, NewIMAPClient)
	r.Register(ProviderMicrosoft, NewMicrosoftClient)
	return r
}

// Register adds or replaces a provider.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeID(id)] = f
}

// SetFallback sets the provider used when an account names none.
func (r *Registry) SetFallback(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = normalizeID(id)
}

// Resolve maps an account's provider id to a registered one; empty ids use the fallback.
func (r *Registry) Resolve(id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key := normalizeID(id)
	if key == "" {
		key = r.fallback
	}
	if _, ok := r.factories[key]; !ok {
		return "", &UnknownProviderError{Provider: strings.TrimSpace(id)}
	}
	return key, nil
}

// Get builds a client for providerID.
func (r *Registry) Get(providerID string, settings Settings) (Client, error) {
	key, err := r.Resolve(providerID)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	f := r.factories[key]
	r.mu.RUnlock()
	return f(settings, r.logger)
}

// Providers lists registered ids in lexical order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.factories))
	for id := range r.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
