package mail

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
	"github.com/go-kratos/kratos/v2/log"
	xproxy "golang.org/x/net/proxy"
)

const (
	defaultIMAPPort = "993"
	imapFetchLimit  = 10
)

// loginFunc authenticates a freshly dialled connection.
type loginFunc func(cl *client.Client, mb Mailbox) error

// IMAPClient logs into a regular mailbox over IMAPS; Settings.BaseURL holds
// the server ("imaps://imap.example.com:993" or "imap.example.com").
type IMAPClient struct {
	provider  string
	addr      string
	tlsConfig *tls.Config
	dialer    client.Dialer
	folders   []string
	limit     int
	timeout   time.Duration
	interval  time.Duration
	log       *log.Helper
}

// NewIMAPClient is the imap Factory.
func NewIMAPClient(s Settings, logger log.Logger) (Client, error) {
	return newIMAPClient(ProviderIMAP, s.BaseURL, s, logger)
}

func newIMAPClient(provider, server string, s Settings, logger log.Logger) (*IMAPClient, error) {
	addr, host, err := imapAddress(server)
	if err != nil {
		return nil, &ProviderError{Provider: provider, Op: "configure", Err: err}
	}

	timeout := s.HTTPTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	c := &IMAPClient{
		provider:  provider,
		addr:      addr,
		tlsConfig: &tls.Config{ServerName: host, InsecureSkipVerify: !s.VerifySSL}, //nolint:gosec // operator opt-out per provider
		dialer:    &net.Dialer{Timeout: timeout},
		folders:   []string{"INBOX"},
		limit:     imapFetchLimit,
		timeout:   timeout,
		interval:  s.pollInterval(),
		log:       log.NewHelper(log.With(logger, "module", "mail/"+provider)),
	}

	// HTTP 代理无法承载 IMAP，只使用 SOCKS
	if s.UseProxy && s.Proxy.Enabled() && strings.HasPrefix(s.Proxy.URL.Scheme, "socks5") && !s.Proxy.Bypass(host) {
		d, err := xproxy.FromURL(s.Proxy.URL, xproxy.Direct)
		if err != nil {
			return nil, &ProviderError{Provider: provider, Op: "configure", Err: fmt.Errorf("socks dialer: %w", err)}
		}
		c.dialer = d
	}
	return c, nil
}

func imapAddress(raw string) (addr, host string, err error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", "", errors.New("imap server is required")
	}
	if strings.Contains(s, "://") {
		u, perr := url.Parse(s)
		if perr != nil {
			return "", "", perr
		}
		s = u.Host
	}
	host, port, splitErr := net.SplitHostPort(s)
	if splitErr != nil {
		host, port = s, defaultIMAPPort
	}
	if host == "" {
		return "", "", fmt.Errorf("invalid imap server %q", raw)
	}
	return net.JoinHostPort(host, port), host, nil
}

// FetchCode implements Client.
func (c *IMAPClient) FetchCode(ctx context.Context, mb Mailbox, timeout time.Duration) (string, error) {
	if mb.Address == "" || mb.Secret == "" {
		return "", &ProviderError{Provider: c.provider, Op: "login", Err: errors.New("mailbox address and password are required")}
	}
	return c.poll(ctx, mb, timeout, passwordLogin)
}

func passwordLogin(cl *client.Client, mb Mailbox) error {
	return cl.Login(mb.Address, mb.Secret)
}

func (c *IMAPClient) poll(ctx context.Context, mb Mailbox, timeout time.Duration, login loginFunc) (string, error) {
	return pollForCode(ctx, c.log, c.provider, timeout, c.interval, func(ctx context.Context) (string, error) {
		return c.fetchOnce(ctx, mb, login)
	})
}

func (c *IMAPClient) fetchOnce(ctx context.Context, mb Mailbox, login loginFunc) (string, error) {
	cl, err := client.DialWithDialerTLS(c.dialer, c.addr, c.tlsConfig)
	if err != nil {
		return "", &ProviderError{Provider: c.provider, Op: "dial", Err: err}
	}
	cl.Timeout = c.timeout
	// ctx 结束时强制断开，避免阻塞在网络读
	stop := context.AfterFunc(ctx, func() { _ = cl.Terminate() })
	defer func() {
		if stop() {
			_ = cl.Logout()
		}
	}()

	if err := login(cl, mb); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		// 认证失败不再重试
		return "", &ProviderError{Provider: c.provider, Op: "login", Status: 401, Err: err}
	}

	for _, folder := range c.folders {
		code, err := c.searchFolder(ctx, cl, folder, mb)
		if err != nil || code != "" {
			return code, err
		}
	}
	return "", nil
}

// searchFolder 在单个文件夹内查找最新的验证码
func (c *IMAPClient) searchFolder(ctx context.Context, cl *client.Client, folder string, mb Mailbox) (string, error) {
	status, err := cl.Select(folder, true)
	if err != nil {
		if folder != "INBOX" {
			// 部分邮箱没有 Junk
			c.log.Debugw("msg", "Select folder failed, skipping", "folder", folder, "error", err)
			return "", nil
		}
		return "", &ProviderError{Provider: c.provider, Op: "select", Err: err}
	}
	if status.Messages == 0 {
		return "", nil
	}

	criteria := imap.NewSearchCriteria()
	if !mb.Since.IsZero() {
		// IMAP SINCE 只精确到天，具体时间在下面按 Date 过滤
		criteria.Since = mb.Since.Add(-24 * time.Hour)
	}
	seqNums, err := cl.Search(criteria)
	if err != nil {
		return "", &ProviderError{Provider: c.provider, Op: "search", Err: err}
	}
	if len(seqNums) == 0 {
		return "", nil
	}
	sort.Slice(seqNums, func(i, j int) bool { return seqNums[i] > seqNums[j] })
	if len(seqNums) > c.limit {
		seqNums = seqNums[:c.limit]
	}

	seqSet := new(imap.SeqSet)
	seqSet.AddNum(seqNums...)
	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{imap.FetchEnvelope, section.FetchItem()}

	messages := make(chan *imap.Message, len(seqNums))
	done := make(chan error, 1)
	go func() {
		done <- cl.Fetch(seqSet, items, messages)
	}()

	var fetched []*imap.Message
	for msg := range messages {
		fetched = append(fetched, msg)
	}
	if err := <-done; err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &ProviderError{Provider: c.provider, Op: "fetch", Err: err}
	}

	// 新邮件优先
	sort.Slice(fetched, func(i, j int) bool { return fetched[i].SeqNum > fetched[j].SeqNum })
	for _, msg := range fetched {
		if msg.Envelope != nil && !mb.Since.IsZero() && !msg.Envelope.Date.IsZero() && msg.Envelope.Date.Before(mb.Since) {
			continue
		}
		body := msg.GetBody(section)
		if body == nil {
			continue
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			c.log.Warnw("msg", "Read message body failed", "seq", msg.SeqNum, "error", err)
			continue
		}
		subject := ""
		if msg.Envelope != nil {
			subject = msg.Envelope.Subject
		}
		text, err := messageText(raw)
		if err != nil {
			c.log.Warnw("msg", "Parse message failed", "seq", msg.SeqNum, "error", err)
		}
		if code := ExtractVerificationCode(subject + "\n" + text); code != "" {
			return code, nil
		}
	}
	return "", nil
}
