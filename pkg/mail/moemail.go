package mail

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

const defaultMoeMailURL = "https://moemail.nanohajimi.mom"

var (
	moeTimeKeys     = []string{"createdAt", "receivedAt", "sentAt", "created_at", "received_at", "sent_at"}
	moeContentKeys  = []string{"text", "textContent", "content", "html", "htmlContent"}
	verifySubjectRe = regexp.MustCompile(`(?i)verif|code|login|sign.?in|验证|登录`)
)

// MoeMailClient talks to the MoeMail API using the mailbox id as Mailbox.Secret.
type MoeMailClient struct {
	api      *apiClient
	interval time.Duration
	log      *log.Helper
}

// NewMoeMailClient is the moemail Factory.
func NewMoeMailClient(s Settings, logger log.Logger) (Client, error) {
	api, err := newAPIClient(ProviderMoeMail, defaultMoeMailURL, s)
	if err != nil {
		return nil, err
	}
	if s.APIKey != "" {
		api.header.Set("X-API-Key", s.APIKey)
	}
	return &MoeMailClient{
		api:      api,
		interval: s.pollInterval(),
		log:      log.NewHelper(log.With(logger, "module", "mail/moemail")),
	}, nil
}

// FetchCode implements Client.
func (c *MoeMailClient) FetchCode(ctx context.Context, mb Mailbox, timeout time.Duration) (string, error) {
	if mb.Secret == "" {
		return "", &ProviderError{Provider: ProviderMoeMail, Op: "list messages", Err: errors.New("mailbox id is required")}
	}
	return pollForCode(ctx, c.log, ProviderMoeMail, timeout, c.interval, func(ctx context.Context) (string, error) {
		return c.fetchOnce(ctx, mb)
	})
}

func (c *MoeMailClient) fetchOnce(ctx context.Context, mb Mailbox) (string, error) {
	base := "/api/emails/" + url.PathEscape(mb.Secret)

	var list struct {
		Messages []map[string]interface{} `json:"messages"`
	}
	if err := c.api.do(ctx, "list messages", http.MethodGet, base, nil, nil, nil, &list); err != nil {
		return "", err
	}

	for _, msg := range list.Messages {
		if before(msg, mb.Since, moeTimeKeys...) {
			continue
		}
		// 设置了 since 时只看验证类邮件，避免误取营销邮件中的数字
		if !mb.Since.IsZero() {
			if subject, _ := msg["subject"].(string); subject != "" && !verifySubjectRe.MatchString(subject) {
				continue
			}
		}

		if code := ExtractVerificationCode(moeContent(msg)); code != "" {
			return code, nil
		}

		id, _ := msg["id"].(string)
		if id == "" {
			continue
		}
		var detail map[string]interface{}
		if err := c.api.do(ctx, "read message", http.MethodGet, base+"/"+url.PathEscape(id), nil, nil, nil, &detail); err != nil {
			c.log.Warnw("msg", "Read message failed", "message_id", id, "error", err)
			continue
		}
		if inner, ok := detail["message"].(map[string]interface{}); ok {
			detail = inner
		}
		if code := ExtractVerificationCode(moeContent(detail)); code != "" {
			return code, nil
		}
	}
	return "", nil
}

func moeContent(obj map[string]interface{}) string {
	var out string
	for _, key := range moeContentKeys {
		out += flattenText(obj[key])
	}
	return out
}
