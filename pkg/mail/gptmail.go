package mail

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/spf13/cast"
)

const defaultGPTMailURL = "https://mail.chatgpt.org.uk"

// GPTMailClient talks to the GPTMail API; only Mailbox.Address is used.
type GPTMailClient struct {
	api      *apiClient
	interval time.Duration
	log      *log.Helper
}

// NewGPTMailClient is the gptmail Factory.
func NewGPTMailClient(s Settings, logger log.Logger) (Client, error) {
	api, err := newAPIClient(ProviderGPTMail, defaultGPTMailURL, s)
	if err != nil {
		return nil, err
	}
	if s.APIKey != "" {
		api.header.Set("X-API-Key", s.APIKey)
	}
	return &GPTMailClient{
		api:      api,
		interval: s.pollInterval(),
		log:      log.NewHelper(log.With(logger, "module", "mail/gptmail")),
	}, nil
}

type gptEnvelope struct {
	Success bool                   `json:"success"`
	Error   string                 `json:"error"`
	Data    map[string]interface{} `json:"data"`
}

// FetchCode implements Client.
func (c *GPTMailClient) FetchCode(ctx context.Context, mb Mailbox, timeout time.Duration) (string, error) {
	if mb.Address == "" {
		return "", &ProviderError{Provider: ProviderGPTMail, Op: "list messages", Err: errors.New("mailbox address is required")}
	}
	return pollForCode(ctx, c.log, ProviderGPTMail, timeout, c.interval, func(ctx context.Context) (string, error) {
		return c.fetchOnce(ctx, mb)
	})
}

func (c *GPTMailClient) fetchOnce(ctx context.Context, mb Mailbox) (string, error) {
	var list gptEnvelope
	query := url.Values{"email": []string{mb.Address}}
	if err := c.api.do(ctx, "list messages", http.MethodGet, "/api/emails", query, nil, nil, &list); err != nil {
		return "", err
	}
	if !list.Success {
		return "", &ProviderError{Provider: ProviderGPTMail, Op: "list messages", Err: errors.New(nonEmpty(list.Error, "request not successful"))}
	}

	emails, _ := list.Data["emails"].([]interface{})
	for _, item := range emails {
		msg, ok := item.(map[string]interface{})
		if !ok || before(msg, mb.Since, "timestamp", "created_at") {
			continue
		}
		if code := ExtractVerificationCode(flattenText(msg["content"]) + flattenText(msg["html_content"])); code != "" {
			return code, nil
		}

		id := idString(msg["id"])
		if id == "" {
			continue
		}
		var detail gptEnvelope
		if err := c.api.do(ctx, "read message", http.MethodGet, "/api/email/"+url.PathEscape(id), nil, nil, nil, &detail); err != nil {
			c.log.Warnw("msg", "Read message failed", "message_id", id, "error", err)
			continue
		}
		text := flattenText(detail.Data["content"]) + flattenText(detail.Data["html_content"]) + flattenText(detail.Data["raw_content"])
		if code := ExtractVerificationCode(text); code != "" {
			return code, nil
		}
	}
	return "", nil
}

// idString 兼容字符串与数字 id
func idString(v interface{}) string {
	if v == nil {
		return ""
	}
	return cast.ToString(v)
}

func nonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
