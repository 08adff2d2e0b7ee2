package mail

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

const defaultDuckMailURL = "https://api.duckmail.sbs"

// DuckMailClient talks to a mail.tm compatible API (POST /token, GET /messages).
type DuckMailClient struct {
	api      *apiClient
	apiKey   string
	interval time.Duration
	log      *log.Helper

	mu     sync.Mutex
	tokens map[string]string // address -> bearer token
}

// NewDuckMailClient is the duckmail Factory.
func NewDuckMailClient(s Settings, logger log.Logger) (Client, error) {
	api, err := newAPIClient(ProviderDuckMail, defaultDuckMailURL, s)
	if err != nil {
		return nil, err
	}
	return &DuckMailClient{
		api:      api,
		apiKey:   s.APIKey,
		interval: s.pollInterval(),
		log:      log.NewHelper(log.With(logger, "module", "mail/duckmail")),
		tokens:   make(map[string]string),
	}, nil
}

type duckMessage struct {
	ID        string      `json:"id"`
	CreatedAt interface{} `json:"createdAt"`
	Subject   string      `json:"subject"`
	Intro     string      `json:"intro"`
}

// FetchCode implements Client.
func (c *DuckMailClient) FetchCode(ctx context.Context, mb Mailbox, timeout time.Duration) (string, error) {
	if mb.Address == "" || mb.Secret == "" {
		return "", &ProviderError{Provider: ProviderDuckMail, Op: "login", Err: errors.New("mailbox address and password are required")}
	}
	return pollForCode(ctx, c.log, ProviderDuckMail, timeout, c.interval, func(ctx context.Context) (string, error) {
		return c.fetchOnce(ctx, mb)
	})
}

func (c *DuckMailClient) fetchOnce(ctx context.Context, mb Mailbox) (string, error) {
	token, err := c.token(ctx, mb)
	if err != nil {
		return "", err
	}
	auth := http.Header{"Authorization": []string{"Bearer " + token}}

	var list struct {
		Members []map[string]interface{} `json:"hydra:member"`
	}
	if err := c.api.do(ctx, "list messages", http.MethodGet, "/messages", nil, auth, nil, &list); err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) && perr.Status == http.StatusUnauthorized {
			// token 过期，下轮重新登录
			c.forget(mb.Address)
			return "", &ProviderError{Provider: ProviderDuckMail, Op: "list messages", Err: perr.Err}
		}
		return "", err
	}

	msgs := list.Members
	sort.SliceStable(msgs, func(i, j int) bool {
		ti, _ := firstTime(msgs[i], "createdAt")
		tj, _ := firstTime(msgs[j], "createdAt")
		return ti.After(tj)
	})

	for _, msg := range msgs {
		id, _ := msg["id"].(string)
		if id == "" || before(msg, mb.Since, "createdAt") {
			continue
		}

		var detail map[string]interface{}
		if err := c.api.do(ctx, "read message", http.MethodGet, "/messages/"+url.PathEscape(id), nil, auth, nil, &detail); err != nil {
			c.log.Warnw("msg", "Read message failed", "message_id", id, "error", err)
			continue
		}
		content := flattenText(detail["text"]) + flattenText(detail["html"])
		if code := ExtractVerificationCode(content); code != "" {
			return code, nil
		}
	}
	return "", nil
}

func (c *DuckMailClient) token(ctx context.Context, mb Mailbox) (string, error) {
	c.mu.Lock()
	token, ok := c.tokens[mb.Address]
	c.mu.Unlock()
	if ok {
		return token, nil
	}

	var header http.Header
	if c.apiKey != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.apiKey}}
	}
	var resp struct {
		Token string `json:"token"`
	}
	body := map[string]string{"address": mb.Address, "password": mb.Secret}
	if err := c.api.do(ctx, "login", http.MethodPost, "/token", nil, header, body, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", &ProviderError{Provider: ProviderDuckMail, Op: "login", Err: errors.New("response has no token")}
	}

	c.mu.Lock()
	c.tokens[mb.Address] = resp.Token
	c.mu.Unlock()
	return resp.Token, nil
}

func (c *DuckMailClient) forget(address string) {
	c.mu.Lock()
	delete(c.tokens, address)
	c.mu.Unlock()
}
