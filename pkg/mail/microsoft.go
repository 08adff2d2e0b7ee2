package mail

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-imap/client"
	"github.com/emersion/go-sasl"
	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/oauth2"
)

const (
	microsoftIMAPServer    = "outlook.office365.com:993"
	microsoftLoginURL      = "https://login.microsoftonline.com"
	defaultMicrosoftTenant = "consumers"
	microsoftFetchLimit    = 5
)

// MicrosoftClient reads Outlook / Hotmail mailboxes over IMAP with XOAUTH2.
// The access token comes from the mailbox's refresh token; Settings.BaseURL
// overrides the IMAP server.
type MicrosoftClient struct {
	imap     *IMAPClient
	http     *http.Client
	loginURL string
}

// NewMicrosoftClient is the microsoft Factory.
func NewMicrosoftClient(s Settings, logger log.Logger) (Client, error) {
	server := s.BaseURL
	if strings.TrimSpace(server) == "" {
		server = microsoftIMAPServer
	}
	ic, err := newIMAPClient(ProviderMicrosoft, server, s, logger)
	if err != nil {
		return nil, err
	}
	ic.folders = []string{"INBOX", "Junk"}
	ic.limit = microsoftFetchLimit

	hc, err := s.httpClient()
	if err != nil {
		return nil, &ProviderError{Provider: ProviderMicrosoft, Op: "configure", Err: err}
	}
	return &MicrosoftClient{imap: ic, http: hc, loginURL: microsoftLoginURL}, nil
}

// FetchCode implements Client. The token is fetched once per call and reused
// by every poll round.
func (c *MicrosoftClient) FetchCode(ctx context.Context, mb Mailbox, timeout time.Duration) (string, error) {
	if mb.Address == "" {
		return "", &ProviderError{Provider: ProviderMicrosoft, Op: "login", Err: errors.New("mailbox address is required")}
	}
	tok, err := c.token(ctx, mb)
	if err != nil {
		return "", err
	}
	return c.imap.poll(ctx, mb, timeout, func(cl *client.Client, mb Mailbox) error {
		return cl.Authenticate(newXOAuth2Client(mb.Address, tok.AccessToken))
	})
}

// token exchanges the refresh token for an access token.
func (c *MicrosoftClient) token(ctx context.Context, mb Mailbox) (*oauth2.Token, error) {
	if mb.ClientID == "" || mb.RefreshToken == "" {
		return nil, &ProviderError{Provider: ProviderMicrosoft, Op: "token", Status: http.StatusBadRequest,
			Err: errors.New("client_id and refresh_token are required")}
	}
	tenant := strings.TrimSpace(mb.Tenant)
	if tenant == "" {
		tenant = defaultMicrosoftTenant
	}
	cfg := &oauth2.Config{
		ClientID: mb.ClientID,
		Endpoint: oauth2.Endpoint{
			TokenURL:  strings.TrimRight(c.loginURL, "/") + "/" + tenant + "/oauth2/v2.0/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: mb.RefreshToken}).Token()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		perr := &ProviderError{Provider: ProviderMicrosoft, Op: "token", Err: err}
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			perr.Status = rerr.Response.StatusCode
		}
		return nil, perr
	}
	if tok.AccessToken == "" {
		return nil, &ProviderError{Provider: ProviderMicrosoft, Op: "token", Err: errors.New("response has no access_token")}
	}
	return tok, nil
}

// xoauth2Client implements the XOAUTH2 SASL mechanism.
type xoauth2Client struct {
	user  string
	token string
}

var _ sasl.Client = (*xoauth2Client)(nil)

func newXOAuth2Client(user, token string) *xoauth2Client {
	return &xoauth2Client{user: user, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := "user=" + c.user + "\x01auth=Bearer " + c.token + "\x01\x01"
	return "XOAUTH2", []byte(ir), nil
}

// Next answers the error challenge with an empty response so the server
// can finish with NO.
func (c *xoauth2Client) Next([]byte) ([]byte, error) {
	return []byte{}, nil
}
