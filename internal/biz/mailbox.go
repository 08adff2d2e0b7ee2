package biz

import (
	"strings"

	"RefreshWorker/pkg/mail"
)

const defaultMailTenant = "consumers"

// mailProviderFor picks the account's mail provider. An explicit provider
// wins; OAuth fields imply microsoft; otherwise the configured default.
func mailProviderFor(acc *Account, cfg EffectiveConfig) string {
	if p := strings.ToLower(strings.TrimSpace(acc.MailProvider)); p != "" {
		return p
	}
	if acc.MailClientID != "" || acc.MailRefreshToken != "" {
		return mail.ProviderMicrosoft
	}
	return strings.ToLower(strings.TrimSpace(cfg.DefaultMailProvider))
}

// mailboxFor builds the mailbox the code is delivered to; the address
// defaults to the account id.
func mailboxFor(acc *Account) mail.Mailbox {
	addr := acc.MailboxAddress
	if addr == "" {
		addr = acc.ID
	}
	mb := mail.Mailbox{
		Address:      addr,
		Secret:       acc.MailSecret,
		ClientID:     acc.MailClientID,
		RefreshToken: acc.MailRefreshToken,
		Tenant:       acc.MailTenant,
	}
	if mb.ClientID != "" && mb.Tenant == "" {
		mb.Tenant = defaultMailTenant
	}
	return mb
}

// mailboxProblem returns why the account's mailbox cannot receive a code,
// "" when the provider has what it needs. Unknown providers pass; they fail
// later as unknown_provider.
func mailboxProblem(acc *Account, provider string, cfg EffectiveConfig) string {
	switch provider {
	case mail.ProviderMicrosoft:
		if acc.MailClientID == "" || acc.MailRefreshToken == "" {
			return "microsoft mailbox needs mail_client_id and mail_refresh_token"
		}
	case mail.ProviderDuckMail, mail.ProviderMoeMail, mail.ProviderIMAP:
		if acc.MailSecret == "" {
			return provider + " mailbox needs mail_password"
		}
	case "freemail":
		if acc.ExtraString("mail_jwt_token") == "" && cfg.MailProviders["freemail"].APIKey == "" {
			return "freemail mailbox needs mail_jwt_token"
		}
	}
	return ""
}
