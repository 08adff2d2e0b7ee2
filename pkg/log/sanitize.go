package log

import (
	"net/url"
	"strings"
)

// sensitiveKeywords 字段名包含这些关键字时值会被打码
var sensitiveKeywords = []string{
	"password", "passwd", "pwd",
	"api_key", "apikey", "api-key",
	"token", "secret", "authorization",
	"credential", "cookie", "private_key",
}

// SanitizeField checks if the key contains sensitive keywords and sanitizes the value
func SanitizeField(key, value string) string {
	if value == "" {
		return value
	}

	lowerKey := strings.ToLower(key)

	// 代理地址只隐藏 userinfo，保留 host 便于排查
	if strings.Contains(lowerKey, "proxy") {
		return sanitizeProxy(value)
	}

	for _, keyword := range sensitiveKeywords {
		if strings.Contains(lowerKey, keyword) {
			return sanitizeToken(value)
		}
	}

	if (strings.Contains(lowerKey, "email") || strings.Contains(lowerKey, "mailbox") || strings.Contains(lowerKey, "address")) &&
		strings.Contains(value, "@") {
		return sanitizeEmail(value)
	}

	return value
}

// sanitizeToken masks token/password values showing only first 4 and last 4 characters
func sanitizeToken(value string) string {
	if len(value) <= 8 {
		if len(value) <= 2 {
			return strings.Repeat("*", len(value))
		}
		return string(value[0]) + strings.Repeat("*", len(value)-2) + string(value[len(value)-1])
	}
	return value[:4] + strings.Repeat("*", len(value)-8) + value[len(value)-4:]
}

// sanitizeEmail masks email showing first 3 characters + @domain
func sanitizeEmail(value string) string {
	at := strings.LastIndex(value, "@")
	if at < 0 {
		return strings.Repeat("*", len(value))
	}

	localPart, domain := value[:at], value[at+1:]
	switch {
	case len(localPart) == 0:
		return "@" + domain
	case len(localPart) <= 3:
		return string(localPart[0]) + strings.Repeat("*", len(localPart)-1) + "@" + domain
	default:
		return localPart[:3] + "***@" + domain
	}
}

// sanitizeProxy replaces the password of a proxy URL, "a | no_proxy=b" 后缀原样保留
func sanitizeProxy(value string) string {
	head, tail, hasTail := strings.Cut(value, "|")
	raw := strings.TrimSpace(head)

	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return value
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	masked := u.String()
	if hasTail {
		masked += " |" + tail
	}
	return masked
}
