package mail

import "regexp"

var (
	// 关键词上下文: "验证码：ABC123" / "Your code is: 482913"
	contextCodePattern = regexp.MustCompile(`(?i)(?:验证码|code|verification|passcode|pin).*?[:：]\s*([A-Za-z0-9]{4,8})\b`)
	cssUnitPattern     = regexp.MustCompile(`(?i)^\d+(?:px|pt|em|rem|vh|vw)$`)
	upperAlnumPattern  = regexp.MustCompile(`[A-Z0-9]{6}`)
	sixDigitPattern    = regexp.MustCompile(`\b\d{6}\b`)
)

// ExtractVerificationCode returns the most likely verification code in text, or "".
//
// Strategies in order: a 4-8 char token after a code keyword and colon
// (CSS lengths such as "12px" rejected), the first 6-char upper-case
// alphanumeric run, the first standalone 6-digit number.
func ExtractVerificationCode(text string) string {
	if text == "" {
		return ""
	}

	if m := contextCodePattern.FindStringSubmatch(text); m != nil {
		if !cssUnitPattern.MatchString(m[1]) {
			return m[1]
		}
	}

	if m := upperAlnumPattern.FindString(text); m != "" {
		return m
	}

	return sixDigitPattern.FindString(text)
}
