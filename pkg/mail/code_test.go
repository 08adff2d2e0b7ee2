package mail

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractVerificationCode(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"empty", "", ""},
		{"keyword with colon", "Your verification code is: 482913. It expires in 10 minutes.", "482913"},
		{"chinese keyword", "您的验证码：AB12CD，5分钟内有效", "AB12CD"},
		{"css unit rejected", "<td style=\"code:12px\">483920</td>", "483920"},
		{"uppercase alnum", "Use K7Q2ZP to sign in", "K7Q2ZP"},
		{"six digits", "sign in with 739201 now", "739201"},
		{"nothing", "welcome to the newsletter", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractVerificationCode(tt.text))
		})
	}
}
