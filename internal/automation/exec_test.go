//go:build unix

package automation

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"RefreshWorker/internal/biz"
	"RefreshWorker/internal/conf"
	"RefreshWorker/internal/reaper"
	"RefreshWorker/pkg/mail"
	"RefreshWorker/pkg/proxy"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedMail struct {
	code string
	err  error
}

func (m fixedMail) FetchCode(context.Context, mail.Mailbox, time.Duration) (string, error) {
	return m.code, m.err
}

func script(t *testing.T, body string, passEnv ...string) (*ExecAction, *reaper.Tracker) {
	t.Helper()
	tracker := reaper.NewTracker()
	a, err := NewExecAction(&conf.Automation{
		Command:     []string{"sh", "-c", body},
		GracePeriod: 200 * time.Millisecond,
		PassEnv:     passEnv,
	}, tracker, log.DefaultLogger)
	require.NoError(t, err)
	return a, tracker
}

func request(t *testing.T) *biz.RenewalRequest {
	t.Helper()
	p, err := proxy.Parse("socks5h://127.0.0.1:7890 | no_proxy=localhost,.internal")
	require.NoError(t, err)
	return &biz.RenewalRequest{
		TaskID:  "task-1",
		Attempt: 2,
		Account: &biz.Account{ID: "acc1", CredentialBlob: json.RawMessage(`{"cookie":"old"}`)},
		Config:  biz.EffectiveConfig{Headless: true, MailCodeTimeout: time.Second},
		Proxy:   p,
		Mail:    fixedMail{code: "123456"},
		Mailbox: mail.Mailbox{Address: "acc1@example.com"},
	}
}

const resultLine = `echo '{"type":"log","level":"info","message":"logged in"}'; echo '{"type":"result","credential":{"cookie":"new"},"expires_at":"2099-01-01T00:00:00Z"}'`

func TestExecAction_Result(t *testing.T) {
	out := filepath.Join(t.TempDir(), "request.json")
	t.Setenv("REQUEST_OUT", out)
	a, tracker := script(t, `read req; printf '%s\n' "$req" > "$REQUEST_OUT"; echo "not json"; `+resultLine, "REQUEST_OUT")

	res, err := a.Run(testContext(t), request(t))
	require.NoError(t, err)
	assert.JSONEq(t, `{"cookie":"new"}`, string(res.Credential))
	assert.True(t, res.ExpiresAt.Equal(time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.Zero(t, tracker.Len(), "pid untracked after Wait")

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &sent))
	assert.Equal(t, "request", sent["type"])
	assert.Equal(t, "acc1", sent["account_id"])
	assert.Equal(t, "acc1@example.com", sent["mailbox"])
	assert.Equal(t, true, sent["headless"])
	assert.Equal(t, "socks5h://127.0.0.1:7890", sent["proxy"])
	assert.Equal(t, "localhost,.internal", sent["no_proxy"])
	assert.Equal(t, map[string]interface{}{"cookie": "old"}, sent["credential"])
}

func TestExecAction_FiltersEnvironment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.txt")
	t.Setenv("DATABASE_URL", "postgres://worker:secret@db/accounts")
	t.Setenv("REDIS_PASSWORD", "hunter2")
	t.Setenv("WORKER_DATA_DATABASE_SOURCE", "postgres://worker:secret@db/accounts")
	t.Setenv("LC_ALL", "C.UTF-8")
	t.Setenv("CAPTCHA_API_KEY", "captcha")
	a, _ := script(t, `read req; env > '`+out+`'; `+resultLine, "CAPTCHA_API_KEY")

	_, err := a.Run(testContext(t), request(t))
	require.NoError(t, err)

	raw, err := os.ReadFile(out)
	require.NoError(t, err)
	env := string(raw)
	assert.NotContains(t, env, "DATABASE_URL=")
	assert.NotContains(t, env, "REDIS_PASSWORD=")
	assert.NotContains(t, env, "WORKER_DATA_DATABASE_SOURCE=")
	assert.NotContains(t, env, "secret")
	assert.Contains(t, env, "LC_ALL=C.UTF-8")
	assert.Contains(t, env, "CAPTCHA_API_KEY=captcha")
	assert.Contains(t, env, "REFRESH_ACCOUNT_ID=acc1")
	assert.Contains(t, env, "REFRESH_TASK_ID=task-1")
}

func TestScriptEnv(t *testing.T) {
	got := scriptEnv([]string{"PATH=/usr/bin", "DATABASE_URL=x", "LC_CTYPE=UTF-8", "EXTRA=1", "malformed"}, []string{" EXTRA "})
	assert.Equal(t, []string{"PATH=/usr/bin", "LC_CTYPE=UTF-8", "EXTRA=1"}, got)
}

func TestExecAction_NeedCode(t *testing.T) {
	a, _ := script(t, `read req; echo '{"type":"need_code"}'; read reply
case "$reply" in
  *'"code":"123456"'*) `+resultLine+` ;;
  *) echo '{"type":"error","reason":"verification_failed","message":"wrong code"}' ;;
esac`)

	res, err := a.Run(testContext(t), request(t))
	require.NoError(t, err)
	assert.JSONEq(t, `{"cookie":"new"}`, string(res.Credential))
}

func TestExecAction_CodeError(t *testing.T) {
	a, _ := script(t, `read req; echo '{"type":"need_code"}'; read reply
case "$reply" in
  *code_error*) echo '{"type":"error","reason":"verification_failed","message":"no code"}' ;;
  *) `+resultLine+` ;;
esac`)
	req := request(t)
	req.Mail = fixedMail{err: mail.ErrMailTimeout}

	_, err := a.Run(testContext(t), req)
	var ae *biz.AutomationError
	require.True(t, errors.As(err, &ae), "got %v", err)
	assert.Equal(t, biz.KindVerificationFailed, ae.Kind)
}

func TestExecAction_ErrorMessage(t *testing.T) {
	a, _ := script(t, `read req; echo '{"type":"error","reason":"login_rejected","message":"bad password"}'`)

	_, err := a.Run(testContext(t), request(t))
	var ae *biz.AutomationError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, biz.KindLoginRejected, ae.Kind)
	assert.Equal(t, "login_rejected: bad password", ae.Error())
}

func TestExecAction_ExitWithoutResult(t *testing.T) {
	a, _ := script(t, `read req; echo "chromium crashed" >&2; exit 3`)

	_, err := a.Run(testContext(t), request(t))
	var ae *biz.AutomationError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, biz.KindScriptError, ae.Kind)
	assert.Contains(t, ae.Message, "exit status 3")
	assert.Contains(t, ae.Message, "chromium crashed")
}

func TestExecAction_CleanExitWithoutResult(t *testing.T) {
	a, _ := script(t, `read req; exit 0`)

	_, err := a.Run(testContext(t), request(t))
	var ae *biz.AutomationError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, biz.KindScriptError, ae.Kind)
	assert.Contains(t, ae.Message, "without result")
}

func TestExecAction_InvalidExpiry(t *testing.T) {
	a, _ := script(t, `read req; echo '{"type":"result","credential":{"c":1},"expires_at":"tomorrow"}'`)

	_, err := a.Run(testContext(t), request(t))
	var ae *biz.AutomationError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, biz.KindInvalidResult, ae.Kind)
}

func TestExecAction_CancelKillsProcessGroup(t *testing.T) {
	a, tracker := script(t, `read req; sleep 30 & sleep 30; wait`)
	ctx, cancel := context.WithTimeout(testContext(t), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.Run(ctx, request(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Zero(t, tracker.Len())
}

func TestNewExecAction_RequiresCommand(t *testing.T) {
	_, err := NewExecAction(&conf.Automation{}, nil, log.DefaultLogger)
	require.Error(t, err)
	_, err = NewExecAction(nil, nil, log.DefaultLogger)
	require.Error(t, err)
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 4}
	_, _ = b.Write([]byte("abc"))
	_, _ = b.Write([]byte("defg"))
	assert.Equal(t, "defg", b.String())
}
