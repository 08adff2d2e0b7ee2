// Package automation runs the external renewal script and speaks its
// line-delimited JSON protocol on stdio.
package automation

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"RefreshWorker/internal/biz"
	"RefreshWorker/internal/conf"
	"RefreshWorker/internal/reaper"
	pkglog "RefreshWorker/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// ProviderSet is automation providers.
var ProviderSet = wire.NewSet(
	NewExecAction,
	wire.Bind(new(biz.RenewalAction), new(*ExecAction)),
)

const (
	defaultGracePeriod = 5 * time.Second
	maxLineSize        = 4 << 20
	stderrTailSize     = 2048
)

// message is one protocol line in either direction.
type message struct {
	Type string `json:"type"`

	// worker -> script
	TaskID     string          `json:"task_id,omitempty"`
	AccountID  string          `json:"account_id,omitempty"`
	Attempt    int             `json:"attempt,omitempty"`
	Mailbox    string          `json:"mailbox,omitempty"`
	Headless   *bool           `json:"headless,omitempty"`
	Proxy      string          `json:"proxy,omitempty"`
	NoProxy    string          `json:"no_proxy,omitempty"`
	Code       string          `json:"code,omitempty"`
	Error      string          `json:"error,omitempty"`
	Credential json.RawMessage `json:"credential,omitempty"`

	// script -> worker
	ExpiresAt string `json:"expires_at,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Message   string `json:"message,omitempty"`
	Level     string `json:"level,omitempty"`
}

// ExecAction is the RenewalAction backed by an external command, typically a
// headless browser script. The command runs in its own process group; on
// cancellation the group gets SIGTERM and, after the grace period, SIGKILL.
type ExecAction struct {
	command []string
	workDir string
	passEnv []string
	grace   time.Duration
	tracker *reaper.Tracker
	log     *pkglog.LogHelper
}

// NewExecAction creates an ExecAction from the automation config.
func NewExecAction(c *conf.Automation, tracker *reaper.Tracker, logger log.Logger) (*ExecAction, error) {
	if c == nil || len(c.Command) == 0 || strings.TrimSpace(c.Command[0]) == "" {
		return nil, errors.New("automation: command is required")
	}
	grace := defaultGracePeriod
	if c.GracePeriod > 0 {
		grace = c.GracePeriod
	}
	if tracker == nil {
		tracker = reaper.NewTracker()
	}
	return &ExecAction{
		command: append([]string(nil), c.Command...),
		workDir: c.WorkDir,
		passEnv: append([]string(nil), c.PassEnv...),
		grace:   grace,
		tracker: tracker,
		log:     pkglog.NewLogHelper(log.With(logger, "module", "automation")),
	}, nil
}

// Run starts the command, sends the request, answers code requests and
// waits for the result.
func (a *ExecAction) Run(ctx context.Context, req *biz.RenewalRequest) (*biz.RenewalResult, error) {
	cmd := exec.CommandContext(ctx, a.command[0], a.command[1:]...)
	cmd.Dir = a.workDir
	cmd.Env = append(scriptEnv(os.Environ(), a.passEnv),
		"REFRESH_ACCOUNT_ID="+req.Account.ID,
		"REFRESH_TASK_ID="+req.TaskID,
		"REFRESH_HEADLESS="+strconv.FormatBool(req.Config.Headless),
	)
	configureProcessGroup(cmd, a.grace)
	// 管道被孙进程继承时 Wait 不会无限阻塞
	cmd.WaitDelay = a.grace + time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &biz.AutomationError{Kind: biz.KindScriptError, Message: "stdin pipe", Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &biz.AutomationError{Kind: biz.KindScriptError, Message: "stdout pipe", Err: err}
	}
	stderr := &tailBuffer{limit: stderrTailSize}
	cmd.Stderr = stderr

	untrack, err := a.tracker.Spawn(func() (int, error) {
		if err := cmd.Start(); err != nil {
			return 0, err
		}
		return cmd.Process.Pid, nil
	})
	if err != nil {
		return nil, &biz.AutomationError{Kind: biz.KindScriptError, Message: "start " + a.command[0], Err: err}
	}
	defer untrack()

	a.log.Refresh(ctx, "Renewal script started", "pid", cmd.Process.Pid)

	res, protoErr := a.converse(ctx, req, stdin, stdout)
	_ = stdin.Close()
	// 丢弃剩余输出，避免脚本阻塞在写 stdout；Wait 在进程退出后关闭管道
	go func() { _, _ = io.Copy(io.Discard, stdout) }()
	waitErr := cmd.Wait()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if protoErr != nil {
		return nil, protoErr
	}
	if waitErr != nil {
		return nil, &biz.AutomationError{Kind: biz.KindScriptError, Message: exitMessage(waitErr, stderr.String()), Err: waitErr}
	}
	if res == nil {
		return nil, &biz.AutomationError{Kind: biz.KindScriptError, Message: exitMessage(errors.New("exited without result"), stderr.String())}
	}
	return res, nil
}

// scriptBaseEnv 脚本运行浏览器所需的变量；数据库、Redis 等凭据不透传
var scriptBaseEnv = map[string]bool{
	"PATH": true, "HOME": true, "USER": true, "LOGNAME": true, "SHELL": true,
	"LANG": true, "LANGUAGE": true, "TZ": true, "TERM": true,
	"TMPDIR": true, "TMP": true, "TEMP": true,
	"DISPLAY": true, "WAYLAND_DISPLAY": true, "XDG_RUNTIME_DIR": true,
	"PLAYWRIGHT_BROWSERS_PATH": true, "PUPPETEER_EXECUTABLE_PATH": true, "CHROME_PATH": true,
	"NODE_PATH": true, "PYTHONPATH": true, "VIRTUAL_ENV": true,
}

// scriptEnv keeps the allowlisted variables, LC_* and the configured extras.
func scriptEnv(environ, extra []string) []string {
	allowed := make(map[string]bool, len(scriptBaseEnv)+len(extra))
	for k := range scriptBaseEnv {
		allowed[k] = true
	}
	for _, k := range extra {
		if k = strings.TrimSpace(k); k != "" {
			allowed[k] = true
		}
	}
	out := make([]string, 0, len(environ))
	for _, kv := range environ {
		key, _, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if allowed[key] || strings.HasPrefix(key, "LC_") {
			out = append(out, kv)
		}
	}
	return out
}

func (a *ExecAction) converse(ctx context.Context, req *biz.RenewalRequest, stdin io.Writer, stdout io.Reader) (*biz.RenewalResult, error) {
	enc := json.NewEncoder(stdin)
	headless := req.Config.Headless
	request := message{
		Type:       "request",
		TaskID:     req.TaskID,
		AccountID:  req.Account.ID,
		Attempt:    req.Attempt,
		Mailbox:    req.Mailbox.Address,
		Headless:   &headless,
		NoProxy:    req.Proxy.NoProxyList(),
		Credential: req.Account.CredentialBlob,
	}
	if req.Proxy.URL != nil {
		request.Proxy = req.Proxy.URL.String()
	}
	if err := enc.Encode(request); err != nil {
		return nil, &biz.AutomationError{Kind: biz.KindScriptError, Message: "send request", Err: err}
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			a.log.Debugw("msg", "Ignoring non-protocol output", "line", truncate(line, 200))
			continue
		}

		switch msg.Type {
		case "log":
			a.scriptLog(ctx, msg)
		case "need_code":
			reply := message{Type: "code"}
			code, err := req.FetchCode(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				reply = message{Type: "code_error", Error: err.Error()}
			} else {
				reply.Code = code
			}
			a.log.Mail(ctx, "Answering verification code request", "ok", reply.Type == "code")
			if err := enc.Encode(reply); err != nil {
				return nil, &biz.AutomationError{Kind: biz.KindScriptError, Message: "send code", Err: err}
			}
		case "result":
			return parseResult(msg)
		case "error":
			return nil, &biz.AutomationError{Kind: biz.ParseAutomationKind(msg.Reason), Message: msg.Message}
		default:
			a.log.Debugw("msg", "Ignoring unknown message", "type", msg.Type)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return nil, &biz.AutomationError{Kind: biz.KindScriptError, Message: "read output", Err: err}
	}
	return nil, nil
}

func (a *ExecAction) scriptLog(ctx context.Context, msg message) {
	kvs := append(pkglog.ContextFields(ctx), "msg", "script: "+msg.Message)
	switch strings.ToLower(msg.Level) {
	case "error":
		a.log.Errorw(kvs...)
	case "warn", "warning":
		a.log.Warnw(kvs...)
	case "debug":
		a.log.Debugw(kvs...)
	default:
		a.log.Infow(kvs...)
	}
}

func parseResult(msg message) (*biz.RenewalResult, error) {
	if len(msg.Credential) == 0 {
		return nil, &biz.AutomationError{Kind: biz.KindInvalidResult, Message: "result without credential"}
	}
	exp, err := time.Parse(time.RFC3339, strings.TrimSpace(msg.ExpiresAt))
	if err != nil {
		return nil, &biz.AutomationError{Kind: biz.KindInvalidResult, Message: fmt.Sprintf("expires_at %q", msg.ExpiresAt), Err: err}
	}
	return &biz.RenewalResult{Credential: msg.Credential, ExpiresAt: exp}, nil
}

func exitMessage(err error, stderr string) string {
	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return err.Error()
	}
	return fmt.Sprintf("%v: %s", err, truncate(stderr, 500))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// tailBuffer keeps the last limit bytes written.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
