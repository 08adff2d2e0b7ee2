package mail

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

// attemptFunc 单次拉取，返回 "" 且无错误表示暂未收到
type attemptFunc func(ctx context.Context) (string, error)

// pollForCode retries attempt every interval until a code shows up or timeout elapses.
// Permanent provider errors (401/403/404) stop immediately; other errors are
// retried and reported alongside ErrMailTimeout.
func pollForCode(ctx context.Context, helper *log.Helper, provider string, timeout, interval time.Duration, attempt attemptFunc) (string, error) {
	if timeout <= 0 {
		return "", fmt.Errorf("%w: non-positive timeout", ErrMailTimeout)
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for round := 1; ; round++ {
		code, err := attempt(pollCtx)
		switch {
		case err == nil && code != "":
			helper.Infow("msg", "Verification code received", "provider", provider, "round", round)
			return code, nil
		case err != nil:
			var perr *ProviderError
			if errors.As(err, &perr) && perr.permanent() {
				return "", err
			}
			if pollCtx.Err() == nil {
				lastErr = err
				helper.Warnw("msg", "Mailbox poll failed, retrying", "provider", provider, "round", round, "error", err)
			}
		default:
			helper.Debugw("msg", "No verification mail yet", "provider", provider, "round", round)
		}

		select {
		case <-pollCtx.Done():
			if parentErr := ctx.Err(); parentErr != nil {
				return "", parentErr
			}
			if lastErr != nil {
				return "", fmt.Errorf("%w after %s (last error: %v)", ErrMailTimeout, timeout, lastErr)
			}
			return "", fmt.Errorf("%w after %s", ErrMailTimeout, timeout)
		case <-ticker.C:
		}
	}
}
