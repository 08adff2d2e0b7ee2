// Package middleware provides HTTP filters for the health server.
package middleware

import (
	nethttp "net/http"
	"strings"
	"time"

	pkglog "RefreshWorker/pkg/log"

	"github.com/go-kratos/kratos/v2/transport/http"
)

// statusRecorder 记录响应码
type statusRecorder struct {
	nethttp.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Logging 返回记录请求日志的 filter，探针请求频繁因此使用 DEBUG
//
// 日志输出示例:
//
//	💓 GET /health - 200 (0ms)
func Logging(logger *pkglog.LogHelper) http.FilterFunc {
	return func(next nethttp.Handler) nethttp.Handler {
		return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, req *nethttp.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: nethttp.StatusOK}
			next.ServeHTTP(rec, req)

			duration := time.Since(start)
			logger.Health(req.Method+" "+req.URL.Path,
				"status", rec.status,
				"duration_ms", duration.Milliseconds(),
				"ip", extractClientIP(req),
				"user_agent", req.Header.Get("User-Agent"),
			)
		})
	}
}

// extractClientIP 从请求中提取客户端真实 IP
// 优先级: X-Real-IP > X-Forwarded-For > RemoteAddr
func extractClientIP(req *nethttp.Request) string {
	if ip := req.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := req.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	return req.RemoteAddr
}
