// Package server exposes the worker's health and metrics endpoints.
package server

import (
	"RefreshWorker/internal/biz"
	"RefreshWorker/internal/conf"
	"RefreshWorker/internal/metrics"
	"RefreshWorker/internal/scheduler"
	"RefreshWorker/internal/server/middleware"
	pkglog "RefreshWorker/pkg/log"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/wire"
	"github.com/prometheus/client_golang/prometheus"
)

// ProviderSet is server providers.
var ProviderSet = wire.NewSet(NewHealthServer)

// HealthServer wraps the kratos HTTP server; Server is nil when the port is 0.
type HealthServer struct {
	*http.Server
}

// Enabled reports whether the server should be started.
func (s *HealthServer) Enabled() bool { return s != nil && s.Server != nil }

// NewHealthServer new an HTTP server serving /health and /metrics.
func NewHealthServer(c *conf.Server, w *conf.Worker, sched *scheduler.PollScheduler, orch *biz.Orchestrator, gatherer prometheus.Gatherer, logger log.Logger) *HealthServer {
	logHelper := pkglog.NewLogHelper(log.With(logger, "module", "server/health"))

	var hc *conf.Server_Health
	if c != nil {
		hc = c.Health
	}
	addr := hc.Addr()
	if addr == "" {
		logHelper.Startup("Health server disabled (port 0)")
		return &HealthServer{}
	}

	factor := 0
	if w != nil {
		factor = w.HealthStaleFactor
	}
	srv := newHTTPServer(addr, hc, NewHealthHandler(sched, orch, factor), gatherer, logHelper)
	logHelper.Startup("Health server configured", "addr", addr)
	return &HealthServer{Server: srv}
}

func newHTTPServer(addr string, hc *conf.Server_Health, health *HealthHandler, gatherer prometheus.Gatherer, logHelper *pkglog.LogHelper) *http.Server {
	var opts = []http.ServerOption{
		http.Address(addr),
		http.Filter(middleware.Logging(logHelper)),
	}
	if hc != nil && hc.Network != "" {
		opts = append(opts, http.Network(hc.Network))
	}
	if hc != nil && hc.Timeout > 0 {
		opts = append(opts, http.Timeout(hc.Timeout))
	}
	srv := http.NewServer(opts...)

	srv.Handle("/health", health)
	if gatherer != nil {
		srv.Handle("/metrics", metrics.Handler(gatherer))
	}
	return srv
}
