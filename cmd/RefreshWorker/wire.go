//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"RefreshWorker/internal/automation"
	"RefreshWorker/internal/biz"
	"RefreshWorker/internal/conf"
	"RefreshWorker/internal/data"
	"RefreshWorker/internal/metrics"
	"RefreshWorker/internal/reaper"
	"RefreshWorker/internal/scheduler"
	"RefreshWorker/internal/server"
	"RefreshWorker/pkg/mail"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"
)

// wireApp init kratos application.
func wireApp(*conf.Bootstrap, log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		wire.FieldsOf(new(*conf.Bootstrap), "Server", "Data", "Worker", "Reaper", "Automation"),
		data.ProviderSet,
		biz.ProviderSet,
		metrics.ProviderSet,
		scheduler.ProviderSet,
		reaper.ProviderSet,
		automation.ProviderSet,
		server.ProviderSet,
		mail.NewRegistry,
		wire.Bind(new(reaper.Waiter), new(*scheduler.PollScheduler)),
		newApp,
	))
}
