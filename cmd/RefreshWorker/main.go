// Package main is the entry point of RefreshWorker.
// It runs the poll scheduler, the child reaper and the optional health server
// inside one Kratos application.
package main

import (
	"flag"
	"os"

	"RefreshWorker/internal/conf"
	"RefreshWorker/internal/reaper"
	"RefreshWorker/internal/scheduler"
	"RefreshWorker/internal/server"
	zapLogger "RefreshWorker/pkg/log"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport"

	_ "go.uber.org/automaxprocs"
)

// go build -ldflags "-X main.Version=x.y.z"
var (
	// Name is the name of the compiled software.
	Name = "RefreshWorker"
	// Version is the version of the compiled software.
	Version string
	// flagconf is the config flag.
	flagconf string

	id, _ = os.Hostname()
)

func init() {
	flag.StringVar(&flagconf, "conf", "", "config path, eg: -conf config.yaml")
}

// newApp 调度器先于 reaper 注册，停止时 reaper 等待调度器退出后再做最后一次回收
func newApp(logger log.Logger, w *conf.Worker, sched *scheduler.PollScheduler, rp *reaper.Reaper, hs *server.HealthServer) *kratos.App {
	servers := []transport.Server{sched, rp}
	if hs.Enabled() {
		servers = append(servers, hs.Server)
	}
	opts := []kratos.Option{
		kratos.ID(id),
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.Server(servers...),
	}
	if w != nil && w.ShutdownTimeout > 0 {
		opts = append(opts, kratos.StopTimeout(w.ShutdownTimeout))
	}
	return kratos.New(opts...)
}

func main() {
	flag.Parse()

	// Viper: 配置文件 + 环境变量 + 默认值
	bc, err := conf.NewBootstrap(flagconf)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	zapLog, err := zapLogger.NewZapLogger(bc.Log)
	if err != nil {
		log.Fatalf("failed to initialize zap logger: %v", err)
	}
	defer func() { _ = zapLog.Sync() }()

	logger := log.With(zapLogger.NewKratosAdapter(zapLog),
		"service.id", id,
		"service.name", Name,
		"service.version", Version,
	)

	zapLogger.NewLogHelper(logger).Startup("RefreshWorker starting",
		"log.level", bc.Log.Level,
		"log.format", bc.Log.Format,
		"database.driver", bc.Data.Database.Driver,
		"max_concurrency", bc.Worker.MaxConcurrency,
		"task_timeout", bc.Worker.TaskTimeout,
	)

	app, cleanup, err := wireApp(bc, logger)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}
	defer cleanup()

	// start and wait for stop signal
	if err := app.Run(); err != nil {
		zapLogger.NewLogHelper(logger).Shutdown("RefreshWorker stopped with error", "error", err)
		cleanup()
		_ = zapLog.Sync()
		os.Exit(1)
	}
}
