package conf

import (
	"strconv"
	"time"
)

// Bootstrap 进程级配置，启动时加载一次。
// 每轮刷新使用的业务配置 (开关、间隔、窗口) 不在这里，由 biz.ConfigResolver 每轮重新计算。
type Bootstrap struct {
	Server     *Server
	Data       *Data
	Worker     *Worker
	Reaper     *Reaper
	Automation *Automation
	Log        *Log
}

// Server 对外服务配置
type Server struct {
	Health *Server_Health
}

// Server_Health 健康检查 HTTP 服务，Port 为 0 时不启动
type Server_Health struct {
	Network string
	Port    int
	Timeout time.Duration
}

// Addr returns the listen address, or "" when the server is disabled.
func (h *Server_Health) Addr() string {
	if h == nil || h.Port <= 0 {
		return ""
	}
	return ":" + strconv.Itoa(h.Port)
}

// Data 数据源配置
type Data struct {
	Database *Data_Database
	Redis    *Data_Redis
}

// Data_Database 共享账户库。Driver 取值 postgres / mysql / sqlite
type Data_Database struct {
	Driver          string
	Source          string
	SQLitePath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// Data_Redis 可选，Addr 为空时失败计数降级为不记录
type Data_Redis struct {
	Network      string
	Addr         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Worker 刷新任务执行参数
type Worker struct {
	MaxConcurrency    int
	TaskTimeout       time.Duration
	MailCodeTimeout   time.Duration
	StoreTimeout      time.Duration
	ShutdownTimeout   time.Duration
	HealthStaleFactor int
	FailureTTL        time.Duration
	RecentOutcomes    int
}

// Reaper 子进程回收
type Reaper struct {
	Interval time.Duration
	Linger   time.Duration
}

// Automation 外部续期脚本
type Automation struct {
	Command     []string
	WorkDir     string
	GracePeriod time.Duration
	// PassEnv 额外透传给脚本的环境变量名
	PassEnv []string
}

// Log 日志配置
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}
