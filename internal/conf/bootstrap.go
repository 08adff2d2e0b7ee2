// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
	DriverSQLite   = "sqlite"
)

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with WORKER_.
//
// Configuration priority: Environment variables > Config file > Defaults
//
// Required environment variables:
//   - DATABASE_URL (or SQLITE_PATH): shared account store
//   - REFRESH_AUTOMATION_CMD or WORKER_AUTOMATION_COMMAND: renewal script command line
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 兼容 gateway 共用的环境变量名 (无前缀)
	_ = v.BindEnv("data.database.source", "DATABASE_URL", "WORKER_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.database.driver", "DATABASE_DRIVER", "WORKER_DATA_DATABASE_DRIVER")
	_ = v.BindEnv("data.database.sqlite_path", "SQLITE_PATH", "WORKER_DATA_DATABASE_SQLITE_PATH")
	_ = v.BindEnv("data.redis.addr", "REDIS_ADDR", "WORKER_DATA_REDIS_ADDR")
	_ = v.BindEnv("data.redis.password", "REDIS_PASSWORD", "WORKER_DATA_REDIS_PASSWORD")
	_ = v.BindEnv("server.health.port", "HEALTH_PORT", "WORKER_SERVER_HEALTH_PORT")
	_ = v.BindEnv("log.level", "LOG_LEVEL", "WORKER_LOG_LEVEL")
	_ = v.BindEnv("automation.command", "REFRESH_AUTOMATION_CMD", "WORKER_AUTOMATION_COMMAND")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	bc := &Bootstrap{
		Server: &Server{
			Health: &Server_Health{
				Network: v.GetString("server.health.network"),
				Port:    v.GetInt("server.health.port"),
				Timeout: v.GetDuration("server.health.timeout"),
			},
		},
		Data: &Data{
			Database: &Data_Database{
				Driver:          strings.ToLower(strings.TrimSpace(v.GetString("data.database.driver"))),
				Source:          strings.TrimSpace(v.GetString("data.database.source")),
				SQLitePath:      strings.TrimSpace(v.GetString("data.database.sqlite_path")),
				MaxOpenConns:    v.GetInt("data.database.max_open_conns"),
				MaxIdleConns:    v.GetInt("data.database.max_idle_conns"),
				ConnMaxLifetime: v.GetDuration("data.database.conn_max_lifetime"),
				AutoMigrate:     v.GetBool("data.database.auto_migrate"),
			},
			Redis: &Data_Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				Password:     v.GetString("data.redis.password"),
				DB:           v.GetInt("data.redis.db"),
				ReadTimeout:  v.GetDuration("data.redis.read_timeout"),
				WriteTimeout: v.GetDuration("data.redis.write_timeout"),
			},
		},
		Worker: &Worker{
			MaxConcurrency:    v.GetInt("worker.max_concurrency"),
			TaskTimeout:       v.GetDuration("worker.task_timeout"),
			MailCodeTimeout:   v.GetDuration("worker.mail_code_timeout"),
			StoreTimeout:      v.GetDuration("worker.store_timeout"),
			ShutdownTimeout:   v.GetDuration("worker.shutdown_timeout"),
			HealthStaleFactor: v.GetInt("worker.health_stale_factor"),
			FailureTTL:        v.GetDuration("worker.failure_ttl"),
			RecentOutcomes:    v.GetInt("worker.recent_outcomes"),
		},
		Reaper: &Reaper{
			Interval: v.GetDuration("reaper.interval"),
			Linger:   v.GetDuration("reaper.linger"),
		},
		Automation: &Automation{
			Command:     v.GetStringSlice("automation.command"),
			WorkDir:     v.GetString("automation.workdir"),
			GracePeriod: v.GetDuration("automation.grace_period"),
			PassEnv:     v.GetStringSlice("automation.pass_env"),
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
	}

	resolveDatabase(bc.Data.Database)

	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.health.network", "tcp")
	v.SetDefault("server.health.port", 0)
	v.SetDefault("server.health.timeout", 5*time.Second)

	// data.database.source (DATABASE_URL) 必须由环境提供
	v.SetDefault("data.database.max_open_conns", 10)
	v.SetDefault("data.database.max_idle_conns", 2)
	v.SetDefault("data.database.conn_max_lifetime", time.Hour)
	v.SetDefault("data.database.auto_migrate", true)

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	v.SetDefault("worker.max_concurrency", 1)
	v.SetDefault("worker.task_timeout", 10*time.Minute)
	v.SetDefault("worker.mail_code_timeout", 2*time.Minute)
	v.SetDefault("worker.store_timeout", 30*time.Second)
	v.SetDefault("worker.shutdown_timeout", 11*time.Minute)
	v.SetDefault("worker.health_stale_factor", 3)
	v.SetDefault("worker.failure_ttl", 24*time.Hour)
	v.SetDefault("worker.recent_outcomes", 256)

	v.SetDefault("reaper.interval", 5*time.Second)
	v.SetDefault("reaper.linger", 3*time.Second)

	v.SetDefault("automation.grace_period", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// resolveDatabase 推断驱动: 显式 driver > URL scheme > 仅有 SQLITE_PATH 时使用 sqlite
func resolveDatabase(db *Data_Database) {
	if db.Source == "" && db.SQLitePath != "" {
		db.Source = db.SQLitePath
		if db.Driver == "" {
			db.Driver = DriverSQLite
		}
	}
	if db.Driver == "" {
		db.Driver = InferDriver(db.Source)
	}
	if db.Driver == "postgresql" {
		db.Driver = DriverPostgres
	}
}

// InferDriver guesses the driver from a connection string scheme.
func InferDriver(source string) string {
	lower := strings.ToLower(source)
	switch {
	case strings.HasPrefix(lower, "postgres://"), strings.HasPrefix(lower, "postgresql://"):
		return DriverPostgres
	case strings.HasPrefix(lower, "mysql://"), strings.Contains(lower, "@tcp("):
		return DriverMySQL
	case strings.HasPrefix(lower, "file:"), strings.HasSuffix(lower, ".db"), strings.HasSuffix(lower, ".sqlite"), lower == ":memory:":
		return DriverSQLite
	default:
		return ""
	}
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all problems at once.
func Validate(bc *Bootstrap) error {
	var problems []string

	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		problems = append(problems, "data.database.source (DATABASE_URL) is required")
	} else {
		switch bc.Data.Database.Driver {
		case DriverPostgres, DriverMySQL, DriverSQLite:
		case "":
			problems = append(problems, "data.database.driver cannot be inferred, set DATABASE_DRIVER")
		default:
			problems = append(problems, fmt.Sprintf("data.database.driver %q is not supported", bc.Data.Database.Driver))
		}
	}

	if bc.Automation == nil || len(bc.Automation.Command) == 0 {
		problems = append(problems, "automation.command (REFRESH_AUTOMATION_CMD) is required")
	}

	if w := bc.Worker; w != nil {
		if w.MaxConcurrency < 1 {
			problems = append(problems, "worker.max_concurrency must be >= 1")
		}
		if w.TaskTimeout <= 0 {
			problems = append(problems, "worker.task_timeout must be positive")
		}
		if w.MailCodeTimeout <= 0 || w.MailCodeTimeout > w.TaskTimeout {
			problems = append(problems, "worker.mail_code_timeout must be positive and <= worker.task_timeout")
		}
		if w.HealthStaleFactor < 1 {
			problems = append(problems, "worker.health_stale_factor must be >= 1")
		}
	}

	if r := bc.Reaper; r != nil && r.Interval <= 0 {
		problems = append(problems, "reaper.interval must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, ", "))
	}

	return nil
}
