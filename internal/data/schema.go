package data

import (
	"context"
	"fmt"

	"RefreshWorker/internal/conf"

	"gorm.io/gorm"
)

// 三种方言的建表语句，列语义一致；网关进程使用同一套表
var schemaDDL = map[string][]string{
	conf.DriverPostgres: {
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			data JSONB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS accounts_position_idx ON accounts(position)`,
		`CREATE TABLE IF NOT EXISTS kv_settings (
			key TEXT PRIMARY KEY,
			value JSONB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			data JSONB NOT NULL,
			created_at DOUBLE PRECISION NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS task_history_created_at_idx ON task_history(created_at DESC)`,
	},
	conf.DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS accounts (
			account_id TEXT PRIMARY KEY,
			position INTEGER NOT NULL,
			data TEXT NOT NULL,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS accounts_position_idx ON accounts(position)`,
		`CREATE TABLE IF NOT EXISTS kv_settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS task_history (
			id TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			created_at REAL NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS task_history_created_at_idx ON task_history(created_at)`,
	},
	// MySQL: TEXT 不能做主键，key 是保留字需要转义；索引在建表时声明
	conf.DriverMySQL: {
		"CREATE TABLE IF NOT EXISTS accounts (" +
			"account_id VARCHAR(191) NOT NULL PRIMARY KEY," +
			"position INT NOT NULL," +
			"data JSON NOT NULL," +
			"updated_at TIMESTAMP NULL DEFAULT CURRENT_TIMESTAMP," +
			"INDEX accounts_position_idx (position)" +
			") DEFAULT CHARSET=utf8mb4",
		"CREATE TABLE IF NOT EXISTS kv_settings (" +
			"`key` VARCHAR(191) NOT NULL PRIMARY KEY," +
			"value JSON NOT NULL," +
			"updated_at TIMESTAMP NULL DEFAULT CURRENT_TIMESTAMP" +
			") DEFAULT CHARSET=utf8mb4",
		"CREATE TABLE IF NOT EXISTS task_history (" +
			"id VARCHAR(191) NOT NULL PRIMARY KEY," +
			"data JSON NOT NULL," +
			"created_at DOUBLE NOT NULL," +
			"INDEX task_history_created_at_idx (created_at)" +
			") DEFAULT CHARSET=utf8mb4",
	},
}

// Migrate creates the shared tables when they do not exist yet.
func Migrate(ctx context.Context, db *gorm.DB, driver string) error {
	stmts, ok := schemaDDL[driver]
	if !ok {
		return fmt.Errorf("no schema for driver %q", driver)
	}
	for _, stmt := range stmts {
		if err := db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return fmt.Errorf("migrate %s: %w", driver, err)
		}
	}
	return nil
}
