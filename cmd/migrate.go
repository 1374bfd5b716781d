package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/event-relay/internal/config"
	"github.com/jmehdipour/event-relay/internal/db"
)

const mysqlSchema = `
CREATE TABLE IF NOT EXISTS event_log_records (
    record_key  VARCHAR(191) NOT NULL,
    data_type   VARCHAR(64)  NOT NULL,
    value       MEDIUMBLOB   NOT NULL,
    etag        CHAR(26)     NOT NULL,
    created_at  DATETIME     NOT NULL,
    updated_at  DATETIME     NOT NULL,
    PRIMARY KEY (record_key),
    KEY idx_data_type_updated (data_type, updated_at)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4
`

const clickhouseSchema = `
CREATE TABLE IF NOT EXISTS evrelay.delivery_attempts (
    event_id   String,
    app_id     String,
    topic      String,
    attempt    Int32,
    status     String,
    error      String,
    created_at DateTime
) ENGINE = MergeTree()
ORDER BY (created_at, event_id)
`

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create backing tables (mysql store, clickhouse reports)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if cfg.Store.Driver == "mysql" {
			sqlDB, err := db.NewSQLConnection("mysql", db.SQLOpts{
				DSN:             cfg.MySQL.DSN,
				MaxOpenConns:    cfg.MySQL.MaxOpenConns,
				MaxIdleConns:    cfg.MySQL.MaxIdleConns,
				ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
				ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
				PingTimeout:     cfg.MySQL.PingTimeout,
			})
			if err != nil {
				return fmt.Errorf("mysql connect: %w", err)
			}
			defer sqlDB.Close()

			if _, err := sqlDB.Exec(mysqlSchema); err != nil {
				return fmt.Errorf("mysql migrate: %w", err)
			}
			fmt.Println(">> mysql schema ready")
		}

		if cfg.Reports.Enabled {
			chDB, err := db.NewSQLConnection("clickhouse", db.SQLOpts{
				DSN:             cfg.ClickHouse.DSN,
				MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
				MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
				ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
				ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
				PingTimeout:     cfg.ClickHouse.PingTimeout,
			})
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer chDB.Close()

			if _, err := chDB.Exec(clickhouseSchema); err != nil {
				return fmt.Errorf("clickhouse migrate: %w", err)
			}
			fmt.Println(">> clickhouse schema ready")
		}

		return nil
	},
}
