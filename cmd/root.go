package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/event-relay/cmd/worker"
	"github.com/jmehdipour/event-relay/internal/config"
	"github.com/jmehdipour/event-relay/internal/db"
	"github.com/jmehdipour/event-relay/internal/repository"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:   "event-relay",
		Short: "Reliable integration-event delivery over pub/sub",
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "path to YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(republishCmd)
	rootCmd.AddCommand(countCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(worker.NewWorkerCmd())
}

// newEventLogStore builds the configured store driver. The returned closer
// releases the underlying connection.
func newEventLogStore(cfg config.Config) (repository.EventLogStore, func(), error) {
	switch cfg.Store.Driver {
	case "redis", "":
		rdb, err := db.NewRedisClient(db.RedisOpts{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			DialTimeout: cfg.Redis.DialTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("redis connect: %w", err)
		}
		return repository.NewRedisEventLogStore(rdb), func() { _ = rdb.Close() }, nil

	case "mysql":
		sqlDB, err := db.NewSQLConnection("mysql", db.SQLOpts{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("mysql connect: %w", err)
		}
		return repository.NewMySQLEventLogStore(sqlDB), func() { _ = sqlDB.Close() }, nil

	case "memory":
		return repository.NewMemoryEventLogStore(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
