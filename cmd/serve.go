package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/event-relay/internal/bus"
	"github.com/jmehdipour/event-relay/internal/config"
	"github.com/jmehdipour/event-relay/internal/db"
	"github.com/jmehdipour/event-relay/internal/eventlog"
	httpSrv "github.com/jmehdipour/event-relay/internal/http"
	"github.com/jmehdipour/event-relay/internal/kafka"
	"github.com/jmehdipour/event-relay/internal/logger"
	"github.com/jmehdipour/event-relay/internal/model"
	"github.com/jmehdipour/event-relay/internal/repository"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the delivery callback + admin HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level)
		defer logger.Sync()

		store, closeStore, err := newEventLogStore(cfg)
		if err != nil {
			return err
		}
		defer closeStore()

		// redis backs the webhook rate limiter independently of the store
		var rds *redis.Client
		if cfg.RateLimit.RPS > 0 {
			rds, err = db.NewRedisClient(db.RedisOpts{
				Addr:        cfg.Redis.Addr,
				Password:    cfg.Redis.Password,
				DB:          cfg.Redis.DB,
				DialTimeout: cfg.Redis.DialTimeout,
			})
			if err != nil {
				return fmt.Errorf("redis connect: %w", err)
			}
			defer rds.Close()
		}

		var reports repository.DeliveryReports
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
			reports = repository.NewDeliveryReports(chDB)
		}

		mgr := eventlog.NewManager(store,
			eventlog.StaticAppID(cfg.EventLog.AppID),
			eventlog.Options{
				Enabled:        cfg.EventLog.Enabled,
				MaxRetry:       cfg.EventLog.MaxRetry,
				CasMaxAttempts: cfg.EventLog.CasMaxAttempts,
			},
			logger.Log,
		)
		callback := bus.NewLogCallback(mgr)

		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
			WriteTimeout: time.Duration(cfg.Kafka.WriteTimeoutMs) * time.Millisecond,
		})
		defer producer.Close()

		b := bus.New(producer, callback, logger.Log).
			WithPubsubName(cfg.Bus.PubsubName).
			ImportHeaders(cfg.Bus.ImportHeaders...).
			RemoveHeaders(cfg.Bus.RemoveHeaders...)
		for k, v := range cfg.Bus.Headers {
			b.WithHeader(k, v)
		}

		server := httpSrv.NewServer(cfg, mgr, b, callback, reports, rds, nil)

		// default handler: accept everything and log it; real subscribers
		// embed the server and register their own
		server.Register("*", func(ctx context.Context, env model.Envelope) error {
			logger.Log.Info("event received", zap.String("event_id", env.ID))
			return nil
		})

		errCh := make(chan error, 1)
		go func() {
			logger.Log.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Log.Info("signal received, shutting down", zap.String("signal", sig.String()))
		case err := <-errCh:
			if err != nil {
				logger.Log.Error("http server exited", zap.Error(err))
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		return nil
	},
}
