package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/event-relay/internal/bus"
	"github.com/jmehdipour/event-relay/internal/config"
	"github.com/jmehdipour/event-relay/internal/eventlog"
	"github.com/jmehdipour/event-relay/internal/kafka"
	"github.com/jmehdipour/event-relay/internal/logger"
)

var republishCmd = &cobra.Command{
	Use:   "republish <event-id>",
	Short: "Re-send a logged event's original envelope",
	Args:  cobra.ExactArgs(1),
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

		mgr := eventlog.NewManager(store,
			eventlog.StaticAppID(cfg.EventLog.AppID),
			eventlog.Options{
				Enabled:        cfg.EventLog.Enabled,
				MaxRetry:       cfg.EventLog.MaxRetry,
				CasMaxAttempts: cfg.EventLog.CasMaxAttempts,
			},
			logger.Log,
		)

		producer := kafka.NewProducer(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			MaxAttempts:  cfg.Kafka.MaxAttempts,
			WriteTimeout: time.Duration(cfg.Kafka.WriteTimeoutMs) * time.Millisecond,
		})
		defer producer.Close()

		b := bus.New(producer, bus.NewLogCallback(mgr), logger.Log)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := b.Republish(ctx, args[0]); err != nil {
			return err
		}

		fmt.Printf("republished event %s\n", args[0])
		return nil
	},
}
