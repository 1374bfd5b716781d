package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/event-relay/internal/bus"
	"github.com/jmehdipour/event-relay/internal/config"
	"github.com/jmehdipour/event-relay/internal/eventlog"
	"github.com/jmehdipour/event-relay/internal/kafka"
	"github.com/jmehdipour/event-relay/internal/logger"
	"github.com/jmehdipour/event-relay/internal/model"
	"github.com/jmehdipour/event-relay/internal/util"
)

var (
	publishTopic string
	publishData  string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish one event through the bus (testing aid)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if publishTopic == "" {
			return fmt.Errorf("--topic is required")
		}

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

		var data any
		if publishData != "" {
			if err := json.Unmarshal([]byte(publishData), &data); err != nil {
				return fmt.Errorf("--data must be valid JSON: %w", err)
			}
		}

		event := model.Event{
			ID:     util.New(),
			Pubsub: cfg.Bus.PubsubName,
			Name:   publishTopic,
			Data:   data,
		}

		b := bus.New(producer, bus.NewLogCallback(mgr), logger.Log).
			WithPubsubName(cfg.Bus.PubsubName)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := b.Publish(ctx, event); err != nil {
			return err
		}

		fmt.Printf("published event %s to %s\n", event.ID, publishTopic)
		return nil
	},
}

func init() {
	publishCmd.Flags().StringVar(&publishTopic, "topic", "", "destination topic")
	publishCmd.Flags().StringVar(&publishData, "data", "", "event payload as JSON")
}
