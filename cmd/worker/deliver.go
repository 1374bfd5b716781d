package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jmehdipour/event-relay/internal/config"
	"github.com/jmehdipour/event-relay/internal/kafka"
	"github.com/jmehdipour/event-relay/internal/logger"
	"github.com/jmehdipour/event-relay/internal/worker"
)

var deliverTopic string

var deliverCmd = &cobra.Command{
	Use:   "deliver",
	Short: "Bridge a Kafka topic to the subscriber's webhook route",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Root().PersistentFlags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level)
		defer logger.Sync()

		topic := deliverTopic
		if topic == "" {
			topic = cfg.Worker.Topic
		}
		if topic == "" {
			return fmt.Errorf("no topic: set --topic or worker.topic")
		}
		if cfg.Worker.RouteURL == "" {
			return fmt.Errorf("worker.route_url is not configured")
		}

		groupID := cfg.Kafka.GroupID
		if groupID == "" {
			groupID = "evrelay-deliver"
		}
		groupID = groupID + "-" + topic

		consumer := kafka.NewConsumer(kafka.ConsumerConfig{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
		})
		defer consumer.Close()

		d := worker.NewDeliverer(consumer, cfg.Worker.RouteURL, topic, worker.Options{
			Workers:       cfg.Worker.Workers,
			RetryBackoff:  cfg.Worker.RetryBackoff,
			Timeout:       time.Duration(cfg.Worker.TimeoutMs) * time.Millisecond,
			FailThreshold: cfg.Worker.FailThreshold,
			OpenFor:       time.Duration(cfg.Worker.OpenForMs) * time.Millisecond,
		}, logger.Log)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigCh
			logger.Log.Info("signal received, stopping worker", zap.String("signal", sig.String()))
			cancel()
		}()

		logger.Log.Info("delivery worker starting",
			zap.String("topic", topic), zap.String("route", cfg.Worker.RouteURL))
		if err := d.Run(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

func init() {
	deliverCmd.Flags().StringVar(&deliverTopic, "topic", "", "Kafka topic to bridge (overrides worker.topic)")
}
