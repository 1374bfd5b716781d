package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmehdipour/event-relay/internal/config"
	"github.com/jmehdipour/event-relay/internal/eventlog"
	"github.com/jmehdipour/event-relay/internal/logger"
)

var countClear bool

var countCmd = &cobra.Command{
	Use:   "count",
	Short: "Show (or clear) the shared publish counter",
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

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if countClear {
			if err := mgr.ClearCount(ctx); err != nil {
				return err
			}
			fmt.Println("counter cleared")
			return nil
		}

		n, err := mgr.Count(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("published events: %d\n", n)
		return nil
	},
}

func init() {
	countCmd.Flags().BoolVar(&countClear, "clear", false, "reset the counter to zero")
}
