// services/batch-consumer/cmd/batch-consumer/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/YaganovValera/batch-retry/common/logger"
	"github.com/YaganovValera/batch-retry/common/shutdown"
	"github.com/YaganovValera/batch-retry/services/batch-consumer/internal/app"
	"github.com/YaganovValera/batch-retry/services/batch-consumer/internal/config"
)

func main() {
	var (
		cfgFile     string
		printConfig bool
	)

	root := &cobra.Command{
		Use:           "batch-consumer",
		Short:         "Kafka batch consumer with redelivery and dead-letter routing",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// — конфиг
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if printConfig {
				cfg.Print()
			}

			// — логгер
			log, err := logger.New(logger.Config{
				Level:   cfg.Logging.Level,
				DevMode: cfg.Logging.DevMode,
			})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			defer log.Sync()

			// — Graceful shutdown context
			ctx, stop := shutdown.SignalContext(cmd.Context())
			defer stop()

			log.Info("batch-consumer starting",
				zap.String("version", cfg.ServiceVersion),
				zap.Strings("brokers", cfg.Kafka.Brokers),
				zap.String("group_id", cfg.Kafka.GroupID),
			)
			if err := app.Run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("batch-consumer stopped with error", zap.Error(err))
				return err
			}
			return nil
		},
	}

	registerFlags(root.Flags(), &cfgFile, &printConfig)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func registerFlags(fs *pflag.FlagSet, cfgFile *string, printConfig *bool) {
	fs.StringVarP(cfgFile, "config", "c", "", "path to config file (YAML)")
	fs.BoolVar(printConfig, "print-config", false, "print the resolved configuration on start")
	fs.SortFlags = false
}
