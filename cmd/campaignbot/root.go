package main

import (
	"context"
	"fmt"
	"os"

	"campaignbot/internal/app"
	"campaignbot/internal/config"
	"campaignbot/internal/storage"
	logx "campaignbot/pkg/logx"

	"github.com/spf13/cobra"
)

var (
	cfgPath string
	rootCmd = &cobra.Command{
		Use:           "campaignbot",
		Short:         "Telegram mailing and scenario dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to JSON or YAML config file")
	rootCmd.AddCommand(runCmd, migrateCmd, newDispatchCmd(), newReportCmd(), newQueueCmd())
}

// openStore loads the config and opens the database for one-shot commands.
func openStore(ctx context.Context) (*storage.Store, *config.Config, logx.Logger, error) {
	_, cfg, err := app.LoadConfig(cfgPath)
	if err != nil {
		return nil, nil, logx.Logger{}, fmt.Errorf("load config: %w", err)
	}
	log := logx.NewConsole(cfg.Logging.Level)
	st, err := app.OpenStore(ctx, cfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, nil, logx.Logger{}, fmt.Errorf("open storage: %w", err)
	}
	return st, cfg, log, nil
}
