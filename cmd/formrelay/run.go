package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// shutdownTimeout 关闭流程的总时限
const shutdownTimeout = 30 * time.Second

// =============================================================================
// 🖥️ run 命令
// =============================================================================

func newRunCmd(opts *rootOptions) *cobra.Command {
	var startURL string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch the browser, the control API and the automation engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if startURL != "" {
				cfg.Browser.StartURL = startURL
			}

			logger, level, err := initLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			logger.Info("starting formrelay",
				zap.String("version", Version),
				zap.String("build_time", BuildTime),
				zap.String("git_commit", GitCommit),
				zap.String("config", opts.configPath),
			)

			ctx := cmd.Context()
			app, err := newApp(ctx, cfg, opts.loader(), logger, level)
			if err != nil {
				logger.Error("initialization failed", zap.Error(err))
				return err
			}
			runErr := app.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			app.Close(shutdownCtx)

			if runErr != nil {
				logger.Error("formrelay stopped with error", zap.Error(runErr))
				return runErr
			}
			logger.Info("formrelay stopped")
			return nil
		},
	}
	cmd.Flags().StringVar(&startURL, "start-url", "", "Override browser.start_url")
	return cmd
}
