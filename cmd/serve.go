package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/walink/internal/config"
	"github.com/nextlevelbuilder/walink/internal/gateway"
	"github.com/nextlevelbuilder/walink/internal/wa"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the web gateway for browser-based linking",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()

			var level slog.LevelVar
			level.Set(cfg.LogLevel())
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

			// Log level follows config file edits without a restart.
			if _, err := os.Stat(resolveConfigPath()); err == nil {
				watcher, err := config.NewWatcher(resolveConfigPath())
				if err != nil {
					slog.Warn("config watcher unavailable", "error", err)
				} else {
					watcher.OnChange(func(next *config.Config) {
						level.Set(next.LogLevel())
					})
					if err := watcher.Start(); err != nil {
						slog.Warn("config watcher failed to start", "error", err)
					} else {
						defer watcher.Stop()
					}
				}
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return gateway.NewServer(cfg, wa.NewDialer()).Run(ctx)
		},
	}
}
