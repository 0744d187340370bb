package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/siwachabhi/sonic-relay/internal/config"
	"github.com/siwachabhi/sonic-relay/internal/jobs"
	"github.com/siwachabhi/sonic-relay/internal/logx"
	"github.com/siwachabhi/sonic-relay/internal/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:          "sonic-relay-jobs",
		Short:        "Maintenance worker for relay session records",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				cfg config.Config
				err error
			)
			if configPath != "" {
				cfg, err = config.Load(configPath)
			} else {
				cfg, err = config.LoadFromEnv()
			}
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("RELAY_DATABASE_URL is required")
			}
			logx.Configure(cfg.LogLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect db: %w", err)
			}
			defer pool.Close()
			if err := pool.Ping(ctx); err != nil {
				return fmt.Errorf("ping db: %w", err)
			}

			st := store.New(pool)
			if err := st.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("ensure schema: %w", err)
			}
			jobs.NewRunner(st, jobs.Options{
				AbandonedAfter: time.Duration(cfg.AbandonedAfterHours) * time.Hour,
				Retention:      time.Duration(cfg.SessionRetentionHours) * time.Hour,
			}).Start(ctx)

			logx.Log.Info().Msg("relay jobs worker started")
			<-ctx.Done()
			logx.Log.Info().Msg("relay jobs worker stopping")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file (default $RELAY_CONFIG_FILE)")
	return cmd
}
