package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/siwachabhi/sonic-relay/internal/api"
	"github.com/siwachabhi/sonic-relay/internal/auth"
	"github.com/siwachabhi/sonic-relay/internal/bridge"
	"github.com/siwachabhi/sonic-relay/internal/config"
	"github.com/siwachabhi/sonic-relay/internal/credentials"
	"github.com/siwachabhi/sonic-relay/internal/logx"
	"github.com/siwachabhi/sonic-relay/internal/relay"
	"github.com/siwachabhi/sonic-relay/internal/store"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "sonic-relay",
		Short: "WebSocket relay for bidirectional speech model streams",
		Long: `sonic-relay accepts client WebSocket connections and relays their event
stream to a bidirectional speech model, splitting oversized responses and
keeping AWS credentials fresh in the background.`,
		SilenceUsage: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			configureLogging(cfg, debug)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (default $RELAY_CONFIG_FILE)")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")
	cmd.AddCommand(newTokenCommand(&configPath))
	return cmd
}

func newTokenCommand(configPath *string) *cobra.Command {
	var (
		userID string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a client token signed with RELAY_JWT_SECRET",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("RELAY_JWT_SECRET is not configured")
			}
			tok, err := auth.IssueToken(cfg.JWTSecret, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user ID to embed in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.LoadFromEnv()
	}
	return config.Load(path)
}

func configureLogging(cfg config.Config, debug bool) {
	level := cfg.LogLevel
	if debug {
		level = "debug"
	}
	if cfg.LogJSON {
		logx.ConfigureJSON(level)
	} else {
		logx.Configure(level)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	cache := credentials.NewCache()
	if cfg.HasStaticCredentials() {
		cache.Store(credentials.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionToken:    cfg.SessionToken,
			Source:          credentials.SourceStatic,
		})
		logx.Log.Info().Msg("using static credentials from environment")
	} else {
		refresher := credentials.NewRefresher(cache, credentials.NewIMDSClient(cfg.MetadataEndpoint))
		refresher.Start(ctx)
		defer refresher.Stop()
	}

	dialer, err := buildDialer(ctx, cfg, cache)
	if err != nil {
		return err
	}

	var recorder relay.SessionRecorder = relay.NopRecorder{}
	if cfg.DatabaseURL != "" {
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
		recorder = st
	}

	handler := relay.NewHandler(relay.Options{
		Dialer:       dialer,
		MaxEventSize: cfg.MaxEventSize,
		Recorder:     recorder,
		Backend:      cfg.Backend,
	})

	srv := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           api.NewRouter(cfg, cache, handler),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Hijacked WebSocket connections are not tracked by Shutdown; tying
		// request contexts to ctx ends them on signal.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logx.Log.Info().
		Str("addr", cfg.ListenAddr()).
		Str("backend", cfg.Backend).
		Str("region", cfg.Region).
		Msg("sonic-relay listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	logx.Log.Info().Msg("sonic-relay stopped")
	return nil
}

func buildDialer(ctx context.Context, cfg config.Config, cache *credentials.Cache) (bridge.Dialer, error) {
	switch cfg.Backend {
	case config.BackendWebSocket:
		return bridge.NewWebSocketDialer(bridge.WebSocketDialerOptions{
			URL:           cfg.UpstreamURL,
			Region:        cfg.Region,
			Credentials:   cache,
			MaxFrameBytes: cfg.MaxFrameBytes,
		})
	case config.BackendBedrock:
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		// Read straight from the cache so refreshed credentials apply to the
		// next dial without waiting for an SDK-side cache to expire.
		awsCfg.Credentials = cache
		return bridge.NewBedrockDialer(awsCfg, cfg.ModelID), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}
