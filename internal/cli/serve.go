package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/edusync/eduauth"
	"github.com/edusync/eduauth/authclient"
	"github.com/edusync/eduauth/internal/config"
	"github.com/edusync/eduauth/internal/rate"
	"github.com/edusync/eduauth/internal/webapp"
	"github.com/edusync/eduauth/tokenstore"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var (
		addr      string
		authURL   string
		redisAddr string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the EduSync web shell",
		Long:  "Serve the guarded EduSync pages, keeping one session per browser and persisting access tokens in Redis or memory.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadWeb()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}
			if cmd.Flags().Changed("auth-url") {
				cfg.AuthURL = authURL
			}
			if cmd.Flags().Changed("redis-addr") {
				cfg.RedisAddr = redisAddr
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger := g.logger(cmd, cfg.LogLevel, cfg.LogFormat)
			return runServe(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address (or EDUSYNC_ADDR)")
	cmd.Flags().StringVar(&authURL, "auth-url", "http://localhost:8081", "Auth service base URL (or EDUSYNC_AUTH_URL)")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address for tokens; empty keeps them in memory (or EDUSYNC_REDIS_ADDR)")
	return cmd
}

func runServe(ctx context.Context, cfg config.Web, logger *slog.Logger) error {
	store, rdb, err := openTokenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
	}

	clientOpts := []authclient.Option{authclient.WithLogger(logger)}
	verifier, err := loadVerifier(cfg.JWT)
	if err != nil {
		return err
	}
	if verifier != nil {
		clientOpts = append(clientOpts, authclient.WithVerifier(verifier))
	} else {
		logger.Warn("no token verifier configured; relying on the auth service alone")
	}

	auth, err := authclient.New(authclient.Config{BaseURL: cfg.AuthURL, Timeout: cfg.AuthTimeout}, store, clientOpts...)
	if err != nil {
		return err
	}

	wcfg := webapp.DefaultConfig()
	wcfg.CookieSecure = cfg.CookieSecure
	wcfg.CookieKey = []byte(cfg.CookieKey)
	wcfg.IdleTTL = cfg.SessionIdleTTL
	wcfg.Manager.Fetch.MaxAttempts = cfg.FetchMaxAttempts
	wcfg.Manager.Metrics.EnableLatencyHistograms = cfg.LatencyMetrics

	var webOpts []webapp.Option
	if p, ok := store.(webapp.Pinger); ok {
		webOpts = append(webOpts, webapp.WithStorePinger(p))
	}
	if rdb != nil && cfg.LoginMaxAttempts > 0 {
		rl := rate.DefaultConfig()
		rl.MaxAttempts = cfg.LoginMaxAttempts
		rl.Cooldown = cfg.LoginCooldown
		limiter, err := rate.New(rdb, rl)
		if err != nil {
			return err
		}
		webOpts = append(webOpts, webapp.WithLoginLimiter(limiter))
	}
	if cfg.AuditLog {
		wcfg.Manager.Audit.Enabled = true
		webOpts = append(webOpts, webapp.WithAuditSink(eduauth.NewSlogSink(logger.With("component", "audit"))))
	}

	app, err := webapp.New(wcfg, func(clientID string) eduauth.AuthService {
		return auth.Bind(clientID)
	}, logger, webOpts...)
	if err != nil {
		return fmt.Errorf("web shell: %w", err)
	}
	defer app.Close()

	logger.Info("web shell ready", "auth_url", cfg.AuthURL, "redis", cfg.RedisAddr != "")
	return serveHTTP(ctx, cfg.Addr, app.Handler(), logger, app.Run)
}

// openTokenStore connects to Redis when configured and falls back to the
// in-process store otherwise. The returned client is nil for the memory store.
func openTokenStore(ctx context.Context, cfg config.Web, logger *slog.Logger) (tokenstore.Store, redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		logger.Info("token store: memory")
		return tokenstore.NewMemoryStore(), nil, nil
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr},
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	store := tokenstore.NewRedisStore(client, cfg.TokenPrefix)

	latency, err := store.Ping(ctx)
	if err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	logger.Info("token store: redis", "addr", cfg.RedisAddr, "prefix", cfg.TokenPrefix, "ping", latency)

	return store, client, nil
}
