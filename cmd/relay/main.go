package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/api"
	"github.com/eldtechnologies/roomrelay/internal/api/middleware"
	"github.com/eldtechnologies/roomrelay/internal/config"
	"github.com/eldtechnologies/roomrelay/internal/handlers"
	"github.com/eldtechnologies/roomrelay/internal/store"
	"github.com/eldtechnologies/roomrelay/internal/substrate"
	"github.com/eldtechnologies/roomrelay/internal/transport"
)

const (
	defaultAppPath = "./server.json"
	defaultName    = "roomrelay"
	nonceCacheSize = 100_000
)

func main() {
	// Load configuration
	cfg := config.Load()
	logger := cfg.Logger()

	appPath := defaultAppPath
	if len(os.Args) > 1 {
		appPath = os.Args[1]
	}
	app, err := config.LoadApp(appPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load app config")
	}
	for _, w := range app.Warnings {
		logger.Warn().Msg(w)
	}
	if app.Name == "" {
		app.Name = defaultName
	}

	if cfg.StoreBackend == config.BackendRemote {
		logger.Fatal().Msg("the relay cannot run on the remote backend")
	}
	// In production, rate limits and nonces must survive restarts
	if cfg.Env == "production" && cfg.RedisURL == "" {
		logger.Fatal().Msg("REDIS_URL is required in production")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nodes, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("node store connection failed")
	}
	defer nodes.Close()
	logger.Info().Str("backend", cfg.StoreBackend).Msg("node store opened")

	checks := map[string]handlers.Pinger{cfg.StoreBackend: nodes}

	// Redis carries node events, rate limits and nonces when configured
	var (
		redisStore  *store.RedisStore
		redisClient *redis.Client
		notifier    substrate.Notifier
		nonces      middleware.NonceStore
	)
	if rs, ok := nodes.(*store.RedisStore); ok {
		redisStore = rs
	} else if cfg.RedisURL != "" {
		redisStore, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisStore.Close()
		checks["redis"] = redisStore
	}
	if redisStore != nil {
		redisClient = redisStore.Client()
		notifier = substrate.NewRedisNotifier(redisStore, logger)
		nonces = redisStore
		logger.Info().Msg("connected to Redis")
	} else {
		cache, err := middleware.NewNonceCache(nonceCacheSize)
		if err != nil {
			logger.Fatal().Err(err).Msg("nonce cache")
		}
		nonces = cache
	}

	local := substrate.NewLocal(nodes, notifier, logger)
	if err := local.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("storage connect failed")
	}
	defer local.Close()

	go purgeLoop(ctx, local, cfg.PurgeInterval, logger)

	// Relays sync with their own peers too
	if len(app.Peers) > 0 {
		network := transport.NewNetwork(app.Keys, peerConfigs(app.Peers), local, logger)
		network.OnPeerConnect(func(p substrate.Peer) {
			go func() {
				status, err := p.NewSyncSession(app.RootNodeID).Start(ctx)
				if err != nil {
					logger.Error().Err(err).Str("peer", p.PubKey()).Msg("sync session failed")
					return
				}
				logger.Info().Str("peer", p.PubKey()).Int("pulled", status.Pulled).Int("pushed", status.Pushed).Msg("sync session finished")
			}()
		})
		if err := network.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("some peers did not connect")
		}
		defer network.Disconnect()
	}

	h := handlers.NewHandler(local, app.Keys, app.Name, checks, logger)

	// Create router
	router := api.NewRouter(logger, api.RouterConfig{
		Handler:     h,
		Nonces:      nonces,
		RedisClient: redisClient,
		RateLimit: middleware.RateLimiterConfig{
			Whitelist:        cfg.RateLimitWhitelist,
			AutoBlockEnabled: cfg.AutoBlockEnabled,
		},
	})

	// Create server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("identity", app.Keys.Pub).
			Msg("starting relay")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	<-ctx.Done()

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}

// purgeLoop soft-deletes records whose receipts have all expired.
func purgeLoop(ctx context.Context, local *substrate.Local, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, err := local.PurgeExpired(ctx, now.UnixMilli())
			if err != nil {
				logger.Error().Err(err).Msg("purge failed")
				continue
			}
			if n > 0 {
				logger.Info().Int("records", n).Msg("purged expired records")
			}
		}
	}
}

func peerConfigs(peers []config.Peer) []transport.PeerConfig {
	out := make([]transport.PeerConfig, 0, len(peers))
	for _, p := range peers {
		out = append(out, transport.PeerConfig{PubKey: p.PubKey, URL: p.URL, Name: p.Name})
	}
	return out
}
