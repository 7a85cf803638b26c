package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/eldtechnologies/roomrelay/internal/chat"
	"github.com/eldtechnologies/roomrelay/internal/composer"
	"github.com/eldtechnologies/roomrelay/internal/config"
	"github.com/eldtechnologies/roomrelay/internal/history"
	"github.com/eldtechnologies/roomrelay/internal/profile"
	"github.com/eldtechnologies/roomrelay/internal/receipt"
	"github.com/eldtechnologies/roomrelay/internal/store"
	"github.com/eldtechnologies/roomrelay/internal/substrate"
	"github.com/eldtechnologies/roomrelay/internal/syncer"
	"github.com/eldtechnologies/roomrelay/internal/transport"
)

// storage is a substrate with an explicit lifecycle.
type storage interface {
	substrate.Storage
	Connect(ctx context.Context) error
	Close() error
}

func main() {
	cfg := config.Load()
	// stdout belongs to the conversation
	logger := cfg.LoggerTo(os.Stderr)

	appPath := ""
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore := openStorage(ctx, cfg, logger)
	defer closeStore()

	screen := chat.NewLineRenderer(os.Stdout, os.Stderr, nil)
	registry := profile.NewRegistry(app.Keys.Pub)
	reconciler, err := history.NewReconciler(app.Keys.Pub, registry, screen, logger, history.Options{})
	if err != nil {
		logger.Fatal().Err(err).Msg("reconciler")
	}
	issuer, err := receipt.NewIssuer(app.Keys, app.Policy())
	if err != nil {
		logger.Fatal().Err(err).Msg("receipt issuer")
	}
	comp := composer.New(app.Keys, app.RootNodeID, issuer, st, logger)

	var (
		network   *transport.Network
		peers     substrate.Transport
		peerAdmin chat.Network
	)
	if len(app.Peers) > 0 {
		configs := make([]transport.PeerConfig, 0, len(app.Peers))
		for _, p := range app.Peers {
			configs = append(configs, transport.PeerConfig{PubKey: p.PubKey, URL: p.URL, Name: p.Name})
		}
		network = transport.NewNetwork(app.Keys, configs, st, logger)
		peers, peerAdmin = network, network
	}

	coord := syncer.New(app.RootNodeID, st, peers, reconciler, comp, logger, syncer.Options{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		coord.Run(ctx)
	}()

	console := chat.NewApp(coord, peerAdmin, registry, screen, chat.NewPrompter(os.Stdin, os.Stderr, true), logger)
	console.Welcome()

	if err := st.Connect(ctx); err != nil {
		logger.Error().Err(err).Msg("storage is not connected")
	}
	if network != nil {
		go func() {
			if err := network.Connect(ctx); err != nil {
				logger.Warn().Err(err).Msg("some peers did not connect")
			}
		}()
	}

	if err := console.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("console failed")
	}

	stop()
	if network != nil {
		network.Disconnect()
	}
	<-done
}

// openStorage opens the backend selected by STORE_BACKEND.
func openStorage(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage, func()) {
	if cfg.StoreBackend == config.BackendRemote {
		remote, err := substrate.NewRemote(cfg.RelayURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("relay url")
		}
		return remote, func() { remote.Close() }
	}

	nodes, err := store.Open(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("node store connection failed")
	}

	var notifier substrate.Notifier
	if rs, ok := nodes.(*store.RedisStore); ok {
		notifier = substrate.NewRedisNotifier(rs, logger)
	}
	local := substrate.NewLocal(nodes, notifier, logger)
	return local, func() {
		local.Close()
		nodes.Close()
	}
}
