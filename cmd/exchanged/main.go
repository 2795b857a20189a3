package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/papertrade/exchange/params"
	"github.com/papertrade/exchange/pkg/api"
	"github.com/papertrade/exchange/pkg/exchange/broadcast"
	"github.com/papertrade/exchange/pkg/exchange/engine"
	"github.com/papertrade/exchange/pkg/exchange/ledger"
	"github.com/papertrade/exchange/pkg/identity"
	"github.com/papertrade/exchange/pkg/marketdata"
	"github.com/papertrade/exchange/pkg/util"
)

func main() {
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("exchanged_starting", "symbol", cfg.Engine.Symbol, "addr", cfg.HTTP.Addr)

	// ---- Ledger: durable account state ----
	store, err := ledger.Open(cfg.Ledger.DBPath)
	if err != nil {
		sugar.Fatalw("ledger_open_failed", "path", cfg.Ledger.DBPath, "err", err)
	}
	defer store.Close()

	// ---- Matching engine and broadcast fan-out ----
	// One engine instance per process, passed by reference everywhere.
	eng := engine.New(cfg.Engine.Symbol, store, sugar)
	registry := broadcast.New(eng, store, sugar, broadcast.Config{
		Interval:  cfg.Engine.BroadcastInterval,
		Depth:     cfg.Engine.SnapshotDepth,
		QueueSize: cfg.Engine.NotifyQueueSize,
	})
	defer registry.Close()
	eng.SetNotifier(registry)

	auth := identity.NewJWT(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	server := api.NewServer(eng, registry, store, auth, sugar, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Feed.Enabled {
		// Runs only while the registry has subscribers.
		feed := marketdata.NewFeed(cfg.Engine.Symbol, cfg.Feed.Interval, registry, sugar)
		registry.Attach(feed)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	select {
	case <-ctx.Done():
		sugar.Infow("shutdown_signal_received")
	case err := <-errCh:
		if err != nil {
			sugar.Errorw("api_server_failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("api_shutdown_failed", "err", err)
	}
	sugar.Infow("exchanged_stopped")
}
