package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"github.com/dotscope/dotscope/internal/bus"
	"github.com/dotscope/dotscope/internal/cache"
	"github.com/dotscope/dotscope/internal/chain"
	"github.com/dotscope/dotscope/internal/config"
	"github.com/dotscope/dotscope/internal/hub"
	"github.com/dotscope/dotscope/internal/indexer"
	"github.com/dotscope/dotscope/internal/logging"
	"github.com/dotscope/dotscope/internal/query"
	"github.com/dotscope/dotscope/internal/server"
	"github.com/dotscope/dotscope/internal/store"
)

func main() {
	bootstrap := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Configuration invalid")
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogConfig(log)

	st, err := store.Open(cfg.DatabaseURL, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Database open failed")
	}
	if err := st.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Migration failed, refusing to serve")
	}

	pool, err := chain.NewPool(cfg.RPCEndpoint, config.MaxConcurrentConnections, cfg.ConnectionTimeout(), log)
	if err != nil {
		log.Fatal().Err(err).Str("endpoint", cfg.RPCEndpoint).Msg("Chain connection failed")
	}
	defer pool.Close()

	decoder := chain.NewDecoder(log)
	fetcher := chain.NewFetcher(pool, decoder, log)
	staking := chain.NewStaking(pool, log)

	eventBus := bus.New()
	subscriber := chain.NewSubscriber(pool, eventBus, log)
	ix := indexer.New(st, fetcher, eventBus, log)
	resultCache := cache.New(log)
	liveHub := hub.New(log)
	engine := query.NewEngine(st, fetcher, pool, staking, cfg, log)

	srv := server.New(cfg, engine, st, pool, subscriber, resultCache, liveHub, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go subscriber.Run(ctx)
	go ix.Run(ctx)
	go resultCache.Run(ctx)
	go liveHub.Run(ctx, eventBus)

	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("HTTP server failed")
	}
	log.Info().Msg("Shutdown complete")
}
