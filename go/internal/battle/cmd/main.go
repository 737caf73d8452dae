package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/statclash/go/internal/battle/gateway"
	"github.com/mcdev12/statclash/go/internal/battle/natsbridge"
	"github.com/mcdev12/statclash/go/internal/battle/session"
	"github.com/mcdev12/statclash/go/internal/battleconfig"
)

func main() {
	configPath := flag.String("config", os.Getenv("STATCLASH_CONFIG"), "path to a YAML config file")
	flag.Parse()

	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := battleconfig.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	} else {
		log.Warn().Str("log_level", cfg.LogLevel).Msg("unknown log level, keeping info")
	}

	log.Info().
		Str("addr", cfg.Server.Addr).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Int("selection_seconds", cfg.Match.SelectionSeconds).
		Int("cooldown_seconds", cfg.Match.CooldownSeconds).
		Int("points_to_win", cfg.Match.PointsToWin).
		Msg("starting statclash server")

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var opts []session.Option
	if cfg.NATS.Enabled {
		nc, err := natsbridge.Connect(cfg.NATS.URL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer nc.Close()
		if err := natsbridge.EnsureStream(ctx, nc); err != nil {
			log.Warn().Err(err).Msg("JetStream unavailable, publishing without retention")
		}
		opts = append(opts, session.WithNATS(nc))
	}

	clock := clockwork.NewRealClock()
	registry := session.NewRegistry(ctx, cfg.Match, clock, opts...)
	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig(), clock)
	go cm.Start(ctx)

	server := gateway.NewServer(cfg.Server.Addr, cfg.Server.AllowedOrigins, gateway.NewHandler(registry, cm))
	server.ReadHeaderTimeout = 10 * time.Second
	server.IdleTimeout = 120 * time.Second

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	registry.Close()
	cancel()

	log.Info().Msg("statclash shutdown complete")
}
