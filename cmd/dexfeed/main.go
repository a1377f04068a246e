package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-dexfeed/internal/config"
	"github.com/rovshanmuradov/solana-dexfeed/internal/dex"
	"github.com/rovshanmuradov/solana-dexfeed/internal/eventlistener"
	"github.com/rovshanmuradov/solana-dexfeed/internal/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "path to the configuration file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// Logger is not up yet; fall back to a development logger.
		fallback, _ := zap.NewDevelopment()
		fallback.Fatal("Failed to load configuration", zap.Error(err))
	}

	logCfg := logger.DefaultConfig()
	logCfg.LogFile = cfg.LogFile
	logCfg.Development = cfg.DebugLogging
	log, err := logger.New(logCfg)
	if err != nil {
		fallback, _ := zap.NewDevelopment()
		fallback.Fatal("Failed to initialize logger", zap.Error(err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("Starting DEX feed engine",
		zap.String("config", *configPath),
		zap.Int("monitored_dexes", len(cfg.Programs)))

	listener, err := eventlistener.New(cfg, log.Logger)
	if err != nil {
		log.Fatal("Failed to initialize listener", zap.Error(err))
	}

	listener.SetCallback(func(ev *dex.SwapEvent) {
		log.Debug("Swap event",
			zap.String("dex", ev.DEX),
			zap.String("type", string(ev.Type)),
			zap.String("mint", ev.Mint),
			zap.Float64("price_sol", ev.PriceSOL),
			zap.Float64("confidence", ev.Confidence))
	})

	if err := listener.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("Listener terminated", zap.Error(err))
	}

	snap := listener.Metrics()
	log.Info("Shutdown complete",
		zap.Uint64("events_emitted", snap.EventsEmitted),
		zap.Uint64("connection_attempts", snap.ConnectionAttempts),
		zap.Uint64("frames_dropped", snap.FramesDropped))
}
