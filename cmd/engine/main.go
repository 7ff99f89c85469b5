package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"cross-arb-bot-go/internal/config"
	"cross-arb-bot-go/internal/engine"
	"cross-arb-bot-go/internal/exchange"
	"cross-arb-bot-go/internal/history"
	"cross-arb-bot-go/internal/logger"
	"cross-arb-bot-go/internal/notify"
	"cross-arb-bot-go/internal/wsfeed"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded",
		zap.Int("exchanges", len(cfg.Exchanges)),
		zap.Int("pairs", len(cfg.Trading.Pairs)),
		zap.Bool("dry_run", cfg.Trading.DryRun))

	// Initialize trade history store
	store, err := history.NewStore(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	bus := engine.NewBus(256)
	factory := exchange.NewRestFactory(cfg.Exchanges, cfg.Strategy.Advanced.MaxRetries, log)
	arb := engine.New(log, &cfg, factory, bus, store)

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	// Event feed and metrics server
	hub := wsfeed.NewHub(log)
	go hub.Forward(ctx, bus.Subscribe())

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/ws", hub)
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": arb.Status(),
			"stats":  arb.GetTodayStats(),
		})
	})
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: mux,
	}
	go func() {
		log.Info("Metrics and event feed server listening", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", zap.Error(err))
		}
	}()

	// Optional Telegram notifications
	if cfg.Telegram.Enabled {
		notifier, err := notify.NewTelegramNotifier(log, cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err != nil {
			log.Error("Telegram notifier unavailable", zap.Error(err))
		} else {
			go notifier.Run(ctx, bus.Subscribe())
		}
	}

	// Start the arbitrage engine
	startCtx, startCancel := context.WithTimeout(ctx, 60*time.Second)
	err = arb.Start(startCtx)
	startCancel()
	if err != nil {
		log.Fatal("Engine failed to start", zap.Error(err))
	}

	<-ctx.Done()

	if err := arb.Stop(); err != nil {
		log.Error("Engine stop failed", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	srv.Shutdown(shutdownCtx)
	shutdownCancel()
	bus.Close()

	log.Info("Bot has been shut down.")
}
