package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-core/internal/api"
	"signal-core/internal/bot"
	"signal-core/internal/engine"
	"signal-core/internal/events"
	"signal-core/internal/gateway"
	"signal-core/internal/ledger"
	"signal-core/internal/monitor"
	"signal-core/internal/notify"
	"signal-core/internal/persistence"
	"signal-core/internal/reconciliation"
	"signal-core/internal/vault"
	"signal-core/pkg/broker/paper"
	"signal-core/pkg/config"
	"signal-core/pkg/crypto"
	"signal-core/pkg/db"
	"signal-core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	lg, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = lg.Sync() }()

	version := os.Getenv("APP_VERSION")
	if version == "" {
		version = "dev"
	}
	lg.Info("starting signal-core",
		zap.String("version", version),
		zap.String("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
		zap.Bool("dry_run", cfg.DryRun),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		lg.Fatal("open database", zap.Error(err))
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		lg.Fatal("apply migrations", zap.Error(err))
	}

	// Credential vault
	keys, err := loadKeys(cfg, lg)
	if err != nil {
		lg.Fatal("load encryption keys", zap.Error(err))
	}
	creds := vault.New(database, keys, lg.Named("vault"))

	// Broker pool
	brokers := gateway.NewManager(creds, gateway.NewFactory(gateway.FactoryConfig{
		AlpacaBaseURL:  cfg.AlpacaBaseURL,
		AlpacaDataURL:  cfg.AlpacaDataURL,
		Timeout:        cfg.BrokerTimeout,
		RateLimit:      cfg.BrokerRateLimit,
		BinanceTestnet: cfg.BinanceTestnet,
		DryRun:         cfg.DryRun,
		Paper: paper.Config{
			InitialEquity: decimal.NewFromFloat(cfg.PaperEquity),
			SlippageBps:   cfg.PaperSlippageBps,
			LatencyMax:    time.Duration(cfg.PaperLatencyMs) * time.Millisecond,
		},
	}, lg.Named("broker")), gateway.DefaultConfig(), lg.Named("gateway"))
	creds.OnChange = brokers.Invalidate
	brokers.Start(ctx)
	defer brokers.Stop()

	// Bots, seeded from the YAML file when configured
	bots := bot.NewStore(database)
	if cfg.BotsFile != "" {
		seeds, err := bot.LoadSeed(cfg.BotsFile)
		if err != nil {
			lg.Fatal("load bot seed", zap.String("file", cfg.BotsFile), zap.Error(err))
		}
		if err := bot.SyncSeed(ctx, bots, seeds); err != nil {
			lg.Fatal("sync bot seed", zap.Error(err))
		}
		lg.Info("bot seed applied", zap.Int("bots", len(seeds)))
	}

	trades := ledger.New(database)
	bus := events.NewBus()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := monitor.NewMetrics(registry)

	poll := engine.PollPolicy{MaxAttempts: cfg.PollMaxAttempts, Interval: cfg.PollInterval}
	eng := engine.New(bots, trades, brokers, engine.Options{
		Poll:      poll,
		Tolerance: decimal.NewFromFloat(cfg.ReconcileTolerance),
		Location:  cfg.Location(),
		Bus:       bus,
		Metrics:   metrics,
	}, lg.Named("engine"))

	// Out-of-band resolution of orders that outlived their poll budget
	sweeper := reconciliation.NewSweeper(trades, eng, cfg.SweepInterval, eng.PollPolicy().Budget(), lg.Named("sweeper"))
	sweeper.Start(ctx)

	// Operator alerts
	var notifier notify.Notifier = notify.LogNotifier{Logger: lg.Named("alerts")}
	if cfg.TelegramToken != "" {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID, lg.Named("telegram"))
		if err != nil {
			lg.Error("telegram disabled", zap.Error(err))
		} else {
			notifier = tg
		}
	}
	monitorDone := monitor.New(bus, notifier, metrics, lg.Named("monitor")).Start(ctx)

	// Pool gauges
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				metrics.SetGatewayStats(brokers.Stats())
			}
		}
	}()

	batch := persistence.NewBatchWriter(database, 50, 500*time.Millisecond, lg.Named("batch"))

	server := api.NewServer(api.Deps{
		Engine:   eng,
		Bots:     bots,
		Ledger:   trades,
		Tokens:   api.NewTokenStore(database, batch),
		Bus:      bus,
		Pool:     brokers,
		Batch:    batch,
		Metrics:  metrics,
		Gatherer: registry,
	}, api.Options{
		JWTSecret:      cfg.JWTSecret,
		RateLimit:      cfg.WebhookRateLimit,
		RateBurst:      cfg.WebhookRateBurst,
		RequestTimeout: cfg.RequestTimeout,
		Location:       cfg.Location(),
		Version:        version,
		DryRun:         cfg.DryRun,
	}, lg.Named("api"))
	server.StartLimiterCleanup(ctx, 5*time.Minute)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		lg.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("http server", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	lg.Info("shutting down")

	// In-flight webhooks finish their cycle before background loops stop.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.RequestTimeout+5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		lg.Error("http shutdown", zap.Error(err))
	}
	cancel()
	<-monitorDone
	if err := batch.Close(); err != nil {
		lg.Error("batch writer close", zap.Error(err))
	}
	lg.Info("stopped")
}

// loadKeys builds the vault key manager. A dry run without configured keys
// gets an ephemeral key, so stored credentials do not survive a restart.
func loadKeys(cfg *config.Config, lg *zap.Logger) (*crypto.KeyManager, error) {
	encoded := cfg.EncryptionKeys
	if len(encoded) == 0 && cfg.DryRun {
		key, err := crypto.GenerateKey()
		if err != nil {
			return nil, err
		}
		lg.Warn("MASTER_ENCRYPTION_KEY not set; using an ephemeral key for this dry run")
		encoded = map[int]string{1: key}
	}
	return crypto.NewKeyManager(encoded)
}
