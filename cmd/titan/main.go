package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vegas-max/titan/internal/bus"
	"github.com/vegas-max/titan/internal/chains"
	"github.com/vegas-max/titan/internal/executor"
	"github.com/vegas-max/titan/internal/oracle"
	"github.com/vegas-max/titan/internal/pricing"
	"github.com/vegas-max/titan/internal/profit"
	"github.com/vegas-max/titan/internal/registry"
	"github.com/vegas-max/titan/internal/scanner"
	"github.com/vegas-max/titan/internal/supervisor"
	"github.com/vegas-max/titan/pkg/config"
	"github.com/vegas-max/titan/pkg/logger"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logg := logger.NewLogger(cfg.Logging)
	defer logg.Sync()

	logg.Info("Starting titan",
		zap.String("mode", string(cfg.Engine.Mode)),
		zap.Int("chains", len(cfg.Chains)))

	reg, err := registry.Load(cfg.Engine.RegistryPath)
	if err != nil {
		logg.Fatal("Failed to load registry", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bootCtx, bootCancel := context.WithTimeout(ctx, 30*time.Second)
	pool, err := chains.NewPool(bootCtx, logg, cfg.Chains)
	bootCancel()
	if err != nil {
		logg.Fatal("Failed to initialize chain clients", zap.Error(err))
	}

	signalBus, err := bus.New(logg, cfg.Bus, cfg.Redis)
	if err != nil {
		pool.Close()
		logg.Fatal("Failed to initialize signal bus", zap.Error(err))
	}

	priceOracle := oracle.NewHTTPOracle(logg, cfg.Oracle)
	canonicalIDs := make(map[string]bool)
	for _, token := range reg.Tokens() {
		canonicalIDs[token.CanonicalID] = true
	}
	var ids []string
	for id := range canonicalIDs {
		ids = append(ids, id)
	}
	priceOracle.Start(ctx, ids)

	cache := pricing.NewStateCache()
	pricer := pricing.NewPricer(logg, cache)
	fetcher := pricing.NewStateFetcher(logg, cache)

	profits := profit.NewEngine(profit.Config{
		MinProfitUSD: cfg.Engine.MinProfitUSD,
		SlippageBps:  cfg.Engine.SlippageBps,
	}, priceOracle)

	records := executor.NewRecordStore()

	var relay executor.PrivateRelay
	if cfg.Engine.PrivateRelayURL != "" {
		relay = executor.NewHTTPRelay(logg, cfg.Engine.PrivateRelayURL)
	}

	engine, err := executor.New(logg, cfg.Engine, reg, pool, profits, priceOracle, signalBus, records, relay)
	if err != nil {
		pool.Close()
		logg.Fatal("Failed to initialize execution engine", zap.Error(err))
	}

	bridge := &scanner.FlatFeeBridgeRouter{
		FeeBps: decimal.NewFromInt(4),
		Label:  "canonical-bridge",
	}
	scan := scanner.New(logg, cfg.Engine, reg, pool, pricer, fetcher, profits, signalBus, priceOracle, bridge)

	sup := supervisor.New(logg, cfg.Metrics, cfg.Engine, cfg.Chains, pool, signalBus, priceOracle, records, scan, engine)
	scan.SetObserver(sup)
	engine.SetObserver(sup)

	// startup order: pool probes, supervisor, engine, scanner last
	pool.Start(ctx)
	if err := sup.Start(ctx); err != nil {
		pool.Close()
		logg.Fatal("Failed to start supervisor", zap.Error(err))
	}
	engine.Start(ctx)
	scan.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logg.Info("Shutting down", zap.String("signal", sig.String()))

	// shutdown order: scanner stops scheduling, engine drains in-flight
	// signals, then the bus and the chain pool close last
	scan.Stop()
	engine.Stop()
	priceOracle.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	sup.Stop(shutdownCtx)
	shutdownCancel()

	if err := signalBus.Close(); err != nil {
		logg.Warn("Bus close failed", zap.Error(err))
	}
	pool.Close()
	cancel()

	logg.Info("Shutdown complete")
}
