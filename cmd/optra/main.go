package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"optra/api"
	"optra/broker"
	"optra/config"
	"optra/db"
	"optra/engine"
	"optra/featureflag"
	"optra/order"
)

// checkTradingMode rejects configurations this binary cannot honor. Only the
// paper broker is wired, so a live configuration must refuse to start rather
// than silently simulate fills.
func checkTradingMode(cfg *config.Config) error {
	if !cfg.PaperTrading {
		return errors.New("live trading is not supported: no live broker adapter is configured, set paper_trading to true")
	}
	return nil
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.json", "path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := log.New(os.Stdout, "[OPTRA] ", log.LstdFlags)
	if err := checkTradingMode(cfg); err != nil {
		log.Fatalf("%v", err)
	}
	logger.Println("paper trading mode, no real orders will be placed")

	flags := featureflag.NewRuntimeFlags(featureflag.DefaultState())
	paper := broker.NewPaperBroker()

	var store order.Store
	var pgStore *db.OrderStorePG
	if cfg.DatabaseURL != "" {
		pgStore, err = db.NewOrderStorePG(cfg.DatabaseURL)
		if err != nil {
			logger.Printf("postgres unavailable (%v), falling back to in-memory order store", err)
		}
	}
	if pgStore != nil {
		pgStore.SetFlags(flags)
		store = pgStore
	} else {
		store = order.NewMemoryStore()
	}

	eng, err := engine.New(cfg, engine.Deps{
		Client:     paper,
		MarketData: paper,
		Store:      store,
		Flags:      flags,
	})
	if err != nil {
		log.Fatalf("init engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Println("shutdown signal received, stopping")
		cancel()
	}()

	eng.Start(ctx)

	srv := api.NewServer(eng, cfg.APIServerPort)
	if err := srv.Start(ctx); err != nil {
		logger.Printf("api server: %v", err)
	}

	eng.Stop()
	if pgStore != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := pgStore.Close(closeCtx); err != nil {
			logger.Printf("close order store: %v", err)
		}
		closeCancel()
	}
	logger.Println("stopped")
}
