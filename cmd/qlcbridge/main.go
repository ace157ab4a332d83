package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/lawnchairsociety/qlcbridge/internal/config"
	"github.com/lawnchairsociety/qlcbridge/internal/database"
	"github.com/lawnchairsociety/qlcbridge/internal/dispatch"
	"github.com/lawnchairsociety/qlcbridge/internal/logger"
	"github.com/lawnchairsociety/qlcbridge/internal/poller"
	"github.com/lawnchairsociety/qlcbridge/internal/qlc"
	"github.com/lawnchairsociety/qlcbridge/internal/server"
)

func main() {
	configFile := flag.String("config", "data/qlcbridge.yaml", "Path to bridge config YAML file")
	listen := flag.String("listen", "", "Override api.listen (e.g. :8484)")
	flag.Parse()

	// Initialize logger first (before any logging); its block lives in the same file
	logConfig, _ := logger.LoadConfig(*configFile)
	if err := logger.Initialize(logConfig); err != nil {
		log.Printf("Failed to initialize file logging: %v", err)
	}

	logger.Info("Starting QLC+ bridge")

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	var store poller.Store
	if cfg.Database.Enabled() {
		db, err := database.OpenWithConfig(cfg.Database)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()
		store = db
		logger.Info("Snapshot store initialized", "driver", cfg.Database.Driver)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := dispatch.NewRegistry()
	var clients []*qlc.Client
	var pollers []*poller.Poller
	backoff := poller.Backoff{
		After: cfg.Poll.BackoffAfter,
		Base:  time.Duration(cfg.Poll.BackoffSeconds) * time.Second,
		Max:   time.Duration(cfg.Poll.MaxBackoffSeconds) * time.Second,
	}

	for _, inst := range cfg.Instances {
		client, err := qlc.NewClient(inst.Endpoint())
		if err != nil {
			log.Fatalf("Failed to create client for %q: %v", inst.Name, err)
		}
		clients = append(clients, client)
		registry.Register(inst.Name, client)

		opts := []poller.Option{poller.WithInterval(cfg.Poll.Interval()), poller.WithBackoff(backoff)}
		if store != nil {
			opts = append(opts, poller.WithStore(store))
		}
		p := poller.New(inst.Name, client, opts...)
		if err := p.Seed(ctx); err != nil && !errors.Is(err, database.ErrSnapshotNotFound) {
			logger.Warning("Failed to seed snapshot", "instance", inst.Name, "error", err)
		}
		pollers = append(pollers, p)

		logger.Info("QLC+ instance registered",
			"instance", inst.Name,
			"url", client.Endpoint().URL(),
			"timeout", client.Endpoint().Timeout)
	}

	var wg sync.WaitGroup
	for _, p := range pollers {
		wg.Add(1)
		go func(p *poller.Poller) {
			defer wg.Done()
			p.Run(ctx)
		}(p)
	}

	var srv *server.Server
	if cfg.API.Listen != "" {
		srv, err = server.NewServer(cfg.API, registry, pollers...)
		if err != nil {
			log.Fatalf("Failed to create API server: %v", err)
		}
		if len(cfg.API.AllowedOrigins) == 0 {
			logger.Info("WebSocket CORS policy", "mode", "same-origin")
		} else if len(cfg.API.AllowedOrigins) == 1 && cfg.API.AllowedOrigins[0] == "*" {
			logger.Warning("WebSocket CORS allows all origins (not recommended for production)")
		} else {
			logger.Info("WebSocket CORS policy", "allowed_origins", cfg.API.AllowedOrigins)
		}
		if cfg.API.TokenHash == "" {
			logger.Warning("API token not configured, commands are accepted without authentication")
		}

		go func() {
			if err := srv.ListenAndServe(); err != nil {
				log.Fatalf("API server error: %v", err)
			}
		}()
	}

	logger.Info("QLC+ bridge running", "instances", len(cfg.Instances), "api", cfg.API.Listen)
	logger.Info("Press Ctrl+C to shutdown")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down bridge")
	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warning("API server shutdown incomplete", "error", err)
		}
		shutdownCancel()
	}
	cancel()
	wg.Wait()
	for _, c := range clients {
		c.Disconnect()
	}
	logger.Info("Bridge stopped")
}
