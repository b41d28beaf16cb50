package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nats-io/nats.go"

	"github.com/aigoflow/arena/internal/backend"
	"github.com/aigoflow/arena/internal/config"
	"github.com/aigoflow/arena/internal/repository"
	"github.com/aigoflow/arena/internal/services"
	"github.com/aigoflow/arena/internal/store"
	"github.com/aigoflow/arena/pkg/server"
)

func main() {
	var (
		envFile      = flag.String("env", "", "Optional .env file to load")
		profile      = flag.String("config", "", "Optional YAML config profile")
		enableNATS   = flag.Bool("nats", false, "Also serve stream requests and session channels over NATS")
		echo         = flag.Bool("echo", false, "Echo user messages instead of calling an upstream model")
		dbOverride   = flag.String("db", "", "Database path (overrides DB_PATH)")
		addrOverride = flag.String("addr", "", "Listen address (overrides HTTP_ADDR)")
	)
	flag.Parse()

	cfg, err := config.Load(*envFile, *profile)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if *dbOverride != "" {
		cfg.DBPath = *dbOverride
	}
	if *addrOverride != "" {
		cfg.HTTPAddr = *addrOverride
	}

	// Setup structured logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	// Initialize database
	_ = os.MkdirAll(filepath.Dir(cfg.DBPath), 0755)
	db, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	db.Event("info", "startup", "Backend starting", map[string]interface{}{
		"http_addr": cfg.HTTPAddr,
		"db_path":   cfg.DBPath,
		"nats":      *enableNATS,
	})

	repo := repository.NewSQLiteRepository(db)

	var gen backend.Generator
	provider := "openai"
	if *echo || cfg.OpenAIAPIKey == "" {
		slog.Info("Using echo generator")
		gen = &backend.EchoGenerator{}
		provider = "echo"
	} else {
		slog.Info("Using OpenAI generator", "base_url", cfg.OpenAIBaseURL)
		gen = backend.NewOpenAIGenerator(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	}

	monitor := backend.NewMonitor(0, logger)
	streamer := backend.NewStreamer(repo, gen, monitor, logger)
	catalog := backend.Catalog(provider, cfg.ModelA, cfg.ModelB)

	httpServer := server.NewServer(cfg.HTTPAddr,
		backend.NewHandlers(streamer, repo, monitor, cfg.ServerToken, catalog, logger),
		backend.NewSocketHandler(repo, monitor, cfg.ServerToken, logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := httpServer.Start(ctx); err != nil {
			db.Event("error", "http.failed", "HTTP server failed", map[string]interface{}{
				"error": err.Error(),
			})
			slog.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	if *enableNATS {
		opts := []nats.Option{nats.Name("arenad")}
		if cfg.ServerToken != "" {
			opts = append(opts, nats.Token(cfg.ServerToken))
		}
		nc, err := nats.Connect(cfg.NatsURL, opts...)
		if err != nil {
			db.Event("error", "nats.failed", "NATS connection failed", map[string]interface{}{
				"nats_url": cfg.NatsURL,
				"error":    err.Error(),
			})
			slog.Error("Failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer nc.Close()

		responder := backend.NewResponder(nc, cfg.NatsPrefix, streamer, repo, monitor, logger)
		go func() {
			if err := responder.Start(ctx); err != nil {
				slog.Error("NATS responder failed", "error", err)
			}
		}()
	}

	retention := services.NewRetentionJob(repo, cfg.Retention, cfg.RetentionSchedule, logger)
	go func() {
		if err := retention.Start(ctx); err != nil {
			slog.Error("Retention job failed", "error", err)
		}
	}()

	db.Event("info", "server.ready", "Backend ready to accept requests", map[string]interface{}{
		"http_addr": cfg.HTTPAddr,
		"nats":      *enableNATS,
	})

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	slog.Info("Shutting down backend")
	db.Event("info", "shutdown", "Backend stopping", nil)
}
