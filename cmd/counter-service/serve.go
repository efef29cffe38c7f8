package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"ms-counters/internal/cache"
	"ms-counters/internal/counters/counter_api"
	"ms-counters/internal/counters/service"
	"ms-counters/internal/kafka"
	"ms-counters/internal/sse"

	"github.com/spf13/cobra"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API with SSE and WebSocket streams",
		Example: `  # PostgreSQL from POSTGRES_DSN or DB_* variables
  counter-service serve

  # Local SQLite file, custom port
  counter-service serve --sqlite counters.db --port 8080`,
		RunE: runServe,
	}
	cmd.Flags().String("port", "", "Listen port, overrides PORT")
	cmd.Flags().String("sqlite", "", "Use a SQLite file instead of PostgreSQL")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log := loadConfig()
	defer log.Close()

	if port, _ := cmd.Flags().GetString("port"); port != "" {
		cfg.Server.Port = ":" + port
	}
	if path, _ := cmd.Flags().GetString("sqlite"); path != "" {
		cfg.Database.SQLitePath = path
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("APP", "Starting counter service")

	store, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer store.Bun.Close()

	registry := sse.NewRegistry(log)
	dispatcher := sse.NewDispatcher(registry, log)

	var opts []service.Option
	if cfg.Redis.CacheEnabled && cfg.Redis.Addr != "" {
		client, err := cache.Connect(cfg.Redis.Addr, log)
		if err != nil {
			log.Warn("CACHE", fmt.Sprintf("Snapshot cache disabled: %v", err))
		} else {
			defer client.Close()
			opts = append(opts, service.WithSnapshotCache(cache.NewSnapshotCache(client, cfg.Redis.CacheTTL, log)))
		}
	}

	if cfg.Kafka.Enabled {
		if err := kafka.EnsureTopicsExist(ctx, cfg.Kafka.Brokers, []string{cfg.Kafka.Topic}, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer producer.Close()
		opts = append(opts, service.WithChangeFeed(producer))
		log.Info("KAFKA", fmt.Sprintf("Change feed enabled on topic %s", cfg.Kafka.Topic))
	}

	svc := service.New(store, dispatcher, log, opts...)
	handler := counter_api.NewHandler(svc, dispatcher, log, cfg.Stream, cfg.Server.AllowedOrigins)

	server := &http.Server{
		Addr:        cfg.Server.Port,
		Handler:     counter_api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout: cfg.Server.ReadTimeout,
		IdleTimeout: cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP", fmt.Sprintf("Counter service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		registry.Close()
		return fmt.Errorf("http server error: %w", err)
	case <-ctx.Done():
	}

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")

	// streams never finish on their own, end them before draining
	registry.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server shutdown failed: %v", err))
		return err
	}
	log.Info("HTTP", "Counter service shutdown complete")
	return nil
}
