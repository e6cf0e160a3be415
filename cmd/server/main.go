// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

// Package main is the ingest API server.
//
// The server accepts events over HTTP, deduplicates them, and appends
// them to the event stream. It is stateless: run as many replicas as the
// ingest load needs behind any load balancer.
//
// Startup order:
//
//  1. Configuration: Koanf v2 layered sources (defaults, YAML file, env)
//  2. Stream backend: Redis connection, consumer group ensured
//  3. Event store: PostgreSQL pool, idempotent schema migration
//  4. HTTP server: chi router under suture supervision
//
// Shutdown: the first SIGINT/SIGTERM starts a graceful drain; a second
// signal forces immediate exit.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/lausan029/event-processor/internal/api"
	"github.com/lausan029/event-processor/internal/config"
	"github.com/lausan029/event-processor/internal/counters"
	"github.com/lausan029/event-processor/internal/dedup"
	"github.com/lausan029/event-processor/internal/ingest"
	"github.com/lausan029/event-processor/internal/logging"
	"github.com/lausan029/event-processor/internal/store"
	"github.com/lausan029/event-processor/internal/stream"
	"github.com/lausan029/event-processor/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("stream_key", cfg.Stream.Key).
		Str("group", cfg.Stream.Group).
		Int("port", cfg.Server.Port).
		Msg("Starting ingest API server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streamClient, err := newRedisClient(ctx, cfg.Stream.URL)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to stream backend")
	}
	defer func() { _ = streamClient.Close() }()

	dedupClient := streamClient
	if cfg.DedupURL() != cfg.Stream.URL {
		dedupClient, err = newRedisClient(ctx, cfg.DedupURL())
		if err != nil {
			logging.Fatal().Err(err).Msg("Failed to connect to dedup backend")
		}
		defer func() { _ = dedupClient.Close() }()
	}

	eventStream := stream.New(streamClient, cfg.Stream.Key, cfg.Stream.Group)
	if err := eventStream.EnsureGroup(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to ensure consumer group")
	}

	eventStore, err := store.Connect(ctx, cfg.EventStore.URL, store.Options{
		BulkInsertTimeout: cfg.EventStore.BulkInsertTimeout,
	})
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to event store")
	}
	defer eventStore.Close()

	if err := store.Migrate(ctx, eventStore.Pool()); err != nil {
		logging.Fatal().Err(err).Msg("Failed to migrate event store schema")
	}
	logging.Info().Msg("Event store ready")

	svc := ingest.New(
		dedup.New(dedupClient, cfg.Dedup.TTL),
		eventStream,
		counters.New(dedupClient),
	)
	handler := api.NewHandler(svc, counters.New(dedupClient), eventStream,
		store.NewDLQ(eventStore.Pool()), eventStore, cfg.Server.MaxBatchEvents)

	creds := store.NewCredentialStore(eventStore.Pool())
	router := api.NewRouter(handler, creds, api.RouterConfig{
		RateLimitReqs:   cfg.Server.RateLimitReqs,
		RateLimitWindow: cfg.Server.RateLimitWindow,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	tree := supervisor.NewTree("event-processor-api", logging.NewSlogLogger(),
		supervisor.DefaultTreeConfig())
	tree.AddAPIService(supervisor.NewHTTPService(httpServer, 0))

	errCh := tree.ServeBackground(ctx)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logging.Info().Str("signal", sig.String()).Msg("Shutting down")
		cancel()
		select {
		case <-errCh:
		case sig := <-sigCh:
			logging.Warn().Str("signal", sig.String()).Msg("Forced exit")
			os.Exit(1)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Fatal().Err(err).Msg("Supervisor tree failed")
		}
	}

	logging.Info().Msg("Ingest API server stopped")
}

// newRedisClient connects and verifies a Redis backend.
func newRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
