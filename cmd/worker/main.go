// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

// Package main is the stream worker.
//
// Each worker process joins the shared consumer group under a unique
// consumer identity, reads events off the stream, batches them, and bulk
// inserts them into the event store. Scale horizontally by running more
// worker processes; the consumer group partitions entries between them
// and reclaims work from dead consumers automatically.
//
// Shutdown: the first SIGINT/SIGTERM drains the in-memory batch and
// exits; a second signal forces immediate exit.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/lausan029/event-processor/internal/config"
	"github.com/lausan029/event-processor/internal/counters"
	"github.com/lausan029/event-processor/internal/logging"
	"github.com/lausan029/event-processor/internal/store"
	"github.com/lausan029/event-processor/internal/stream"
	"github.com/lausan029/event-processor/internal/supervisor"
	"github.com/lausan029/event-processor/internal/worker"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts, err := redis.ParseURL(cfg.Stream.URL)
	if err != nil {
		logging.Fatal().Err(err).Msg("Invalid stream backend url")
	}
	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()
	if err := client.Ping(ctx).Err(); err != nil {
		logging.Fatal().Err(err).Msg("Failed to connect to stream backend")
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

	eventStream := stream.New(client, cfg.Stream.Key, cfg.Stream.Group)
	w := worker.New(
		eventStream,
		eventStore,
		store.NewDLQ(eventStore.Pool()),
		counters.New(client),
		worker.Config{
			Consumer:        cfg.Worker.ConsumerName,
			BatchSize:       cfg.Worker.BatchSize,
			BatchTimeout:    cfg.Worker.BatchTimeout,
			ReadCount:       cfg.Worker.ReadCount,
			BlockTimeout:    cfg.Worker.BlockTimeout,
			ClaimInterval:   cfg.Worker.ClaimInterval,
			StaleAge:        cfg.Worker.StaleAge,
			AckTimeout:      cfg.Worker.AckTimeout,
			ShutdownTimeout: cfg.Worker.ShutdownTimeout,
		},
	)

	logging.Info().
		Str("consumer", w.Consumer()).
		Str("stream_key", cfg.Stream.Key).
		Str("group", cfg.Stream.Group).
		Msg("Starting stream worker")

	tree := supervisor.NewTree("event-processor-worker", logging.NewSlogLogger(),
		supervisor.DefaultTreeConfig())
	tree.AddPipelineService(w)

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

	stats := w.Stats()
	logging.Info().
		Str("consumer", w.Consumer()).
		Int64("processed", stats.Processed).
		Int64("dead_lettered", stats.DeadLettered).
		Msg("Stream worker stopped")
}
