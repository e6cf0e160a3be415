// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

// Package config provides layered configuration for the ingest API and the
// stream worker: built-in defaults, an optional YAML file, and environment
// variables, in increasing order of precedence.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration shared by both binaries.
type Config struct {
	Server          ServerConfig          `koanf:"server"`
	Stream          StreamConfig          `koanf:"stream"`
	Dedup           DedupConfig           `koanf:"dedup"`
	EventStore      EventStoreConfig      `koanf:"eventstore"`
	CredentialStore CredentialStoreConfig `koanf:"credential_store"`
	Worker          WorkerConfig          `koanf:"worker"`
	Logging         LoggingConfig         `koanf:"logging"`
}

// ServerConfig holds the ingest HTTP API settings.
type ServerConfig struct {
	Port int    `koanf:"port"`
	Host string `koanf:"host"`

	// ReadTimeout / WriteTimeout bound slow clients; the ingest fast path
	// itself is budgeted at 50 ms p95.
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// MaxBatchEvents is the upper bound on events per batch request.
	MaxBatchEvents int `koanf:"max_batch_events"`

	// RateLimitReqs requests per RateLimitWindow per client IP. Zero
	// disables rate limiting.
	RateLimitReqs   int           `koanf:"rate_limit_reqs"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
}

// StreamConfig holds the event stream backend settings.
type StreamConfig struct {
	// URL is the Redis connection URL for the stream backend.
	URL string `koanf:"url"`

	// Key is the stream key holding the append-only event log.
	Key string `koanf:"key"`

	// Group is the consumer group all workers join.
	Group string `koanf:"group"`
}

// DedupConfig holds the dedup index settings. The dedup backend is often
// the same Redis instance as the stream; URL may be left empty to reuse it.
type DedupConfig struct {
	URL string `koanf:"url"`

	// TTL is the dedup window: how long an event_id is recognized as a
	// duplicate after first accept.
	TTL time.Duration `koanf:"ttl"`

	// OpTimeout bounds each dedup round-trip.
	OpTimeout time.Duration `koanf:"op_timeout"`
}

// EventStoreConfig holds the document store settings.
type EventStoreConfig struct {
	URL      string `koanf:"url"`
	Database string `koanf:"database"`

	// BulkInsertTimeout bounds a single bulk write.
	BulkInsertTimeout time.Duration `koanf:"bulk_insert_timeout"`
}

// CredentialStoreConfig holds the API-key master data store settings.
type CredentialStoreConfig struct {
	URL string `koanf:"url"`
}

// WorkerConfig holds the stream worker loop tunables.
type WorkerConfig struct {
	// ConsumerName overrides the auto-generated consumer identity.
	// Leave empty for worker-<hostname>-<pid>-<random>.
	ConsumerName string `koanf:"consumer_name"`

	// BatchSize is the flush threshold for the in-worker buffer.
	BatchSize int `koanf:"batch_size"`

	// BatchTimeout flushes a non-empty buffer that has not reached
	// BatchSize.
	BatchTimeout time.Duration `koanf:"batch_timeout"`

	// ReadCount is the max entries fetched per ReadGroup call.
	ReadCount int `koanf:"read_count"`

	// BlockTimeout is how long ReadGroup blocks on an empty stream.
	BlockTimeout time.Duration `koanf:"block_timeout"`

	// ClaimInterval is how often the worker scans for stale pending
	// entries owned by dead consumers.
	ClaimInterval time.Duration `koanf:"claim_interval"`

	// StaleAge is the minimum idle time before a pending entry is
	// reclaimed from another consumer.
	StaleAge time.Duration `koanf:"stale_age"`

	// AckTimeout bounds a single acknowledge round-trip.
	AckTimeout time.Duration `koanf:"ack_timeout"`

	// ShutdownTimeout is the graceful stop envelope.
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks cross-field constraints that the koanf layer cannot.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Stream.URL == "" {
		return fmt.Errorf("stream.url is required")
	}
	if c.Stream.Key == "" {
		return fmt.Errorf("stream.key is required")
	}
	if c.Stream.Group == "" {
		return fmt.Errorf("stream.group is required")
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be positive")
	}
	if c.Worker.ReadCount <= 0 {
		return fmt.Errorf("worker.read_count must be positive")
	}
	if c.Worker.BatchTimeout <= 0 {
		return fmt.Errorf("worker.batch_timeout must be positive")
	}
	if c.Dedup.TTL <= 0 {
		return fmt.Errorf("dedup.ttl must be positive")
	}
	if c.Server.MaxBatchEvents <= 0 {
		return fmt.Errorf("server.max_batch_events must be positive")
	}
	return nil
}

// DedupURL returns the dedup backend URL, falling back to the stream
// backend when unset (the common single-Redis deployment).
func (c *Config) DedupURL() string {
	if c.Dedup.URL != "" {
		return c.Dedup.URL
	}
	return c.Stream.URL
}

// CredentialStoreURL returns the credential store URL, falling back to the
// event store when unset.
func (c *Config) CredentialStoreURL() string {
	if c.CredentialStore.URL != "" {
		return c.CredentialStore.URL
	}
	return c.EventStore.URL
}
