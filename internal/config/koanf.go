// Event Processor - Horizontally-Scaled Event Ingestion and Processing
// Copyright 2026 lausan029
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/lausan029/event-processor

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found is used.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/event-processor/config.yaml",
	"/etc/event-processor/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all sensible defaults. Defaults are
// applied first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3001,
			Host:            "0.0.0.0",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    15 * time.Second,
			MaxBatchEvents:  1000,
			RateLimitReqs:   0, // disabled by default; ingest is API-key gated
			RateLimitWindow: time.Minute,
		},
		Stream: StreamConfig{
			URL:   "redis://127.0.0.1:6379/0",
			Key:   "events_stream",
			Group: "evp-workers-group",
		},
		Dedup: DedupConfig{
			URL:       "", // reuse stream backend
			TTL:       600 * time.Second,
			OpTimeout: 5 * time.Second,
		},
		EventStore: EventStoreConfig{
			URL:               "postgres://127.0.0.1:5432/events?sslmode=disable",
			Database:          "events",
			BulkInsertTimeout: 45 * time.Second,
		},
		CredentialStore: CredentialStoreConfig{
			URL: "", // reuse event store
		},
		Worker: WorkerConfig{
			ConsumerName:    "", // auto: worker-<hostname>-<pid>-<random>
			BatchSize:       100,
			BatchTimeout:    500 * time.Millisecond,
			ReadCount:       50,
			BlockTimeout:    100 * time.Millisecond,
			ClaimInterval:   30 * time.Second,
			StaleAge:        60 * time.Second,
			AckTimeout:      5 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// Load loads configuration using koanf v2 with layered sources:
//  1. Defaults: built-in sensible defaults
//  2. Config file: optional YAML file (if present)
//  3. Environment variables: override any setting
func Load() (*Config, error) {
	k := koanf.New(".")

	defaults := defaultConfig()
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	envProvider := env.ProviderWithValue("", ".", envTransformWithValue)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// envTransformWithValue maps recognized environment variable names to
// koanf config paths and normalizes values where the variable's unit is
// implied by its name. Unmapped variables return empty string and are
// skipped, which keeps random environment noise out of the config.
func envTransformWithValue(key, value string) (string, interface{}) {
	mapped := envTransformFunc(key)
	if mapped == "" {
		return "", nil
	}
	// WORKER_BATCH_TIMEOUT_MS carries a bare millisecond count.
	if strings.HasSuffix(strings.ToLower(key), "_ms") && isDigits(value) {
		return mapped, value + "ms"
	}
	// Duration fields accept bare integers as seconds for operator
	// convenience (DEDUP_TTL=600).
	if isDurationPath(mapped) && isDigits(value) {
		return mapped, value + "s"
	}
	return mapped, value
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isDurationPath(path string) bool {
	switch path {
	case "dedup.ttl", "eventstore.bulk_insert_timeout", "server.rate_limit_window",
		"worker.block_timeout", "worker.claim_interval", "worker.stale_age":
		return true
	}
	return false
}

// envTransformFunc maps recognized environment variable names to koanf
// config paths.
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server
		"server_port":        "server.port",
		"server_host":        "server.host",
		"max_batch_events":   "server.max_batch_events",
		"rate_limit_reqs":    "server.rate_limit_reqs",
		"rate_limit_window":  "server.rate_limit_window",

		// Stream / dedup backends
		"stream_backend_url": "stream.url",
		"stream_key":         "stream.key",
		"consumer_group":     "stream.group",
		"dedup_backend_url":  "dedup.url",
		"dedup_ttl":          "dedup.ttl",

		// Event store
		"eventstore_url":      "eventstore.url",
		"eventstore_db":       "eventstore.database",
		"bulk_insert_timeout": "eventstore.bulk_insert_timeout",

		// Credential store
		"credential_store_url": "credential_store.url",

		// Worker
		"consumer_name":           "worker.consumer_name",
		"worker_batch_size":       "worker.batch_size",
		"worker_batch_timeout_ms": "worker.batch_timeout",
		"worker_read_count":       "worker.read_count",
		"worker_block_timeout":    "worker.block_timeout",
		"worker_claim_interval":   "worker.claim_interval",
		"worker_stale_age":        "worker.stale_age",

		// Logging
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}
	return ""
}
