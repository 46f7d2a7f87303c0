// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults.
const (
	DefaultLogLevel        = "info"
	DefaultMetricsAddr     = "127.0.0.1:9464"
	DefaultStatusInterval  = 5 * time.Second
	DefaultPerStageTimeout = 5 * time.Second
	DefaultPollInterval    = 200 * time.Millisecond
	DefaultVerifyGrace     = 250 * time.Millisecond
	DefaultTailLines       = 20
	DefaultDeviceCacheTTL  = 10 * time.Second
	DefaultBusQueueSize    = 256
	DefaultEnrichWorkers   = 2
	DefaultEnrichQueue     = 1024
	DefaultNATSPrefix      = "sdrd"
)

// Loader loads configuration with precedence ENV > file > defaults.
type Loader struct {
	configPath string
	version    string
	// ConsumedEnvKeys records every environment key the last Load looked at.
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a loader. An empty configPath loads defaults and ENV only.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Path returns the configuration file path.
func (l *Loader) Path() string { return l.configPath }

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

// Load runs defaults, strict file parse, ENV overrides and validation in that
// order.
func (l *Loader) Load() (Config, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)
	cfg.Version = l.version

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Defaults returns a configuration with every default applied and no modes.
func Defaults() Config {
	return Config{
		LogLevel:        DefaultLogLevel,
		MetricsAddr:     DefaultMetricsAddr,
		StatusInterval:  DefaultStatusInterval,
		PerStageTimeout: DefaultPerStageTimeout,
		PollInterval:    DefaultPollInterval,
		VerifyGrace:     DefaultVerifyGrace,
		TailLines:       DefaultTailLines,
		DeviceCacheTTL:  DefaultDeviceCacheTTL,
		Bus:             BusConfig{QueueSize: DefaultBusQueueSize},
		Enrichment: EnrichmentConfig{
			Workers:   DefaultEnrichWorkers,
			QueueSize: DefaultEnrichQueue,
		},
		NATS: NATSConfig{SubjectPrefix: DefaultNATSPrefix, Name: "sdrd"},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Endpoint:     "localhost:4317",
			Insecure:     true,
			SamplingRate: 1.0,
			Environment:  "production",
		},
	}
}

// loadFile decodes path over cfg. Unknown fields are rejected, and so are
// multiple YAML documents.
func (l *Loader) loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *Config) {
	cfg.LogLevel = l.envString(EnvLogLevel, cfg.LogLevel)
	cfg.MetricsAddr = l.envString(EnvMetricsAddr, cfg.MetricsAddr)
	cfg.StatusFile = l.envString(EnvStatusFile, cfg.StatusFile)
	cfg.PerStageTimeout = l.envDuration(EnvPerStageTimeout, cfg.PerStageTimeout)
	cfg.PollInterval = l.envDuration(EnvPollInterval, cfg.PollInterval)
	cfg.NATS.URL = l.envString(EnvNATSURL, cfg.NATS.URL)
	cfg.Telemetry.Enabled = l.envBool(EnvTracingEnabled, cfg.Telemetry.Enabled)
	cfg.Telemetry.Endpoint = l.envString(EnvOTLPEndpoint, cfg.Telemetry.Endpoint)
	cfg.Enrichment.Workers = l.envInt(EnvEnrichWorkers, cfg.Enrichment.Workers)
}
