// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"slices"
	"time"

	"github.com/ManuGH/sdrd/internal/classify"
	"github.com/ManuGH/sdrd/internal/device"
)

// Config is the complete daemon configuration. A loaded Config is treated as
// immutable; reloads replace it as a whole.
type Config struct {
	Version string `yaml:"-"`

	LogLevel    string `yaml:"log_level"`
	MetricsAddr string `yaml:"metrics_addr"`
	// StatusFile, when set, receives an atomically replaced JSON status snapshot.
	StatusFile     string        `yaml:"status_file"`
	StatusInterval time.Duration `yaml:"status_interval"`

	PerStageTimeout time.Duration `yaml:"per_stage_timeout"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	VerifyGrace     time.Duration `yaml:"verify_grace"`
	TailLines       int           `yaml:"tail_lines"`

	// Devices is the static device table. When empty, detection is delegated to
	// the lister the daemon is built with.
	Devices        []device.Descriptor `yaml:"devices"`
	DeviceCacheTTL time.Duration       `yaml:"device_cache_ttl"`

	Modes map[string]ModeConfig `yaml:"modes"`

	Bus        BusConfig        `yaml:"bus"`
	Enrichment EnrichmentConfig `yaml:"enrichment"`
	NATS       NATSConfig       `yaml:"nats"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// ModeConfig describes one sensing mode.
type ModeConfig struct {
	Description string        `yaml:"description"`
	Stages      []StageConfig `yaml:"stages"`
	// ScanTimeout ends sessions of this mode normally. Zero runs until stopped.
	ScanTimeout time.Duration    `yaml:"scan_timeout"`
	Escalation  EscalationConfig `yaml:"escalation"`
	Classifier  classify.Spec    `yaml:"classifier"`
	// Autostart, when set, starts a session of the mode at daemon startup.
	Autostart *AutostartConfig `yaml:"autostart"`
}

// AutostartConfig is the start request issued for a mode at daemon startup.
type AutostartConfig struct {
	Device      int               `yaml:"device"`
	Params      map[string]string `yaml:"params"`
	ScanTimeout time.Duration     `yaml:"scan_timeout"`
}

// StageConfig is one pipeline stage. Args and Env may reference ${device_index},
// ${device_kind}, ${device_serial}, ${device_arg}, ${device_soapy} and any
// request parameter.
type StageConfig struct {
	Name          string        `yaml:"name"`
	Command       string        `yaml:"command"`
	Args          []string      `yaml:"args"`
	Env           []string      `yaml:"env"`
	ReadyWithin   time.Duration `yaml:"ready_within"`
	FeedsIntoNext bool          `yaml:"feeds_next"`
}

// EscalationConfig enables the one-shot automatic escalation of a mode.
type EscalationConfig struct {
	Counter   string `yaml:"counter"`
	Threshold int64  `yaml:"threshold"`
	// Target names the mode the escalation hands over to. It is reported on the
	// escalation event; the device stays claimed by the escalating session.
	Target string `yaml:"target"`
}

// Enabled reports whether automatic escalation is configured.
func (e EscalationConfig) Enabled() bool { return e.Counter != "" && e.Threshold > 0 }

// BusConfig sizes the in-memory event bus.
type BusConfig struct {
	QueueSize int `yaml:"queue_size"`
}

// EnrichmentConfig sizes the record enrichment pool.
type EnrichmentConfig struct {
	Enabled   bool `yaml:"enabled"`
	Workers   int  `yaml:"workers"`
	QueueSize int  `yaml:"queue_size"`
}

// NATSConfig configures the optional event forwarder. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Name          string `yaml:"name"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Insecure     bool    `yaml:"insecure"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
}

// ModeNames returns the configured mode names in sorted order.
func (c Config) ModeNames() []string {
	names := make([]string, 0, len(c.Modes))
	for name := range c.Modes {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
