// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/ManuGH/sdrd/internal/classify"
	"github.com/ManuGH/sdrd/internal/device"
	"github.com/ManuGH/sdrd/internal/validate"
)

var modeNameRE = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,31}$`)

// Validate checks cfg and returns every problem found as one
// validate.ValidationError.
func Validate(cfg Config) error {
	v := validate.New()

	v.OneOf("log_level", cfg.LogLevel, validate.LogLevels())
	if cfg.MetricsAddr != "" {
		v.ListenAddr("metrics_addr", cfg.MetricsAddr)
	}
	if cfg.StatusFile != "" {
		v.DurationRange("status_interval", cfg.StatusInterval, 100*time.Millisecond, time.Hour)
	}
	v.DurationRange("per_stage_timeout", cfg.PerStageTimeout, 100*time.Millisecond, 5*time.Minute)
	v.DurationRange("poll_interval", cfg.PollInterval, 10*time.Millisecond, 5*time.Second)
	v.DurationRange("verify_grace", cfg.VerifyGrace, 0, time.Minute)
	v.Range("tail_lines", cfg.TailLines, 1, 1000)

	validateDevices(v, cfg.Devices)

	if len(cfg.Modes) == 0 {
		v.AddError("modes", "at least one mode must be configured", nil)
	}
	for _, name := range cfg.ModeNames() {
		validateMode(v, name, cfg.Modes[name], cfg.Modes)
	}

	v.Positive("bus.queue_size", cfg.Bus.QueueSize)
	if cfg.Enrichment.Enabled {
		v.Range("enrichment.workers", cfg.Enrichment.Workers, 1, 64)
		v.Positive("enrichment.queue_size", cfg.Enrichment.QueueSize)
	}
	if cfg.NATS.URL != "" {
		v.URL("nats.url", cfg.NATS.URL, []string{"nats", "tls"})
		v.NotEmpty("nats.subject_prefix", cfg.NATS.SubjectPrefix)
	}
	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			v.AddError("telemetry.sampling_rate", "must be between 0 and 1", cfg.Telemetry.SamplingRate)
		}
	}

	return v.Err()
}

func validateDevices(v *validate.Validator, devices []device.Descriptor) {
	seen := make(map[int]bool, len(devices))
	for i, d := range devices {
		field := fmt.Sprintf("devices[%d]", i)
		v.NonNegative(field+".index", d.Index)
		if seen[d.Index] {
			v.AddError(field+".index", "duplicate device index", d.Index)
		}
		seen[d.Index] = true
		if _, err := device.ParseKind(string(d.Kind)); err != nil {
			v.AddError(field+".kind", err.Error(), d.Kind)
			continue
		}
		if _, err := device.Resolve(d); err != nil {
			v.AddError(field, err.Error(), d)
		}
	}
}

func validateMode(v *validate.Validator, name string, m ModeConfig, all map[string]ModeConfig) {
	prefix := "modes." + name
	if !modeNameRE.MatchString(name) {
		v.AddError(prefix, "mode name must match "+modeNameRE.String(), name)
	}
	if len(m.Stages) == 0 {
		v.AddError(prefix+".stages", "at least one stage is required", nil)
	}
	for i, st := range m.Stages {
		field := fmt.Sprintf("%s.stages[%d]", prefix, i)
		v.NotEmpty(field+".command", st.Command)
		if st.ReadyWithin < 0 {
			v.AddError(field+".ready_within", "cannot be negative", st.ReadyWithin)
		}
		if st.FeedsIntoNext && i == len(m.Stages)-1 {
			v.AddError(field+".feeds_next", "the last stage has no next stage to feed", true)
		}
	}
	if m.ScanTimeout < 0 {
		v.AddError(prefix+".scan_timeout", "cannot be negative", m.ScanTimeout)
	}

	if as := m.Autostart; as != nil {
		v.NonNegative(prefix+".autostart.device", as.Device)
		if as.ScanTimeout < 0 {
			v.AddError(prefix+".autostart.scan_timeout", "cannot be negative", as.ScanTimeout)
		}
	}

	esc := m.Escalation
	if esc.Threshold < 0 {
		v.AddError(prefix+".escalation.threshold", "cannot be negative", esc.Threshold)
	}
	if esc.Threshold > 0 && esc.Counter == "" {
		v.AddError(prefix+".escalation.counter", "required when a threshold is set", esc.Counter)
	}
	if esc.Target != "" {
		if esc.Target == name {
			v.AddError(prefix+".escalation.target", "a mode cannot escalate to itself", esc.Target)
		} else if _, ok := all[esc.Target]; !ok {
			v.AddError(prefix+".escalation.target", "unknown mode", esc.Target)
		}
	}

	for i, rule := range m.Classifier.Rules {
		v.Regexp(fmt.Sprintf("%s.classifier.rules[%d].match", prefix, i), rule.Match)
	}
	v.Custom(prefix+".classifier", m.Classifier, func(any) error {
		_, err := classify.Build(m.Classifier)
		return err
	})
}
