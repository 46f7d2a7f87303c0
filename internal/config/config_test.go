// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ManuGH/sdrd/internal/classify"
	"github.com/ManuGH/sdrd/internal/device"
	"github.com/ManuGH/sdrd/internal/validate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
log_level: debug
per_stage_timeout: 3s
devices:
  - {index: 0, kind: rtlsdr, serial: "00000001", label: "dongle A"}
  - {index: 1, kind: hackrf, serial: "a0b1", label: "hackrf"}
modes:
  gsm:
    description: cell tower scan
    scan_timeout: 2m
    stages:
      - name: grgsm
        command: grgsm_livemon_headless
        args: ["--args", "rtl=${device_arg}", "-f", "${freq}"]
        ready_within: 2s
        feeds_next: true
      - name: tshark
        command: tshark
        args: ["-l", "-i", "-"]
    classifier:
      rules:
        - {name: cell, match: 'CID=(?P<cid>\d+)', counter: towers}
  drone:
    stages:
      - command: rtl_power
        args: ["-d", "${device_index}"]
    escalation: {counter: detections, threshold: 3, target: gsm}
    autostart:
      device: 1
      params: {band: "2.4g"}
      scan_timeout: 30s
    classifier:
      use: [drone_rf, remote_id]
      counter: detections
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sdrd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := NewLoader(writeConfig(t, sampleYAML), "v1.2.3").Load()
	require.NoError(t, err)

	assert.Equal(t, "v1.2.3", cfg.Version)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.PerStageTimeout)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval, "unset keys keep defaults")
	assert.Equal(t, []string{"drone", "gsm"}, cfg.ModeNames())

	gsm := cfg.Modes["gsm"]
	assert.Equal(t, 2*time.Minute, gsm.ScanTimeout)
	require.Len(t, gsm.Stages, 2)
	assert.True(t, gsm.Stages[0].FeedsIntoNext)
	assert.Equal(t, 2*time.Second, gsm.Stages[0].ReadyWithin)
	assert.Equal(t, device.KindHackRF, cfg.Devices[1].Kind)

	drone := cfg.Modes["drone"]
	assert.True(t, drone.Escalation.Enabled())
	assert.Equal(t, "gsm", drone.Escalation.Target)
	assert.Equal(t, []string{"drone_rf", "remote_id"}, drone.Classifier.Use)
	require.NotNil(t, drone.Autostart)
	assert.Equal(t, 1, drone.Autostart.Device)
	assert.Equal(t, map[string]string{"band": "2.4g"}, drone.Autostart.Params)
	assert.Equal(t, 30*time.Second, drone.Autostart.ScanTimeout)
	assert.Nil(t, gsm.Autostart)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := NewLoader(writeConfig(t, "modes:\n  gsm:\n    stagez: []\n"), "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict config parse error")
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	_, err := NewLoader(writeConfig(t, sampleYAML+"\n---\nlog_level: info\n"), "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiple documents")
}

func TestLoadRejectsNonYAMLExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sdrd.json")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
	_, err := NewLoader(path, "").Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only YAML supported")
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv(EnvLogLevel, "warn")
	t.Setenv(EnvPerStageTimeout, "750ms")
	t.Setenv(EnvPollInterval, "not-a-duration")
	t.Setenv(EnvNATSURL, "nats://127.0.0.1:4222")

	l := NewLoader(writeConfig(t, sampleYAML), "")
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 750*time.Millisecond, cfg.PerStageTimeout)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval, "invalid env falls back")
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Contains(t, l.ConsumedEnvKeys, EnvMetricsAddr)
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "chatty"
	cfg.PollInterval = time.Millisecond
	cfg.Devices = []device.Descriptor{
		{Index: 0, Kind: device.KindRTLSDR},
		{Index: 0, Kind: "usrp"},
		{Index: 2, Kind: device.KindHackRF},
	}
	cfg.Modes = map[string]ModeConfig{
		"Bad Name": {Stages: []StageConfig{{Command: "x"}}},
		"adsb": {
			Stages:     []StageConfig{{Command: "dump1090", FeedsIntoNext: true}},
			Escalation: EscalationConfig{Threshold: 5, Target: "nowhere"},
			Classifier: classify.Spec{Use: []string{"bogus"}},
		},
		"pager": {
			Stages:     []StageConfig{{Command: "multimon-ng"}},
			Autostart:  &AutostartConfig{Device: -1, ScanTimeout: -time.Second},
			Classifier: classify.Spec{Rules: []classify.RuleSpec{{Match: "POCSAG", Counter: "pages"}, {Match: "([", Counter: "pages"}}},
		},
	}

	err := Validate(cfg)
	require.Error(t, err)

	var verr validate.ValidationError
	require.True(t, errors.As(err, &verr))
	fields := make([]string, 0, len(verr.Errors()))
	for _, e := range verr.Errors() {
		fields = append(fields, e.Field)
	}
	for _, want := range []string{
		"log_level",
		"poll_interval",
		"devices[1].index",
		"devices[1].kind",
		"devices[2]",
		"modes.Bad Name",
		"modes.adsb.stages[0].feeds_next",
		"modes.adsb.escalation.counter",
		"modes.adsb.escalation.target",
		"modes.adsb.classifier",
		"modes.pager.classifier.rules[1].match",
		"modes.pager.autostart.device",
		"modes.pager.autostart.scan_timeout",
	} {
		assert.Contains(t, fields, want)
	}
}

func TestValidateRequiresModes(t *testing.T) {
	err := Validate(Defaults())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "at least one mode"))
}

func TestEnvParsersFallBackOnInvalidValues(t *testing.T) {
	t.Setenv("SDRD_TEST_INT", "twelve")
	t.Setenv("SDRD_TEST_DUR", "5 parsecs")
	t.Setenv("SDRD_TEST_BOOL", "maybe")
	assert.Equal(t, 7, ParseInt("SDRD_TEST_INT", 7))
	assert.Equal(t, time.Second, ParseDuration("SDRD_TEST_DUR", time.Second))
	assert.True(t, ParseBool("SDRD_TEST_BOOL", true))

	t.Setenv("SDRD_TEST_INT", "12")
	t.Setenv("SDRD_TEST_BOOL", "off")
	assert.Equal(t, 12, ParseInt("SDRD_TEST_INT", 7))
	assert.False(t, ParseBool("SDRD_TEST_BOOL", true))
}
