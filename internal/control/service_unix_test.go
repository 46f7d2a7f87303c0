// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build unix

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/sdrd/internal/config"
	"github.com/ManuGH/sdrd/internal/device"
	"github.com/ManuGH/sdrd/internal/pipeline"
	"github.com/ManuGH/sdrd/internal/registry"
	"github.com/ManuGH/sdrd/internal/session"
	"github.com/ManuGH/sdrd/internal/supervisor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func shStage(script string) config.StageConfig {
	return config.StageConfig{Command: "sh", Args: []string{"-c", script}, ReadyWithin: 50 * time.Millisecond}
}

func testConfig(modes map[string]config.ModeConfig) config.Config {
	cfg := config.Defaults()
	cfg.PollInterval = 20 * time.Millisecond
	cfg.VerifyGrace = 50 * time.Millisecond
	cfg.PerStageTimeout = 500 * time.Millisecond
	cfg.Modes = modes
	return cfg
}

func newTestService(t *testing.T, cfg config.Config) *Service {
	t.Helper()
	lister := device.NewStaticLister([]device.Descriptor{
		{Index: 0, Kind: device.KindRTLSDR, Label: "rtl"},
		{Index: 1, Kind: device.KindAirspy, Serial: "c0ffee", Label: "airspy"},
	})
	svc, err := New(StaticConfig(cfg), Options{Lister: lister})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, svc.Close(ctx))
	})
	return svc
}

func TestStartExpandsPlaceholdersIntoPipeline(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args")
	svc := newTestService(t, testConfig(map[string]config.ModeConfig{
		"pager": {Stages: []config.StageConfig{
			shStage("echo ${device_index} ${device_arg} ${freq} > ${out}; exec sleep 30"),
		}},
	}))

	res, err := svc.Start(context.Background(), "pager", 1, map[string]string{"freq": "162.4M", "out": out}, 0)
	require.NoError(t, err)
	assert.Equal(t, "pager", res.Mode)
	assert.Equal(t, 1, res.DeviceIndex)

	require.Eventually(t, func() bool {
		b, err := os.ReadFile(out)
		return err == nil && strings.TrimSpace(string(b)) == "1 c0ffee 162.4M"
	}, 2*time.Second, 10*time.Millisecond)

	st, err := svc.Status("pager")
	require.NoError(t, err)
	assert.Equal(t, session.Running, st.State)
	assert.Equal(t, res.SessionID, st.SessionID)

	sum, err := svc.Stop(context.Background(), "pager")
	require.NoError(t, err)
	assert.Equal(t, supervisor.EndStopped, sum.Reason)
}

func TestModesConflictOnSharedDevice(t *testing.T) {
	svc := newTestService(t, testConfig(map[string]config.ModeConfig{
		"gsm":  {Stages: []config.StageConfig{shStage("exec sleep 30")}},
		"adsb": {Stages: []config.StageConfig{shStage("exec sleep 30")}},
	}))
	ctx := context.Background()

	_, err := svc.Start(ctx, "gsm", 0, nil, 0)
	require.NoError(t, err)

	_, err = svc.Start(ctx, "adsb", 0, nil, 0)
	require.Error(t, err)
	assert.Equal(t, KindDeviceBusy, ErrorKind(err))
	var busy *supervisor.DeviceBusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, "gsm", busy.HeldBy)

	_, err = svc.Start(ctx, "gsm", 1, nil, 0)
	assert.Equal(t, KindAlreadyRunning, ErrorKind(err))

	devs, err := svc.Devices(ctx)
	require.NoError(t, err)
	require.Len(t, devs, 2)
	require.NotNil(t, devs[0].Claim)
	assert.Equal(t, "gsm", devs[0].Claim.OwnerMode)
	assert.Nil(t, devs[1].Claim)

	_, err = svc.Stop(ctx, "gsm")
	require.NoError(t, err)
	_, err = svc.Start(ctx, "adsb", 0, nil, 0)
	require.NoError(t, err)
}

func TestStartErrorKinds(t *testing.T) {
	svc := newTestService(t, testConfig(map[string]config.ModeConfig{
		"broken": {Stages: []config.StageConfig{
			{Command: "sh", Args: []string{"-c", "exec sleep 30"}, ReadyWithin: 50 * time.Millisecond, FeedsIntoNext: true},
			{Command: "sh", Args: []string{"-c", "echo no tuner >&2; exit 3"}, ReadyWithin: 300 * time.Millisecond},
		}},
		"templated": {Stages: []config.StageConfig{shStage("echo ${freq}")}},
	}))
	ctx := context.Background()

	_, err := svc.Start(ctx, "nope", 0, nil, 0)
	assert.Equal(t, KindUnknownMode, ErrorKind(err))

	_, err = svc.Start(ctx, "broken", 7, nil, 0)
	assert.Equal(t, KindInvalidDevice, ErrorKind(err))

	_, err = svc.Start(ctx, "templated", 0, nil, 0)
	assert.Equal(t, KindInvalidRequest, ErrorKind(err))

	_, err = svc.Start(ctx, "broken", 0, nil, 0)
	assert.Equal(t, KindStartFailed, ErrorKind(err))
	var se *pipeline.StartError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 2, se.Stage)
	assert.Equal(t, 3, se.ExitCode)

	assert.Empty(t, svc.Registry().Status(), "failed starts leave no claims")
}

func TestStopUnknownModeAndIdleMode(t *testing.T) {
	svc := newTestService(t, testConfig(map[string]config.ModeConfig{
		"gsm": {Stages: []config.StageConfig{shStage("exec sleep 30")}},
	}))

	_, err := svc.Stop(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownMode)

	sum, err := svc.Stop(context.Background(), "gsm")
	require.NoError(t, err)
	assert.True(t, sum.AlreadyIdle)
}

func TestStatusFileWritesReport(t *testing.T) {
	svc := newTestService(t, testConfig(map[string]config.ModeConfig{
		"gsm":  {Stages: []config.StageConfig{shStage("exec sleep 30")}},
		"adsb": {Stages: []config.StageConfig{shStage("exec sleep 30")}},
	}))
	_, err := svc.Start(context.Background(), "gsm", 0, nil, 0)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "status.json")
	require.NoError(t, NewStatusFile(path, svc).Write())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var rep StatusReport
	require.NoError(t, json.Unmarshal(raw, &rep))

	require.Len(t, rep.Modes, 2)
	assert.Equal(t, "adsb", rep.Modes[0].Mode)
	assert.Equal(t, session.Idle, rep.Modes[0].State)
	assert.Equal(t, session.Running, rep.Modes[1].State)
	require.Len(t, rep.Claims, 1)
	assert.Equal(t, "gsm", rep.Claims[0].OwnerMode)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{supervisor.ErrAlreadyRunning, KindAlreadyRunning},
		{&registry.ConflictError{DeviceIndex: 0, HeldBy: "gsm"}, KindDeviceBusy},
		{&registry.InvalidDeviceError{DeviceIndex: 3}, KindInvalidDevice},
		{&pipeline.StartError{Stage: 2, ExitCode: 1}, KindStartFailed},
		{fmt.Errorf("%w: x", ErrUnknownMode), KindUnknownMode},
		{fmt.Errorf("%w: y", ErrInvalidRequest), KindInvalidRequest},
		{errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "%v", tt.err)
	}
}

type swapConfig struct {
	mu  sync.Mutex
	cfg config.Config
}

func (s *swapConfig) Get() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func (s *swapConfig) set(cfg config.Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func TestReloadedModesApplyToNextStart(t *testing.T) {
	src := &swapConfig{cfg: testConfig(map[string]config.ModeConfig{
		"gsm": {Stages: []config.StageConfig{shStage("exec sleep 30")}, ScanTimeout: time.Minute},
	})}
	svc, err := New(src, Options{Lister: device.NewStaticLister([]device.Descriptor{{Index: 0, Kind: device.KindRTLSDR}})})
	require.NoError(t, err)
	defer func() { require.NoError(t, svc.Close(context.Background())) }()

	_, err = svc.Start(context.Background(), "late", 0, nil, 0)
	require.ErrorIs(t, err, ErrUnknownMode)

	_, err = svc.Start(context.Background(), "gsm", 0, nil, 0)
	require.NoError(t, err)

	src.set(testConfig(map[string]config.ModeConfig{
		"late": {Stages: []config.StageConfig{shStage("exec sleep 30")}},
	}))

	st, err := svc.Status("gsm")
	require.NoError(t, err)
	assert.Equal(t, session.Running, st.State, "running session is untouched by reload")

	sum, err := svc.Stop(context.Background(), "gsm")
	require.NoError(t, err)
	assert.Equal(t, supervisor.EndStopped, sum.Reason)

	_, err = svc.Start(context.Background(), "gsm", 0, nil, 0)
	assert.ErrorIs(t, err, ErrUnknownMode, "removed mode cannot start again")

	_, err = svc.Start(context.Background(), "late", 0, nil, 0)
	require.NoError(t, err)
}

func TestAutostartStartsConfiguredModes(t *testing.T) {
	svc := newTestService(t, testConfig(map[string]config.ModeConfig{
		"adsb": {
			Stages:    []config.StageConfig{shStage("exec sleep 30")},
			Autostart: &config.AutostartConfig{Device: 1, Params: map[string]string{"freq": "1090M"}},
		},
		"gsm": {Stages: []config.StageConfig{shStage("exec sleep 30")}},
		"pager": {
			Stages:    []config.StageConfig{shStage("exec sleep 30")},
			Autostart: &config.AutostartConfig{Device: 7},
		},
	}))

	started := svc.Autostart(context.Background())
	require.Len(t, started, 1, "the invalid device of pager is skipped")
	assert.Equal(t, "adsb", started[0].Mode)
	assert.Equal(t, 1, started[0].DeviceIndex)

	st, err := svc.Status("adsb")
	require.NoError(t, err)
	assert.Equal(t, session.Running, st.State)
	require.NotNil(t, st.DeviceIndex)
	assert.Equal(t, 1, *st.DeviceIndex)
	assert.Equal(t, started[0].SessionID, st.SessionID)

	for _, mode := range []string{"gsm", "pager"} {
		st, err := svc.Status(mode)
		require.NoError(t, err)
		assert.Equal(t, session.Idle, st.State, mode)
	}
	assert.Empty(t, svc.Autostart(context.Background()), "running modes are not started twice")
}
