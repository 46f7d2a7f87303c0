// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build unix

package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ManuGH/sdrd/internal/bus"
	"github.com/ManuGH/sdrd/internal/classify"
	"github.com/ManuGH/sdrd/internal/mux"
	"github.com/ManuGH/sdrd/internal/pipeline"
	"github.com/ManuGH/sdrd/internal/registry"
	"github.com/ManuGH/sdrd/internal/session"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sh(script string, ready time.Duration, feeds bool) pipeline.StageSpec {
	return pipeline.StageSpec{Command: "sh", Args: []string{"-c", script}, ExpectsReadyWithin: ready, FeedsIntoNext: feeds}
}

func sleeper() pipeline.Spec {
	return pipeline.Spec{Stages: []pipeline.StageSpec{sh("exec sleep 30", 50*time.Millisecond, false)}}
}

func anyDevice(_ context.Context, idx int) bool { return idx >= 0 && idx < 4 }

func newTestSupervisor(t *testing.T, reg *registry.Registry, mode string, mutate func(*Config)) *Supervisor {
	t.Helper()
	cfg := Config{
		Mode:            mode,
		Registry:        reg,
		Launcher:        pipeline.NewLauncher(pipeline.Options{VerifyGrace: 50 * time.Millisecond}),
		Mux:             mux.Options{PollInterval: 20 * time.Millisecond},
		PerStageTimeout: 500 * time.Millisecond,
		ExitGrace:       100 * time.Millisecond,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Close(ctx))
	})
	return s
}

func requireIdle(t *testing.T, s *Supervisor) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status().State == session.Idle }, 5*time.Second, 10*time.Millisecond)
}

func requireGone(t *testing.T, pid int) {
	t.Helper()
	exists, err := process.PidExists(int32(pid))
	require.NoError(t, err)
	assert.False(t, exists, "pid %d still present (leaked or zombie)", pid)
}

func TestScanTimeoutReturnsToIdleAndReleasesDevice(t *testing.T) {
	reg := registry.New(anyDevice)
	b := bus.NewMemoryBus(8)
	sub, err := b.Subscribe(context.Background(), bus.TopicSessionStopped)
	require.NoError(t, err)
	defer sub.Close()

	s := newTestSupervisor(t, reg, "gsm", func(c *Config) { c.Bus = b })

	h, err := s.StartSession(context.Background(), StartRequest{DeviceIndex: 0, Spec: sleeper(), ScanTimeout: 200 * time.Millisecond})
	require.NoError(t, err)
	assert.NotEmpty(t, h.SessionID)
	assert.Equal(t, session.Running, s.Status().State)

	select {
	case ev := <-sub.C():
		sum, ok := ev.Data.(session.Summary)
		require.True(t, ok)
		assert.Equal(t, EndScanTimeout, sum.Reason)
		assert.Equal(t, h.SessionID, sum.SessionID)
	case <-time.After(5 * time.Second):
		t.Fatal("session did not end on scan timeout")
	}

	requireIdle(t, s)
	_, held := reg.HeldBy(0)
	assert.False(t, held, "claim must be released after scan timeout")
	assert.Equal(t, EndScanTimeout, s.Status().LastEndReason)
}

func TestStartWhileRunningHasNoSideEffects(t *testing.T) {
	reg := registry.New(anyDevice)
	s := newTestSupervisor(t, reg, "gsm", nil)

	first, err := s.StartSession(context.Background(), StartRequest{DeviceIndex: 0, Spec: sleeper()})
	require.NoError(t, err)
	before := s.Status()

	_, err = s.StartSession(context.Background(), StartRequest{DeviceIndex: 1, Spec: sleeper()})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	after := s.Status()
	assert.Equal(t, before.SessionID, after.SessionID)
	assert.Equal(t, session.Running, after.State)
	_, held := reg.HeldBy(1)
	assert.False(t, held, "rejected start must not claim a device")
	claim, held := reg.HeldBy(0)
	require.True(t, held)
	assert.Equal(t, first.SessionID, claim.SessionID)

	sum := s.StopSession(context.Background())
	assert.Equal(t, EndStopped, sum.Reason)
}

func TestDeviceConflictBetweenModes(t *testing.T) {
	reg := registry.New(anyDevice)
	gsm := newTestSupervisor(t, reg, "gsm", nil)
	adsb := newTestSupervisor(t, reg, "adsb", nil)

	_, err := gsm.StartSession(context.Background(), StartRequest{DeviceIndex: 0, Spec: sleeper()})
	require.NoError(t, err)

	_, err = adsb.StartSession(context.Background(), StartRequest{DeviceIndex: 0, Spec: sleeper()})
	var busy *DeviceBusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, "gsm", busy.HeldBy)
	assert.Equal(t, session.Idle, adsb.Status().State)

	gsm.StopSession(context.Background())

	_, err = adsb.StartSession(context.Background(), StartRequest{DeviceIndex: 0, Spec: sleeper()})
	require.NoError(t, err)
	claim, ok := reg.HeldBy(0)
	require.True(t, ok)
	assert.Equal(t, "adsb", claim.OwnerMode)
}

func TestInvalidDeviceLeavesIdle(t *testing.T) {
	s := newTestSupervisor(t, registry.New(anyDevice), "gsm", nil)

	_, err := s.StartSession(context.Background(), StartRequest{DeviceIndex: 9, Spec: sleeper()})
	var invalid *InvalidDeviceError
	require.True(t, errors.As(err, &invalid))
	assert.Equal(t, 9, invalid.DeviceIndex)
	assert.Equal(t, session.Idle, s.Status().State)
}

func TestSecondStageFailureLeavesNoClaim(t *testing.T) {
	reg := registry.New(anyDevice)
	s := newTestSupervisor(t, reg, "gsm", nil)

	_, err := s.StartSession(context.Background(), StartRequest{DeviceIndex: 0, Spec: pipeline.Spec{Stages: []pipeline.StageSpec{
		sh("exec sleep 30", 50*time.Millisecond, true),
		sh("echo 'tuner busy' >&2; exit 3", 300*time.Millisecond, false),
	}}})
	var se *pipeline.StartError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 2, se.Stage)
	assert.Equal(t, 3, se.ExitCode)
	assert.ErrorIs(t, err, pipeline.ErrStartFailed)

	st := s.Status()
	assert.Equal(t, session.Idle, st.State)
	assert.True(t, strings.HasPrefix(st.LastEndReason, EndStartFailed))
	assert.Empty(t, reg.Status(), "no residual claim after start failure")
}

func TestStopIsIdempotent(t *testing.T) {
	reg := registry.New(anyDevice)
	s := newTestSupervisor(t, reg, "gsm", nil)

	idle := s.StopSession(context.Background())
	assert.True(t, idle.AlreadyIdle)
	assert.Equal(t, EndNotRunning, idle.Reason)

	h, err := s.StartSession(context.Background(), StartRequest{DeviceIndex: 2, Spec: sleeper()})
	require.NoError(t, err)

	var wg sync.WaitGroup
	sums := make([]session.Summary, 8)
	for i := range sums {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sums[i] = s.StopSession(context.Background())
		}(i)
	}
	wg.Wait()

	stopped := 0
	for _, sum := range sums {
		if sum.AlreadyIdle {
			continue
		}
		stopped++
		assert.Equal(t, h.SessionID, sum.SessionID)
		assert.Equal(t, EndStopped, sum.Reason)
	}
	assert.GreaterOrEqual(t, stopped, 1)
	assert.Equal(t, session.Idle, s.Status().State)
	assert.Empty(t, reg.Status())

	again := s.StopSession(context.Background())
	assert.True(t, again.AlreadyIdle)
}

func TestStopDuringStart(t *testing.T) {
	reg := registry.New(anyDevice)
	s := newTestSupervisor(t, reg, "gsm", nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.StartSession(context.Background(), StartRequest{DeviceIndex: 0, Spec: pipeline.Spec{Stages: []pipeline.StageSpec{
			sh("exec sleep 30", 3*time.Second, false),
		}}})
		errCh <- err
	}()

	require.Eventually(t, func() bool { return s.Status().State == session.Starting }, 2*time.Second, 5*time.Millisecond)

	begin := time.Now()
	sum := s.StopSession(context.Background())
	assert.Equal(t, EndStopped, sum.Reason)
	assert.Less(t, time.Since(begin), 2*time.Second, "stop must not wait out the warm-up")

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrStartCanceled)
	case <-time.After(5 * time.Second):
		t.Fatal("start did not return")
	}
	assert.Equal(t, session.Idle, s.Status().State)
	assert.Empty(t, reg.Status())
}

func TestForcedKillWithinTimeout(t *testing.T) {
	reg := registry.New(anyDevice)
	const timeout = 300 * time.Millisecond
	s := newTestSupervisor(t, reg, "gsm", func(c *Config) { c.PerStageTimeout = timeout })

	_, err := s.StartSession(context.Background(), StartRequest{DeviceIndex: 0, Spec: pipeline.Spec{Stages: []pipeline.StageSpec{
		sh("trap '' TERM; while true; do sleep 0.05; done", 200*time.Millisecond, false),
	}}})
	require.NoError(t, err)
	st := s.Status()
	require.Len(t, st.Stages, 1)
	pid := st.Stages[0].PID

	begin := time.Now()
	sum := s.StopSession(context.Background())
	elapsed := time.Since(begin)

	assert.Equal(t, 1, sum.ForcedKills)
	assert.Less(t, elapsed, timeout+2*time.Second)
	assert.Equal(t, session.Idle, s.Status().State)
	assert.Empty(t, reg.Status())
	requireGone(t, pid)
}

func TestStageExitEndsSession(t *testing.T) {
	reg := registry.New(anyDevice)
	s := newTestSupervisor(t, reg, "gsm", nil)

	_, err := s.StartSession(context.Background(), StartRequest{DeviceIndex: 0, Spec: pipeline.Spec{Stages: []pipeline.StageSpec{
		sh("sleep 0.3; echo done", 50*time.Millisecond, false),
	}}})
	require.NoError(t, err)

	requireIdle(t, s)
	assert.Equal(t, EndStageExited, s.Status().LastEndReason)
	assert.Empty(t, reg.Status())
}

func TestCheckAutoEscalationFiresOnce(t *testing.T) {
	var fired atomic.Int32
	var got Escalation
	s := newTestSupervisor(t, registry.New(anyDevice), "drone", func(c *Config) {
		c.Escalation = EscalationPolicy{Counter: "detections"}
		c.OnEscalate = func(_ context.Context, esc Escalation) {
			fired.Add(1)
			got = esc
		}
	})

	assert.False(t, s.CheckAutoEscalation(context.Background(), 10, 1), "no session, no escalation")

	h, err := s.StartSession(context.Background(), StartRequest{DeviceIndex: 1, Spec: sleeper()})
	require.NoError(t, err)

	assert.False(t, s.CheckAutoEscalation(context.Background(), 1, 3))

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 1000 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.CheckAutoEscalation(context.Background(), 5, 3) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, h.SessionID, got.SessionID)
	assert.Equal(t, 1, got.Claim.DeviceIndex, "callback receives the held claim")
	assert.True(t, s.Status().AutoEscalationTriggered)

	sum := s.StopSession(context.Background())
	assert.True(t, sum.Escalated)

	_, err = s.StartSession(context.Background(), StartRequest{DeviceIndex: 1, Spec: sleeper()})
	require.NoError(t, err)
	assert.False(t, s.Status().AutoEscalationTriggered, "flag resets per session")
	assert.True(t, s.CheckAutoEscalation(context.Background(), 5, 3))
	assert.Equal(t, int32(2), fired.Load())
}

func TestClassifiedLinesUpdateCountersAndEscalate(t *testing.T) {
	escalated := make(chan Escalation, 4)
	b := bus.NewMemoryBus(32)
	records, err := b.Subscribe(context.Background(), bus.TopicRecord)
	require.NoError(t, err)
	defer records.Close()

	hits := classify.Func(func(stream, line string) (*classify.Record, error) {
		if !strings.HasPrefix(line, "hit") {
			return nil, nil
		}
		return &classify.Record{Stream: stream, Kind: "hit", Raw: line, Deltas: map[string]int64{"hits": 1}}, nil
	})

	s := newTestSupervisor(t, registry.New(anyDevice), "drone", func(c *Config) {
		c.Bus = b
		c.Classifier = hits
		c.Escalation = EscalationPolicy{Counter: "hits", Threshold: 3, Target: "gsm"}
		c.OnEscalate = func(_ context.Context, esc Escalation) { escalated <- esc }
	})

	h, err := s.StartSession(context.Background(), StartRequest{DeviceIndex: 0, Spec: pipeline.Spec{Stages: []pipeline.StageSpec{
		sh("for i in 1 2 3 4 5; do echo hit $i; echo noise; done; exec sleep 30", 50*time.Millisecond, false),
	}}})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Status().Counters["hits"] == 5 }, 5*time.Second, 10*time.Millisecond)

	select {
	case esc := <-escalated:
		assert.Equal(t, "hits", esc.Counter)
		assert.Equal(t, int64(3), esc.Count)
		assert.Equal(t, "gsm", esc.Target)
		assert.Equal(t, h.SessionID, esc.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("escalation not triggered")
	}
	assert.Empty(t, escalated, "escalation fires once per session")

	select {
	case ev := <-records.C():
		rec, ok := ev.Data.(classify.Record)
		require.True(t, ok)
		assert.Equal(t, "drone", rec.Mode)
		assert.Equal(t, h.SessionID, rec.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no record published")
	}

	sum := s.StopSession(context.Background())
	assert.Equal(t, int64(5), sum.Counters["hits"])
	assert.True(t, sum.Escalated)

	idle := s.Status()
	assert.Equal(t, session.Idle, idle.State)
	assert.Empty(t, idle.SessionID)
	assert.Empty(t, idle.Counters, "idle status carries no counters of the ended session")
	assert.False(t, idle.AutoEscalationTriggered)
}

func TestClosedSupervisorRejectsStart(t *testing.T) {
	s, err := New(Config{Mode: "gsm", Registry: registry.New(anyDevice)})
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	_, err = s.StartSession(context.Background(), StartRequest{DeviceIndex: 0, Spec: sleeper()})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSlowDeviceValidationDoesNotBlockStatus(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	reg := registry.New(func(_ context.Context, idx int) bool {
		close(entered)
		<-release
		return idx == 0
	})
	s := newTestSupervisor(t, reg, "gsm", nil)

	done := make(chan error, 1)
	go func() {
		_, err := s.StartSession(context.Background(), StartRequest{DeviceIndex: 0, Spec: sleeper()})
		done <- err
	}()
	<-entered

	begin := time.Now()
	st := s.Status()
	assert.Less(t, time.Since(begin), 100*time.Millisecond, "status waited on device detection")
	assert.Equal(t, session.Idle, st.State)
	sum := s.StopSession(context.Background())
	assert.True(t, sum.AlreadyIdle)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, session.Running, s.Status().State)
	assert.Equal(t, EndStopped, s.StopSession(context.Background()).Reason)
}
