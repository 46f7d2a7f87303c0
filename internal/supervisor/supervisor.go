// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package supervisor orchestrates the capture sessions of one sensing mode:
// it claims a device, starts the pipeline, runs the multiplexer on a dedicated
// goroutine, enforces the scan timeout, fires the one-shot auto-escalation and
// tears everything down again.
//
// Locking: s.mu is the mode lock. It guards the state machine, the session
// record and the active run. It is never held while waiting on a process, a
// pipe or another goroutine. The registry lock is only taken inside registry
// calls, and session counters have their own lock.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ManuGH/sdrd/internal/bus"
	"github.com/ManuGH/sdrd/internal/classify"
	"github.com/ManuGH/sdrd/internal/log"
	"github.com/ManuGH/sdrd/internal/metrics"
	"github.com/ManuGH/sdrd/internal/mux"
	"github.com/ManuGH/sdrd/internal/pipeline"
	"github.com/ManuGH/sdrd/internal/registry"
	"github.com/ManuGH/sdrd/internal/session"
	"github.com/ManuGH/sdrd/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultPerStageTimeout = 5 * time.Second
	defaultExitGrace       = time.Second
)

// RecordSink accepts classified records without blocking.
type RecordSink interface {
	Submit(rec classify.Record) bool
}

// EscalationPolicy enables the automatic escalation check after every update
// of Counter.
type EscalationPolicy struct {
	Counter   string
	Threshold int64
	// Target is the mode the escalation hands over to. Informational only.
	Target string
}

func (p EscalationPolicy) enabled() bool { return p.Counter != "" && p.Threshold > 0 }

// Escalation is passed to the escalation callback. Claim is the claim the
// session already holds; the callback must not claim the device again.
type Escalation struct {
	Mode      string
	SessionID string
	Claim     registry.Claim
	Counter   string
	Count     int64
	Threshold int64
	Target    string
}

// EscalationFunc is invoked at most once per session, never under the mode lock.
// It may run on the session goroutine, so it must not stop its own mode
// synchronously.
type EscalationFunc func(ctx context.Context, esc Escalation)

// Config wires a Supervisor.
type Config struct {
	Mode     string
	Registry *registry.Registry
	Launcher *pipeline.Launcher
	Mux      mux.Options

	// Classifier turns output lines into records. Nil ignores all output.
	Classifier classify.Classifier
	// Records receives classified records, typically an enrichment pool.
	// When nil, records are published on the bus directly.
	Records RecordSink
	Bus     bus.Publisher

	PerStageTimeout time.Duration
	// ExitGrace is how long the multiplexer may keep draining after a stage
	// exited before the session is ended.
	ExitGrace time.Duration

	Escalation EscalationPolicy
	OnEscalate EscalationFunc

	NewSessionID func() string
}

// StartRequest describes one session.
type StartRequest struct {
	DeviceIndex int
	Spec        pipeline.Spec
	// ScanTimeout ends the session normally when it elapses. Zero runs until stopped.
	ScanTimeout time.Duration
	Params      map[string]string

	// Classifier and Escalation override the supervisor defaults for this
	// session only.
	Classifier classify.Classifier
	Escalation *EscalationPolicy
}

// Handle identifies a started session.
type Handle struct {
	SessionID   string
	DeviceIndex int
	StartedAt   time.Time
}

// Supervisor owns the sessions of one mode.
type Supervisor struct {
	cfg    Config
	logger zerolog.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu       sync.Mutex
	machine  *session.Machine
	record   session.Record
	counters *session.Counters
	active   *run
	lastEnd  string
	closed   bool

	workers sessionWorkers
}

// run is the lifetime of one session from claim to release.
type run struct {
	id         string
	claim      registry.Claim
	deadline   time.Time
	classifier classify.Classifier
	esc        EscalationPolicy

	startCancel context.CancelCauseFunc
	startDone   chan struct{}

	// set under the mode lock once the pipeline is up
	handle    *pipeline.Handle
	muxCancel context.CancelCauseFunc
	muxDone   chan struct{}

	teardown sync.Once
	finished chan struct{}
	summary  session.Summary
}

// New creates a supervisor in Idle.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Mode == "" {
		return nil, errors.New("supervisor: mode is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("supervisor: registry is required")
	}
	if cfg.Launcher == nil {
		cfg.Launcher = pipeline.NewLauncher(pipeline.Options{})
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.Nop{}
	}
	if cfg.PerStageTimeout <= 0 {
		cfg.PerStageTimeout = defaultPerStageTimeout
	}
	if cfg.ExitGrace <= 0 {
		cfg.ExitGrace = defaultExitGrace
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = uuid.NewString
	}
	cfg.Mux.Mode = cfg.Mode

	return &Supervisor{
		cfg:      cfg,
		logger:   log.WithComponent("supervisor").With().Str(log.FieldMode, cfg.Mode).Logger(),
		tracer:   telemetry.Tracer("sdrd/supervisor"),
		now:      time.Now,
		machine:  session.NewMachine(cfg.Mode),
		counters: session.NewCounters(),
	}, nil
}

// Mode returns the mode this supervisor owns.
func (s *Supervisor) Mode() string { return s.cfg.Mode }

// StartSession claims the device, launches the pipeline and starts the
// multiplexer. It fails with ErrAlreadyRunning without side effects unless the
// mode is Idle. Any later failure releases the claim and returns to Idle.
func (s *Supervisor) StartSession(ctx context.Context, req StartRequest) (Handle, error) {
	ctx, span := s.tracer.Start(ctx, "supervisor.StartSession", trace.WithAttributes(
		telemetry.SessionAttributes(s.cfg.Mode, "", req.DeviceIndex)...,
	))
	defer span.End()

	h, err := s.startSession(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Handle{}, err
	}
	span.SetAttributes(telemetry.SessionAttributes(s.cfg.Mode, h.SessionID, h.DeviceIndex)...)
	return h, nil
}

func (s *Supervisor) checkIdle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkIdleLocked()
}

func (s *Supervisor) checkIdleLocked() error {
	if s.closed {
		return ErrClosed
	}
	if s.machine.Current() != session.Idle {
		metrics.SessionStartFailures.WithLabelValues(s.cfg.Mode, "already_running").Inc()
		return ErrAlreadyRunning
	}
	return nil
}

func (s *Supervisor) startSession(ctx context.Context, req StartRequest) (Handle, error) {
	if err := req.Spec.Validate(); err != nil {
		metrics.SessionStartFailures.WithLabelValues(s.cfg.Mode, "invalid_spec").Inc()
		return Handle{}, err
	}

	if err := s.checkIdle(); err != nil {
		return Handle{}, err
	}
	// Validation may run device detection; it never runs under the mode lock.
	if err := s.cfg.Registry.Validate(ctx, req.DeviceIndex, s.cfg.Mode); err != nil {
		metrics.SessionStartFailures.WithLabelValues(s.cfg.Mode, "invalid_device").Inc()
		return Handle{}, err
	}

	s.mu.Lock()
	if err := s.checkIdleLocked(); err != nil {
		s.mu.Unlock()
		return Handle{}, err
	}

	id := s.cfg.NewSessionID()
	claim, err := s.cfg.Registry.ClaimValidated(req.DeviceIndex, s.cfg.Mode, id)
	if err != nil {
		s.mu.Unlock()
		kind := "device_busy"
		if errors.Is(err, registry.ErrInvalidDevice) {
			kind = "invalid_device"
		}
		metrics.SessionStartFailures.WithLabelValues(s.cfg.Mode, kind).Inc()
		return Handle{}, err
	}

	s.fire(session.EventStart)
	startCtx, cancel := context.WithCancelCause(ctx)
	r := &run{
		id:          id,
		claim:       claim,
		classifier:  s.cfg.Classifier,
		esc:         s.cfg.Escalation,
		startCancel: cancel,
		startDone:   make(chan struct{}),
		finished:    make(chan struct{}),
	}
	if req.Classifier != nil {
		r.classifier = req.Classifier
	}
	if req.Escalation != nil {
		r.esc = *req.Escalation
	}
	idx := req.DeviceIndex
	s.active = r
	s.record = session.Record{SessionID: id, DeviceIndex: &idx, StartedAt: claim.ClaimedAt}
	s.counters.Reset()
	s.mu.Unlock()

	logger := s.logger.With().Str(log.FieldSessionID, id).Int(log.FieldDeviceIndex, idx).Logger()
	startCtx = log.ContextWithSessionID(log.ContextWithMode(startCtx, s.cfg.Mode), id)
	logger.Info().Str(log.FieldEvent, "session.starting").Int("stages", len(req.Spec.Stages)).Msg("starting session")

	ph, err := s.cfg.Launcher.Start(startCtx, req.Spec)
	cancel(nil)

	s.mu.Lock()
	if s.machine.Current() == session.Stopping {
		// StopSession took over while the pipeline was starting; it performs
		// the teardown once startDone is closed.
		r.handle = ph
		close(r.startDone)
		s.mu.Unlock()
		metrics.SessionStartFailures.WithLabelValues(s.cfg.Mode, "canceled").Inc()
		if err != nil {
			return Handle{}, fmt.Errorf("%w: %w", ErrStartCanceled, err)
		}
		return Handle{}, ErrStartCanceled
	}

	if err != nil {
		s.cfg.Registry.Release(idx, id)
		s.fire(session.EventFail)
		s.active = nil
		s.record = session.Record{}
		s.lastEnd = EndStartFailed + ": " + err.Error()
		r.summary = session.Summary{Mode: s.cfg.Mode, SessionID: id, DeviceIndex: &idx, Reason: s.lastEnd}
		close(r.startDone)
		close(r.finished)
		s.mu.Unlock()

		metrics.SessionStartFailures.WithLabelValues(s.cfg.Mode, "start_failed").Inc()
		logger.Warn().Err(err).Str(log.FieldEvent, "session.start_failed").Msg("pipeline start failed, claim released")
		return Handle{}, err
	}

	r.handle = ph
	if req.ScanTimeout > 0 {
		r.deadline = s.now().Add(req.ScanTimeout)
	}
	muxCtx, muxCancel := context.WithCancelCause(context.Background())
	muxCtx = log.ContextWithSessionID(log.ContextWithMode(muxCtx, s.cfg.Mode), id)
	r.muxCancel = muxCancel
	r.muxDone = make(chan struct{})
	s.fire(session.EventReady)
	started := s.workers.Go(func() { s.runSession(muxCtx, r) })
	close(r.startDone)
	s.mu.Unlock()

	if !started {
		// Close raced with this start; unwind like a stop.
		close(r.muxDone)
		s.finish(r, EndShuttingDown)
		return Handle{}, ErrClosed
	}

	metrics.SessionsRunning.WithLabelValues(s.cfg.Mode).Set(1)
	handle := Handle{SessionID: id, DeviceIndex: idx, StartedAt: claim.ClaimedAt}
	logger.Info().
		Str(log.FieldEvent, "session.started").
		Dur("scan_timeout", req.ScanTimeout).
		Msg("session running")
	s.publish(ctx, bus.TopicSessionStarted, id, handle)
	return handle, nil
}

// runSession is the per-session goroutine.
func (s *Supervisor) runSession(ctx context.Context, r *run) {
	h := r.handle

	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-h.AnyExited():
		case <-ctx.Done():
			return
		}
		t := time.NewTimer(s.cfg.ExitGrace)
		defer t.Stop()
		select {
		case <-t.C:
			r.muxCancel(errStageExited)
		case <-ctx.Done():
		}
	}()

	streams := make([]mux.Stream, 0, 4)
	for _, st := range h.Streams() {
		streams = append(streams, mux.Stream{Name: st.Name(), Reader: st.File(), Observe: st.Observe})
	}

	m := mux.New(s.cfg.Mux)
	reason := m.Run(ctx, streams, r.deadline, s.lineHandler(ctx, r))
	cause := context.Cause(ctx)
	r.muxCancel(errStopRequested)
	<-watchDone
	close(r.muxDone)

	end := EndStopped
	switch {
	case reason == mux.ReasonDeadline:
		end = EndScanTimeout
	case reason == mux.ReasonStreamsClosed, errors.Is(cause, errStageExited):
		end = EndStageExited
	}
	s.finish(r, end)
}

func (s *Supervisor) lineHandler(ctx context.Context, r *run) mux.LineFunc {
	return func(stream, line string) error {
		if r.classifier == nil {
			return nil
		}
		rec, err := r.classifier.Classify(stream, line)
		if err != nil || rec == nil {
			return err
		}
		rec.Mode = s.cfg.Mode
		rec.SessionID = r.id
		if rec.Time.IsZero() {
			rec.Time = s.now()
		}
		if len(rec.Deltas) > 0 {
			s.counters.Apply(func(v map[string]int64) {
				for k, d := range rec.Deltas {
					v[k] += d
				}
			})
		}
		metrics.RecordsClassified.WithLabelValues(s.cfg.Mode).Inc()

		if s.cfg.Records != nil {
			s.cfg.Records.Submit(*rec)
		} else {
			s.publish(ctx, bus.TopicRecord, r.id, *rec)
		}

		if r.esc.enabled() {
			if _, touched := rec.Deltas[r.esc.Counter]; touched {
				s.checkEscalation(ctx, r, s.counters.Get(r.esc.Counter), r.esc.Threshold)
			}
		}
		return nil
	}
}

// StopSession stops the active session, if any, and returns its summary. It is
// idempotent: concurrent and repeated calls all return once the session is
// fully torn down.
func (s *Supervisor) StopSession(ctx context.Context) session.Summary {
	_, span := s.tracer.Start(ctx, "supervisor.StopSession", trace.WithAttributes(
		telemetry.SessionAttributes(s.cfg.Mode, "", -1)...,
	))
	defer span.End()

	sum := s.stopSession(EndStopped)
	span.SetAttributes(telemetry.EndAttributes(sum.Reason, sum.ForcedKills)...)
	return sum
}

func (s *Supervisor) stopSession(reason string) session.Summary {
	s.mu.Lock()
	r := s.active
	if r == nil {
		sum := session.Summary{Mode: s.cfg.Mode, Reason: EndNotRunning, AlreadyIdle: true}
		s.mu.Unlock()
		return sum
	}

	switch s.machine.Current() {
	case session.Starting:
		s.fire(session.EventStop)
		r.startCancel(errStopRequested)
		s.mu.Unlock()
		<-r.startDone
		return s.finish(r, reason)
	case session.Running:
		s.mu.Unlock()
		return s.finish(r, reason)
	default:
		// Stopping: another caller or the session goroutine is tearing down,
		// or a stop-during-start is in flight.
		s.mu.Unlock()
		<-r.finished
		return r.summary
	}
}

// finish tears down r exactly once: stop the multiplexer, shut the pipeline
// down, release the claim and return to Idle.
func (s *Supervisor) finish(r *run, reason string) session.Summary {
	r.teardown.Do(func() {
		s.mu.Lock()
		if s.machine.Can(session.EventStop) {
			s.fire(session.EventStop)
		}
		s.mu.Unlock()

		if r.muxCancel != nil {
			r.muxCancel(errStopRequested)
			<-r.muxDone
		}

		var rep pipeline.ShutdownReport
		if r.handle != nil {
			rep = r.handle.Shutdown(s.cfg.PerStageTimeout)
		}
		s.cfg.Registry.Release(r.claim.DeviceIndex, r.id)

		s.mu.Lock()
		now := s.now()
		sum := session.Summary{
			Mode:        s.cfg.Mode,
			SessionID:   r.id,
			Reason:      reason,
			StartedAt:   s.record.StartedAt,
			Duration:    now.Sub(s.record.StartedAt),
			Counters:    s.counters.Snapshot(),
			Escalated:   s.record.Escalated,
			ForcedKills: rep.ForcedKills(),
		}
		if s.record.DeviceIndex != nil {
			idx := *s.record.DeviceIndex
			sum.DeviceIndex = &idx
		}
		s.fire(session.EventStopped)
		s.active = nil
		s.record = session.Record{}
		s.counters.Reset()
		s.lastEnd = reason
		r.summary = sum
		s.mu.Unlock()

		close(r.finished)
		metrics.SessionsRunning.WithLabelValues(s.cfg.Mode).Set(0)
		metrics.SessionEnds.WithLabelValues(s.cfg.Mode, endLabel(reason)).Inc()
		s.logger.Info().
			Str(log.FieldEvent, "session.stopped").
			Str(log.FieldSessionID, r.id).
			Str(log.FieldReason, reason).
			Dur("duration", sum.Duration).
			Int("forced_kills", sum.ForcedKills).
			Interface("counters", sum.Counters).
			Msg("session ended")
		s.publish(context.Background(), bus.TopicSessionStopped, r.id, sum)
	})
	<-r.finished
	return r.summary
}

// CheckAutoEscalation fires the escalation callback once per session when
// count reaches threshold. It returns true only for the call that fired it.
func (s *Supervisor) CheckAutoEscalation(ctx context.Context, count, threshold int64) bool {
	s.mu.Lock()
	r := s.active
	s.mu.Unlock()
	if r == nil {
		return false
	}
	return s.checkEscalation(ctx, r, count, threshold)
}

func (s *Supervisor) checkEscalation(ctx context.Context, r *run, count, threshold int64) bool {
	if count < threshold {
		return false
	}

	s.mu.Lock()
	st := s.machine.Current()
	if s.active != r || (st != session.Running && st != session.Starting) || !s.record.MarkEscalated() {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()

	esc := Escalation{
		Mode:      s.cfg.Mode,
		SessionID: r.id,
		Claim:     r.claim,
		Counter:   r.esc.Counter,
		Count:     count,
		Threshold: threshold,
		Target:    r.esc.Target,
	}
	metrics.Escalations.WithLabelValues(s.cfg.Mode).Inc()
	s.logger.Info().
		Str(log.FieldEvent, "session.escalated").
		Str(log.FieldSessionID, r.id).
		Str("counter", esc.Counter).
		Str("target", esc.Target).
		Int64("count", count).
		Int64("threshold", threshold).
		Msg("auto-escalation triggered")
	s.publish(ctx, bus.TopicSessionEscalated, r.id, esc)
	if s.cfg.OnEscalate != nil {
		s.cfg.OnEscalate(ctx, esc)
	}
	return true
}

// Status returns a detached snapshot of the mode.
func (s *Supervisor) Status() session.Snapshot {
	s.mu.Lock()
	snap := s.record.Snapshot(s.cfg.Mode, s.machine.Current(), s.counters, s.now())
	snap.LastEndReason = s.lastEnd
	var h *pipeline.Handle
	if s.active != nil {
		h = s.active.handle
	}
	s.mu.Unlock()

	if h != nil {
		for _, st := range h.Stages() {
			_, exited := st.ExitCode()
			snap.Stages = append(snap.Stages, session.StageStatus{Name: st.Name, PID: st.PID(), Running: !exited})
		}
	}
	return snap
}

// Stats samples resource usage of the active pipeline's stages.
func (s *Supervisor) Stats(ctx context.Context) []session.StageStatus {
	s.mu.Lock()
	var h *pipeline.Handle
	if s.active != nil {
		h = s.active.handle
	}
	s.mu.Unlock()
	if h == nil {
		return nil
	}

	stats := h.Stats(ctx)
	out := make([]session.StageStatus, 0, len(stats))
	for _, st := range stats {
		out = append(out, session.StageStatus{
			Name:       st.Name,
			PID:        st.PID,
			Running:    st.Running,
			RSSBytes:   st.RSSBytes,
			CPUPercent: st.CPUPercent,
		})
	}
	return out
}

// Close stops any active session and waits for session goroutines to exit.
// Later StartSession calls fail with ErrClosed.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.stopSession(EndShuttingDown)
	return s.workers.CloseAndWait(ctx)
}

// fire applies ev and logs the transition. Callers hold s.mu.
func (s *Supervisor) fire(ev session.Event) {
	from, to, err := s.machine.Fire(ev)
	if err != nil {
		s.logger.Error().Err(err).Msg("session state machine rejected event")
		return
	}
	s.logger.Debug().
		Str(log.FieldOldState, string(from)).
		Str(log.FieldNewState, string(to)).
		Str(log.FieldEvent, string(ev)).
		Msg("session state transition")
}

func (s *Supervisor) publish(ctx context.Context, topic, sessionID string, data any) {
	if err := s.cfg.Bus.Publish(ctx, topic, bus.Event{
		Topic:     topic,
		Mode:      s.cfg.Mode,
		SessionID: sessionID,
		Time:      s.now(),
		Data:      data,
	}); err != nil {
		s.logger.Debug().Err(err).Str("topic", topic).Msg("event publish failed")
	}
}

func endLabel(reason string) string {
	switch reason {
	case EndStopped:
		return "stopped"
	case EndScanTimeout:
		return "scan_timeout"
	case EndStageExited:
		return "stage_exited"
	case EndShuttingDown:
		return "shutdown"
	default:
		return "other"
	}
}
