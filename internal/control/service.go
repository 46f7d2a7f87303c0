// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package control is the external surface of sdrd: it maps mode names onto
// supervisors sharing one device registry and turns configured mode
// definitions into pipelines for a concrete device.
package control

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ManuGH/sdrd/internal/bus"
	"github.com/ManuGH/sdrd/internal/classify"
	"github.com/ManuGH/sdrd/internal/config"
	"github.com/ManuGH/sdrd/internal/device"
	"github.com/ManuGH/sdrd/internal/log"
	"github.com/ManuGH/sdrd/internal/mux"
	"github.com/ManuGH/sdrd/internal/pipeline"
	"github.com/ManuGH/sdrd/internal/registry"
	"github.com/ManuGH/sdrd/internal/session"
	"github.com/ManuGH/sdrd/internal/supervisor"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ConfigSource yields the current configuration. *config.Holder implements it.
type ConfigSource interface {
	Get() config.Config
}

// StaticConfig serves a fixed configuration.
type StaticConfig config.Config

func (c StaticConfig) Get() config.Config { return config.Config(c) }

// Options wires a Service.
type Options struct {
	Lister     device.Lister
	Bus        bus.Publisher
	Records    supervisor.RecordSink
	OnEscalate supervisor.EscalationFunc
}

// StartResult identifies a started session.
type StartResult struct {
	Mode        string    `json:"mode"`
	SessionID   string    `json:"session_id"`
	DeviceIndex int       `json:"device_index"`
	StartedAt   time.Time `json:"started_at"`
}

// DeviceStatus is a detected device joined with its live claim.
type DeviceStatus struct {
	device.Descriptor
	Claim *registry.Claim `json:"claim,omitempty"`
}

// Service owns the registry and one supervisor per mode.
type Service struct {
	cfg        ConfigSource
	lister     device.Lister
	registry   *registry.Registry
	bus        bus.Publisher
	records    supervisor.RecordSink
	onEscalate supervisor.EscalationFunc
	logger     zerolog.Logger

	mu     sync.Mutex
	modes  map[string]*supervisor.Supervisor
	closed bool
}

// New builds a Service and a supervisor for every configured mode. Modes added
// by a later reload get their supervisor on first use.
func New(cfg ConfigSource, opts Options) (*Service, error) {
	if opts.Lister == nil {
		return nil, errors.New("control: device lister is required")
	}
	if opts.Bus == nil {
		opts.Bus = bus.Nop{}
	}
	s := &Service{
		cfg:        cfg,
		lister:     opts.Lister,
		bus:        opts.Bus,
		records:    opts.Records,
		onEscalate: opts.OnEscalate,
		logger:     log.WithComponent("control"),
		modes:      make(map[string]*supervisor.Supervisor),
	}
	s.registry = registry.New(s.validDevice)

	current := cfg.Get()
	for _, name := range current.ModeNames() {
		if _, err := s.supervisor(name, current); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Registry exposes the shared device registry.
func (s *Service) Registry() *registry.Registry { return s.registry }

// validDevice is the registry validator. It runs device detection and is only
// ever called outside the registry lock.
func (s *Service) validDevice(ctx context.Context, idx int) bool {
	devs, err := s.lister.ListDevices(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Int(log.FieldDeviceIndex, idx).Msg("device detection failed during claim validation")
		return false
	}
	return device.ValidIndex(idx, devs)
}

func (s *Service) supervisor(mode string, c config.Config) (*supervisor.Supervisor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, supervisor.ErrClosed
	}
	if sup, ok := s.modes[mode]; ok {
		return sup, nil
	}
	if _, ok := c.Modes[mode]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	sup, err := supervisor.New(supervisor.Config{
		Mode:            mode,
		Registry:        s.registry,
		Launcher:        pipeline.NewLauncher(pipeline.Options{VerifyGrace: c.VerifyGrace, TailLines: c.TailLines}),
		Mux:             mux.Options{PollInterval: c.PollInterval},
		Records:         s.records,
		Bus:             s.bus,
		PerStageTimeout: c.PerStageTimeout,
		OnEscalate:      s.escalate,
	})
	if err != nil {
		return nil, err
	}
	s.modes[mode] = sup
	return sup, nil
}

// existing returns the supervisor of a mode that has one, even if a reload
// removed the mode from the configuration since.
func (s *Service) existing(mode string) (*supervisor.Supervisor, error) {
	s.mu.Lock()
	sup, ok := s.modes[mode]
	s.mu.Unlock()
	if ok {
		return sup, nil
	}
	return s.supervisor(mode, s.cfg.Get())
}

// Start starts a session of mode on deviceIndex. params fill the ${name}
// placeholders of the mode's stages. A zero scanTimeout uses the mode default.
func (s *Service) Start(ctx context.Context, mode string, deviceIndex int, params map[string]string, scanTimeout time.Duration) (StartResult, error) {
	c := s.cfg.Get()
	mc, ok := c.Modes[mode]
	if !ok {
		return StartResult{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	sup, err := s.supervisor(mode, c)
	if err != nil {
		return StartResult{}, err
	}
	if sup.Status().State != session.Idle {
		return StartResult{}, supervisor.ErrAlreadyRunning
	}

	devs, err := s.lister.ListDevices(ctx)
	if err != nil {
		return StartResult{}, fmt.Errorf("list devices: %w", err)
	}
	d, ok := device.Find(deviceIndex, devs)
	if !ok {
		return StartResult{}, &registry.InvalidDeviceError{DeviceIndex: deviceIndex}
	}
	vars, err := templateVars(d, params)
	if err != nil {
		return StartResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	spec, err := buildSpec(mc, vars)
	if err != nil {
		return StartResult{}, err
	}
	classifier, err := classify.Build(mc.Classifier)
	if err != nil {
		return StartResult{}, fmt.Errorf("%w: classifier: %v", ErrInvalidRequest, err)
	}
	if scanTimeout <= 0 {
		scanTimeout = mc.ScanTimeout
	}

	h, err := sup.StartSession(ctx, supervisor.StartRequest{
		DeviceIndex: deviceIndex,
		Spec:        spec,
		ScanTimeout: scanTimeout,
		Params:      params,
		Classifier:  classifier,
		Escalation: &supervisor.EscalationPolicy{
			Counter:   mc.Escalation.Counter,
			Threshold: mc.Escalation.Threshold,
			Target:    mc.Escalation.Target,
		},
	})
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str(log.FieldMode, mode).
			Int(log.FieldDeviceIndex, deviceIndex).
			Str("kind", ErrorKind(err)).
			Msg("start rejected")
		return StartResult{}, err
	}
	return StartResult{Mode: mode, SessionID: h.SessionID, DeviceIndex: h.DeviceIndex, StartedAt: h.StartedAt}, nil
}

// Autostart starts every mode configured with an autostart block, in name
// order. A mode that fails to start is logged and skipped.
func (s *Service) Autostart(ctx context.Context) []StartResult {
	c := s.cfg.Get()
	var started []StartResult
	for _, name := range c.ModeNames() {
		as := c.Modes[name].Autostart
		if as == nil {
			continue
		}
		res, err := s.Start(ctx, name, as.Device, maps.Clone(as.Params), as.ScanTimeout)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str(log.FieldEvent, "control.autostart_failed").
				Str(log.FieldMode, name).
				Int(log.FieldDeviceIndex, as.Device).
				Str("kind", ErrorKind(err)).
				Msg("autostart failed")
			continue
		}
		s.logger.Info().
			Str(log.FieldEvent, "control.autostarted").
			Str(log.FieldMode, name).
			Str(log.FieldSessionID, res.SessionID).
			Int(log.FieldDeviceIndex, res.DeviceIndex).
			Msg("mode autostarted")
		started = append(started, res)
	}
	return started
}

// Stop stops the session of mode. Stopping an idle mode is not an error.
func (s *Service) Stop(ctx context.Context, mode string) (session.Summary, error) {
	sup, err := s.existing(mode)
	if err != nil {
		return session.Summary{}, err
	}
	return sup.StopSession(ctx), nil
}

// Status returns the snapshot of one mode.
func (s *Service) Status(mode string) (session.Snapshot, error) {
	sup, err := s.existing(mode)
	if err != nil {
		return session.Snapshot{}, err
	}
	return sup.Status(), nil
}

// StatusAll returns a snapshot of every mode, ordered by name.
func (s *Service) StatusAll() []session.Snapshot {
	sups := s.supervisors()
	out := make([]session.Snapshot, 0, len(sups))
	for _, sup := range sups {
		out = append(out, sup.Status())
	}
	return out
}

// Stats samples stage resource usage of a mode's running pipeline.
func (s *Service) Stats(ctx context.Context, mode string) ([]session.StageStatus, error) {
	sup, err := s.existing(mode)
	if err != nil {
		return nil, err
	}
	return sup.Stats(ctx), nil
}

// Devices lists detected devices with their live claims. Detection runs
// before the registry is consulted.
func (s *Service) Devices(ctx context.Context) ([]DeviceStatus, error) {
	devs, err := s.lister.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	device.SortByIndex(devs)

	claims := make(map[int]registry.Claim)
	for _, c := range s.registry.Status() {
		claims[c.DeviceIndex] = c
	}
	out := make([]DeviceStatus, 0, len(devs))
	for _, d := range devs {
		ds := DeviceStatus{Descriptor: d}
		if c, ok := claims[d.Index]; ok {
			ds.Claim = &c
		}
		out = append(out, ds)
	}
	return out, nil
}

// Close stops every mode concurrently and waits for their goroutines.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	var g errgroup.Group
	for _, sup := range s.supervisors() {
		g.Go(func() error { return sup.Close(ctx) })
	}
	return g.Wait()
}

func (s *Service) supervisors() []*supervisor.Supervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.modes))
	for name := range s.modes {
		names = append(names, name)
	}
	slices.Sort(names)
	out := make([]*supervisor.Supervisor, 0, len(names))
	for _, name := range names {
		out = append(out, s.modes[name])
	}
	return out
}

// escalate is the escalation callback of every mode. The escalating session
// keeps its claim; the hand-over target is reported, never started here.
func (s *Service) escalate(ctx context.Context, esc supervisor.Escalation) {
	s.logger.Info().
		Str(log.FieldEvent, "control.escalation").
		Str(log.FieldMode, esc.Mode).
		Str(log.FieldSessionID, esc.SessionID).
		Int(log.FieldDeviceIndex, esc.Claim.DeviceIndex).
		Str("target", esc.Target).
		Int64("count", esc.Count).
		Msg("mode escalated")
	if s.onEscalate != nil {
		s.onEscalate(ctx, esc)
	}
}
