// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package control

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ManuGH/sdrd/internal/bus"
	"github.com/ManuGH/sdrd/internal/log"
	"github.com/ManuGH/sdrd/internal/registry"
	"github.com/ManuGH/sdrd/internal/session"
	"github.com/google/renameio/v2"
)

// StatusReport is the document written to the status file.
type StatusReport struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Version     string             `json:"version,omitempty"`
	Modes       []session.Snapshot `json:"modes"`
	Claims      []registry.Claim   `json:"claims"`
}

// Report assembles the current status of every mode.
func (s *Service) Report() StatusReport {
	return StatusReport{
		GeneratedAt: time.Now().UTC(),
		Version:     s.cfg.Get().Version,
		Modes:       s.StatusAll(),
		Claims:      s.registry.Status(),
	}
}

// StatusFile keeps a JSON status snapshot on disk for external tools. Every
// write replaces the file atomically so readers never see a partial document.
type StatusFile struct {
	path string
	svc  *Service
}

// NewStatusFile returns a writer for path.
func NewStatusFile(path string, svc *Service) *StatusFile {
	return &StatusFile{path: path, svc: svc}
}

// Write renders and atomically replaces the status file.
func (f *StatusFile) Write() error {
	data, err := json.MarshalIndent(f.svc.Report(), "", "  ")
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	data = append(data, '\n')

	pending, err := renameio.NewPendingFile(f.path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending status file: %w", err)
	}
	defer func() { _ = pending.Cleanup() }()

	if _, err := pending.Write(data); err != nil {
		return fmt.Errorf("write status data: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace status file: %w", err)
	}
	return nil
}

// Run rewrites the file every interval and after every session lifecycle event
// on events, until ctx is done. events may be nil.
func (f *StatusFile) Run(ctx context.Context, interval time.Duration, events <-chan bus.Event) {
	logger := log.WithComponent("statusfile")
	write := func() {
		if err := f.Write(); err != nil {
			logger.Warn().Err(err).Str("path", f.path).Msg("status file update failed")
		}
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	write()
	for {
		select {
		case <-ctx.Done():
			write()
			return
		case <-t.C:
			write()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Topic != bus.TopicRecord {
				write()
			}
		}
	}
}
