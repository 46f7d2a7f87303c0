// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package daemon

import (
	"time"

	"github.com/ManuGH/sdrd/internal/control"
	"github.com/rs/zerolog"
)

// Deps are the collaborators of the daemon manager.
type Deps struct {
	Logger  zerolog.Logger
	Service *control.Service
	Version string

	// MetricsAddr is the ops listener (/metrics, /healthz, /readyz, /status).
	// Empty disables it.
	MetricsAddr     string
	ShutdownTimeout time.Duration
}

// Validate checks the required dependencies.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.Service == nil {
		return ErrMissingService
	}
	return nil
}
