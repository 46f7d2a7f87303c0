// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package supervisor

import (
	"errors"

	"github.com/ManuGH/sdrd/internal/registry"
)

var (
	// ErrAlreadyRunning is returned by StartSession when the mode is not Idle.
	ErrAlreadyRunning = errors.New("session already running")
	// ErrStartCanceled is returned by StartSession when StopSession interrupted it.
	ErrStartCanceled = errors.New("session stopped during start")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("supervisor closed")

	errStopRequested = errors.New("stop requested")
	errStageExited   = errors.New("pipeline stage exited")
)

// DeviceBusyError reports that the requested device is claimed by another mode.
type DeviceBusyError = registry.ConflictError

// InvalidDeviceError reports an unknown device index.
type InvalidDeviceError = registry.InvalidDeviceError

// End reasons reported in session summaries.
const (
	EndStopped      = "stopped"
	EndScanTimeout  = "completed: scan timeout"
	EndStageExited  = "ended: pipeline stage exited"
	EndStartFailed  = "start failed"
	EndNotRunning   = "not running"
	EndShuttingDown = "stopped: daemon shutdown"
)
