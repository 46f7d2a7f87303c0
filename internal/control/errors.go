// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package control

import (
	"errors"

	"github.com/ManuGH/sdrd/internal/pipeline"
	"github.com/ManuGH/sdrd/internal/registry"
	"github.com/ManuGH/sdrd/internal/supervisor"
)

var (
	// ErrUnknownMode is returned for modes that are not configured.
	ErrUnknownMode = errors.New("unknown mode")
	// ErrInvalidRequest is returned when a start request cannot be turned into
	// a pipeline, for example because a placeholder has no value.
	ErrInvalidRequest = errors.New("invalid request")
)

// Error kinds returned by ErrorKind.
const (
	KindAlreadyRunning = "already_running"
	KindDeviceBusy     = "device_busy"
	KindInvalidDevice  = "invalid_device"
	KindStartFailed    = "start_failed"
	KindUnknownMode    = "unknown_mode"
	KindInvalidRequest = "invalid_request"
	KindInternal       = "internal"
)

// ErrorKind maps an error returned by Service onto a stable identifier for
// callers that translate errors into responses.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, supervisor.ErrAlreadyRunning):
		return KindAlreadyRunning
	case errors.Is(err, registry.ErrDeviceBusy):
		return KindDeviceBusy
	case errors.Is(err, registry.ErrInvalidDevice):
		return KindInvalidDevice
	case errors.Is(err, pipeline.ErrStartFailed), errors.Is(err, pipeline.ErrStartAborted), errors.Is(err, supervisor.ErrStartCanceled):
		return KindStartFailed
	case errors.Is(err, ErrUnknownMode):
		return KindUnknownMode
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, pipeline.ErrInvalidSpec):
		return KindInvalidRequest
	default:
		return KindInternal
	}
}
