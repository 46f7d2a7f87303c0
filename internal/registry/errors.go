// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceBusy classifies claim conflicts. Use errors.Is instead of string matching.
	ErrDeviceBusy = errors.New("device busy")
	// ErrInvalidDevice classifies claims on unknown or out-of-range devices.
	ErrInvalidDevice = errors.New("invalid device")
)

// ConflictError reports that a device already has a live claim.
type ConflictError struct {
	DeviceIndex int
	HeldBy      string
	SessionID   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("device %d is in use by %s", e.DeviceIndex, e.HeldBy)
}

func (e *ConflictError) Unwrap() error { return ErrDeviceBusy }

// InvalidDeviceError reports a claim on a device index the detector does not know.
type InvalidDeviceError struct {
	DeviceIndex int
}

func (e *InvalidDeviceError) Error() string {
	return fmt.Sprintf("device %d is not a known capture device", e.DeviceIndex)
}

func (e *InvalidDeviceError) Unwrap() error { return ErrInvalidDevice }
