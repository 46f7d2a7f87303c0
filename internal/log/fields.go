// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldSessionID     = "session_id"
	FieldCorrelationID = "correlation_id"
	FieldMode          = "mode"

	// Device fields
	FieldDeviceIndex = "device_index"
	FieldDeviceKind  = "device_kind"
	FieldHeldBy      = "held_by"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldStage     = "stage"
	FieldPID       = "pid"
	FieldCommand   = "command"
	FieldExitCode  = "exit_code"
	FieldSignal    = "signal"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"
	FieldReason   = "reason"
)
