// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys used on session spans.
const (
	ModeKey        = "sdr.mode"
	SessionIDKey   = "sdr.session_id"
	DeviceIndexKey = "sdr.device_index"
	DeviceKindKey  = "sdr.device_kind"
	StagesKey      = "sdr.pipeline.stages"
	EndReasonKey   = "sdr.session.end_reason"
	ForcedKillsKey = "sdr.pipeline.forced_kills"
	ErrorKindKey   = "error.kind"
)

// SessionAttributes describes the session a span belongs to.
func SessionAttributes(mode, sessionID string, deviceIndex int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String(ModeKey, mode),
		attribute.Int(DeviceIndexKey, deviceIndex),
	}
	if sessionID != "" {
		attrs = append(attrs, attribute.String(SessionIDKey, sessionID))
	}
	return attrs
}

// EndAttributes describes how a session ended.
func EndAttributes(reason string, forcedKills int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(EndReasonKey, reason),
		attribute.Int(ForcedKillsKey, forcedKills),
	}
}
