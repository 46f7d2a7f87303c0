// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package classify

import (
	"strings"
)

// KindRemoteID labels a decoded drone Remote ID broadcast.
const KindRemoteID = "remote_id_detected"

var (
	droneIDKeys    = []string{"uas_id", "drone_id", "serial_number", "serial", "id", "uasId"}
	operatorIDKeys = []string{"operator_id", "pilot_id", "operator", "operatorId"}
	latKeys        = []string{"lat", "latitude"}
	lonKeys        = []string{"lon", "lng", "longitude"}
	altKeys        = []string{"alt", "altitude", "altitude_m", "height"}
	speedKeys      = []string{"speed", "speed_mps", "ground_speed"}
	headingKeys    = []string{"heading", "heading_deg", "course"}

	idPrefixes       = []string{"remote_id", "message", "uas"}
	operatorPrefixes = []string{"remote_id", "message", "operator"}
	positionPrefixes = []string{"remote_id", "message", "position"}
)

// RemoteID is a normalized Remote ID payload.
type RemoteID struct {
	Detected     bool           `json:"detected"`
	SourceFormat string         `json:"source_format"`
	UASID        string         `json:"uas_id,omitempty"`
	OperatorID   string         `json:"operator_id,omitempty"`
	Lat          *float64       `json:"lat,omitempty"`
	Lon          *float64       `json:"lon,omitempty"`
	AltitudeM    *float64       `json:"altitude_m,omitempty"`
	SpeedMPS     *float64       `json:"speed_mps,omitempty"`
	HeadingDeg   *float64       `json:"heading_deg,omitempty"`
	Confidence   float64        `json:"confidence"`
	Raw          map[string]any `json:"raw,omitempty"`
}

// DecodeRemoteID normalizes a Remote ID-like payload given as a decoded JSON
// object, raw bytes or a string. Strings are parsed as JSON first; anything
// else is kept opaque under Raw["raw"].
func DecodeRemoteID(payload any) RemoteID {
	data, format := normalizePayload(payload)

	droneID := pick(data, droneIDKeys, idPrefixes)
	operatorID := pick(data, operatorIDKeys, operatorPrefixes)
	lat := floatPtr(pick(data, latKeys, positionPrefixes))
	lon := floatPtr(pick(data, lonKeys, positionPrefixes))

	rid := RemoteID{
		SourceFormat: format,
		Lat:          lat,
		Lon:          lon,
		AltitudeM:    floatPtr(pick(data, altKeys, positionPrefixes)),
		SpeedMPS:     floatPtr(pick(data, speedKeys, positionPrefixes)),
		HeadingDeg:   floatPtr(pick(data, headingKeys, positionPrefixes)),
		Raw:          data,
	}

	var confidence float64
	if truthy(droneID) {
		rid.UASID = text(droneID)
		confidence += 0.35
	}
	hasPosition := lat != nil && lon != nil
	if hasPosition {
		confidence += 0.35
	}
	if rid.AltitudeM != nil {
		confidence += 0.15
	}
	if truthy(operatorID) {
		rid.OperatorID = text(operatorID)
		confidence += 0.15
	}
	rid.Confidence = min(1.0, round3(confidence))
	rid.Detected = truthy(droneID) || (hasPosition && rid.Confidence >= 0.35)
	return rid
}

// RemoteIDClassifier emits a record for every line that decodes to a Remote ID.
type RemoteIDClassifier struct {
	Counter string
}

func (c RemoteIDClassifier) Classify(stream, line string) (*Record, error) {
	if looksLikeObject(line) {
		if _, err := decodeObject(line); err != nil {
			return nil, ErrParse
		}
	}
	rid := DecodeRemoteID(line)
	if !rid.Detected {
		return nil, nil
	}
	id := rid.UASID
	if id == "" {
		id = rid.OperatorID
	}
	if id == "" {
		id = "remote_id"
	}
	confidence := rid.Confidence
	if confidence == 0 {
		confidence = 0.6
	}
	rec := &Record{
		Stream:     stream,
		Kind:       KindRemoteID,
		Identifier: id,
		Confidence: confidence,
		Raw:        line,
		Fields:     map[string]any{"remote_id": rid},
	}
	if c.Counter != "" {
		rec.Deltas = map[string]int64{c.Counter: 1}
	}
	return rec, nil
}

func normalizePayload(payload any) (map[string]any, string) {
	var s string
	switch p := payload.(type) {
	case map[string]any:
		return p, "dict"
	case []byte:
		s = strings.ToValidUTF8(string(p), "�")
	case string:
		s = p
	case nil:
	default:
		s = text(p)
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return map[string]any{}, "empty"
	}
	if obj, err := decodeObject(s); err == nil {
		return obj, "json"
	}
	return map[string]any{"raw": s}, "raw"
}

// pick returns the first direct key present, then the first non-nil value
// under one of the nested prefixes.
func pick(data map[string]any, keys, prefixes []string) any {
	for _, k := range keys {
		if v, ok := data[k]; ok {
			return v
		}
	}
	for _, p := range prefixes {
		nested, ok := data[p].(map[string]any)
		if !ok {
			continue
		}
		for _, k := range keys {
			if v := nested[k]; v != nil {
				return v
			}
		}
	}
	return nil
}

func floatPtr(v any) *float64 {
	f, ok := toFloat(v)
	if !ok {
		return nil
	}
	return &f
}
