// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package enrich

import (
	"context"
	"maps"

	"github.com/ManuGH/sdrd/internal/classify"
)

// Track is a position fix derived from a Remote ID payload.
type Track struct {
	Lat        float64  `json:"lat"`
	Lon        float64  `json:"lon"`
	AltitudeM  *float64 `json:"altitude_m,omitempty"`
	SpeedMPS   *float64 `json:"speed_mps,omitempty"`
	HeadingDeg *float64 `json:"heading_deg,omitempty"`
	Quality    float64  `json:"quality"`
	Source     string   `json:"source"`
}

// RemoteIDEnricher decodes Remote ID payloads carried in raw record lines and
// attaches the decoded broadcast and, when it has a position, a track.
type RemoteIDEnricher struct{}

func (RemoteIDEnricher) Name() string { return "remote_id" }

func (RemoteIDEnricher) Enrich(_ context.Context, rec *classify.Record) error {
	rid, ok := rec.Fields["remote_id"].(classify.RemoteID)
	if !ok {
		rid = classify.DecodeRemoteID(rec.Raw)
		if !rid.Detected {
			return nil
		}
	}

	fields := maps.Clone(rec.Fields)
	if fields == nil {
		fields = map[string]any{}
	}
	fields["remote_id"] = rid
	if tr, ok := TrackFromRemoteID(rid, rec.Mode); ok {
		fields["track"] = tr
	}
	rec.Fields = fields
	return nil
}

// TrackFromRemoteID builds a track from a detected broadcast with a position.
func TrackFromRemoteID(rid classify.RemoteID, source string) (Track, bool) {
	if !rid.Detected || rid.Lat == nil || rid.Lon == nil {
		return Track{}, false
	}
	return Track{
		Lat:        *rid.Lat,
		Lon:        *rid.Lon,
		AltitudeM:  rid.AltitudeM,
		SpeedMPS:   rid.SpeedMPS,
		HeadingDeg: rid.HeadingDeg,
		Quality:    rid.Confidence,
		Source:     source,
	}, true
}
