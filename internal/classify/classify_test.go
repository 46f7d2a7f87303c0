// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRulesCountAndCapture(t *testing.T) {
	r, err := CompileRules([]RuleSpec{
		{Name: "tower", Match: `ARFCN:\s*(?P<arfcn>\d+).*CID:\s*(?P<id>\d+)`, Counter: "towers"},
		{Match: `CID:`, Counter: "cells", Delta: 2},
		{Name: "stderr-only", Match: `ARFCN`, Counter: "noise", Stream: "stderr"},
	})
	require.NoError(t, err)

	rec, err := r.Classify("decoder:stdout", "ARFCN: 62 Freq: 947.4M CID: 1234")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "tower", rec.Kind)
	assert.Equal(t, "1234", rec.Identifier)
	assert.Equal(t, "62", rec.Fields["arfcn"])
	assert.Equal(t, map[string]int64{"towers": 1, "cells": 2}, rec.Deltas)

	rec, err = r.Classify("decoder:stdout", "nothing here")
	assert.NoError(t, err)
	assert.Nil(t, rec)
}

func TestCompileRulesRejectsBadPattern(t *testing.T) {
	_, err := CompileRules([]RuleSpec{{Name: "bad", Match: "("}})
	assert.ErrorContains(t, err, "bad")
}

func TestDroneRFFromJSON(t *testing.T) {
	d := DroneRF{Counter: "drone_hits"}

	rec, err := d.Classify("s", `{"model":"x","frequency_hz":2410000000,"id":77}`)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, KindDroneRF, rec.Kind)
	assert.Equal(t, "rf:77", rec.Identifier)
	assert.InDelta(t, 0.75, rec.Confidence, 1e-9)
	assert.Equal(t, int64(1), rec.Deltas["drone_hits"])
	assert.InDelta(t, 2410.0, rec.Fields["frequency_mhz"].(float64), 1e-9)
}

func TestDroneRFConfidenceFloorAndTolerance(t *testing.T) {
	d := DroneRF{}

	// 34 MHz away: 0.85 - 0.34 = 0.51
	rec, err := d.Classify("s", `{"freq": 949.0}`)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.InDelta(t, 0.51, rec.Confidence, 1e-9)
	assert.Equal(t, "rf:949.000MHz", rec.Identifier)

	// 36 MHz away from 2400: out of tolerance.
	rec, err = d.Classify("s", `{"frequency_mhz": 2436}`)
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Exactly on band.
	rec, err = d.Classify("s", "carrier detected at 433.92 MHz")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.InDelta(t, 0.85, rec.Confidence, 1e-9)
	assert.Nil(t, rec.Deltas)
}

func TestDroneRFMalformedJSONIsParseError(t *testing.T) {
	_, err := DroneRF{}.Classify("s", `{"freq": `)
	assert.ErrorIs(t, err, ErrParse)
}

func TestDecodeRemoteID(t *testing.T) {
	rid := DecodeRemoteID(`{"uas_id":" 1581F5FKD22 ","position":{"lat":"52.5","lon":13.4,"alt":120},"operator":"OP-1"}`)
	assert.True(t, rid.Detected)
	assert.Equal(t, "json", rid.SourceFormat)
	assert.Equal(t, "1581F5FKD22", rid.UASID)
	assert.Equal(t, "OP-1", rid.OperatorID)
	require.NotNil(t, rid.Lat)
	assert.InDelta(t, 52.5, *rid.Lat, 1e-9)
	require.NotNil(t, rid.AltitudeM)
	assert.InDelta(t, 1.0, rid.Confidence, 1e-9)

	posOnly := DecodeRemoteID(map[string]any{"latitude": 1.0, "longitude": 2.0})
	assert.True(t, posOnly.Detected)
	assert.Equal(t, "dict", posOnly.SourceFormat)
	assert.InDelta(t, 0.35, posOnly.Confidence, 1e-9)

	raw := DecodeRemoteID([]byte("not json"))
	assert.False(t, raw.Detected)
	assert.Equal(t, "raw", raw.SourceFormat)
	assert.Equal(t, "not json", raw.Raw["raw"])

	empty := DecodeRemoteID(nil)
	assert.Equal(t, "empty", empty.SourceFormat)
	assert.False(t, empty.Detected)
}

func TestRemoteIDClassifier(t *testing.T) {
	c := RemoteIDClassifier{Counter: "remote_ids"}

	rec, err := c.Classify("s", `{"operator_id":"OP-9","lat":1,"lon":2}`)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "OP-9", rec.Identifier)
	assert.Equal(t, KindRemoteID, rec.Kind)
	assert.Equal(t, int64(1), rec.Deltas["remote_ids"])

	rec, err = c.Classify("s", "plain log line")
	assert.NoError(t, err)
	assert.Nil(t, rec)

	_, err = c.Classify("s", "{broken")
	assert.ErrorIs(t, err, ErrParse)
}

func TestBuildChain(t *testing.T) {
	cl, err := Build(Spec{
		Use:     []string{NameRemoteID, NameDroneRF},
		Counter: "drones",
	})
	require.NoError(t, err)

	rec, err := cl.Classify("s", `{"frequency": 5790}`)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, KindDroneRF, rec.Kind)

	_, err = Build(Spec{Use: []string{"magic"}})
	assert.Error(t, err)

	single, err := Build(Spec{Rules: []RuleSpec{{Match: "x", Counter: "c"}}})
	require.NoError(t, err)
	_, isRules := single.(*Rules)
	assert.True(t, isRules)
}

func TestChainReportsParseErrorOnlyWithoutMatch(t *testing.T) {
	failing := Func(func(string, string) (*Record, error) { return nil, ErrParse })
	matching := Func(func(s, l string) (*Record, error) { return &Record{Kind: "ok"}, nil })

	rec, err := Chain{failing, matching}.Classify("s", "l")
	assert.NoError(t, err)
	assert.Equal(t, "ok", rec.Kind)

	_, err = Chain{failing}.Classify("s", "l")
	assert.ErrorIs(t, err, ErrParse)
}
