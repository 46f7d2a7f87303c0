// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package classify

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// KindDroneRF labels activity near a known drone control or video link band.
const KindDroneRF = "rf_drone_link_activity"

// DroneBandsMHz are the common drone control and video link centre frequencies.
var DroneBandsMHz = []float64{315.0, 433.92, 868.0, 915.0, 1200.0, 2400.0, 5800.0}

const droneBandToleranceMHz = 35.0

var mhzInText = regexp.MustCompile(`(?i)([0-9]{2,4}(?:\.[0-9]+)?)\s*MHz`)

// DroneRF flags decoder events whose frequency lies within 35 MHz of a known
// drone link band. It understands JSON events (rtl_433 style) and plain text
// containing "<n> MHz".
type DroneRF struct {
	// Counter is incremented once per flagged event.
	Counter string
}

func (d DroneRF) Classify(stream, line string) (*Record, error) {
	var (
		event map[string]any
		freq  float64
		ok    bool
	)
	if looksLikeObject(line) {
		var err error
		event, err = decodeObject(line)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		freq, ok = frequencyMHz(event)
	} else {
		freq, ok = frequencyInText(line)
	}
	if !ok {
		return nil, nil
	}

	delta := closestBandDelta(freq)
	if delta > droneBandToleranceMHz {
		return nil, nil
	}
	confidence := math.Min(1.0, round3(math.Max(0.5, 0.85-delta/100.0)))

	id := text(event["capture_id"])
	if id == "" {
		id = text(event["id"])
	}
	if id == "" {
		id = strconv.FormatFloat(freq, 'f', 3, 64) + "MHz"
	}

	rec := &Record{
		Stream:     stream,
		Kind:       KindDroneRF,
		Identifier: "rf:" + id,
		Confidence: confidence,
		Raw:        line,
		Fields: map[string]any{
			"frequency_mhz":             freq,
			"delta_from_known_band_mhz": round3(delta),
		},
	}
	if d.Counter != "" {
		rec.Deltas = map[string]int64{d.Counter: 1}
	}
	return rec, nil
}

// frequencyMHz reads the first usable frequency field. Values above 100000
// are taken as Hz.
func frequencyMHz(event map[string]any) (float64, bool) {
	candidates := []any{event["frequency_mhz"], event["frequency"], event["freq"]}
	if hz, ok := toFloat(event["frequency_hz"]); ok {
		candidates = append(candidates, hz/1e6)
	}
	for _, c := range candidates {
		f, ok := toFloat(c)
		if !ok {
			continue
		}
		if f > 100000 {
			f /= 1e6
		}
		if f >= 1.0 && f <= 7000.0 {
			return math.Round(f*1e6) / 1e6, true
		}
	}
	if msg := text(event["text"]); msg != "" {
		return frequencyInText(msg)
	}
	return frequencyInText(text(event["message"]))
}

func frequencyInText(s string) (float64, bool) {
	m := mhzInText.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(m[1], 64)
	return f, err == nil
}

func closestBandDelta(freq float64) float64 {
	best := math.Inf(1)
	for _, b := range DroneBandsMHz {
		best = math.Min(best, math.Abs(freq-b))
	}
	return best
}
