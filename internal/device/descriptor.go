// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package device

import (
	"fmt"
	"sort"
	"strings"
)

// Kind identifies a supported hardware family.
type Kind string

const (
	KindRTLSDR  Kind = "rtlsdr"
	KindHackRF  Kind = "hackrf"
	KindAirspy  Kind = "airspy"
	KindSDRplay Kind = "sdrplay"
	KindLimeSDR Kind = "limesdr"
)

// Kinds returns every supported kind in a stable order.
func Kinds() []Kind {
	return []Kind{KindRTLSDR, KindHackRF, KindAirspy, KindSDRplay, KindLimeSDR}
}

// ParseKind maps a case-insensitive name onto a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Kinds() {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("unsupported device kind %q", s)
}

// Descriptor identifies one physical capture device. Descriptors are immutable once
// produced by detection.
type Descriptor struct {
	Index  int    `json:"index" yaml:"index"`
	Kind   Kind   `json:"kind" yaml:"kind"`
	Serial string `json:"serial,omitempty" yaml:"serial,omitempty"`
	Label  string `json:"label" yaml:"label"`
}

func (d Descriptor) String() string {
	if d.Serial == "" {
		return fmt.Sprintf("%s#%d", d.Kind, d.Index)
	}
	return fmt.Sprintf("%s#%d(%s)", d.Kind, d.Index, d.Serial)
}

// Find returns the descriptor with the given index.
func Find(index int, devices []Descriptor) (Descriptor, bool) {
	for _, d := range devices {
		if d.Index == index {
			return d, true
		}
	}
	return Descriptor{}, false
}

// ValidIndex reports whether index names a known device.
func ValidIndex(index int, devices []Descriptor) bool {
	if index < 0 {
		return false
	}
	_, ok := Find(index, devices)
	return ok
}

// SortByIndex orders descriptors by index in place.
func SortByIndex(devices []Descriptor) {
	sort.Slice(devices, func(i, j int) bool { return devices[i].Index < devices[j].Index })
}
