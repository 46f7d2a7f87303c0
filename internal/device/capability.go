// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package device

import (
	"fmt"
	"strconv"
)

// Capability is the addressing information for one kind of hardware. It is
// resolved once when a session claims a device and is then used to expand the
// ${device_*} placeholders of every stage in the session's pipeline.
type Capability struct {
	Kind Kind
	// Selector is the value the kind's native tools accept to pick a device.
	Selector string
	// SoapyArgs is the SoapySDR device string for tools built on SoapySDR.
	SoapyArgs string
}

// Resolve builds the capability for a descriptor.
func Resolve(d Descriptor) (Capability, error) {
	c := Capability{Kind: d.Kind}
	idx := strconv.Itoa(d.Index)

	switch d.Kind {
	case KindRTLSDR:
		// rtl_* tools accept either the index or the EEPROM serial.
		c.Selector = idx
		c.SoapyArgs = "driver=rtlsdr"
		if d.Serial != "" {
			c.SoapyArgs += ",serial=" + d.Serial
		}
	case KindHackRF:
		if d.Serial == "" {
			return Capability{}, fmt.Errorf("hackrf device %d has no serial", d.Index)
		}
		c.Selector = d.Serial
		c.SoapyArgs = "driver=hackrf,serial=" + d.Serial
	case KindAirspy:
		c.Selector = d.Serial
		if c.Selector == "" {
			c.Selector = idx
		}
		c.SoapyArgs = "driver=airspy"
		if d.Serial != "" {
			c.SoapyArgs += ",serial=" + d.Serial
		}
	case KindSDRplay:
		c.Selector = idx
		c.SoapyArgs = "driver=sdrplay"
		if d.Serial != "" {
			c.SoapyArgs += ",serial=" + d.Serial
		}
	case KindLimeSDR:
		c.Selector = idx
		c.SoapyArgs = "driver=lime"
		if d.Serial != "" {
			c.SoapyArgs += ",serial=" + d.Serial
		}
	default:
		return Capability{}, fmt.Errorf("unsupported device kind %q", d.Kind)
	}
	return c, nil
}

// Vars returns the placeholder values exposed to stage argument templates.
func (c Capability) Vars(d Descriptor) map[string]string {
	return map[string]string{
		"device_index":  strconv.Itoa(d.Index),
		"device_kind":   string(d.Kind),
		"device_serial": d.Serial,
		"device_arg":    c.Selector,
		"device_soapy":  c.SoapyArgs,
	}
}
