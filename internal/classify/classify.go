// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package classify turns decoder output lines into records and counter
// updates. Classifiers are pure and stateless per line; they run on the
// multiplexer goroutine and must not block.
package classify

import (
	"errors"
	"time"
)

// ErrParse marks lines that looked like a record but could not be decoded.
var ErrParse = errors.New("unparseable line")

// Record is one classified observation.
type Record struct {
	Mode       string         `json:"mode"`
	SessionID  string         `json:"session_id,omitempty"`
	Stream     string         `json:"stream"`
	Kind       string         `json:"kind"`
	Identifier string         `json:"identifier,omitempty"`
	Confidence float64        `json:"confidence,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Raw        string         `json:"raw"`
	Time       time.Time      `json:"time"`

	// Deltas are the counter increments this record causes.
	Deltas map[string]int64 `json:"-"`
}

// Classifier inspects one line. It returns (nil, nil) for lines that carry
// nothing of interest and an error wrapping ErrParse for malformed ones.
type Classifier interface {
	Classify(stream, line string) (*Record, error)
}

// Func adapts a function to Classifier.
type Func func(stream, line string) (*Record, error)

func (f Func) Classify(stream, line string) (*Record, error) { return f(stream, line) }

// Chain tries each classifier in order and returns the first record. Parse
// errors are remembered and reported only when no classifier matched.
type Chain []Classifier

func (c Chain) Classify(stream, line string) (*Record, error) {
	var firstErr error
	for _, cl := range c {
		rec, err := cl.Classify(stream, line)
		if rec != nil {
			return rec, nil
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}
