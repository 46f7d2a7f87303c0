// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrStartFailed classifies every stage that failed to launch or died during warm-up.
	ErrStartFailed = errors.New("pipeline start failed")
	// ErrStartAborted is returned when the start context is cancelled during warm-up.
	ErrStartAborted = errors.New("pipeline start aborted")
	// ErrInvalidSpec is returned for pipeline specs that cannot be launched.
	ErrInvalidSpec = errors.New("invalid pipeline spec")
)

// StartError reports the first stage that failed. Stage is 1-based. ExitCode is
// -1 when the process could not be launched at all; Err then carries the cause.
type StartError struct {
	Stage    int
	Name     string
	ExitCode int
	Stderr   []string
	Err      error
}

func (e *StartError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "pipeline stage %d", e.Stage)
	if e.Name != "" {
		fmt.Fprintf(&b, " (%s)", e.Name)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, " failed to launch: %v", e.Err)
	} else {
		fmt.Fprintf(&b, " exited with code %d during warm-up", e.ExitCode)
	}
	if len(e.Stderr) > 0 {
		fmt.Fprintf(&b, ": %s", e.Stderr[len(e.Stderr)-1])
	}
	return b.String()
}

func (e *StartError) Unwrap() []error {
	if e.Err != nil {
		return []error{ErrStartFailed, e.Err}
	}
	return []error{ErrStartFailed}
}

// ShutdownTimeoutWarning records a stage that ignored SIGTERM and had to be
// killed. It is reported and logged, never returned as a failure.
type ShutdownTimeoutWarning struct {
	Stage   int
	Name    string
	PID     int
	Timeout time.Duration
}

func (w ShutdownTimeoutWarning) Error() string {
	return fmt.Sprintf("stage %d (%s, pid %d) did not exit within %s and was killed", w.Stage, w.Name, w.PID, w.Timeout)
}
