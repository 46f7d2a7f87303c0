// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package session holds the per-mode session state machine, the shared
// counters updated by the stream multiplexer and the read-only snapshot exposed
// to status queries.
package session

import (
	"errors"
	"fmt"

	"github.com/ManuGH/sdrd/internal/metrics"
)

// State is the lifecycle state of a mode.
type State string

const (
	Idle     State = "idle"
	Starting State = "starting"
	Running  State = "running"
	Stopping State = "stopping"
)

// Event drives a state transition.
type Event string

const (
	EventStart   Event = "start"   // claim succeeded, pipeline about to launch
	EventReady   Event = "ready"   // pipeline verified
	EventFail    Event = "fail"    // start failed, claim released
	EventStop    Event = "stop"    // explicit stop, timeout or stream end
	EventStopped Event = "stopped" // shutdown and release complete
)

// ErrInvalidTransition is returned for events that have no edge from the current state.
var ErrInvalidTransition = errors.New("invalid session transition")

type transition struct {
	From  State
	Event Event
	To    State
}

var transitions = []transition{
	{Idle, EventStart, Starting},
	{Starting, EventReady, Running},
	{Starting, EventFail, Idle},
	{Starting, EventStop, Stopping},
	{Running, EventStop, Stopping},
	{Stopping, EventStopped, Idle},
}

var index = func() map[string]State {
	idx := make(map[string]State, len(transitions))
	for _, t := range transitions {
		idx[key(t.From, t.Event)] = t.To
	}
	return idx
}()

func key(from State, ev Event) string { return string(from) + "|" + string(ev) }

// Machine is the strict transition table for one mode. It is not safe for
// concurrent use: the supervisor mutates it only while holding the mode lock.
type Machine struct {
	mode  string
	state State
}

// NewMachine returns a machine in Idle.
func NewMachine(mode string) *Machine {
	return &Machine{mode: mode, state: Idle}
}

// Current returns the current state.
func (m *Machine) Current() State { return m.state }

// Can reports whether ev has an edge from the current state.
func (m *Machine) Can(ev Event) bool {
	_, ok := index[key(m.state, ev)]
	return ok
}

// Fire applies ev. Unknown edges leave the state untouched.
func (m *Machine) Fire(ev Event) (from, to State, err error) {
	from = m.state
	to, ok := index[key(from, ev)]
	if !ok {
		return from, from, fmt.Errorf("%w: state=%s event=%s", ErrInvalidTransition, from, ev)
	}
	m.state = to
	metrics.SessionTransitions.WithLabelValues(m.mode, string(from), string(to)).Inc()
	return from, to, nil
}
