// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package session

import "time"

// Record is the mutable per-session part of a mode's state. The supervisor owns
// it and mutates it only under the mode lock.
type Record struct {
	SessionID   string
	DeviceIndex *int
	StartedAt   time.Time
	Escalated   bool
}

// MarkEscalated flips the escalation flag. It returns true only for the call
// that performed the false to true transition.
func (r *Record) MarkEscalated() bool {
	if r.Escalated {
		return false
	}
	r.Escalated = true
	return true
}

// StageStatus is a point-in-time view of one running pipeline stage.
type StageStatus struct {
	Name       string  `json:"name"`
	PID        int     `json:"pid"`
	Running    bool    `json:"running"`
	RSSBytes   uint64  `json:"rss_bytes,omitempty"`
	CPUPercent float64 `json:"cpu_percent,omitempty"`
}

// Snapshot is the read-only view returned by status queries. It shares no
// memory with the live session.
type Snapshot struct {
	Mode                    string           `json:"mode"`
	State                   State            `json:"state"`
	SessionID               string           `json:"session_id,omitempty"`
	DeviceIndex             *int             `json:"device_index,omitempty"`
	StartedAt               time.Time        `json:"started_at,omitempty"`
	Uptime                  time.Duration    `json:"uptime,omitempty"`
	Counters                map[string]int64 `json:"counters"`
	AutoEscalationTriggered bool             `json:"auto_escalation_triggered"`
	LastEndReason           string           `json:"last_end_reason,omitempty"`
	Stages                  []StageStatus    `json:"stages,omitempty"`
}

// Summary describes a finished session. It is returned by stop requests and
// published on the session.stopped event.
type Summary struct {
	Mode        string           `json:"mode"`
	SessionID   string           `json:"session_id,omitempty"`
	DeviceIndex *int             `json:"device_index,omitempty"`
	Reason      string           `json:"reason"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	Duration    time.Duration    `json:"duration"`
	Counters    map[string]int64 `json:"counters,omitempty"`
	Escalated   bool             `json:"escalated"`
	// ForcedKills counts stages that ignored SIGTERM during shutdown.
	ForcedKills int `json:"forced_kills,omitempty"`
	// AlreadyIdle is set when the stop found nothing to stop.
	AlreadyIdle bool `json:"already_idle,omitempty"`
}

// Snapshot builds the status view from the record and counters. Callers hold
// the mode lock.
func (r *Record) Snapshot(mode string, state State, counters *Counters, now time.Time) Snapshot {
	snap := Snapshot{
		Mode:                    mode,
		State:                   state,
		SessionID:               r.SessionID,
		StartedAt:               r.StartedAt,
		AutoEscalationTriggered: r.Escalated,
	}
	if r.DeviceIndex != nil {
		idx := *r.DeviceIndex
		snap.DeviceIndex = &idx
	}
	if counters != nil {
		snap.Counters = counters.Snapshot()
	} else {
		snap.Counters = map[string]int64{}
	}
	if !r.StartedAt.IsZero() && state != Idle {
		snap.Uptime = now.Sub(r.StartedAt)
	}
	return snap
}
