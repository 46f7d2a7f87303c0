// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package registry tracks which sensing mode holds each physical capture device.
//
// At most one live Claim exists per device index. Claims are process-lifetime
// only and are never persisted.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ManuGH/sdrd/internal/log"
	"github.com/ManuGH/sdrd/internal/metrics"
	"github.com/rs/zerolog"
)

// Claim is exclusive use of one device index by one mode.
type Claim struct {
	DeviceIndex int       `json:"device_index"`
	OwnerMode   string    `json:"owner_mode"`
	ClaimedAt   time.Time `json:"claimed_at"`
	SessionID   string    `json:"session_id"`
}

// Validator decides whether an index names a known device. It is supplied by the
// detection collaborator and is always called without the registry lock held.
type Validator func(ctx context.Context, deviceIndex int) bool

// Registry is the claim table shared by every supervisor.
type Registry struct {
	validate Validator
	now      func() time.Time
	logger   zerolog.Logger

	mu     sync.Mutex
	claims map[int]Claim
}

// New creates a registry. A nil validator accepts every non-negative index.
func New(validate Validator) *Registry {
	if validate == nil {
		validate = func(_ context.Context, idx int) bool { return idx >= 0 }
	}
	return &Registry{
		validate: validate,
		now:      time.Now,
		logger:   log.WithComponent("registry"),
		claims:   make(map[int]Claim),
	}
}

// Claim validates deviceIndex and takes exclusive use of it for ownerMode.
func (r *Registry) Claim(ctx context.Context, deviceIndex int, ownerMode, sessionID string) (Claim, error) {
	if err := r.Validate(ctx, deviceIndex, ownerMode); err != nil {
		return Claim{}, err
	}
	return r.ClaimValidated(deviceIndex, ownerMode, sessionID)
}

// Validate runs the validator for deviceIndex without touching any claim. It
// may run device detection, so callers must not hold their own locks.
func (r *Registry) Validate(ctx context.Context, deviceIndex int, ownerMode string) error {
	if !r.validate(ctx, deviceIndex) {
		metrics.IncClaim(ownerMode, "invalid")
		return &InvalidDeviceError{DeviceIndex: deviceIndex}
	}
	return nil
}

// ClaimValidated takes exclusive use of a device already accepted by Validate.
// It never calls the validator and is safe to use under a caller's lock.
func (r *Registry) ClaimValidated(deviceIndex int, ownerMode, sessionID string) (Claim, error) {
	r.mu.Lock()
	if held, ok := r.claims[deviceIndex]; ok {
		r.mu.Unlock()
		metrics.IncClaim(ownerMode, "busy")
		r.logger.Info().
			Str(log.FieldEvent, "claim.conflict").
			Int(log.FieldDeviceIndex, deviceIndex).
			Str(log.FieldMode, ownerMode).
			Str(log.FieldHeldBy, held.OwnerMode).
			Msg("device already claimed")
		return Claim{}, &ConflictError{DeviceIndex: deviceIndex, HeldBy: held.OwnerMode, SessionID: held.SessionID}
	}
	c := Claim{
		DeviceIndex: deviceIndex,
		OwnerMode:   ownerMode,
		ClaimedAt:   r.now(),
		SessionID:   sessionID,
	}
	r.claims[deviceIndex] = c
	n := len(r.claims)
	r.mu.Unlock()

	metrics.IncClaim(ownerMode, "ok")
	metrics.ClaimsActive.Set(float64(n))
	r.logger.Debug().
		Str(log.FieldEvent, "claim.ok").
		Int(log.FieldDeviceIndex, deviceIndex).
		Str(log.FieldMode, ownerMode).
		Str(log.FieldSessionID, sessionID).
		Msg("device claimed")
	return c, nil
}

// Release drops the claim on deviceIndex if it belongs to sessionID. Releasing an
// unclaimed device, or a claim owned by another session, is a no-op.
func (r *Registry) Release(deviceIndex int, sessionID string) bool {
	r.mu.Lock()
	held, ok := r.claims[deviceIndex]
	if !ok || held.SessionID != sessionID {
		r.mu.Unlock()
		metrics.ClaimReleases.WithLabelValues("noop").Inc()
		return false
	}
	delete(r.claims, deviceIndex)
	n := len(r.claims)
	r.mu.Unlock()

	metrics.ClaimReleases.WithLabelValues("released").Inc()
	metrics.ClaimsActive.Set(float64(n))
	r.logger.Debug().
		Str(log.FieldEvent, "claim.released").
		Int(log.FieldDeviceIndex, deviceIndex).
		Str(log.FieldMode, held.OwnerMode).
		Str(log.FieldSessionID, sessionID).
		Dur("held_for", r.now().Sub(held.ClaimedAt)).
		Msg("device released")
	return true
}

// HeldBy returns the live claim on deviceIndex, if any.
func (r *Registry) HeldBy(deviceIndex int) (Claim, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.claims[deviceIndex]
	return c, ok
}

// Status returns a snapshot of all live claims ordered by device index.
func (r *Registry) Status() []Claim {
	r.mu.Lock()
	out := make([]Claim, 0, len(r.claims))
	for _, c := range r.claims {
		out = append(out, c)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceIndex < out[j].DeviceIndex })
	return out
}
