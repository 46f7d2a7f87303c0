// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineHappyPath(t *testing.T) {
	m := NewMachine("gsm")
	assert.Equal(t, Idle, m.Current())

	for _, step := range []struct {
		ev   Event
		want State
	}{
		{EventStart, Starting},
		{EventReady, Running},
		{EventStop, Stopping},
		{EventStopped, Idle},
	} {
		_, to, err := m.Fire(step.ev)
		require.NoError(t, err, "event %s", step.ev)
		assert.Equal(t, step.want, to)
	}
}

func TestMachineStartFailureAndStopDuringStart(t *testing.T) {
	m := NewMachine("adsb")
	_, _, err := m.Fire(EventStart)
	require.NoError(t, err)
	_, to, err := m.Fire(EventFail)
	require.NoError(t, err)
	assert.Equal(t, Idle, to)

	_, _, _ = m.Fire(EventStart)
	_, to, err = m.Fire(EventStop)
	require.NoError(t, err)
	assert.Equal(t, Stopping, to)
}

func TestMachineRejectsUnknownEdges(t *testing.T) {
	m := NewMachine("gsm")

	from, to, err := m.Fire(EventReady)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Idle, from)
	assert.Equal(t, Idle, to)
	assert.False(t, m.Can(EventStop))
	assert.True(t, m.Can(EventStart))

	_, _, _ = m.Fire(EventStart)
	_, _, _ = m.Fire(EventReady)
	_, _, err = m.Fire(EventStart)
	require.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, Running, m.Current())
}

func TestCountersConcurrentAdd(t *testing.T) {
	c := NewCounters()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Add("towers", 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(5000), c.Get("towers"))
}

func TestCountersSnapshotIsCopy(t *testing.T) {
	c := NewCounters()
	c.Apply(func(v map[string]int64) {
		v["frames"] += 3
		v["aircraft"] += 1
	})

	snap := c.Snapshot()
	snap["frames"] = 100
	assert.Equal(t, int64(3), c.Get("frames"))

	c.Reset()
	assert.Empty(t, c.Snapshot())
}

func TestRecordMarkEscalatedOnce(t *testing.T) {
	var r Record
	assert.True(t, r.MarkEscalated())
	for i := 0; i < 1000; i++ {
		assert.False(t, r.MarkEscalated())
	}
	assert.True(t, r.Escalated)
}

func TestRecordSnapshotDetached(t *testing.T) {
	idx := 1
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := Record{SessionID: "s1", DeviceIndex: &idx, StartedAt: started}
	c := NewCounters()
	c.Add("towers", 2)

	snap := r.Snapshot("gsm", Running, c, started.Add(90*time.Second))
	require.NotNil(t, snap.DeviceIndex)
	*snap.DeviceIndex = 9
	assert.Equal(t, 1, idx)
	assert.Equal(t, 90*time.Second, snap.Uptime)
	assert.Equal(t, int64(2), snap.Counters["towers"])

	idle := (&Record{}).Snapshot("gsm", Idle, nil, started)
	assert.NotNil(t, idle.Counters)
	assert.Zero(t, idle.Uptime)
}
