// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build unix

package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ManuGH/sdrd/internal/control"
	"github.com/ManuGH/sdrd/internal/log"
	"github.com/ManuGH/sdrd/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunAutostartsConfiguredModes(t *testing.T) {
	dir := t.TempDir()
	status := filepath.Join(dir, "status.json")
	cfgPath := filepath.Join(dir, "sdrd.yaml")
	body := `
metrics_addr: 127.0.0.1:0
status_file: ` + status + `
status_interval: 100ms
devices:
  - {index: 0, kind: rtlsdr, label: "dongle"}
modes:
  adsb:
    stages:
      - command: sh
        args: ["-c", "exec sleep 30"]
        ready_within: 50ms
    autostart: {device: 0}
  gsm:
    stages:
      - command: sh
        args: ["-c", "exec sleep 30"]
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(body), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx, cfgPath, log.WithComponent("test")) }()

	states := func() map[string]session.State {
		raw, err := os.ReadFile(status)
		if err != nil {
			return nil
		}
		var rep control.StatusReport
		if json.Unmarshal(raw, &rep) != nil {
			return nil
		}
		out := make(map[string]session.State, len(rep.Modes))
		for _, m := range rep.Modes {
			out[m.Mode] = m.State
		}
		return out
	}
	require.Eventually(t, func() bool {
		return states()["adsb"] == session.Running
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, session.Idle, states()["gsm"])

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return")
	}
	assert.Equal(t, session.Idle, states()["adsb"], "shutdown stops autostarted sessions")
}
