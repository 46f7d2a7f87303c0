// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package procgroup starts pipeline stages in their own process group so a
// stage and every helper it forks can be signalled and reaped together.
package procgroup

import (
	"os/exec"
	"syscall"
	"time"

	"github.com/ManuGH/sdrd/internal/metrics"
)

// Outcome describes how Terminate brought a process down.
type Outcome struct {
	// Forced is true when the process outlived the grace period and was killed.
	Forced bool
	// AlreadyExited is true when the process had exited before SIGTERM was sent.
	AlreadyExited bool
	// Waited is how long Terminate spent from SIGTERM to confirmed exit.
	Waited time.Duration
}

// Terminate stops a process group: SIGTERM, wait up to grace for exited to close,
// then SIGKILL and wait unconditionally. exited must be closed by the goroutine
// that owns cmd.Wait, so the process is always reaped and never left a zombie.
// It is safe to call on nil commands.
func Terminate(cmd *exec.Cmd, exited <-chan struct{}, grace time.Duration) Outcome {
	if cmd == nil || cmd.Process == nil {
		return Outcome{AlreadyExited: true}
	}

	select {
	case <-exited:
		return Outcome{AlreadyExited: true}
	default:
	}

	start := time.Now()
	if err := Kill(cmd, syscall.SIGTERM); err != nil {
		metrics.IncProcTerminate("SIGTERM", "error")
	} else {
		metrics.IncProcTerminate("SIGTERM", "sent")
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-exited:
		metrics.IncProcWait("graceful")
		return Outcome{Waited: time.Since(start)}
	case <-timer.C:
	}

	if err := Kill(cmd, syscall.SIGKILL); err == nil {
		metrics.IncProcTerminate("SIGKILL", "sent")
	} else {
		metrics.IncProcTerminate("SIGKILL", "error")
		// Group signalling failed; fall back to the leader alone.
		_ = cmd.Process.Kill()
	}

	<-exited
	metrics.IncProcWait("forced")
	return Outcome{Forced: true, Waited: time.Since(start)}
}
