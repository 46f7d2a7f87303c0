// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"time"

	"github.com/ManuGH/sdrd/internal/log"
	"github.com/ManuGH/sdrd/internal/metrics"
	"github.com/ManuGH/sdrd/internal/procgroup"
)

// StageExit is the shutdown result of one stage.
type StageExit struct {
	Stage    int
	Name     string
	PID      int
	ExitCode int
	Forced   bool
	Waited   time.Duration
}

// ShutdownReport describes a completed shutdown.
type ShutdownReport struct {
	Stages   []StageExit
	Warnings []ShutdownTimeoutWarning
	Duration time.Duration
}

// ForcedKills returns the number of stages that had to be killed.
func (r ShutdownReport) ForcedKills() int { return len(r.Warnings) }

// Shutdown stops every stage in reverse launch order: SIGTERM to the stage's
// process group, up to perStageTimeout for it to exit, then SIGKILL and an
// unconditional reap. It is best-effort per stage, never fails, and is
// idempotent: later calls return the first report.
func (h *Handle) Shutdown(perStageTimeout time.Duration) ShutdownReport {
	h.shutdownOnce.Do(func() {
		h.report = h.shutdown(perStageTimeout)
	})
	return h.report
}

func (h *Handle) shutdown(perStageTimeout time.Duration) ShutdownReport {
	start := time.Now()
	var rep ShutdownReport

	for i := len(h.stages) - 1; i >= 0; i-- {
		st := h.stages[i]
		out := procgroup.Terminate(st.cmd, st.exited, perStageTimeout)
		code, _ := st.ExitCode()
		rep.Stages = append(rep.Stages, StageExit{
			Stage:    st.Index,
			Name:     st.Name,
			PID:      st.PID(),
			ExitCode: code,
			Forced:   out.Forced,
			Waited:   out.Waited,
		})
		if out.Forced {
			w := ShutdownTimeoutWarning{Stage: st.Index, Name: st.Name, PID: st.PID(), Timeout: perStageTimeout}
			rep.Warnings = append(rep.Warnings, w)
			metrics.ShutdownForcedKills.Inc()
			h.logger.Warn().
				Str(log.FieldEvent, "pipeline.forced_kill").
				Int(log.FieldStage, st.Index).
				Int(log.FieldPID, st.PID()).
				Dur("timeout", perStageTimeout).
				Msg(w.Error())
		}
	}

	h.wg.Wait()
	for _, st := range h.stages {
		for _, s := range st.Streams() {
			_ = s.file.Close()
		}
	}

	rep.Duration = time.Since(start)
	h.logger.Info().
		Str(log.FieldEvent, "pipeline.shutdown").
		Int("stages", len(h.stages)).
		Int("forced_kills", rep.ForcedKills()).
		Dur("duration", rep.Duration).
		Msg("pipeline stopped")
	return rep
}
