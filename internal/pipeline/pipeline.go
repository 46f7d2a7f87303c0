// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package pipeline launches and supervises a chain of external capture
// processes, typically a demodulator whose stdout feeds a decoder's stdin.
//
// Every stage runs in its own process group. Output streams are plain pipe
// files owned by the parent so readers can use read deadlines, and exactly one
// goroutine per stage calls Wait, so a stage is reaped exactly once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/ManuGH/sdrd/internal/log"
	"github.com/ManuGH/sdrd/internal/metrics"
	"github.com/ManuGH/sdrd/internal/procgroup"
	"github.com/rs/zerolog"
)

const (
	defaultVerifyGrace  = 500 * time.Millisecond
	defaultTailLines    = 64
	defaultAbortTimeout = 2 * time.Second
	stderrTailInError   = 20
)

// StageSpec describes one external process of a pipeline.
type StageSpec struct {
	Name    string
	Command string
	Args    []string
	// Env entries (KEY=value) are appended to the daemon environment.
	Env []string
	// ExpectsReadyWithin is the fixed warm-up wait after launch before the
	// stage is checked for liveness. Zero uses the launcher's verify grace.
	ExpectsReadyWithin time.Duration
	// FeedsIntoNext connects this stage's stdout to the next stage's stdin.
	FeedsIntoNext bool
}

func (s StageSpec) displayName(stage int) string {
	if s.Name != "" {
		return s.Name
	}
	return "stage" + strconv.Itoa(stage)
}

// Spec is an ordered list of stages.
type Spec struct {
	Stages []StageSpec
}

// Validate reports structural problems before anything is launched.
func (s Spec) Validate() error {
	if len(s.Stages) == 0 {
		return fmt.Errorf("%w: no stages", ErrInvalidSpec)
	}
	for i, st := range s.Stages {
		if st.Command == "" {
			return fmt.Errorf("%w: stage %d has no command", ErrInvalidSpec, i+1)
		}
		if st.ExpectsReadyWithin < 0 {
			return fmt.Errorf("%w: stage %d has negative ready wait", ErrInvalidSpec, i+1)
		}
	}
	if s.Stages[len(s.Stages)-1].FeedsIntoNext {
		return fmt.Errorf("%w: last stage cannot feed into a next stage", ErrInvalidSpec)
	}
	return nil
}

// Options tunes a Launcher.
type Options struct {
	// VerifyGrace is the warm-up wait for stages without ExpectsReadyWithin.
	VerifyGrace time.Duration
	// TailLines is the number of stderr lines kept per stage.
	TailLines int
	// AbortTimeout is the per-stage shutdown timeout used when a start fails.
	AbortTimeout time.Duration
}

// Launcher starts pipelines.
type Launcher struct {
	opts Options
}

// NewLauncher returns a Launcher with zero options replaced by defaults.
func NewLauncher(opts Options) *Launcher {
	if opts.VerifyGrace <= 0 {
		opts.VerifyGrace = defaultVerifyGrace
	}
	if opts.TailLines <= 0 {
		opts.TailLines = defaultTailLines
	}
	if opts.AbortTimeout <= 0 {
		opts.AbortTimeout = defaultAbortTimeout
	}
	return &Launcher{opts: opts}
}

// Start launches a pipeline with default options.
func Start(ctx context.Context, spec Spec) (*Handle, error) {
	return NewLauncher(Options{}).Start(ctx, spec)
}

// Handle owns the processes and output streams of one running pipeline.
type Handle struct {
	logger    zerolog.Logger
	startedAt time.Time
	stages    []*Stage

	wg      sync.WaitGroup
	anyExit chan struct{}
	anyOnce sync.Once

	shutdownOnce sync.Once
	report       ShutdownReport
}

// Start launches the stages in declared order. After each launch it waits the
// stage's warm-up time and verifies the process is still alive. A stage that
// exits non-zero in that window yields a *StartError and every stage started so
// far is shut down before Start returns. Cancelling ctx aborts warm-up with
// ErrStartAborted; ctx has no effect once Start has returned.
func (l *Launcher) Start(ctx context.Context, spec Spec) (*Handle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	h := &Handle{
		logger:    log.WithContext(ctx, log.WithComponent("pipeline")),
		startedAt: time.Now(),
		anyExit:   make(chan struct{}),
	}

	var carry *os.File
	for i, ss := range spec.Stages {
		stageNo := i + 1
		st, next, err := l.launch(stageNo, ss, carry)
		carry = nil
		if err != nil {
			metrics.StageStarts.WithLabelValues("launch_error").Inc()
			h.logger.Error().Err(err).
				Str(log.FieldEvent, "pipeline.launch_failed").
				Int(log.FieldStage, stageNo).
				Str(log.FieldCommand, ss.Command).
				Msg("stage failed to launch")
			h.Shutdown(l.opts.AbortTimeout)
			return nil, err
		}
		h.track(st)
		carry = next

		if err := l.verify(ctx, h, st, ss); err != nil {
			if carry != nil {
				_ = carry.Close()
			}
			h.Shutdown(l.opts.AbortTimeout)
			return nil, err
		}
	}

	h.logger.Info().
		Str(log.FieldEvent, "pipeline.started").
		Int("stages", len(h.stages)).
		Dur("startup", time.Since(h.startedAt)).
		Msg("pipeline running")
	return h, nil
}

// launch starts one stage. stdin, when non-nil, is the read end of the previous
// stage's stdout and is always closed in the parent before launch returns.
func (l *Launcher) launch(stageNo int, ss StageSpec, stdin *os.File) (st *Stage, next *os.File, err error) {
	var parentCopies []*os.File
	if stdin != nil {
		parentCopies = append(parentCopies, stdin)
	}
	var keep []*os.File
	defer func() {
		for _, f := range parentCopies {
			_ = f.Close()
		}
		if err != nil {
			for _, f := range keep {
				_ = f.Close()
			}
		}
	}()

	name := ss.displayName(stageNo)
	cmd := exec.Command(ss.Command, ss.Args...) // #nosec G204 -- stage commands come from operator config
	procgroup.Set(cmd)
	if len(ss.Env) > 0 {
		cmd.Env = append(os.Environ(), ss.Env...)
	}
	if stdin != nil {
		cmd.Stdin = stdin
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, nil, &StartError{Stage: stageNo, Name: name, ExitCode: -1, Err: fmt.Errorf("stdout pipe: %w", err)}
	}
	keep = append(keep, outR)
	parentCopies = append(parentCopies, outW)
	cmd.Stdout = outW

	errR, errW, err := os.Pipe()
	if err != nil {
		return nil, nil, &StartError{Stage: stageNo, Name: name, ExitCode: -1, Err: fmt.Errorf("stderr pipe: %w", err)}
	}
	keep = append(keep, errR)
	parentCopies = append(parentCopies, errW)
	cmd.Stderr = errW

	if err = cmd.Start(); err != nil {
		return nil, nil, &StartError{Stage: stageNo, Name: name, ExitCode: -1, Err: err}
	}

	st = &Stage{
		Index:     stageNo,
		Name:      name,
		cmd:       cmd,
		startedAt: time.Now(),
		tail:      NewLineRing(l.opts.TailLines),
		exited:    make(chan struct{}),
	}
	st.stderr = &Stream{name: name + ":stderr", file: errR, tap: st.tail.Add}
	if ss.FeedsIntoNext {
		next = outR
	} else {
		st.stdout = &Stream{name: name + ":stdout", file: outR}
	}
	return st, next, nil
}

// verify performs the fixed warm-up wait and the liveness check.
func (l *Launcher) verify(ctx context.Context, h *Handle, st *Stage, ss StageSpec) error {
	wait := ss.ExpectsReadyWithin
	if wait <= 0 {
		wait = l.opts.VerifyGrace
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		metrics.StageStarts.WithLabelValues("aborted").Inc()
		return fmt.Errorf("%w: stage %d: %w", ErrStartAborted, st.Index, context.Cause(ctx))
	case <-st.exited:
	case <-timer.C:
	}

	select {
	case <-st.exited:
		if st.exitCode != 0 {
			st.drainStderr()
			metrics.StageStarts.WithLabelValues("exited").Inc()
			serr := &StartError{
				Stage:    st.Index,
				Name:     st.Name,
				ExitCode: st.exitCode,
				Stderr:   st.Tail(stderrTailInError),
			}
			h.logger.Error().
				Str(log.FieldEvent, "pipeline.verify_failed").
				Int(log.FieldStage, st.Index).
				Str("name", st.Name).
				Int(log.FieldPID, st.PID()).
				Int(log.FieldExitCode, st.exitCode).
				Strs("stderr", serr.Stderr).
				Msg("stage exited during warm-up")
			return serr
		}
		// A clean exit is not a start failure; the multiplexer sees the
		// closed streams and ends the session normally.
		metrics.StageStarts.WithLabelValues("ok").Inc()
		h.logger.Info().
			Str(log.FieldEvent, "pipeline.verify_exited_clean").
			Int(log.FieldStage, st.Index).
			Int(log.FieldPID, st.PID()).
			Msg("stage finished during warm-up with exit code 0")
	default:
		metrics.StageStarts.WithLabelValues("ok").Inc()
		h.logger.Info().
			Str(log.FieldEvent, "pipeline.verified").
			Int(log.FieldStage, st.Index).
			Str("name", st.Name).
			Int(log.FieldPID, st.PID()).
			Dur("warmup", wait).
			Msg("stage verified running")
	}
	return nil
}

// track starts the single Wait goroutine for st.
func (h *Handle) track(st *Stage) {
	h.stages = append(h.stages, st)
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		err := st.cmd.Wait()
		st.exitCode = exitCode(st.cmd.ProcessState, err)
		close(st.exited)
		h.anyOnce.Do(func() { close(h.anyExit) })
		h.logger.Debug().
			Str(log.FieldEvent, "pipeline.stage_exited").
			Int(log.FieldStage, st.Index).
			Int(log.FieldPID, st.PID()).
			Int(log.FieldExitCode, st.exitCode).
			Msg("stage process reaped")
	}()
}

// Stages returns the stages in launch order.
func (h *Handle) Stages() []*Stage {
	return append([]*Stage(nil), h.stages...)
}

// Streams returns every output stream the parent reads: stderr of each stage
// and stdout of each stage that does not feed the next one.
func (h *Handle) Streams() []*Stream {
	var out []*Stream
	for _, st := range h.stages {
		out = append(out, st.Streams()...)
	}
	return out
}

// StartedAt is when the first stage was launched.
func (h *Handle) StartedAt() time.Time { return h.startedAt }

// AnyExited is closed as soon as any stage process has exited.
func (h *Handle) AnyExited() <-chan struct{} { return h.anyExit }

// Stats samples resource usage of every stage. Stages that have exited are
// reported as not running.
func (h *Handle) Stats(ctx context.Context) []StageStats {
	out := make([]StageStats, 0, len(h.stages))
	for _, st := range h.stages {
		s, err := st.Stats(ctx)
		if err != nil && !errors.Is(err, errStageExited) {
			h.logger.Debug().Err(err).Int(log.FieldStage, st.Index).Msg("stage stats unavailable")
		}
		out = append(out, s)
	}
	return out
}
