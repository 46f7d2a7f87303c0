// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package pipeline

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

const stderrDrainLimit = 64 << 10

var errStageExited = errors.New("stage exited")

// Stage is one launched process.
type Stage struct {
	Index int // 1-based
	Name  string

	cmd       *exec.Cmd
	startedAt time.Time
	stdout    *Stream
	stderr    *Stream
	tail      *LineRing

	exited   chan struct{}
	exitCode int // written before exited is closed
}

// PID returns the process id of the stage leader.
func (s *Stage) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// StartedAt is when the stage process was launched.
func (s *Stage) StartedAt() time.Time { return s.startedAt }

// Exited is closed once the stage has been reaped.
func (s *Stage) Exited() <-chan struct{} { return s.exited }

// ExitCode returns the exit code once the stage has been reaped. Stages killed
// by a signal report 128+signal.
func (s *Stage) ExitCode() (int, bool) {
	select {
	case <-s.exited:
		return s.exitCode, true
	default:
		return 0, false
	}
}

// Streams returns the stage's parent-side output streams.
func (s *Stage) Streams() []*Stream {
	out := make([]*Stream, 0, 2)
	if s.stdout != nil {
		out = append(out, s.stdout)
	}
	if s.stderr != nil {
		out = append(out, s.stderr)
	}
	return out
}

// Tail returns up to n of the most recent stderr lines.
func (s *Stage) Tail(n int) []string { return s.tail.LastN(n) }

// StageStats is a resource sample of one stage.
type StageStats struct {
	Stage      int
	Name       string
	PID        int
	Running    bool
	RSSBytes   uint64
	CPUPercent float64
}

// Stats samples the stage leader's memory and CPU usage.
func (s *Stage) Stats(ctx context.Context) (StageStats, error) {
	out := StageStats{Stage: s.Index, Name: s.Name, PID: s.PID()}
	if _, done := s.ExitCode(); done {
		return out, errStageExited
	}
	out.Running = true

	p, err := process.NewProcessWithContext(ctx, int32(out.PID)) // #nosec G115 -- pids fit in int32
	if err != nil {
		return out, err
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
		out.RSSBytes = mem.RSS
	}
	cpu, err := p.CPUPercentWithContext(ctx)
	if err != nil {
		return out, err
	}
	out.CPUPercent = cpu
	return out, nil
}

// drainStderr pulls whatever an exited stage left in its stderr pipe into the tail.
func (s *Stage) drainStderr() {
	if s.stderr == nil {
		return
	}
	_ = s.stderr.file.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	sc := bufio.NewScanner(io.LimitReader(s.stderr.file, stderrDrainLimit))
	for sc.Scan() {
		s.tail.Add(sc.Text())
	}
	_ = s.stderr.file.SetReadDeadline(time.Time{})
}

// Stream is one parent-side output pipe of a stage.
type Stream struct {
	name string
	file *os.File
	tap  func(string)
}

// Name identifies the stream as "<stage>:stdout" or "<stage>:stderr".
func (s *Stream) Name() string { return s.name }

// File returns the read end of the pipe. It supports read deadlines.
func (s *Stream) File() *os.File { return s.file }

// Observe records a line read from the stream. Stderr lines feed the stage's tail.
func (s *Stream) Observe(line string) {
	if s.tap != nil {
		s.tap(line)
	}
}

func exitCode(ps *os.ProcessState, err error) int {
	if ps == nil {
		if err != nil {
			return -1
		}
		return 0
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return ps.ExitCode()
}
