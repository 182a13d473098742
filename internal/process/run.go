package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ErrWorkingDirectoryNotExist is returned when Options.WorkingDir is missing.
var ErrWorkingDirectoryNotExist = errors.New("working directory does not exist")

// pipeDrainDelay bounds how long Wait blocks on pipes left open by orphans.
const pipeDrainDelay = 2 * time.Second

// Status is the outcome of a process run.
type Status int

const (
	// Success means the process ran and exited on its own, with any exit code.
	Success Status = iota
	// Fail means the process could not be started or waited on.
	Fail
	// Timeout means the watchdog killed the process.
	Timeout
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	default:
		return "fail"
	}
}

// Options controls a single run.
type Options struct {
	WorkingDir string
	Timeout    time.Duration
	// Output receives stdout and stderr. When nil the output is returned in Result.
	Output io.Writer
	// OnStart is called once the process is running.
	OnStart func(*Handle)
}

// Result describes a finished run. ExitCode is -1 when unknown.
type Result struct {
	Status   Status
	ExitCode int
	Output   []byte
}

// Run executes content with this kind and blocks until the process exits,
// times out, or ctx is canceled. Canceling ctx kills the process tree.
func (k Kind) Run(ctx context.Context, content string, opts Options) (Result, error) {
	res := Result{Status: Fail, ExitCode: -1}

	if opts.WorkingDir != "" {
		info, err := os.Stat(opts.WorkingDir)
		if err != nil || !info.IsDir() {
			return res, fmt.Errorf("%w: %s", ErrWorkingDirectoryNotExist, opts.WorkingDir)
		}
	}

	cmd := k.command(content)
	cmd.Dir = opts.WorkingDir
	cmd.WaitDelay = pipeDrainDelay
	setProcessGroup(cmd)

	var captured bytes.Buffer
	out := opts.Output
	if out == nil {
		out = &captured
	}
	writer := &syncWriter{w: out}
	cmd.Stdout = writer
	cmd.Stderr = writer

	if err := cmd.Start(); err != nil {
		return res, fmt.Errorf("start command: %w", err)
	}
	handle := &Handle{cmd: cmd, done: make(chan struct{})}
	if opts.OnStart != nil {
		opts.OnStart(handle)
	}

	var timedOut atomic.Bool
	var watchdog *time.Timer
	if opts.Timeout > 0 {
		watchdog = time.AfterFunc(opts.Timeout, func() {
			timedOut.Store(true)
			_ = handle.Kill()
		})
	}
	stopKillOnCancel := context.AfterFunc(ctx, func() { _ = handle.Kill() })

	waitErr := cmd.Wait()
	close(handle.done)
	stopKillOnCancel()
	if watchdog != nil {
		watchdog.Stop()
	}
	if opts.Output == nil {
		res.Output = captured.Bytes()
	}

	if timedOut.Load() {
		res.Status = Timeout
		return res, nil
	}
	if waitErr == nil {
		res.Status = Success
		res.ExitCode = 0
		return res, nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		res.Status = Success
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, fmt.Errorf("wait command: %w", waitErr)
}

// Handle refers to a started process.
type Handle struct {
	cmd    *exec.Cmd
	done   chan struct{}
	killed atomic.Bool
}

// Pid returns the operating system process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has been waited on.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Killed reports whether Kill was called.
func (h *Handle) Killed() bool {
	return h.killed.Load()
}

// Kill terminates the process and all of its descendants.
func (h *Handle) Kill() error {
	h.killed.Store(true)
	select {
	case <-h.done:
		return nil
	default:
	}
	killTree(int32(h.cmd.Process.Pid))
	killGroup(h.cmd.Process.Pid)
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %d: %w", h.cmd.Process.Pid, err)
	}
	return nil
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
