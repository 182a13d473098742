package core

import (
	"sync"
	"time"

	"taskagent/internal/process"
	"taskagent/internal/timer"
)

// Task is the in-memory record of one registered run-task and the state of
// its current run. It is also the io.Writer that receives process output.
type Task struct {
	Info RunTaskInfo

	stateMu         sync.Mutex
	canceled        bool
	terminalClaimed bool
	proc            *process.Handle
	spawned         chan struct{}
	spawnSettled    bool
	startTime       int64
	endTime         int64
	exitCode        int

	outMu      sync.Mutex
	cumulative []byte
	received   int
	accepted   int
	current    int
	dropped    int

	pendingMu sync.Mutex
	pending   []byte

	// reportMu serializes output flushes against terminal reports.
	reportMu    sync.Mutex
	flushClosed bool

	// Guarded by the Scheduler's mutex.
	timer   *timer.Timer
	running bool
}

// NewTask wraps info in a fresh record.
func NewTask(info RunTaskInfo) *Task {
	spawned := make(chan struct{})
	close(spawned)
	return &Task{Info: info, spawned: spawned, spawnSettled: true}
}

// ID returns the task identifier.
func (t *Task) ID() string {
	return t.Info.TaskID
}

// Write appends process output to both the cumulative and the pending buffer.
func (t *Task) Write(p []byte) (int, error) {
	t.outMu.Lock()
	t.cumulative = append(t.cumulative, p...)
	t.outMu.Unlock()

	t.pendingMu.Lock()
	t.pending = append(t.pending, p...)
	t.pendingMu.Unlock()
	return len(p), nil
}

// Canceled reports whether the task has been canceled. Once true it stays true.
func (t *Task) Canceled() bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.canceled
}

// StartTime returns the epoch milliseconds at which the current run started.
func (t *Task) StartTime() int64 {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.startTime
}

// EndTime returns the epoch milliseconds at which the current run ended.
func (t *Task) EndTime() int64 {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.endTime
}

// ExitCode returns the exit code of the last finished run.
func (t *Task) ExitCode() int {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.exitCode
}

// Counters returns the server accounting and the locally dropped byte count.
func (t *Task) Counters() (received, accepted, current, dropped int) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	return t.received, t.accepted, t.current, t.dropped
}

// Output returns a copy of the cumulative buffer.
func (t *Task) Output() []byte {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	return append([]byte(nil), t.cumulative...)
}

// beginRun resets per-run state. It returns false if the task was canceled.
func (t *Task) beginRun(now time.Time) bool {
	t.stateMu.Lock()
	if t.canceled {
		t.stateMu.Unlock()
		return false
	}
	t.terminalClaimed = false
	t.proc = nil
	t.spawned = make(chan struct{})
	t.spawnSettled = false
	t.startTime = now.UnixMilli()
	t.endTime = 0
	t.exitCode = 0
	t.stateMu.Unlock()

	t.outMu.Lock()
	t.cumulative = nil
	t.received, t.accepted, t.current, t.dropped = 0, 0, 0, 0
	t.outMu.Unlock()

	t.pendingMu.Lock()
	t.pending = nil
	t.pendingMu.Unlock()

	t.reportMu.Lock()
	t.flushClosed = false
	t.reportMu.Unlock()
	return true
}

// attachProcess records the running process. A task canceled before its
// process started has that process killed right away.
func (t *Task) attachProcess(h *process.Handle) {
	t.stateMu.Lock()
	t.proc = h
	canceled := t.canceled
	if canceled {
		// Kill before settling so a waiting Cancel sees a killed process.
		_ = h.Kill()
	}
	t.settleSpawnLocked()
	t.stateMu.Unlock()
}

// settleSpawn marks the current run's spawn attempt as over, whether or not a
// process was attached.
func (t *Task) settleSpawn() {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.settleSpawnLocked()
}

func (t *Task) settleSpawnLocked() {
	if !t.spawnSettled {
		t.spawnSettled = true
		close(t.spawned)
	}
}

// process returns the attached process of the current run, if any.
func (t *Task) process() *process.Handle {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	return t.proc
}

func (t *Task) finishRun(now time.Time, exitCode int) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.exitCode = exitCode
	if !t.canceled {
		t.endTime = now.UnixMilli()
	}
}

// endRun releases per-run state after the terminal report went out.
func (t *Task) endRun() {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	t.proc = nil
	t.terminalClaimed = false
}

// claimTerminal grants the executor the right to send this run's terminal
// report. It fails once the task is canceled.
func (t *Task) claimTerminal() bool {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.canceled || t.terminalClaimed {
		return false
	}
	t.terminalClaimed = true
	return true
}

// markCanceled flips canceled and stamps the end time. first is false when the
// task was already canceled. sendStopped is false when the executor already
// claimed the terminal report for the current run. spawned is closed once the
// current run has attached its process or failed to start one.
func (t *Task) markCanceled(now time.Time) (spawned <-chan struct{}, sendStopped, first bool) {
	t.stateMu.Lock()
	defer t.stateMu.Unlock()
	if t.canceled {
		return t.spawned, false, false
	}
	t.canceled = true
	t.endTime = now.UnixMilli()
	sendStopped = !t.terminalClaimed
	t.terminalClaimed = true
	return t.spawned, sendStopped, true
}

func (t *Task) pendingLen() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pending)
}

func (t *Task) takePending() []byte {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	out := t.pending
	t.pending = nil
	return out
}

// backpressured reports whether the server stopped accepting output.
func (t *Task) backpressured() bool {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	return t.accepted < t.received
}

func (t *Task) applyAck(ack Ack) {
	t.outMu.Lock()
	defer t.outMu.Unlock()
	t.received = ack.Received
	t.accepted = ack.Accepted
	t.current = ack.Current
}

// truncate applies the quota to the cumulative buffer before a terminal
// report. It erases the prefix the server already stored plus whatever does
// not fit into the remaining quota, and returns the tail left to send.
func (t *Task) truncate(quota int) (tail []byte, dropped int) {
	t.outMu.Lock()
	defer t.outMu.Unlock()

	size := len(t.cumulative)
	current := t.current
	if current < 0 {
		current = 0
	}
	if current > size {
		current = size
	}
	available := quota - current
	if available < 0 {
		available = 0
	}
	if size-current > available {
		dropped = size - current - available
	}
	t.dropped = dropped
	t.cumulative = append([]byte(nil), t.cumulative[current+dropped:]...)
	return append([]byte(nil), t.cumulative...), dropped
}

func (t *Task) clearOutput() {
	t.outMu.Lock()
	t.cumulative = nil
	t.outMu.Unlock()

	t.pendingMu.Lock()
	t.pending = nil
	t.pendingMu.Unlock()
}
