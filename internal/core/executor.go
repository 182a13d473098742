package core

import (
	"context"
	"log/slog"
	"time"

	"taskagent/internal/process"
	"taskagent/internal/timer"
)

// Reporter delivers task progress and results to the control plane.
type Reporter interface {
	ReportStart(ctx context.Context, taskID string, start int64) error
	ReportRunning(ctx context.Context, taskID string, start int64, output []byte) (Ack, error)
	ReportFinal(ctx context.Context, report FinalReport) error
}

// Journal records finished runs. It is history only.
type Journal interface {
	RecordRun(ctx context.Context, rec RunRecord) error
}

// ExecutorOptions tunes CommandExecutor. Zero values select the defaults.
type ExecutorOptions struct {
	// MinFlushInterval floors the per-task output interval.
	MinFlushInterval time.Duration
	// KillGrace bounds how long Cancel waits for a killed process to exit.
	KillGrace time.Duration
	Retry     RetryPolicy
}

const (
	defaultMinFlushInterval = time.Second
	defaultKillGrace        = 5 * time.Second
)

// CommandExecutor runs a task's command and reports its output and result.
type CommandExecutor struct {
	reporter Reporter
	journal  Journal
	timers   *timer.Manager
	logger   *slog.Logger
	opts     ExecutorOptions
}

// NewCommandExecutor creates a new executor. journal may be nil.
func NewCommandExecutor(reporter Reporter, journal Journal, timers *timer.Manager, logger *slog.Logger, opts ExecutorOptions) *CommandExecutor {
	if opts.MinFlushInterval <= 0 {
		opts.MinFlushInterval = defaultMinFlushInterval
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = defaultKillGrace
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	return &CommandExecutor{
		reporter: reporter,
		journal:  journal,
		timers:   timers,
		logger:   logger.With("component", "executor"),
		opts:     opts,
	}
}

// Execute runs one invocation of task and sends exactly one terminal report,
// unless the task is canceled, in which case the stopped report from Cancel
// replaces it.
func (e *CommandExecutor) Execute(ctx context.Context, task *Task) Outcome {
	logger := e.logger.With("task_id", task.ID())
	if !task.beginRun(time.Now()) {
		return OutcomeCanceled
	}
	start := task.StartTime()
	reportCtx := context.WithoutCancel(ctx)

	flushCtx, stopFlush := context.WithCancel(reportCtx)
	ticks := make(chan struct{}, 1)
	flushDone := make(chan struct{})
	go e.flushLoop(flushCtx, task, ticks, flushDone)

	flushTimer, err := e.timers.CreateIntervalTimer(func() {
		select {
		case ticks <- struct{}{}:
		default:
		}
	}, e.flushInterval(task))
	if err != nil {
		logger.Warn("create output timer", "err", err)
	}

	if task.Info.Output.SendStart {
		if err := e.reporter.ReportStart(reportCtx, task.ID(), start); err != nil {
			logger.Warn("send start report", "err", err)
		}
	}

	var res process.Result
	kind, runErr := process.Lookup(process.CommandType(task.Info.CommandType))
	if runErr == nil {
		res, runErr = kind.Run(ctx, task.Info.Content, process.Options{
			WorkingDir: task.Info.WorkingDir,
			Timeout:    time.Duration(task.Info.TimeoutSeconds) * time.Second,
			Output:     task,
			OnStart:    task.attachProcess,
		})
	} else {
		res = process.Result{Status: process.Fail, ExitCode: -1}
	}
	task.settleSpawn()

	e.timers.DeleteTimer(flushTimer)
	stopFlush()
	<-flushDone
	task.finishRun(time.Now(), res.ExitCode)

	outcome, kindOfReport, errDesc := classify(ctx, res, runErr)
	if !task.claimTerminal() {
		logger.Info("run canceled, finish report suppressed")
		return OutcomeCanceled
	}
	if runErr != nil {
		logger.Error("run task", "err", runErr)
	}

	sent, dropped := e.sendTerminal(reportCtx, task, kindOfReport, errDesc)
	task.clearOutput()
	task.endRun()
	e.record(reportCtx, task, outcome, sent, dropped)
	return outcome
}

// Cancel marks task canceled, kills its process and sends the stopped report.
// A second call is a no-op.
func (e *CommandExecutor) Cancel(ctx context.Context, task *Task) {
	logger := e.logger.With("task_id", task.ID())
	spawned, sendStopped, first := task.markCanceled(time.Now())
	if !first {
		return
	}
	logger.Info("cancel task")

	// The kill grace covers both waiting for a run that is still spawning and
	// waiting for the killed process to exit.
	graceCtx, cancelGrace := context.WithTimeout(ctx, e.opts.KillGrace)
	defer cancelGrace()
	select {
	case <-spawned:
	case <-graceCtx.Done():
		logger.Warn("process not started within kill grace", "grace", e.opts.KillGrace)
	}

	if proc := task.process(); proc != nil {
		if err := proc.Kill(); err != nil {
			logger.Warn("kill process", "err", err)
		}
		select {
		case <-proc.Done():
		case <-graceCtx.Done():
			logger.Warn("process still running after kill", "pid", proc.Pid(), "grace", e.opts.KillGrace)
		}
	}

	if !sendStopped {
		return
	}
	reportCtx := context.WithoutCancel(ctx)
	sent, dropped := e.sendTerminal(reportCtx, task, ReportStopped, "")
	e.record(reportCtx, task, OutcomeCanceled, sent, dropped)
}

func (e *CommandExecutor) flushInterval(task *Task) time.Duration {
	if task.Info.Output.FlushInterval < e.opts.MinFlushInterval {
		return e.opts.MinFlushInterval
	}
	return task.Info.Output.FlushInterval
}

func (e *CommandExecutor) flushLoop(ctx context.Context, task *Task, ticks <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			if ctx.Err() != nil {
				return
			}
			e.flush(ctx, task)
		}
	}
}

func (e *CommandExecutor) flush(ctx context.Context, task *Task) {
	task.reportMu.Lock()
	defer task.reportMu.Unlock()
	if task.flushClosed {
		return
	}
	if task.Info.Output.SkipEmpty && task.pendingLen() == 0 {
		return
	}
	if task.backpressured() {
		// The server stopped acknowledging; the bytes stay in the cumulative buffer.
		task.takePending()
		return
	}

	output := task.takePending()
	ack, err := e.reporter.ReportRunning(ctx, task.ID(), task.StartTime(), output)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("send running output", "task_id", task.ID(), "err", err)
		}
		return
	}
	task.applyAck(ack)
}

// sendTerminal truncates the buffer to the quota and sends the report with
// retries. It closes the task for further flushes.
func (e *CommandExecutor) sendTerminal(ctx context.Context, task *Task, kind ReportKind, errDesc string) (sent, dropped int) {
	task.reportMu.Lock()
	defer task.reportMu.Unlock()
	task.flushClosed = true

	output, dropped := task.truncate(task.Info.Output.LogQuota)
	report := FinalReport{
		Kind:     kind,
		TaskID:   task.ID(),
		Start:    task.StartTime(),
		End:      task.EndTime(),
		ExitCode: task.ExitCode(),
		Dropped:  dropped,
		Output:   output,
		ErrDesc:  errDesc,
	}
	err := e.opts.Retry.Do(ctx, func(ctx context.Context) error {
		return e.reporter.ReportFinal(ctx, report)
	})
	if err != nil {
		e.logger.Error("send terminal report", "task_id", task.ID(), "report", string(kind), "err", err)
	}
	return len(output), dropped
}

func (e *CommandExecutor) record(ctx context.Context, task *Task, outcome Outcome, sent, dropped int) {
	if e.journal == nil {
		return
	}
	rec := RunRecord{
		ID:          NewID(),
		TaskID:      task.ID(),
		Outcome:     outcome,
		ExitCode:    task.ExitCode(),
		Dropped:     dropped,
		OutputBytes: sent,
		Periodic:    task.Info.Periodic(),
		StartedAt:   time.UnixMilli(task.StartTime()).UTC(),
		EndedAt:     time.UnixMilli(task.EndTime()).UTC(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.journal.RecordRun(ctx, rec); err != nil {
		e.logger.Warn("record run", "task_id", task.ID(), "err", err)
	}
}

func classify(ctx context.Context, res process.Result, runErr error) (Outcome, ReportKind, string) {
	switch {
	case runErr != nil:
		return OutcomeFailed, ReportError, runErr.Error()
	case res.Status == process.Timeout:
		return OutcomeTimedOut, ReportTimeout, ""
	case ctx.Err() != nil:
		return OutcomeFailed, ReportError, "interrupted by agent shutdown"
	default:
		return OutcomeCompleted, ReportFinish, ""
	}
}
