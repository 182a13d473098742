package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"taskagent/internal/process"
	"taskagent/internal/timer"

	lock "github.com/viney-shih/go-lock"
	"golang.org/x/time/rate"
)

// TaskSource fetches pending work from the control plane.
type TaskSource interface {
	FetchTasks(ctx context.Context, reason string) (TaskList, error)
}

// NetChecker runs a network self-check after a failed fetch.
type NetChecker interface {
	CheckNetwork(ctx context.Context) error
}

// InvalidReporter tells the control plane that a task was rejected.
type InvalidReporter interface {
	ReportInvalid(ctx context.Context, taskID, param, value string) error
}

// Executor runs and cancels tasks.
type Executor interface {
	Execute(ctx context.Context, task *Task) Outcome
	Cancel(ctx context.Context, task *Task)
}

// SchedulerOptions holds optional collaborators and tuning knobs.
type SchedulerOptions struct {
	NetChecker       NetChecker
	Invalid          InvalidReporter
	KickRate         rate.Limit
	KickBurst        int
	FetchLockTimeout time.Duration
	KickRetryDelay   time.Duration
}

// Scheduler is the task registry. It keeps at most one record per task id,
// dispatches one-shot tasks immediately and periodic tasks from cron timers.
type Scheduler struct {
	source   TaskSource
	executor Executor
	timers   *timer.Manager
	logger   *slog.Logger
	opts     SchedulerOptions

	mu       sync.Mutex
	tasks    map[string]*Task
	stopping bool

	fetchLock *lock.CASMutex
	kicks     *rate.Limiter

	inflight sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(source TaskSource, executor Executor, timers *timer.Manager, logger *slog.Logger, opts SchedulerOptions) *Scheduler {
	if opts.KickRate <= 0 {
		opts.KickRate = 1
	}
	if opts.KickBurst <= 0 {
		opts.KickBurst = 3
	}
	if opts.FetchLockTimeout <= 0 {
		opts.FetchLockTimeout = 2 * time.Second
	}
	if opts.KickRetryDelay <= 0 {
		opts.KickRetryDelay = 3 * time.Second
	}
	return &Scheduler{
		source:    source,
		executor:  executor,
		timers:    timers,
		logger:    logger.With("component", "scheduler"),
		opts:      opts,
		tasks:     make(map[string]*Task),
		fetchLock: lock.NewCASMutex(),
		kicks:     rate.NewLimiter(opts.KickRate, opts.KickBurst),
	}
}

// Start binds the scheduler to ctx. Canceling ctx kills running processes.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
}

// Stop retires all timers, interrupts running tasks and returns a context
// that is done once every in-flight run has reached its completion path.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	s.stopping = true
	var timers []*timer.Timer
	for _, task := range s.tasks {
		if task.timer != nil {
			timers = append(timers, task.timer)
		}
	}
	s.mu.Unlock()

	for _, t := range timers {
		s.timers.DeleteTimer(t)
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		s.inflight.Wait()
		cancel()
	}()
	return ctx
}

// Schedule registers a run-task. A task id that is already registered is
// ignored. Invalid tasks are reported to the control plane and rejected.
func (s *Scheduler) Schedule(info RunTaskInfo) error {
	info.ApplyDefaults()
	if info.TaskID == "" {
		return errors.New("schedule task: empty task id")
	}
	if _, err := process.Lookup(process.CommandType(info.CommandType)); err != nil {
		s.reject(info.TaskID, "type", info.CommandType)
		return fmt.Errorf("schedule task %s: %w", info.TaskID, err)
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return fmt.Errorf("schedule task %s: scheduler stopped", info.TaskID)
	}
	if _, exists := s.tasks[info.TaskID]; exists {
		s.mu.Unlock()
		s.logger.Debug("ignore duplicate task", "task_id", info.TaskID)
		return nil
	}

	task := NewTask(info)
	if info.Periodic() {
		t, err := s.timers.CreateCronTimer(func() { s.trigger(task) }, info.Cron)
		if err != nil {
			s.mu.Unlock()
			s.reject(info.TaskID, "cron", info.Cron)
			return fmt.Errorf("schedule task %s: %w", info.TaskID, err)
		}
		task.timer = t
		s.tasks[info.TaskID] = task
		s.mu.Unlock()
		s.logger.Info("periodic task scheduled", "task_id", info.TaskID, "cron", info.Cron)
		return nil
	}

	s.tasks[info.TaskID] = task
	task.running = true
	s.inflight.Add(1)
	s.mu.Unlock()

	s.logger.Info("task dispatched", "task_id", info.TaskID)
	go s.run(task)
	return nil
}

// Cancel cancels the registered task named by info. It reports whether a
// task was found; an unknown id is not an error.
func (s *Scheduler) Cancel(ctx context.Context, info StopTaskInfo) bool {
	s.mu.Lock()
	task, ok := s.tasks[info.TaskID]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug("cancel unknown task", "task_id", info.TaskID)
		return false
	}

	s.executor.Cancel(ctx, task)

	// A periodic task waiting for its next trigger has no completion path
	// to retire it, so that happens here.
	s.mu.Lock()
	var retired *timer.Timer
	if task.timer != nil && !task.running && s.tasks[info.TaskID] == task {
		delete(s.tasks, info.TaskID)
		retired = task.timer
	}
	s.mu.Unlock()
	if retired != nil {
		s.timers.DeleteTimer(retired)
		s.logger.Info("periodic task retired", "task_id", info.TaskID)
	}
	return true
}

// FetchAndSchedule pulls the task list and applies it. It returns the number
// of run and stop tasks handled.
func (s *Scheduler) FetchAndSchedule(ctx context.Context, reason string) int {
	list, err := s.source.FetchTasks(ctx, reason)
	if err != nil {
		s.logger.Error("fetch tasks", "reason", reason, "err", err)
		if s.opts.NetChecker != nil {
			if err := s.opts.NetChecker.CheckNetwork(ctx); err != nil {
				s.logger.Warn("network check", "err", err)
			}
		}
		return 0
	}

	for _, info := range list.Run {
		if err := s.Schedule(info); err != nil {
			s.logger.Error("schedule task", "task_id", info.TaskID, "err", err)
		}
	}
	for _, info := range list.Stop {
		s.Cancel(ctx, info)
	}
	handled := len(list.Run) + len(list.Stop)
	s.logger.Info("fetched tasks", "reason", reason, "run", len(list.Run), "stop", len(list.Stop))
	return handled
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Contains reports whether taskID is registered.
func (s *Scheduler) Contains(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[taskID]
	return ok
}

// Snapshot returns the registered tasks sorted by id.
func (s *Scheduler) Snapshot() []TaskView {
	s.mu.Lock()
	views := make([]TaskView, 0, len(s.tasks))
	for _, task := range s.tasks {
		view := TaskView{
			TaskID:      task.ID(),
			CommandType: task.Info.CommandType,
			Cron:        task.Info.Cron,
			State:       TaskStatePending,
			Canceled:    task.Canceled(),
		}
		if task.running {
			view.State = TaskStateRunning
		}
		if start := task.StartTime(); start > 0 {
			view.StartedAt = time.UnixMilli(start).UTC()
		}
		if next, ok := s.timers.NextFireTime(task.timer); ok {
			view.NextFireAt = next.UTC()
		}
		views = append(views, view)
	}
	s.mu.Unlock()

	sort.Slice(views, func(i, j int) bool { return views[i].TaskID < views[j].TaskID })
	return views
}

// trigger runs on the timer loop goroutine and must not block.
func (s *Scheduler) trigger(task *Task) {
	s.mu.Lock()
	if s.stopping || s.tasks[task.ID()] != task || task.Canceled() {
		s.mu.Unlock()
		return
	}
	if task.running {
		s.mu.Unlock()
		s.logger.Info("skipping run because task is already running", "task_id", task.ID())
		return
	}
	task.running = true
	s.inflight.Add(1)
	s.mu.Unlock()
	go s.run(task)
}

func (s *Scheduler) run(task *Task) {
	defer s.inflight.Done()
	defer s.complete(task)
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task execution panicked", "task_id", task.ID(), "panic", r)
		}
	}()

	outcome := s.executor.Execute(s.ctxOrBackground(), task)
	s.logger.Info("task run finished", "task_id", task.ID(), "outcome", string(outcome))
}

// complete is the only removal point for one-shot tasks.
func (s *Scheduler) complete(task *Task) {
	s.mu.Lock()
	task.running = false
	retire := task.timer == nil || task.Canceled()
	var retired *timer.Timer
	if retire {
		if s.tasks[task.ID()] == task {
			delete(s.tasks, task.ID())
		}
		retired = task.timer
	}
	s.mu.Unlock()

	if retired != nil {
		s.timers.DeleteTimer(retired)
	}
}

func (s *Scheduler) reject(taskID, param, value string) {
	s.logger.Warn("reject invalid task", "task_id", taskID, "param", param, "value", value)
	if s.opts.Invalid == nil {
		return
	}
	if err := s.opts.Invalid.ReportInvalid(s.ctxOrBackground(), taskID, param, value); err != nil {
		s.logger.Warn("send invalid report", "task_id", taskID, "err", err)
	}
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}
