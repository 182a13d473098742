package core

import (
	"time"
)

// Defaults applied to fields the control plane leaves out.
const (
	DefaultFlushInterval  = 3000 * time.Millisecond
	DefaultLogQuota       = 12288
	DefaultTimeoutSeconds = 3600
)

// Outcome describes how a single run of a task ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// ReportKind selects the terminal report endpoint.
type ReportKind string

const (
	ReportFinish  ReportKind = "finish"
	ReportStopped ReportKind = "stopped"
	ReportTimeout ReportKind = "timeout"
	ReportError   ReportKind = "error"
)

// TaskState is the registry-visible lifecycle state of a task.
type TaskState string

const (
	TaskStatePending TaskState = "pending"
	TaskStateRunning TaskState = "running"
)

// OutputInfo controls how a task's output is streamed back.
type OutputInfo struct {
	FlushInterval time.Duration
	LogQuota      int
	SkipEmpty     bool
	SendStart     bool
}

// RunTaskInfo describes one schedulable unit of work. An empty Cron means one-shot.
type RunTaskInfo struct {
	TaskID         string
	CommandType    string
	Content        string
	WorkingDir     string
	TimeoutSeconds int
	Cron           string
	Output         OutputInfo
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (i *RunTaskInfo) ApplyDefaults() {
	if i.Output.FlushInterval <= 0 {
		i.Output.FlushInterval = DefaultFlushInterval
	}
	if i.Output.LogQuota <= 0 {
		i.Output.LogQuota = DefaultLogQuota
	}
	if i.TimeoutSeconds <= 0 {
		i.TimeoutSeconds = DefaultTimeoutSeconds
	}
}

// Periodic reports whether the task recurs on a cron schedule.
func (i RunTaskInfo) Periodic() bool {
	return i.Cron != ""
}

// StopTaskInfo names a task to cancel.
type StopTaskInfo struct {
	TaskID string
}

// TaskList is one fetch result.
type TaskList struct {
	Run  []RunTaskInfo
	Stop []StopTaskInfo
}

// Ack carries the server's output accounting from a running report.
type Ack struct {
	Received int
	Accepted int
	Current  int
}

// FinalReport is the terminal report for one run.
type FinalReport struct {
	Kind     ReportKind
	TaskID   string
	Start    int64
	End      int64
	ExitCode int
	Dropped  int
	Output   []byte
	ErrDesc  string
}

// RunRecord is a journal entry for a finished run.
type RunRecord struct {
	ID          string
	TaskID      string
	Outcome     Outcome
	ExitCode    int
	Dropped     int
	OutputBytes int
	Periodic    bool
	StartedAt   time.Time
	EndedAt     time.Time
	CreatedAt   time.Time
}

// TaskView is a point-in-time snapshot of a registered task.
type TaskView struct {
	TaskID      string
	CommandType string
	Cron        string
	State       TaskState
	Canceled    bool
	StartedAt   time.Time
	NextFireAt  time.Time
}
