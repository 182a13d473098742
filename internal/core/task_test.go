package core

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskWriteFillsBothBuffers(t *testing.T) {
	t.Parallel()

	task := NewTask(RunTaskInfo{TaskID: "t"})
	n, err := task.Write([]byte("hello "))
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	_, _ = task.Write([]byte("world"))

	assert.Equal(t, "hello world", string(task.Output()))
	assert.Equal(t, 11, task.pendingLen())
	assert.Equal(t, "hello world", string(task.takePending()))
	assert.Equal(t, 0, task.pendingLen())
	assert.Equal(t, "hello world", string(task.Output()))
}

func TestTaskTruncateKeepsUnacknowledgedTail(t *testing.T) {
	t.Parallel()

	original := []byte("0123456789abcdefghij")
	for size := 0; size <= len(original); size++ {
		for current := 0; current <= size; current++ {
			for quota := 0; quota <= size+2; quota++ {
				task := NewTask(RunTaskInfo{TaskID: "t"})
				_, _ = task.Write(original[:size])
				task.applyAck(Ack{Received: current, Accepted: current, Current: current})

				tail, dropped := task.truncate(quota)

				wantDropped := 0
				if size-current > quota-current && quota >= current {
					wantDropped = size - current - (quota - current)
				}
				if quota < current {
					wantDropped = size - current
				}
				require.Equal(t, wantDropped, dropped, "size=%d current=%d quota=%d", size, current, quota)
				require.LessOrEqual(t, current+dropped, size)
				require.True(t, bytes.Equal(original[current+dropped:size], tail), "size=%d current=%d quota=%d", size, current, quota)
				require.Equal(t, tail, task.Output())

				_, _, _, gotDropped := task.Counters()
				require.Equal(t, dropped, gotDropped)
			}
		}
	}
}

func TestTaskTruncateClampsServerCounters(t *testing.T) {
	t.Parallel()

	task := NewTask(RunTaskInfo{TaskID: "t"})
	_, _ = task.Write([]byte("abc"))
	task.applyAck(Ack{Received: 10, Accepted: 10, Current: 10})

	tail, dropped := task.truncate(5)
	assert.Empty(t, tail)
	assert.Equal(t, 0, dropped)
}

func TestTaskCancelIsMonotonic(t *testing.T) {
	t.Parallel()

	task := NewTask(RunTaskInfo{TaskID: "t"})
	require.True(t, task.beginRun(time.Now()))

	_, sendStopped, first := task.markCanceled(time.Now())
	assert.True(t, first)
	assert.True(t, sendStopped)
	assert.True(t, task.Canceled())
	assert.Positive(t, task.EndTime())

	_, sendStopped, first = task.markCanceled(time.Now())
	assert.False(t, first)
	assert.False(t, sendStopped)

	assert.False(t, task.claimTerminal())
	assert.False(t, task.beginRun(time.Now()))
	assert.True(t, task.Canceled())
}

func TestTaskSpawnSignal(t *testing.T) {
	t.Parallel()

	task := NewTask(RunTaskInfo{TaskID: "t"})
	require.True(t, task.beginRun(time.Now()))
	task.settleSpawn()

	require.True(t, task.beginRun(time.Now()))
	spawned, _, first := task.markCanceled(time.Now())
	require.True(t, first)
	select {
	case <-spawned:
		t.Fatal("spawn settled before the run attached a process")
	default:
	}

	task.settleSpawn()
	task.settleSpawn()
	select {
	case <-spawned:
	default:
		t.Fatal("spawn not settled")
	}
	assert.Nil(t, task.process())
}

func TestTaskSpawnSignalIdleTask(t *testing.T) {
	t.Parallel()

	spawned, _, _ := NewTask(RunTaskInfo{TaskID: "t"}).markCanceled(time.Now())
	select {
	case <-spawned:
	default:
		t.Fatal("task that never ran must not block cancellation")
	}
}

func TestTaskTerminalClaimExcludesStopped(t *testing.T) {
	t.Parallel()

	task := NewTask(RunTaskInfo{TaskID: "t"})
	require.True(t, task.beginRun(time.Now()))
	require.True(t, task.claimTerminal())
	require.False(t, task.claimTerminal())

	_, sendStopped, first := task.markCanceled(time.Now())
	assert.True(t, first)
	assert.False(t, sendStopped)
}

func TestTaskBeginRunResetsRunState(t *testing.T) {
	t.Parallel()

	task := NewTask(RunTaskInfo{TaskID: "t"})
	require.True(t, task.beginRun(time.UnixMilli(1000)))
	_, _ = task.Write([]byte("old"))
	task.applyAck(Ack{Received: 3, Accepted: 1, Current: 1})
	task.finishRun(time.UnixMilli(2000), 7)
	require.True(t, task.claimTerminal())
	task.endRun()

	require.True(t, task.beginRun(time.UnixMilli(3000)))
	assert.Equal(t, int64(3000), task.StartTime())
	assert.Equal(t, int64(0), task.EndTime())
	assert.Equal(t, 0, task.ExitCode())
	assert.Empty(t, task.Output())
	assert.False(t, task.backpressured())
	assert.True(t, task.claimTerminal())
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	info := RunTaskInfo{TaskID: "t"}
	info.ApplyDefaults()
	assert.Equal(t, DefaultFlushInterval, info.Output.FlushInterval)
	assert.Equal(t, DefaultLogQuota, info.Output.LogQuota)
	assert.Equal(t, DefaultTimeoutSeconds, info.TimeoutSeconds)
	assert.False(t, info.Periodic())

	custom := RunTaskInfo{TaskID: "t", TimeoutSeconds: 5, Cron: "* * * * * *", Output: OutputInfo{FlushInterval: time.Second, LogQuota: 10}}
	custom.ApplyDefaults()
	assert.Equal(t, 5, custom.TimeoutSeconds)
	assert.Equal(t, time.Second, custom.Output.FlushInterval)
	assert.Equal(t, 10, custom.Output.LogQuota)
	assert.True(t, custom.Periodic())
}
