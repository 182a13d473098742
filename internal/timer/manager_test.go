package timer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStartedManager(t *testing.T) *Manager {
	t.Helper()
	m := NewManager(nil)
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func TestManagerFiresInFireTimeOrder(t *testing.T) {
	m := newStartedManager(t)

	fired := make(chan string, 64)
	record := func(name string) Callback {
		return func() {
			select {
			case fired <- name:
			default:
			}
		}
	}

	// Inserted out of order on purpose.
	_, err := m.CreateIntervalTimer(record("c"), 400*time.Millisecond)
	require.NoError(t, err)
	_, err = m.CreateIntervalTimer(record("a"), 100*time.Millisecond)
	require.NoError(t, err)
	_, err = m.CreateIntervalTimer(record("b"), 250*time.Millisecond)
	require.NoError(t, err)

	var order []string
	seen := map[string]bool{}
	deadline := time.After(3 * time.Second)
	for len(order) < 3 {
		select {
		case name := <-fired:
			if !seen[name] {
				seen[name] = true
				order = append(order, name)
			}
		case <-deadline:
			t.Fatalf("timers did not fire, got %v", order)
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestManagerIntervalTimerRepeats(t *testing.T) {
	m := newStartedManager(t)

	var count atomic.Int32
	timer, err := m.CreateIntervalTimer(func() { count.Add(1) }, 50*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return count.Load() >= 3 }, 2*time.Second, 10*time.Millisecond)

	next, ok := m.NextFireTime(timer)
	require.True(t, ok)
	assert.False(t, next.IsZero())
}

func TestManagerDeleteTimerPreventsFire(t *testing.T) {
	m := newStartedManager(t)

	var count atomic.Int32
	timer, err := m.CreateIntervalTimer(func() { count.Add(1) }, 50*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())

	m.DeleteTimer(timer)
	m.DeleteTimer(timer)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(0), count.Load())
	assert.Equal(t, 0, m.Len())

	_, ok := m.NextFireTime(timer)
	assert.False(t, ok)
}

func TestManagerDeleteWaitsForRunningCallback(t *testing.T) {
	m := newStartedManager(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	timer, err := m.CreateIntervalTimer(func() {
		once.Do(func() { close(entered) })
		<-release
	}, 20*time.Millisecond)
	require.NoError(t, err)

	<-entered

	deleted := make(chan struct{})
	go func() {
		m.DeleteTimer(timer)
		close(deleted)
	}()

	select {
	case <-deleted:
		t.Fatal("DeleteTimer returned while callback was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-deleted:
	case <-time.After(time.Second):
		t.Fatal("DeleteTimer did not return after callback finished")
	}
	assert.Equal(t, 0, m.Len())
}

func TestManagerCronTimer(t *testing.T) {
	m := newStartedManager(t)

	var count atomic.Int32
	timer, err := m.CreateCronTimer(func() { count.Add(1) }, "* * * * * *")
	require.NoError(t, err)

	first, ok := m.NextFireTime(timer)
	require.True(t, ok)

	require.Eventually(t, func() bool { return count.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)

	next, ok := m.NextFireTime(timer)
	require.True(t, ok)
	assert.True(t, next.After(first))
}

func TestManagerRejectsInvalidRules(t *testing.T) {
	m := newStartedManager(t)

	_, err := m.CreateCronTimer(func() {}, "bogus")
	require.ErrorIs(t, err, ErrInvalidCron)

	_, err = m.CreateIntervalTimer(func() {}, 0)
	require.Error(t, err)

	assert.Equal(t, 0, m.Len())
}

func TestManagerUpdateTime(t *testing.T) {
	m := newStartedManager(t)

	timer, err := m.CreateIntervalTimer(func() {}, time.Hour)
	require.NoError(t, err)
	before, ok := m.NextFireTime(timer)
	require.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	m.UpdateTime(timer)

	after, ok := m.NextFireTime(timer)
	require.True(t, ok)
	assert.True(t, after.After(before))
}

func TestManagerSurvivesPanickingCallback(t *testing.T) {
	m := newStartedManager(t)

	var count atomic.Int32
	_, err := m.CreateIntervalTimer(func() {
		count.Add(1)
		panic("boom")
	}, 30*time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return count.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestManagerStop(t *testing.T) {
	t.Parallel()

	idle := NewManager(nil)
	idle.Stop()

	m := NewManager(nil)
	m.Start()
	_, err := m.CreateIntervalTimer(func() {}, time.Minute)
	require.NoError(t, err)

	m.Stop()
	m.Stop()
	assert.Equal(t, 0, m.Len())

	_, err = m.CreateIntervalTimer(func() {}, time.Minute)
	require.ErrorIs(t, err, ErrStopped)
}
