package timer

import (
	"container/heap"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned when creating a timer on a stopped manager.
var ErrStopped = errors.New("timer manager stopped")

// DefaultMaxWait bounds how long the loop sleeps without re-evaluating.
const DefaultMaxWait = time.Hour

// Manager runs a single loop goroutine that fires timers in fire-time order.
type Manager struct {
	logger  *slog.Logger
	maxWait time.Duration

	mu      sync.Mutex
	idle    *sync.Cond
	queue   timerQueue
	firing  *Timer
	seq     uint64
	started bool
	stopped bool

	wake     chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a manager. Call Start to begin firing timers.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:  logger.With("component", "timer"),
		maxWait: DefaultMaxWait,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.idle = sync.NewCond(&m.mu)
	return m
}

// Start launches the loop goroutine. Calling it more than once has no effect.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started || m.stopped {
		return
	}
	m.started = true
	go m.run()
}

// Stop joins the loop goroutine and releases all remaining timers.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		started := m.started
		m.mu.Unlock()

		close(m.stop)
		if started {
			<-m.done
		}

		m.mu.Lock()
		for _, t := range m.queue {
			t.live = false
			t.index = -1
		}
		m.queue = nil
		m.mu.Unlock()
	})
}

// CreateCronTimer registers a timer that fires on the given cron expression.
func (m *Manager) CreateCronTimer(callback Callback, expr string) (*Timer, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	return m.add(callback, cronRule{schedule: schedule})
}

// CreateIntervalTimer registers a timer that fires every interval.
func (m *Manager) CreateIntervalTimer(callback Callback, every time.Duration) (*Timer, error) {
	if every <= 0 {
		return nil, fmt.Errorf("create interval timer: interval must be positive, got %s", every)
	}
	return m.add(callback, intervalRule{every: every})
}

func (m *Manager) add(callback Callback, r rule) (*Timer, error) {
	if callback == nil {
		return nil, errors.New("create timer: nil callback")
	}
	now := time.Now()
	next := r.next(now, now)
	if next.IsZero() {
		return nil, fmt.Errorf("%w: schedule never fires", ErrInvalidCron)
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, ErrStopped
	}
	m.seq++
	t := &Timer{callback: callback, rule: r, next: next, seq: m.seq, live: true}
	heap.Push(&m.queue, t)
	m.mu.Unlock()

	m.notify()
	return t, nil
}

// DeleteTimer removes the timer. When it returns the timer's callback is not
// running and will not run again. It must not be called from the timer's own
// callback.
func (m *Manager) DeleteTimer(t *Timer) {
	if t == nil {
		return
	}
	m.mu.Lock()
	if t.live {
		t.live = false
		if t.index >= 0 {
			heap.Remove(&m.queue, t.index)
		}
	}
	for m.firing == t {
		m.idle.Wait()
	}
	m.mu.Unlock()
	m.notify()
}

// UpdateTime recomputes the timer's next fire time from now.
func (m *Manager) UpdateTime(t *Timer) {
	if t == nil {
		return
	}
	m.mu.Lock()
	if !t.live {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	t.next = t.rule.next(now, now)
	if t.index >= 0 {
		heap.Fix(&m.queue, t.index)
	}
	m.mu.Unlock()
	m.notify()
}

// NextFireTime reports when the timer fires next, or false if it is not live.
func (m *Manager) NextFireTime(t *Timer) (time.Time, bool) {
	if t == nil {
		return time.Time{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !t.live {
		return time.Time{}, false
	}
	return t.next, true
}

// Len returns the number of live timers waiting in the queue.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		wait := time.NewTimer(m.untilNext(time.Now()))
		select {
		case <-m.stop:
			wait.Stop()
			return
		case <-m.wake:
		case <-wait.C:
		}
		wait.Stop()
		m.fireDue()
	}
}

func (m *Manager) untilNext(now time.Time) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return m.maxWait
	}
	d := m.queue[0].next.Sub(now)
	if d < 0 {
		return 0
	}
	if d > m.maxWait {
		return m.maxWait
	}
	return d
}

func (m *Manager) fireDue() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*Timer
	for len(m.queue) > 0 && !m.queue[0].next.After(now) {
		due = append(due, heap.Pop(&m.queue).(*Timer))
	}

	for _, t := range due {
		if !t.live {
			continue
		}
		m.firing = t
		m.mu.Unlock()
		m.invoke(t)
		m.mu.Lock()
		m.firing = nil
		m.idle.Broadcast()

		if !t.live {
			continue
		}
		t.next = t.rule.next(t.next, time.Now())
		if t.next.IsZero() {
			t.live = false
			continue
		}
		heap.Push(&m.queue, t)
	}
}

func (m *Manager) invoke(t *Timer) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("timer callback panicked", "panic", r)
		}
	}()
	t.callback()
}
