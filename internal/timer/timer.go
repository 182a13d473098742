package timer

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Callback is invoked on the manager's loop goroutine each time a timer fires.
// It must return quickly; real work belongs on another goroutine.
type Callback func()

// Timer is a handle to a recurring trigger owned by a Manager.
type Timer struct {
	callback Callback
	rule     rule
	next     time.Time
	seq      uint64
	index    int
	live     bool
}

type rule interface {
	// next returns the fire time following last, never earlier than now.
	next(last, now time.Time) time.Time
}

type cronRule struct {
	schedule cron.Schedule
}

// Cron timers realign to wall-clock time after each fire.
func (r cronRule) next(_, now time.Time) time.Time {
	return r.schedule.Next(now)
}

type intervalRule struct {
	every time.Duration
}

// Interval timers advance from the previous fire time so they stay periodic.
// A loop delayed past a whole period restarts from now instead of bursting.
func (r intervalRule) next(last, now time.Time) time.Time {
	n := last.Add(r.every)
	if n.After(now) {
		return n
	}
	return now.Add(r.every)
}

type timerQueue []*Timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].next.Equal(q[j].next) {
		return q[i].seq < q[j].seq
	}
	return q[i].next.Before(q[j].next)
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*Timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}
