package core

import (
	"context"
	"errors"
	"time"
)

// Fetch reasons sent to the control plane.
const (
	ReasonStartup  = "startup"
	ReasonPeriodic = "period"
	ReasonKick     = "kickoff"
)

// ErrKickThrottled is returned by Kick when kicks arrive faster than allowed.
var ErrKickThrottled = errors.New("kick throttled")

// Fetch runs FetchAndSchedule unless another fetch holds the lock for longer
// than the lock timeout. A kicked fetch that finds nothing retries once, with
// ReasonKick, after a short delay, since the control plane may not have
// published the task yet.
func (s *Scheduler) Fetch(ctx context.Context, reason string, fromKick bool) int {
	if !s.fetchLock.TryLockWithTimeout(s.opts.FetchLockTimeout) {
		s.logger.Info("fetch already in progress", "reason", reason)
		return 0
	}
	defer s.fetchLock.Unlock()

	handled := s.FetchAndSchedule(ctx, reason)
	if !fromKick || handled > 0 {
		return handled
	}

	wait := time.NewTimer(s.opts.KickRetryDelay)
	defer wait.Stop()
	select {
	case <-ctx.Done():
		return 0
	case <-wait.C:
	}
	return s.FetchAndSchedule(ctx, ReasonKick)
}

// Kick triggers an immediate fetch, subject to the kick rate limit.
func (s *Scheduler) Kick(ctx context.Context) (int, error) {
	if !s.kicks.Allow() {
		return 0, ErrKickThrottled
	}
	return s.Fetch(ctx, ReasonKick, true), nil
}
