package delivery

import "time"

// DefaultIdleDelay is how long the conversation must stay idle before a
// re-engagement suggestion is offered.
const DefaultIdleDelay = 20 * time.Second

// Timer is a pending callback that can be cancelled.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. The real implementation is backed by
// time.AfterFunc; tests substitute a manually advanced clock.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// idleScheduler is a single-shot timer that is cancelled and possibly
// rearmed on every change of the message list or loading flag. Each arm gets
// a sequence number so a callback that raced with Stop can be recognised.
type idleScheduler struct {
	clock Clock
	delay time.Duration

	timer Timer
	seq   uint64
}

func (s *idleScheduler) cancel() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.seq++
}

// rearm cancels any pending timer and, when idle, arms a new one that calls
// fire with its sequence number.
func (s *idleScheduler) rearm(idle bool, fire func(seq uint64)) {
	s.cancel()
	if !idle {
		return
	}
	seq := s.seq
	s.timer = s.clock.AfterFunc(s.delay, func() { fire(seq) })
}

// claim reports whether seq belongs to the currently armed timer and, if so,
// disarms it.
func (s *idleScheduler) claim(seq uint64) bool {
	if s.timer == nil || seq != s.seq {
		return false
	}
	s.timer = nil
	return true
}

func (s *idleScheduler) armed() bool {
	return s.timer != nil
}
