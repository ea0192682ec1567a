package delivery

import (
	"context"
	"errors"
	"sync"
	"time"
)

type submitResult struct {
	answer FirstAnswer
	err    error
}

type moreResult struct {
	cont Continuation
	err  error
}

// fakeTransport returns queued results in order. When gate is set, calls
// block until a value is sent on it.
type fakeTransport struct {
	mu          sync.Mutex
	sessionIDs  []string
	sessionErr  error
	submits     []submitResult
	mores       []moreResult
	requests    []SubmitRequest
	moreIDs     []string
	gate        chan struct{}
	entered     chan struct{}
	sessionCall int
}

func (f *fakeTransport) CreateSession(_ context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessionCall++
	if f.sessionErr != nil {
		return "", f.sessionErr
	}
	if len(f.sessionIDs) == 0 {
		return "", errors.New("no session configured")
	}
	id := f.sessionIDs[0]
	if len(f.sessionIDs) > 1 {
		f.sessionIDs = f.sessionIDs[1:]
	}
	return id, nil
}

func (f *fakeTransport) wait() {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
}

func (f *fakeTransport) Submit(_ context.Context, req SubmitRequest) (FirstAnswer, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	f.wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.submits) == 0 {
		return FirstAnswer{}, errors.New("no submit result configured")
	}
	r := f.submits[0]
	f.submits = f.submits[1:]
	return r.answer, r.err
}

func (f *fakeTransport) RequestMore(_ context.Context, contextID string) (Continuation, error) {
	f.mu.Lock()
	f.moreIDs = append(f.moreIDs, contextID)
	f.mu.Unlock()

	f.wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.mores) == 0 {
		return Continuation{}, errors.New("no more result configured")
	}
	r := f.mores[0]
	f.mores = f.mores[1:]
	return r.cont, r.err
}

func (f *fakeTransport) queueSubmit(a FirstAnswer, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, submitResult{answer: a, err: err})
}

func (f *fakeTransport) queueMore(c Continuation, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mores = append(f.mores, moreResult{cont: c, err: err})
}

func (f *fakeTransport) lastRequest() SubmitRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type recordingSink struct {
	mu        sync.Mutex
	exchanges []CompletedExchange
	err       error
	onLog     func(CompletedExchange)
}

func (s *recordingSink) LogExchange(_ context.Context, ex CompletedExchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onLog != nil {
		s.onLog(ex)
	}
	s.exchanges = append(s.exchanges, ex)
	return s.err
}

func (s *recordingSink) all() []CompletedExchange {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CompletedExchange(nil), s.exchanges...)
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

// firstPick always picks index 0, making suggestions deterministic.
func firstPick(int) int { return 0 }
