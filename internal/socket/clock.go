package socket

import (
	"sync"
	"time"
)

// Timer is a pending call scheduled by a Clock.
type Timer interface {
	Stop() bool
}

// Clock schedules delayed calls. The reconnect timer is the manager's only
// delayed work, so this is the single seam tests need for timing.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

// RealClock schedules with time.AfterFunc.
func RealClock() Clock { return realClock{} }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// FakeClock records scheduled delays and runs callbacks only when told to.
type FakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
	timers []*fakeTimer
}

// NewFakeClock creates a FakeClock with nothing scheduled.
func NewFakeClock() *FakeClock {
	return &FakeClock{}
}

type fakeTimer struct {
	f       func()
	stopped bool
	fired   bool
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.delays = append(c.delays, d)
	c.timers = append(c.timers, t)
	return &fakeHandle{clock: c, t: t}
}

type fakeHandle struct {
	clock *FakeClock
	t     *fakeTimer
}

func (h *fakeHandle) Stop() bool {
	h.clock.mu.Lock()
	defer h.clock.mu.Unlock()
	if h.t.stopped || h.t.fired {
		return false
	}
	h.t.stopped = true
	return true
}

// Delays returns every delay ever scheduled, in order.
func (c *FakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]time.Duration, len(c.delays))
	copy(out, c.delays)
	return out
}

// Pending returns how many timers are neither stopped nor fired.
func (c *FakeClock) Pending() int {
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

// Fire runs every pending callback and returns how many ran.
func (c *FakeClock) Fire() int {
	c.mu.Lock()
	var due []func()
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			t.fired = true
			due = append(due, t.f)
		}
	}
	c.mu.Unlock()

	for _, f := range due {
		f()
	}
	return len(due)
}
