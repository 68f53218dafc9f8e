package notify

import (
	"sync"
	"time"
)

// DefaultDelay is the quiet period a burst of changes must end with.
const DefaultDelay = time.Second

// DefaultFailsafe bounds how long a skip-once flag stays armed.
const DefaultFailsafe = 2 * time.Second

// Debouncer is a trailing-edge debounce. Every Trigger restarts the delay;
// the callback runs once after the events stop for a full delay. The callback
// is handed to dispatch, normally Loop.Post, so it never runs on the timer
// goroutine.
type Debouncer struct {
	mu       sync.Mutex
	delay    time.Duration
	dispatch func(func()) bool
	fn       func(first time.Time)

	timer *time.Timer
	first time.Time
	gen   uint64
}

// NewDebouncer builds a debouncer. A nil dispatch runs fn on the timer
// goroutine.
func NewDebouncer(delay time.Duration, dispatch func(func()) bool, fn func(first time.Time)) *Debouncer {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if dispatch == nil {
		dispatch = func(f func()) bool { f(); return true }
	}
	return &Debouncer{delay: delay, dispatch: dispatch, fn: fn}
}

// Trigger records one event. Safe to call from any goroutine.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer == nil {
		d.first = time.Now()
	} else {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = time.AfterFunc(d.delay, func() { d.fire(gen) })
}

func (d *Debouncer) fire(gen uint64) {
	d.mu.Lock()
	if gen != d.gen || d.timer == nil {
		// rescheduled or stopped after this timer was already running
		d.mu.Unlock()
		return
	}
	first := d.first
	d.timer = nil
	d.first = time.Time{}
	d.mu.Unlock()

	d.dispatch(func() { d.fn(first) })
}

// Pending reports whether a callback is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}

// Stop drops a scheduled callback.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
	d.first = time.Time{}
}

// SkipOnce suppresses the next debounced callback after a local write. A
// failsafe timer disarms it when the expected echo never arrives.
type SkipOnce struct {
	mu       sync.Mutex
	failsafe time.Duration
	armed    bool
	timer    *time.Timer
	gen      uint64
}

func NewSkipOnce(failsafe time.Duration) *SkipOnce {
	if failsafe <= 0 {
		failsafe = DefaultFailsafe
	}
	return &SkipOnce{failsafe: failsafe}
}

// Set arms the flag and restarts the failsafe.
func (s *SkipOnce) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armed = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.failsafe, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if gen == s.gen {
			s.armed = false
			s.timer = nil
		}
	})
}

// Consume reports whether the flag was armed and disarms it.
func (s *SkipOnce) Consume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.armed
	s.clear()
	return was
}

// Clear disarms the flag.
func (s *SkipOnce) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clear()
}

func (s *SkipOnce) clear() {
	s.armed = false
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}

func (s *SkipOnce) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armed
}
