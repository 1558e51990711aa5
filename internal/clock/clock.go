// Package clock implements the drift-corrected playback clock.
//
// The clock is a two-state machine (Stopped, Running). While Running it asks
// its Scheduler for a callback on every display refresh. On each refresh it
// compares the time since the last advance with the frame interval and, when
// more than one interval has passed, fires Advance exactly once and carries
// the leftover time forward:
//
//	last = now − (elapsed mod interval)
//
// so the long-run rate converges on the target FPS however irregular the
// refresh timing is. The clock keeps running when an advance is refused by
// the renderer.
package clock

import "time"

// Scheduler delivers one callback per display refresh.
type Scheduler interface {
	RequestFrame(fn func(now time.Time)) uint64
	CancelFrame(id uint64)
}

// Clock is not safe for concurrent use; it runs on the loop goroutine.
type Clock struct {
	sched    Scheduler
	interval time.Duration
	advance  func()
	now      func() time.Time

	running bool
	pending uint64
	last    time.Time
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow replaces time.Now as the source of the Start timestamp.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) { c.now = now }
}

// New returns a stopped Clock that calls advance at fps frames per second.
// A non-positive fps is treated as 1.
func New(s Scheduler, fps float64, advance func(), opts ...Option) *Clock {
	if fps <= 0 {
		fps = 1
	}
	c := &Clock{
		sched:    s,
		interval: time.Duration(float64(time.Second) / fps),
		advance:  advance,
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Interval returns the target time between advances.
func (c *Clock) Interval() time.Duration { return c.interval }

// Running reports whether the clock is in the Running state.
func (c *Clock) Running() bool { return c.running }

// Start moves Stopped → Running, stamping the current time and scheduling the
// first tick. Starting a running clock does nothing.
func (c *Clock) Start() {
	if c.running {
		return
	}
	c.running = true
	c.last = c.now()
	c.pending = c.sched.RequestFrame(c.tick)
}

// Stop moves Running → Stopped and cancels the pending tick. Stopping a
// stopped clock does nothing.
func (c *Clock) Stop() {
	if !c.running {
		return
	}
	c.running = false
	c.sched.CancelFrame(c.pending)
	c.pending = 0
}

// Toggle flips between Running and Stopped.
func (c *Clock) Toggle() {
	if c.running {
		c.Stop()
	} else {
		c.Start()
	}
}

func (c *Clock) tick(now time.Time) {
	if !c.running {
		return
	}
	c.pending = 0

	elapsed := now.Sub(c.last)
	if elapsed > c.interval {
		c.advance()
		c.last = now.Add(-(elapsed % c.interval))
	}

	// advance may have stopped the clock (e.g. a navigation call made from
	// inside the render path).
	if c.running {
		c.pending = c.sched.RequestFrame(c.tick)
	}
}
