// Package loop implements the single cooperative task queue the player runs on.
//
// Every piece of engine state is mutated from exactly one goroutine: the loop
// goroutine. Other goroutines (HTTP fetches, the viewer, signal handlers) hand
// work to it with Post; the playback clock registers per-refresh callbacks
// with RequestFrame, the Go counterpart of requestAnimationFrame.
//
//	l := loop.New(60)
//	l.Start(ctx)
//	defer l.Stop()
//
//	l.Post(func() { eng.StepNext() })
//	id := l.RequestFrame(func(now time.Time) { ... })
//	l.CancelFrame(id)
//
// Ordering guarantees:
//   - posted tasks run in FIFO order, one at a time;
//   - frame callbacks registered during a refresh run on the next refresh,
//     never the current one, so a callback that re-registers itself cannot
//     spin;
//   - a task and a frame callback never run concurrently.
package loop

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStopped is returned by Call when the loop exits before running fn.
var ErrStopped = errors.New("loop: stopped")

// Loop is a single-goroutine executor with a display-refresh clock.
// Post, RequestFrame, CancelFrame and Call are safe for concurrent use.
type Loop struct {
	mu     sync.Mutex
	tasks  []func()
	frames map[uint64]func(time.Time)
	nextID uint64

	// notify is a buffered channel of capacity 1. Post sends a signal so the
	// loop goroutine wakes up between refreshes to drain the task queue.
	notify chan struct{}

	refresh time.Duration
	now     func() time.Time

	done     chan struct{}
	doneOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces time.Now as the timestamp source handed to frame
// callbacks.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// New creates a Loop that fires frame callbacks refreshHz times per second.
// A non-positive refreshHz defaults to 60.
func New(refreshHz int, opts ...Option) *Loop {
	if refreshHz <= 0 {
		refreshHz = 60
	}
	l := &Loop{
		frames:  make(map[uint64]func(time.Time)),
		notify:  make(chan struct{}, 1),
		refresh: time.Second / time.Duration(refreshHz),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Post queues fn to run on the loop goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Call posts fn and blocks until it has run, ctx is done, or the loop stops.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	l.Post(func() {
		fn()
		close(ran)
	})
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrStopped
	}
}

// RequestFrame registers fn to run once on the next display refresh and
// returns an id for CancelFrame.
func (l *Loop) RequestFrame(fn func(now time.Time)) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	l.frames[l.nextID] = fn
	return l.nextID
}

// CancelFrame drops a pending frame callback. Unknown or already-fired ids
// are ignored.
func (l *Loop) CancelFrame(id uint64) {
	l.mu.Lock()
	delete(l.frames, id)
	l.mu.Unlock()
}

// Pending returns the number of registered frame callbacks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.frames)
}

// Start launches the loop goroutine. Start must be called exactly once.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.run(ctx)
}

// Stop shuts the loop down and waits for the goroutine to exit. Tasks still
// queued are abandoned. Stop is idempotent.
func (l *Loop) Stop() {
	l.markDone()
	l.wg.Wait()
}

func (l *Loop) markDone() { l.doneOnce.Do(func() { close(l.done) }) }

// Done is closed once Stop has been called or the Start context ends.
func (l *Loop) Done() <-chan struct{} { return l.done }

// ─── loop goroutine ───────────────────────────────────────────────────────────

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.markDone()
			return
		case <-l.done:
			return
		case <-l.notify:
			l.drain()
		case <-ticker.C:
			l.fireFrames()
			l.drain()
		}
	}
}

// drain runs every queued task, including ones posted by the tasks themselves.
func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.tasks
		l.tasks = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
	}
}

// fireFrames swaps out the registered callbacks and runs them with a single
// shared timestamp. Callbacks registered while firing wait for the next tick.
func (l *Loop) fireFrames() {
	l.mu.Lock()
	if len(l.frames) == 0 {
		l.mu.Unlock()
		return
	}
	batch := l.frames
	l.frames = make(map[uint64]func(time.Time))
	l.mu.Unlock()

	now := l.now()
	for _, fn := range batch {
		fn(now)
	}
}
