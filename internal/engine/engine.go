// Package engine is the buffered playback engine: it owns the frame store,
// the window manager and the playback clock for one frame sequence and
// exposes the render gate and navigation operations the UI calls into.
//
// Every method must run on the loop goroutine. Callers on other goroutines
// go through Loop.Post or Loop.Call.
package engine

import (
	"log/slog"
	"time"

	"github.com/snehjoshi/lapse/internal/clock"
	"github.com/snehjoshi/lapse/internal/frame"
	"github.com/snehjoshi/lapse/internal/metrics"
	"github.com/snehjoshi/lapse/internal/store"
	"github.com/snehjoshi/lapse/internal/window"
)

// Loop is the task queue the engine runs on: completions are posted to it and
// the clock ticks from its refresh callbacks.
type Loop interface {
	Post(fn func())
	RequestFrame(fn func(now time.Time)) uint64
	CancelFrame(id uint64)
}

// Frame is one successful presentation.
type Frame struct {
	Index int
	Key   string
	Image *store.Image
}

// Surface displays presented frames. Show runs on the loop goroutine and must
// not block.
type Surface interface {
	Show(f Frame)
}

// SurfaceFunc adapts a function to Surface.
type SurfaceFunc func(Frame)

// Show calls f(fr).
func (f SurfaceFunc) Show(fr Frame) { f(fr) }

// Config holds the playback parameters.
type Config struct {
	Ahead          int     // frames prefetched from the current one forward
	Behind         int     // frames retained behind the current one
	FPS            float64 // target playback rate
	SwipeThreshold float64 // pixels a swipe must travel horizontally
	Autoplay       bool    // start the clock once the first frame is shown
	Tier           string  // metrics label
}

// State is a snapshot of the playback position.
type State struct {
	Current  int    `json:"current"`
	Key      string `json:"key"`
	Playing  bool   `json:"playing"`
	Frames   int    `json:"frames"`
	Resident int    `json:"resident"`
	Shown    bool   `json:"shown"`
}

// Engine holds all playback state for one frame sequence.
type Engine struct {
	cfg     Config
	index   *frame.Index
	store   *store.Store
	window  *window.Manager
	clock   *clock.Clock
	surface Surface

	current int
	shown   bool

	reg *metrics.Registry
	log *slog.Logger
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	storeOpts []store.Option
	clockOpts []clock.Option
	reg       *metrics.Registry
	log       *slog.Logger
}

// WithStoreOptions passes options through to the frame store.
func WithStoreOptions(opts ...store.Option) Option {
	return func(o *options) { o.storeOpts = append(o.storeOpts, opts...) }
}

// WithClockOptions passes options through to the playback clock.
func WithClockOptions(opts ...clock.Option) Option {
	return func(o *options) { o.clockOpts = append(o.clockOpts, opts...) }
}

// WithMetrics records presentation, stutter, window and load counters.
func WithMetrics(reg *metrics.Registry) Option {
	return func(o *options) { o.reg = reg }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New wires an Engine for idx. Nothing is fetched until Boot or a navigation
// call.
func New(idx *frame.Index, f store.Fetcher, l Loop, s Surface, cfg Config, opts ...Option) *Engine {
	o := &options{log: slog.Default()}
	for _, fn := range opts {
		fn(o)
	}

	storeOpts := append([]store.Option{store.WithLogger(o.log)}, o.storeOpts...)
	if o.reg != nil {
		storeOpts = append(storeOpts, store.WithMetrics(o.reg, cfg.Tier))
	}

	e := &Engine{
		cfg:     cfg,
		index:   idx,
		surface: s,
		reg:     o.reg,
		log:     o.log,
	}
	e.store = store.New(idx, f, l, storeOpts...)
	e.window = window.New(idx, e.store, cfg.Ahead, cfg.Behind)
	if o.reg != nil {
		e.window.WithMetrics(o.reg, cfg.Tier)
	}
	e.clock = clock.New(l, cfg.FPS, e.advance, o.clockOpts...)
	return e
}

// Boot fills the window around frame 0 and, once frame 0 has loaded,
// presents it and starts playback if Autoplay is set. If frame 0 fails to
// load the engine stays idle; navigation still works.
func (e *Engine) Boot() {
	if e.index.Empty() {
		e.log.Info("manifest is empty, nothing to play")
		return
	}
	e.window.Reconcile(0)
	h, ok := e.store.Get(0)
	if !ok {
		return
	}
	h.OnReady(func(*store.Handle) {
		if e.shown {
			return
		}
		if e.Present(0) && e.cfg.Autoplay {
			e.clock.Start()
		}
	})
}

// Current returns the index of the frame on display.
func (e *Engine) Current() int { return e.current }

// Playing reports whether the clock is running.
func (e *Engine) Playing() bool { return e.clock.Running() }

// Store exposes the frame store for inspection.
func (e *Engine) Store() *store.Store { return e.store }

// Index returns the frame sequence.
func (e *Engine) Index() *frame.Index { return e.index }

// State returns a snapshot of the playback position.
func (e *Engine) State() State {
	return State{
		Current:  e.current,
		Key:      e.index.Key(e.current),
		Playing:  e.clock.Running(),
		Frames:   e.index.Len(),
		Resident: e.store.Len(),
		Shown:    e.shown,
	}
}

// Close stops playback and releases every cached frame.
func (e *Engine) Close() {
	e.clock.Stop()
	e.store.Close()
}

// advance is the clock's per-interval callback.
func (e *Engine) advance() {
	if e.index.Empty() {
		return
	}
	e.Present(e.index.Next(e.current))
}
