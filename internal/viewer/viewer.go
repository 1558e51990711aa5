// Package viewer is the player's control surface: a small HTTP API plus a
// WebSocket event stream that a browser page or a terminal client uses to
// drive the engine and watch what it presents.
//
// Routes:
//
//	GET    /state
//	GET    /frame
//	GET    /ws
//	POST   /control/next
//	POST   /control/prev
//	POST   /control/toggle
//	POST   /control/play
//	POST   /control/pause
//	POST   /control/pointer   {"x":..,"width":..}
//	POST   /control/swipe     {"dx":..,"dy":..,"threshold":..}
//
// Server → client event frame:
//
//	{"type":"frame","index":3,"key":"0003.jpg","width":640,"height":360}
//	{"type":"state","state":{"current":3,"playing":true,...}}
//
// Client → server control frame (same verbs as the HTTP routes):
//
//	{"type":"next"}
//	{"type":"pointer","x":900,"width":1280}
//	{"type":"swipe","dx":-40,"dy":5}
package viewer

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/snehjoshi/lapse/internal/engine"
	"github.com/snehjoshi/lapse/internal/metrics"
	transphttp "github.com/snehjoshi/lapse/internal/transport/http"
)

// Runner runs fn on the engine's loop goroutine and waits for it.
type Runner interface {
	Call(ctx context.Context, fn func()) error
}

// Event is pushed to every WebSocket subscriber.
type Event struct {
	Type   string        `json:"type"` // "frame" | "state"
	Index  int           `json:"index"`
	Key    string        `json:"key,omitempty"`
	Width  int           `json:"width,omitempty"`
	Height int           `json:"height,omitempty"`
	State  *engine.State `json:"state,omitempty"`
}

// subscriberBuffer is how many events a slow client may lag before new
// events for it are dropped.
const subscriberBuffer = 32

// Viewer implements engine.Surface and serves the control API.
type Viewer struct {
	eng *engine.Engine
	run Runner
	log *slog.Logger

	mu     sync.Mutex
	latest *engine.Frame
	subs   map[chan Event]struct{}

	inner *http.Server
}

// New builds a Viewer. eng must only be touched through run.
func New(eng *engine.Engine, run Runner, reg *metrics.Registry, log *slog.Logger) *Viewer {
	if log == nil {
		log = slog.Default()
	}
	v := &Viewer{
		eng:  eng,
		run:  run,
		log:  log,
		subs: make(map[chan Event]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /state", v.getState)
	mux.HandleFunc("GET /frame", v.getFrame)
	mux.HandleFunc("GET /ws", v.serveWS)
	mux.HandleFunc("POST /control/{action}", v.control)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	v.inner = &http.Server{
		Handler:     transphttp.LoggingMiddleware(reg)(mux),
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	return v
}

// Handler returns the composed http.Handler (useful for testing).
func (v *Viewer) Handler() http.Handler { return v.inner.Handler }

// ListenAndServe starts serving on addr.
func (v *Viewer) ListenAndServe(addr string) error {
	v.inner.Addr = addr
	return v.inner.ListenAndServe()
}

// Shutdown stops the HTTP server. Hijacked WebSocket connections are closed
// through their request contexts.
func (v *Viewer) Shutdown(ctx context.Context) error {
	return v.inner.Shutdown(ctx)
}

// ─── engine.Surface ───────────────────────────────────────────────────────────

// Show records f as the frame on display and notifies subscribers. It runs
// on the loop goroutine and never blocks.
func (v *Viewer) Show(f engine.Frame) {
	ev := Event{Type: "frame", Index: f.Index, Key: f.Key}
	if f.Image != nil {
		ev.Width, ev.Height = f.Image.Width, f.Image.Height
	}

	v.mu.Lock()
	v.latest = &f
	v.mu.Unlock()

	v.broadcast(ev)
}

// Latest returns the frame most recently shown, if any.
func (v *Viewer) Latest() (engine.Frame, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.latest == nil {
		return engine.Frame{}, false
	}
	return *v.latest, true
}

// ─── subscriptions ────────────────────────────────────────────────────────────

func (v *Viewer) subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	v.mu.Lock()
	v.subs[ch] = struct{}{}
	v.mu.Unlock()
	return ch
}

func (v *Viewer) unsubscribe(ch chan Event) {
	v.mu.Lock()
	delete(v.subs, ch)
	v.mu.Unlock()
}

// Subscribers returns the number of connected event streams.
func (v *Viewer) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}

func (v *Viewer) broadcast(ev Event) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for ch := range v.subs {
		select {
		case ch <- ev:
		default:
			v.log.Debug("viewer subscriber lagging, event dropped", "type", ev.Type, "index", ev.Index)
		}
	}
}

// ─── engine access ────────────────────────────────────────────────────────────

// state reads the engine state on the loop.
func (v *Viewer) state(ctx context.Context) (engine.State, error) {
	var st engine.State
	if err := v.run.Call(ctx, func() { st = v.eng.State() }); err != nil {
		return engine.State{}, err
	}
	return st, nil
}

// apply runs op on the loop, then publishes and returns the new state.
func (v *Viewer) apply(ctx context.Context, op func(*engine.Engine)) (engine.State, error) {
	var st engine.State
	err := v.run.Call(ctx, func() {
		op(v.eng)
		st = v.eng.State()
	})
	if err != nil {
		return engine.State{}, err
	}
	v.broadcast(Event{Type: "state", Index: st.Current, Key: st.Key, State: &st})
	return st, nil
}
