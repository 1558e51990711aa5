package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/snehjoshi/lapse/internal/clock"
	"github.com/snehjoshi/lapse/internal/engine"
	"github.com/snehjoshi/lapse/internal/frame"
	"github.com/snehjoshi/lapse/internal/loop"
	"github.com/snehjoshi/lapse/internal/metrics"
	"github.com/snehjoshi/lapse/internal/store"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

// fakeLoop queues completions and refresh callbacks for the test to run.
type fakeLoop struct {
	posted chan func()
	nextID uint64
	frames map[uint64]func(time.Time)
}

func newFakeLoop() *fakeLoop {
	return &fakeLoop{posted: make(chan func(), 256), frames: make(map[uint64]func(time.Time))}
}

func (l *fakeLoop) Post(fn func()) { l.posted <- fn }

func (l *fakeLoop) RequestFrame(fn func(time.Time)) uint64 {
	l.nextID++
	l.frames[l.nextID] = fn
	return l.nextID
}

func (l *fakeLoop) CancelFrame(id uint64) { delete(l.frames, id) }

// settle runs completions until none arrive for a short while.
func (l *fakeLoop) settle() {
	for {
		select {
		case fn := <-l.posted:
			fn()
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

// refresh fires one display refresh at now.
func (l *fakeLoop) refresh(now time.Time) {
	batch := l.frames
	l.frames = make(map[uint64]func(time.Time))
	for _, fn := range batch {
		fn(now)
	}
}

// fetcher returns the key as payload; failing keys error, held keys block
// until released.
type fetcher struct {
	mu      sync.Mutex
	failing map[string]bool
	held    map[string]chan struct{}
}

func newFetcher() *fetcher {
	return &fetcher{failing: make(map[string]bool), held: make(map[string]chan struct{})}
}

func (f *fetcher) fail(key string) {
	f.mu.Lock()
	f.failing[key] = true
	f.mu.Unlock()
}

func (f *fetcher) hold(key string) {
	f.mu.Lock()
	f.held[key] = make(chan struct{})
	f.mu.Unlock()
}

func (f *fetcher) release(key string) {
	f.mu.Lock()
	ch := f.held[key]
	delete(f.held, key)
	f.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

func (f *fetcher) Fetch(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	ch := f.held[key]
	failing := f.failing[key]
	f.mu.Unlock()
	if ch != nil {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if failing {
		return nil, errors.New("404")
	}
	return []byte(key), nil
}

func fakeDecode(data []byte) (*store.Image, error) {
	return &store.Image{Bytes: data, Format: "fake", Width: 8, Height: 6}, nil
}

// recorder is a Surface that remembers every frame shown.
type recorder struct{ shown []int }

func (r *recorder) Show(f engine.Frame) { r.shown = append(r.shown, f.Index) }

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	eng  *engine.Engine
	loop *fakeLoop
	f    *fetcher
	surf *recorder
	reg  *metrics.Registry
}

func newHarness(n int, cfg engine.Config) *harness {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("%04d.jpg", i)
	}
	h := &harness{loop: newFakeLoop(), f: newFetcher(), surf: &recorder{}, reg: &metrics.Registry{}}
	if cfg.Tier == "" {
		cfg.Tier = "small"
	}
	h.eng = engine.New(frame.NewIndex(keys), h.f, h.loop, h.surf, cfg,
		engine.WithStoreOptions(store.WithDecoder(fakeDecode)),
		engine.WithClockOptions(clock.WithNow(func() time.Time { return t0 })),
		engine.WithMetrics(h.reg),
	)
	return h
}

func defaultCfg() engine.Config {
	return engine.Config{Ahead: 5, Behind: 2, FPS: 10, SwipeThreshold: 30}
}

// boot runs Boot and settles every load it started.
func (h *harness) boot(t *testing.T) {
	t.Helper()
	h.eng.Boot()
	h.loop.settle()
	if !h.eng.State().Shown {
		t.Fatal("frame 0 was not presented on boot")
	}
}

// ─── Boot ────────────────────────────────────────────────────────────────────

func TestBoot_PresentsFirstFrameAndAutoplays(t *testing.T) {
	cfg := defaultCfg()
	cfg.Autoplay = true
	h := newHarness(10, cfg)
	h.boot(t)

	if len(h.surf.shown) != 1 || h.surf.shown[0] != 0 {
		t.Fatalf("shown = %v, want [0]", h.surf.shown)
	}
	if !h.eng.Playing() {
		t.Fatal("autoplay should start the clock")
	}
	if got := h.eng.Store().Indices(); len(got) != 5 {
		t.Fatalf("resident = %v, want the 5-frame forward arc", got)
	}
}

func TestBoot_WithoutAutoplayStaysPaused(t *testing.T) {
	h := newHarness(10, defaultCfg())
	h.boot(t)
	if h.eng.Playing() {
		t.Fatal("clock must stay stopped without autoplay")
	}
}

func TestBoot_FirstFrameFailureLeavesEngineIdle(t *testing.T) {
	cfg := defaultCfg()
	cfg.Autoplay = true
	h := newHarness(10, cfg)
	h.f.fail("0000.jpg")

	h.eng.Boot()
	h.loop.settle()

	if h.eng.State().Shown || h.eng.Playing() || len(h.surf.shown) != 0 {
		t.Fatal("a failed first frame must not present or start playback")
	}
}

// ─── Render gate ─────────────────────────────────────────────────────────────

func TestPresent_MissLeavesStateUnchanged(t *testing.T) {
	h := newHarness(20, defaultCfg())
	h.boot(t)
	before := h.eng.Store().Indices()

	if h.eng.Present(12) { // outside the window, never fetched
		t.Fatal("Present of an absent frame must fail")
	}
	if h.eng.Current() != 0 {
		t.Fatalf("current moved to %d on a miss", h.eng.Current())
	}
	after := h.eng.Store().Indices()
	if fmt.Sprint(before) != fmt.Sprint(after) {
		t.Fatalf("a miss must not reconcile: %v → %v", before, after)
	}
	if h.reg.Stutters.Value("small") != 1 {
		t.Error("stutter not counted")
	}
}

func TestPresent_HitRecentresWindow(t *testing.T) {
	h := newHarness(20, defaultCfg())
	h.boot(t)

	if !h.eng.Present(3) {
		t.Fatal("frame 3 is loaded and must present")
	}
	if h.eng.Current() != 3 {
		t.Fatalf("current = %d, want 3", h.eng.Current())
	}
	// Window around 3 with ahead=5 behind=2 keeps 1..7; forward arc 3..7.
	h.loop.settle()
	got := fmt.Sprint(h.eng.Store().Indices())
	if got != "[0 1 2 3 4 5 6 7]" && got != "[1 2 3 4 5 6 7]" {
		t.Fatalf("resident = %s", got)
	}
	if h.reg.Presented.Value("small") != 2 {
		t.Errorf("presented = %d, want 2", h.reg.Presented.Value("small"))
	}
}

// ─── Navigation ──────────────────────────────────────────────────────────────

func TestStep_NextThenPreviousIsIdentity(t *testing.T) {
	for _, n := range []int{1, 2, 3, 10} {
		h := newHarness(n, defaultCfg())
		h.boot(t)

		for i := 0; i < 2*n; i++ {
			start := h.eng.Current()
			h.eng.StepNext()
			h.loop.settle()
			h.eng.StepPrevious()
			h.loop.settle()
			if h.eng.Current() != start {
				t.Fatalf("n=%d: next/prev from %d landed on %d", n, start, h.eng.Current())
			}
			h.eng.StepNext()
			h.loop.settle()
		}
	}
}

func TestStep_WrapsAroundTheCircle(t *testing.T) {
	h := newHarness(4, engine.Config{Ahead: 4, Behind: 0, FPS: 8})
	h.boot(t)

	h.eng.StepPrevious()
	if h.eng.Current() != 3 {
		t.Fatalf("previous from 0 = %d, want 3", h.eng.Current())
	}
	h.eng.StepNext()
	if h.eng.Current() != 0 {
		t.Fatalf("next from 3 = %d, want 0", h.eng.Current())
	}
}

func TestStep_StopsPlayback(t *testing.T) {
	cfg := defaultCfg()
	cfg.Autoplay = true
	h := newHarness(10, cfg)
	h.boot(t)

	h.eng.StepNext()
	if h.eng.Playing() {
		t.Fatal("manual navigation must stop playback")
	}
	if len(h.loop.frames) != 0 {
		t.Fatal("stopping must cancel the pending tick")
	}
}

func TestTogglePlay(t *testing.T) {
	h := newHarness(10, defaultCfg())
	h.boot(t)

	h.eng.TogglePlay()
	if !h.eng.Playing() {
		t.Fatal("toggle should start playback")
	}
	h.eng.TogglePlay()
	if h.eng.Playing() {
		t.Fatal("toggle should stop playback")
	}
}

func TestHandlePointerZone(t *testing.T) {
	h := newHarness(10, defaultCfg())
	h.boot(t)

	h.eng.HandlePointerZone(250, 300) // right third
	if h.eng.Current() != 1 {
		t.Fatalf("right third: current = %d, want 1", h.eng.Current())
	}
	h.eng.HandlePointerZone(10, 300) // left third
	if h.eng.Current() != 0 {
		t.Fatalf("left third: current = %d, want 0", h.eng.Current())
	}
	h.eng.HandlePointerZone(150, 300) // middle
	if !h.eng.Playing() {
		t.Fatal("middle third should toggle playback on")
	}
	h.eng.HandlePointerZone(150, 0) // degenerate width
	if !h.eng.Playing() {
		t.Fatal("zero width must be ignored")
	}
}

// Swipe dx=-40, dy=5, threshold=30 on a running clock: playback stops and the
// engine steps forward exactly once.
func TestHandleSwipe_LeftStepsNextOnce(t *testing.T) {
	cfg := defaultCfg()
	cfg.Autoplay = true
	h := newHarness(10, cfg)
	h.boot(t)
	shownBefore := len(h.surf.shown)

	h.eng.HandleSwipe(-40, 5, 30)

	if h.eng.Playing() {
		t.Fatal("swipe must stop playback")
	}
	if h.eng.Current() != 1 {
		t.Fatalf("current = %d, want 1", h.eng.Current())
	}
	if len(h.surf.shown)-shownBefore != 1 {
		t.Fatalf("expected exactly one presentation, got %d", len(h.surf.shown)-shownBefore)
	}
}

func TestHandleSwipe_RightStepsPrevious(t *testing.T) {
	h := newHarness(10, engine.Config{Ahead: 5, Behind: 5, FPS: 10, SwipeThreshold: 30})
	h.boot(t)
	h.eng.StepNext()
	h.loop.settle()

	h.eng.HandleSwipe(60, -10, 0) // falls back to configured threshold
	if h.eng.Current() != 0 {
		t.Fatalf("current = %d, want 0", h.eng.Current())
	}
}

func TestHandleSwipe_NonDirectionalIgnored(t *testing.T) {
	cfg := defaultCfg()
	cfg.Autoplay = true
	h := newHarness(10, cfg)
	h.boot(t)

	for _, c := range []struct{ dx, dy float64 }{
		{-20, 0},  // too short
		{30, 0},   // not strictly beyond threshold
		{-40, 80}, // mostly vertical
		{50, -50}, // diagonal tie
	} {
		h.eng.HandleSwipe(c.dx, c.dy, 30)
		if !h.eng.Playing() || h.eng.Current() != 0 {
			t.Fatalf("swipe %+v should be ignored", c)
		}
	}
}

// ─── Clock-driven playback ───────────────────────────────────────────────────

func TestPlayback_AdvancesOnInterval(t *testing.T) {
	cfg := defaultCfg()
	cfg.Autoplay = true
	h := newHarness(10, cfg) // 100ms interval
	h.boot(t)

	h.loop.refresh(t0.Add(50 * time.Millisecond))
	if h.eng.Current() != 0 {
		t.Fatal("advanced before the interval elapsed")
	}
	h.loop.refresh(t0.Add(101 * time.Millisecond))
	if h.eng.Current() != 1 {
		t.Fatalf("current = %d, want 1", h.eng.Current())
	}
	h.loop.settle()
	h.loop.refresh(t0.Add(202 * time.Millisecond))
	if h.eng.Current() != 2 {
		t.Fatalf("current = %d, want 2", h.eng.Current())
	}
}

// A frame that fails to load makes playback stutter on it: the index does not
// move, the clock keeps ticking, and the same frame is retried each interval.
func TestPlayback_LoadFailureStutters(t *testing.T) {
	cfg := defaultCfg()
	cfg.Autoplay = true
	h := newHarness(10, cfg)
	h.f.fail("0001.jpg")
	h.boot(t)

	for i := 1; i <= 3; i++ {
		h.loop.refresh(t0.Add(time.Duration(i) * 101 * time.Millisecond))
		if h.eng.Current() != 0 {
			t.Fatalf("tick %d: current moved to %d past a failed frame", i, h.eng.Current())
		}
		if !h.eng.Playing() || len(h.loop.frames) != 1 {
			t.Fatalf("tick %d: clock must keep ticking", i)
		}
	}
	if got := h.reg.Stutters.Value("small"); got != 3 {
		t.Fatalf("stutters = %d, want 3 retries of the same frame", got)
	}
}

func TestPlayback_ResumesWhenPendingFrameArrives(t *testing.T) {
	cfg := defaultCfg()
	cfg.Autoplay = true
	h := newHarness(10, cfg)
	h.f.hold("0001.jpg")
	h.boot(t)

	h.loop.refresh(t0.Add(101 * time.Millisecond))
	if h.eng.Current() != 0 {
		t.Fatal("pending frame must not present")
	}

	h.f.release("0001.jpg")
	h.loop.settle()

	h.loop.refresh(t0.Add(202 * time.Millisecond))
	if h.eng.Current() != 1 {
		t.Fatalf("current = %d, want 1 after the frame loaded", h.eng.Current())
	}
}

// Playback on a real loop with a single download slot and a fetch timeout
// shorter than the queue it sits behind. Each fetch is well inside the
// timeout, so every frame must load and playback must keep moving.
func TestPlayback_SlowLinkWithBoundedFetchesKeepsAdvancing(t *testing.T) {
	keys := make([]string, 20)
	for i := range keys {
		keys[i] = fmt.Sprintf("%04d.jpg", i)
	}
	fetch := store.FetcherFunc(func(ctx context.Context, key string) ([]byte, error) {
		select {
		case <-time.After(30 * time.Millisecond):
			return []byte(key), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	l := loop.New(120)
	l.Start(context.Background())
	defer l.Stop()

	reg := &metrics.Registry{}
	eng := engine.New(frame.NewIndex(keys), fetch, l, &recorder{},
		engine.Config{Ahead: 8, Behind: 1, FPS: 20, SwipeThreshold: 30, Autoplay: true, Tier: "small"},
		engine.WithStoreOptions(
			store.WithDecoder(fakeDecode),
			store.WithMaxInFlight(1),
			store.WithTimeout(100*time.Millisecond),
		),
		engine.WithMetrics(reg),
	)
	defer func() { _ = l.Call(context.Background(), eng.Close) }()

	if err := l.Call(context.Background(), eng.Boot); err != nil {
		t.Fatalf("boot: %v", err)
	}
	time.Sleep(1500 * time.Millisecond)

	var presented, failed int64
	if err := l.Call(context.Background(), func() {
		presented = reg.Presented.Value("small")
		failed = reg.Loads.Value(metrics.LoadKey("small", metrics.LoadFailed))
	}); err != nil {
		t.Fatal(err)
	}
	if failed != 0 {
		t.Errorf("%d loads failed; queue wait must not count against the fetch timeout", failed)
	}
	if presented < 10 {
		t.Errorf("presented %d frames in 1.5s at 20fps, playback stalled", presented)
	}
}

// ─── Empty manifest ──────────────────────────────────────────────────────────

func TestEmptyManifest_AllOperationsAreNoOps(t *testing.T) {
	cfg := defaultCfg()
	cfg.Autoplay = true
	h := newHarness(0, cfg)

	h.eng.Boot()
	h.eng.StepNext()
	h.eng.StepPrevious()
	h.eng.TogglePlay()
	h.eng.Play()
	h.eng.HandlePointerZone(10, 100)
	h.eng.HandleSwipe(-100, 0, 30)
	if h.eng.Present(0) {
		t.Fatal("Present on an empty manifest must fail")
	}

	st := h.eng.State()
	if st.Playing || st.Frames != 0 || st.Resident != 0 || st.Shown {
		t.Fatalf("unexpected state %+v", st)
	}
	if len(h.loop.frames) != 0 {
		t.Fatal("no tick may be scheduled on an empty manifest")
	}
	h.eng.Close()
}

func TestClose_ReleasesEverything(t *testing.T) {
	cfg := defaultCfg()
	cfg.Autoplay = true
	h := newHarness(10, cfg)
	h.boot(t)

	h.eng.Close()
	if h.eng.Playing() || h.eng.Store().Len() != 0 {
		t.Fatal("Close must stop the clock and empty the store")
	}
}
