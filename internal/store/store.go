// Package store is the bounded frame cache: a map from frame index to an
// asynchronously loading image Handle.
//
// Ensure is fire-and-forget: it creates a Pending handle and starts a fetch
// on a worker goroutine. The fetch result is posted back to the loop via the
// Dispatcher, so handles only ever change state on the loop goroutine.
// Release detaches a handle before removing it (detach-before-remove), which
// makes a late-arriving fetch a no-op instead of a write into a reused slot.
//
// The Store itself holds no lock; every method must be called from the loop
// goroutine.
package store

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/snehjoshi/lapse/internal/frame"
	"github.com/snehjoshi/lapse/internal/metrics"
)

// Fetcher retrieves the encoded bytes of one frame. It is called from a
// worker goroutine and may block until ctx is done.
type Fetcher interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, key string) ([]byte, error)

// Fetch calls f(ctx, key).
func (f FetcherFunc) Fetch(ctx context.Context, key string) ([]byte, error) { return f(ctx, key) }

// Dispatcher runs a completion on the loop goroutine.
type Dispatcher interface {
	Post(fn func())
}

// Store maps frame indices to image handles.
type Store struct {
	index   *frame.Index
	fetch   Fetcher
	post    Dispatcher
	entries map[int]*Handle

	base    context.Context
	timeout time.Duration
	sem     *semaphore.Weighted
	decode  func([]byte) (*Image, error)

	// tail is closed once the most recently ensured load has taken a slot
	// or given up. Each load waits on its predecessor's channel before
	// acquiring, so slots are handed out in Ensure order.
	tail chan struct{}

	reg  *metrics.Registry
	tier string
	log  *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithContext sets the parent context of every fetch. Cancelling it aborts
// all in-flight loads.
func WithContext(ctx context.Context) Option {
	return func(s *Store) { s.base = ctx }
}

// WithTimeout bounds each individual fetch. The deadline starts once the
// fetch holds a slot, so time spent queued behind other loads is not counted.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithMaxInFlight caps the number of concurrent fetches. Loads beyond the
// cap stay Pending until a slot frees up and are started in the order they
// were ensured.
func WithMaxInFlight(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithDecoder replaces Decode. Tests use it to avoid real image payloads.
func WithDecoder(fn func([]byte) (*Image, error)) Option {
	return func(s *Store) { s.decode = fn }
}

// WithMetrics records load outcomes and residency under the given tier label.
func WithMetrics(reg *metrics.Registry, tier string) Option {
	return func(s *Store) {
		s.reg = reg
		s.tier = tier
	}
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// New creates an empty Store for the frames of idx.
func New(idx *frame.Index, f Fetcher, d Dispatcher, opts ...Option) *Store {
	s := &Store{
		index:   idx,
		fetch:   f,
		post:    d,
		entries: make(map[int]*Handle),
		base:    context.Background(),
		decode:  Decode,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Ensure creates an entry for i and starts loading it. It is a no-op when i
// is already present, whatever the state of its handle.
func (s *Store) Ensure(i int) {
	if s.index.Empty() {
		return
	}
	i = s.index.Wrap(i)
	if _, ok := s.entries[i]; ok {
		return
	}

	ctx, cancel := context.WithCancel(s.base)
	h := &Handle{index: i, key: s.index.Key(i), state: Pending, cancel: cancel}
	s.entries[i] = h
	s.count(metrics.LoadStarted)
	s.gauge()

	var prev, turn chan struct{}
	if s.sem != nil {
		prev, turn = s.tail, make(chan struct{})
		s.tail = turn
	}
	go s.load(ctx, h, prev, turn)
}

// load runs on a worker goroutine. It never touches h directly; the result
// is handed to the loop.
func (s *Store) load(ctx context.Context, h *Handle, prev, turn chan struct{}) {
	img, err := s.fetchAndDecode(ctx, h.key, prev, turn)
	s.post.Post(func() {
		if !h.complete(img, err) {
			s.count(metrics.LoadCancelled)
			return
		}
		if h.state == Failed {
			s.count(metrics.LoadFailed)
			s.log.Debug("frame load failed", "index", h.index, "key", h.key, "err", h.err)
			return
		}
		s.count(metrics.LoadOK)
	})
}

func (s *Store) fetchAndDecode(ctx context.Context, key string, prev, turn chan struct{}) (*Image, error) {
	if s.sem != nil {
		if err := s.acquire(ctx, prev, turn); err != nil {
			return nil, err
		}
		defer s.sem.Release(1)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	data, err := s.fetch.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.decode(data)
}

// acquire takes a slot once every earlier load has taken one or given up.
// turn is closed on return either way so the next load can proceed. A
// released load still waits for its predecessor, which keeps later loads
// from overtaking one that is queued ahead of it.
func (s *Store) acquire(ctx context.Context, prev, turn chan struct{}) error {
	defer close(turn)
	if prev != nil {
		<-prev
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.sem.Acquire(ctx, 1)
}

// Get returns the handle for i, if present.
func (s *Store) Get(i int) (*Handle, bool) {
	h, ok := s.entries[s.index.Wrap(i)]
	return h, ok
}

// Release cancels and clears the handle for i, then removes the entry.
func (s *Store) Release(i int) {
	i = s.index.Wrap(i)
	h, ok := s.entries[i]
	if !ok {
		return
	}
	h.detach()
	delete(s.entries, i)
	s.gauge()
}

// IsReady reports whether i is Ready and its image has non-zero natural size.
// Failed and absent entries both report false.
func (s *Store) IsReady(i int) bool {
	h, ok := s.Get(i)
	if !ok {
		return false
	}
	return h.state == Ready && h.img.HasContent()
}

// Len returns the number of entries.
func (s *Store) Len() int { return len(s.entries) }

// Indices returns the resident indices in ascending order.
func (s *Store) Indices() []int {
	out := make([]int, 0, len(s.entries))
	for i := range s.entries {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// Close releases every entry, aborting all in-flight fetches.
func (s *Store) Close() {
	for i := range s.entries {
		s.Release(i)
	}
}

func (s *Store) count(outcome string) {
	if s.reg != nil {
		s.reg.Loads.Inc(metrics.LoadKey(s.tier, outcome))
	}
}

func (s *Store) gauge() {
	if s.reg != nil {
		s.reg.Resident.Set(s.tier, int64(len(s.entries)))
	}
}
