// Package window decides which frames must be resident around a playback
// position and reconciles the frame store to match.
//
// For a center c on a circle of N frames the kept window is
//
//	[c − Behind, c + Ahead]  (mod N)
//
// Reconcile prefetches the forward arc c, c+1, … c+Ahead−1 and releases every
// resident frame whose forward distance d = (key − c) mod N satisfies
// Ahead < d < N − Behind. Trailing frames are never fetched; they are only
// kept if they are already resident.
package window

import (
	"github.com/snehjoshi/lapse/internal/frame"
	"github.com/snehjoshi/lapse/internal/metrics"
)

// Store is the subset of the frame store the manager drives.
type Store interface {
	Ensure(i int)
	Release(i int)
	Indices() []int
}

// Manager reconciles a Store against the window around a center index.
type Manager struct {
	index  *frame.Index
	store  Store
	ahead  int
	behind int

	reg  *metrics.Registry
	tier string
}

// New returns a Manager. Negative ahead/behind are treated as 0.
func New(idx *frame.Index, s Store, ahead, behind int) *Manager {
	return &Manager{
		index:  idx,
		store:  s,
		ahead:  max(ahead, 0),
		behind: max(behind, 0),
	}
}

// WithMetrics records prefetch and eviction counts under tier.
func (m *Manager) WithMetrics(reg *metrics.Registry, tier string) *Manager {
	m.reg = reg
	m.tier = tier
	return m
}

// Ahead returns the length of the forward prefetch arc.
func (m *Manager) Ahead() int { return m.ahead }

// Behind returns the length of the trailing retention arc.
func (m *Manager) Behind() int { return m.behind }

// Capacity is the most entries the store holds at steady state.
func (m *Manager) Capacity() int { return m.ahead + m.behind }

// Covers reports whether the kept window spans the whole circle. In that case
// nothing is ever evicted.
func (m *Manager) Covers() bool {
	return m.index.Len() <= m.ahead+m.behind
}

// Reconcile makes the store hold the forward arc from center and nothing
// outside the kept window. Calling it twice with the same center is a no-op
// the second time.
func (m *Manager) Reconcile(center int) {
	n := m.index.Len()
	if n == 0 {
		return
	}
	center = m.index.Wrap(center)

	fetched := 0
	resident := make(map[int]bool)
	for _, i := range m.store.Indices() {
		resident[i] = true
	}
	for i := 0; i < m.ahead && i < n; i++ {
		idx := m.index.Wrap(center + i)
		if !resident[idx] {
			m.store.Ensure(idx)
			resident[idx] = true
			fetched++
		}
	}

	// With N ≤ Ahead+Behind the bound N−Behind ≤ Ahead leaves no integer
	// strictly between the two, so the evict set is empty. Skip the scan
	// rather than lean on that.
	evicted := 0
	if !m.Covers() {
		for _, key := range m.store.Indices() {
			if m.Evictable(key, center) {
				m.store.Release(key)
				evicted++
			}
		}
	}

	if m.reg != nil {
		m.reg.Prefetched.Add(m.tier, int64(fetched))
		m.reg.Evicted.Add(m.tier, int64(evicted))
	}
}

// Evictable reports whether key lies outside the kept window around center.
func (m *Manager) Evictable(key, center int) bool {
	n := m.index.Len()
	if n == 0 {
		return false
	}
	d := m.index.Distance(key, center)
	return m.ahead < d && d < n-m.behind
}
