// Package frame holds the authoritative, ordered list of frame keys and the
// circular arithmetic every other component uses to move around it.
//
// An Index is built once from the manifest and never changes afterwards.
// A zero-length Index is valid: every operation that would produce an index
// returns 0 and callers are expected to treat Len() == 0 as "nothing to play".
package frame

// Index is the immutable frame sequence. The zero value is an empty index.
type Index struct {
	keys []string
}

// NewIndex copies keys into a new Index.
func NewIndex(keys []string) *Index {
	cp := make([]string, len(keys))
	copy(cp, keys)
	return &Index{keys: cp}
}

// Len returns N, the number of frames.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.keys)
}

// Empty reports whether the index has no frames.
func (x *Index) Empty() bool { return x.Len() == 0 }

// Key returns the key for the frame at position i (wrapped into [0, N)).
// It returns "" for an empty index.
func (x *Index) Key(i int) string {
	if x.Empty() {
		return ""
	}
	return x.keys[x.Wrap(i)]
}

// Keys returns a copy of the key sequence.
func (x *Index) Keys() []string {
	cp := make([]string, x.Len())
	if x != nil {
		copy(cp, x.keys)
	}
	return cp
}

// Wrap maps any integer onto [0, N). Negative values wrap from the end.
func (x *Index) Wrap(i int) int {
	n := x.Len()
	if n == 0 {
		return 0
	}
	return ((i % n) + n) % n
}

// Next returns the index after i.
func (x *Index) Next(i int) int { return x.Wrap(i + 1) }

// Prev returns the index before i.
func (x *Index) Prev(i int) int { return x.Wrap(i - 1) }

// Distance is the forward circular distance from center to key,
// always in [0, N).
func (x *Index) Distance(key, center int) int {
	return x.Wrap(key - center)
}
