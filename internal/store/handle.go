package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

// State is the observable lifecycle of a Handle.
type State int

const (
	Pending State = iota // requested, not yet usable
	Ready                // decoded and safe to present
	Failed               // load error, or cleared by Release
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrReleased is the error recorded on a handle cleared by Release.
var ErrReleased = errors.New("store: handle released")

// Image is a fully decoded frame. Bytes is the encoded payload as fetched,
// Width and Height are the natural size reported by the decoder.
type Image struct {
	Bytes  []byte
	Format string
	Width  int
	Height int
}

// HasContent reports whether the image has a non-zero natural size.
func (im *Image) HasContent() bool {
	return im != nil && im.Width > 0 && im.Height > 0
}

// Decode fully decodes data (jpeg, png, gif or webp) and returns it with its
// natural size. The pixels are discarded; only the payload is kept.
func Decode(data []byte) (*Image, error) {
	if len(data) == 0 {
		return nil, errors.New("store: empty payload")
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("store: decode: %w", err)
	}
	b := img.Bounds()
	return &Image{Bytes: data, Format: format, Width: b.Dx(), Height: b.Dy()}, nil
}

// Handle is the store's capability for one frame's image. It is owned by the
// store entry that created it; other components only look at it during a
// single render attempt.
//
// Handle is not safe for concurrent use: every method runs on the loop
// goroutine.
type Handle struct {
	index int
	key   string

	state State
	img   *Image
	err   error

	cancel   context.CancelFunc
	onReady  func(*Handle)
	detached bool
}

// Index returns the frame index the handle was created for.
func (h *Handle) Index() int { return h.index }

// Key returns the frame key the handle loads.
func (h *Handle) Key() string { return h.key }

// State returns the current lifecycle state.
func (h *Handle) State() State { return h.state }

// Image returns the decoded image, or nil unless the handle is Ready.
func (h *Handle) Image() *Image { return h.img }

// Err returns the load error for a Failed handle.
func (h *Handle) Err() error { return h.err }

// OnReady registers fn to run once when the handle becomes Ready. If it is
// already Ready fn runs immediately. Registering replaces any previous
// callback; a released handle ignores registrations.
func (h *Handle) OnReady(fn func(*Handle)) {
	if h.detached {
		return
	}
	if h.state == Ready {
		fn(h)
		return
	}
	h.onReady = fn
}

// complete records a load result. A detached handle drops it so a late load
// cannot write into a slot that has been released.
func (h *Handle) complete(img *Image, err error) bool {
	if h.detached || h.state != Pending {
		return false
	}
	h.cancel()
	switch {
	case err != nil:
		h.state, h.err = Failed, err
	case !img.HasContent():
		h.state, h.err = Failed, errors.New("store: image has no content")
	default:
		h.state, h.img = Ready, img
		if cb := h.onReady; cb != nil {
			h.onReady = nil
			cb(h)
		}
	}
	return true
}

// detach unhooks the completion callback and cancels the fetch, then clears
// the handle so nothing can present it.
func (h *Handle) detach() {
	h.detached = true
	h.onReady = nil
	if h.cancel != nil {
		h.cancel()
	}
	h.state, h.img, h.err = Failed, nil, ErrReleased
}
