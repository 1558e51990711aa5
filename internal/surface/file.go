package surface

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/snehjoshi/lapse/internal/engine"
)

// File keeps the most recently presented frame's bytes at a fixed path.
// Writes go through a temp file and rename, so a reader polling the path
// never sees a half-written image. When frames arrive faster than the disk
// keeps up, intermediate frames are skipped.
type File struct {
	path string
	log  *slog.Logger

	mu      sync.Mutex
	next    *engine.Frame
	closed  bool
	written int

	wake chan struct{}
	done chan struct{}
}

// NewFile starts the writer goroutine for path. Call Close to stop it.
func NewFile(path string, log *slog.Logger) *File {
	if log == nil {
		log = slog.Default()
	}
	f := &File{
		path: path,
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go f.run()
	return f
}

// Show queues fr for writing, replacing any frame not yet written.
func (f *File) Show(fr engine.Frame) {
	if fr.Image == nil || len(fr.Image.Bytes) == 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.next = &fr
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

// Written returns how many frames have reached disk.
func (f *File) Written() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.written
}

// Close flushes the pending frame, if any, and stops the writer.
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.wake)
	f.mu.Unlock()

	<-f.done
	return nil
}

func (f *File) run() {
	defer close(f.done)
	for range f.wake {
		f.flush()
	}
	f.flush()
}

func (f *File) flush() {
	f.mu.Lock()
	fr := f.next
	f.next = nil
	f.mu.Unlock()
	if fr == nil {
		return
	}

	if err := renameio.WriteFile(f.path, fr.Image.Bytes, 0o644); err != nil {
		f.log.Error("frame write failed", "path", f.path, "index", fr.Index, "error", fmt.Errorf("surface: %w", err))
		return
	}
	f.mu.Lock()
	f.written++
	f.mu.Unlock()
}
