// Package library is the frame server's view of its image directory: the
// sorted list of frame keys, plus tier renditions of each frame.
package library

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/snehjoshi/lapse/internal/catalog"
	"github.com/snehjoshi/lapse/internal/metrics"
)

// ErrUnknownKey is returned for a key that is not in the current listing.
var ErrUnknownKey = errors.New("library: unknown frame key")

// contentTypes maps the extensions the server lists to their MIME types.
var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
}

// Option configures a Library.
type Option func(*Library)

// WithCatalog caches scaled renditions in c.
func WithCatalog(c *catalog.Catalog) Option {
	return func(l *Library) { l.cat = c }
}

// WithMetrics counts served renditions in reg.
func WithMetrics(reg *metrics.Registry) Option {
	return func(l *Library) { l.reg = reg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(l *Library) { l.log = log }
}

// Library lists and renders the frames in one directory. It is safe for
// concurrent use.
type Library struct {
	dir string
	cat *catalog.Catalog
	reg *metrics.Registry
	log *slog.Logger

	mu   sync.RWMutex
	keys []string
	set  map[string]bool
}

// Open scans dir and returns a Library over it. The directory must exist.
func Open(dir string, opts ...Option) (*Library, error) {
	l := &Library{dir: dir, log: slog.Default()}
	for _, o := range opts {
		o(l)
	}
	if err := l.Rescan(); err != nil {
		return nil, err
	}
	return l, nil
}

// Dir returns the image directory.
func (l *Library) Dir() string { return l.dir }

// Rescan re-reads the directory listing.
func (l *Library) Rescan() error {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("library: read %s: %w", l.dir, err)
	}

	keys := make([]string, 0, len(entries))
	set := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !e.Type().IsRegular() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if !Listed(e.Name()) {
			continue
		}
		keys = append(keys, e.Name())
		set[e.Name()] = true
	}
	sort.Strings(keys)

	l.mu.Lock()
	l.keys = keys
	l.set = set
	l.mu.Unlock()

	if l.cat != nil {
		if n, err := l.cat.Prune(set); err != nil {
			l.log.Warn("catalog prune failed", "error", err)
		} else if n > 0 {
			l.log.Debug("catalog pruned", "removed", n)
		}
	}
	return nil
}

// Keys returns a copy of the sorted frame keys.
func (l *Library) Keys() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.keys))
	copy(out, l.keys)
	return out
}

// Len returns the number of listed frames.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.keys)
}

// Has reports whether key is in the current listing.
func (l *Library) Has(key string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.set[key]
}

// Listed reports whether a file name has one of the served image extensions.
func Listed(name string) bool {
	_, ok := contentTypes[strings.ToLower(filepath.Ext(name))]
	return ok
}

// ContentType returns the MIME type for a listed file name.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// ValidKey reports whether key is safe to join onto the image directory.
func ValidKey(key string) bool {
	if key == "" || len(key) > 255 {
		return false
	}
	if strings.ContainsAny(key, "/\\\x00") {
		return false
	}
	return key != "." && key != ".."
}

func (l *Library) path(key string) (string, error) {
	if !ValidKey(key) || !l.Has(key) {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return filepath.Join(l.dir, key), nil
}
