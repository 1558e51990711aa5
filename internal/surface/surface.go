// Package surface holds the display surfaces the player can present frames
// to. Every Show runs on the engine loop, so surfaces hand slow work off to
// their own goroutine instead of doing it inline.
package surface

import (
	"context"
	"log/slog"

	"github.com/snehjoshi/lapse/internal/engine"
)

// Log writes one line per presented frame.
type Log struct {
	log   *slog.Logger
	level slog.Level
}

// NewLog returns a surface that logs presentations at level.
func NewLog(log *slog.Logger, level slog.Level) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{log: log, level: level}
}

// Show logs f.
func (l *Log) Show(f engine.Frame) {
	attrs := []any{"index", f.Index, "key", f.Key}
	if f.Image != nil {
		attrs = append(attrs, "width", f.Image.Width, "height", f.Image.Height, "format", f.Image.Format)
	}
	l.log.Log(context.Background(), l.level, "frame presented", attrs...)
}

// Fanout presents every frame on each of its surfaces in order.
type Fanout []engine.Surface

// Show calls Show on every surface.
func (fo Fanout) Show(f engine.Frame) {
	for _, s := range fo {
		if s != nil {
			s.Show(f)
		}
	}
}
