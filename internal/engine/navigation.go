package engine

import "math"

// StepNext stops playback and tries to present the following frame.
func (e *Engine) StepNext() {
	if e.index.Empty() {
		return
	}
	e.clock.Stop()
	e.Present(e.index.Next(e.current))
}

// StepPrevious stops playback and tries to present the preceding frame.
func (e *Engine) StepPrevious() {
	if e.index.Empty() {
		return
	}
	e.clock.Stop()
	e.Present(e.index.Prev(e.current))
}

// TogglePlay starts a stopped clock or stops a running one.
func (e *Engine) TogglePlay() {
	if e.index.Empty() {
		return
	}
	e.clock.Toggle()
}

// Play starts the clock if it is stopped.
func (e *Engine) Play() {
	if e.index.Empty() {
		return
	}
	e.clock.Start()
}

// Pause stops the clock if it is running.
func (e *Engine) Pause() { e.clock.Stop() }

// HandlePointerZone maps a click or tap at x across a surface width wide:
// left third steps back, right third steps forward, the middle toggles play.
func (e *Engine) HandlePointerZone(x, width float64) {
	if width <= 0 {
		return
	}
	switch {
	case x < width/3:
		e.StepPrevious()
	case x > width*2/3:
		e.StepNext()
	default:
		e.TogglePlay()
	}
}

// HandleSwipe treats a mostly horizontal drag longer than threshold as a
// step: swiping left shows the next frame, swiping right the previous one.
// Anything else (a tap, a vertical scroll) is ignored. A non-positive
// threshold falls back to the configured one.
func (e *Engine) HandleSwipe(dx, dy, threshold float64) {
	if threshold <= 0 {
		threshold = e.cfg.SwipeThreshold
	}
	adx := math.Abs(dx)
	if adx <= threshold || adx <= math.Abs(dy) {
		return
	}
	e.clock.Stop()
	if dx < 0 {
		e.StepNext()
	} else {
		e.StepPrevious()
	}
}
