package engine

// Present shows frame i if, and only if, its image is fully loaded. On
// success the current index moves to i and the window is re-centred on it.
// On a miss nothing changes: the last good frame stays up and the clock, if
// running, will ask again on its next interval.
func (e *Engine) Present(i int) bool {
	if e.index.Empty() {
		return false
	}
	i = e.index.Wrap(i)

	if !e.store.IsReady(i) {
		e.log.Debug("frame buffering", "index", i, "key", e.index.Key(i))
		if e.reg != nil {
			e.reg.Stutters.Inc(e.cfg.Tier)
		}
		return false
	}

	h, _ := e.store.Get(i)
	if e.surface != nil {
		e.surface.Show(Frame{Index: i, Key: h.Key(), Image: h.Image()})
	}
	e.current = i
	e.shown = true
	if e.reg != nil {
		e.reg.Presented.Inc(e.cfg.Tier)
	}

	e.window.Reconcile(i)
	return true
}
