package viewer

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/snehjoshi/lapse/internal/engine"
	"github.com/snehjoshi/lapse/internal/loop"
)

// command is one control request, from an HTTP body or a WebSocket frame.
type command struct {
	Type      string  `json:"type"`
	X         float64 `json:"x"`
	Width     float64 `json:"width"`
	DX        float64 `json:"dx"`
	DY        float64 `json:"dy"`
	Threshold float64 `json:"threshold"`
}

var errUnknownCommand = errors.New("viewer: unknown command")

// op maps a command onto the engine call it stands for.
func (c command) op() (func(*engine.Engine), error) {
	switch c.Type {
	case "next":
		return (*engine.Engine).StepNext, nil
	case "prev":
		return (*engine.Engine).StepPrevious, nil
	case "toggle":
		return (*engine.Engine).TogglePlay, nil
	case "play":
		return (*engine.Engine).Play, nil
	case "pause":
		return (*engine.Engine).Pause, nil
	case "pointer":
		if c.Width <= 0 {
			return nil, errors.New("viewer: pointer needs a positive width")
		}
		return func(e *engine.Engine) { e.HandlePointerZone(c.X, c.Width) }, nil
	case "swipe":
		return func(e *engine.Engine) { e.HandleSwipe(c.DX, c.DY, c.Threshold) }, nil
	}
	return nil, fmt.Errorf("%w: %q", errUnknownCommand, c.Type)
}

func (v *Viewer) control(w http.ResponseWriter, r *http.Request) {
	cmd := command{Type: r.PathValue("action")}
	if cmd.Type == "pointer" || cmd.Type == "swipe" {
		if err := json.NewDecoder(io.LimitReader(r.Body, 4<<10)).Decode(&cmd); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json: " + err.Error()})
			return
		}
		cmd.Type = r.PathValue("action")
	}

	op, err := cmd.op()
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, errUnknownCommand) {
			code = http.StatusNotFound
		}
		writeError(w, code, err)
		return
	}

	st, err := v.apply(r.Context(), op)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (v *Viewer) getState(w http.ResponseWriter, r *http.Request) {
	st, err := v.state(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// getFrame returns the bytes of the frame on display.
func (v *Viewer) getFrame(w http.ResponseWriter, r *http.Request) {
	f, ok := v.Latest()
	if !ok || f.Image == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no frame presented yet"})
		return
	}
	w.Header().Set("Content-Type", contentType(f.Image.Format))
	w.Header().Set("Content-Length", strconv.Itoa(len(f.Image.Bytes)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Index", strconv.Itoa(f.Index))
	w.Header().Set("X-Frame-Key", f.Key)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(f.Image.Bytes)
}

func contentType(format string) string {
	switch format {
	case "jpeg", "png", "gif", "webp":
		return "image/" + format
	}
	return "application/octet-stream"
}

func statusFor(err error) int {
	if errors.Is(err, loop.ErrStopped) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
