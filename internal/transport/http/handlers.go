package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/snehjoshi/lapse/internal/library"
	"github.com/snehjoshi/lapse/internal/tier"
)

const version = "1.0.0"

// Handler groups all HTTP request handlers around a Library.
type Handler struct {
	lib     *library.Library
	nodeID  string
	started time.Time
}

type healthResp struct {
	Status   string `json:"status"`
	NodeID   string `json:"node_id"`
	Frames   int    `json:"frames"`
	Uptime   string `json:"uptime"`
	UptimeMs int64  `json:"uptime_ms"`
	Version  string `json:"version"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	elapsed := time.Since(h.started)
	writeJSON(w, http.StatusOK, healthResp{
		Status:   "ok",
		NodeID:   h.nodeID,
		Frames:   h.lib.Len(),
		Uptime:   elapsed.Round(time.Second).String(),
		UptimeMs: elapsed.Milliseconds(),
		Version:  version,
	})
}

// ─── Frames ───────────────────────────────────────────────────────────────────

func (h *Handler) listImages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.lib.Keys())
}

func (h *Handler) getImage(w http.ResponseWriter, r *http.Request) {
	t, err := tier.Parse(r.PathValue("tier"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.serve(w, r, t, r.PathValue("key"))
}

// getOriginal serves the unscaled file under the legacy /timelapse path.
func (h *Handler) getOriginal(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, tier.Original, r.PathValue("key"))
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request, t tier.Tier, key string) {
	if !library.ValidKey(key) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid frame key"})
		return
	}

	rend, err := h.lib.Rendition(t, key)
	if err != nil {
		if errors.Is(err, library.ErrUnknownKey) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", rend.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(rend.Data)))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("X-Rendition-Source", rend.Source)
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		_, _ = w.Write(rend.Data)
	}
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
