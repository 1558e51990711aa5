// Package metrics provides a lightweight Prometheus-compatible metrics
// registry shared by the player and the frame server. Like the rest of lapse
// it avoids prometheus/client_golang; the exposition format is small enough
// to render by hand.
//
// # Counter naming convention
//
// Every counter uses a tab-separated string as its label key so that a single
// sync.Map can hold all label combinations without additional map nesting.
//
//	Presented / Stutters / Evicted / Prefetched  →  key = "tier"
//	Loads                                       →  key = "tier\toutcome"
//	Renditions                                  →  key = "tier\tsource"
//	HTTPReqs                                    →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt                      →  key = "method\tpath"
//
// # Prometheus text output
//
// Calling Registry.Handler() returns an http.Handler that renders all counters
// in the Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// Load outcomes used as the second component of a Loads key.
const (
	LoadStarted   = "started"
	LoadOK        = "ok"
	LoadFailed    = "failed"
	LoadCancelled = "cancelled"
)

// Rendition sources used as the second component of a Renditions key.
const (
	SourceCache  = "cache"
	SourceScaled = "scaled"
	SourceRaw    = "raw"
)

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Set overwrites the value for key. Used for gauges.
func (lc *labelCounter) Set(key string, n int64) { lc.get(key).Store(n) }

// Value returns the current value for key (0 if never touched).
func (lc *labelCounter) Value(key string) int64 {
	v, ok := lc.vals.Load(key)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all lapse application metrics. The zero value is ready to use.
type Registry struct {
	// Player counters.  key = "tier"
	Presented  labelCounter
	Stutters   labelCounter
	Prefetched labelCounter
	Evicted    labelCounter
	Resident   labelCounter // gauge

	// Frame loads.  key = "tier\toutcome"
	Loads labelCounter

	// Server renditions.  key = "tier\tsource"
	Renditions labelCounter

	// HTTP-level counters.  key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*)
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, r.Render())
	})
}

// Render returns the full exposition text.
func (r *Registry) Render() string {
	var b strings.Builder

	// ── player ────────────────────────────────────────────────────────────
	writeTier(&b, &r.Presented, "lapse_frames_presented_total",
		"Frames shown on the display surface", "counter")
	writeTier(&b, &r.Stutters, "lapse_frames_stuttered_total",
		"Presentation attempts skipped because the frame was not ready", "counter")
	writeTier(&b, &r.Prefetched, "lapse_frames_prefetched_total",
		"Cache entries created by window reconciliation", "counter")
	writeTier(&b, &r.Evicted, "lapse_frames_evicted_total",
		"Cache entries released by window reconciliation", "counter")
	writeTier(&b, &r.Resident, "lapse_frames_resident",
		"Cache entries currently held by the frame store", "gauge")

	writeFamily(&b, "lapse_frame_loads_total",
		"Frame loads by outcome", "counter",
		func(fn func(labels, val string)) {
			r.Loads.Each(func(key string, val int64) {
				t, outcome := splitTwo(key)
				fn(fmt.Sprintf(`tier=%q,outcome=%q`, t, outcome), fmt.Sprintf("%d", val))
			})
		})

	// ── server ────────────────────────────────────────────────────────────
	writeFamily(&b, "lapse_renditions_served_total",
		"Image renditions served by tier and source", "counter",
		func(fn func(labels, val string)) {
			r.Renditions.Each(func(key string, val int64) {
				t, src := splitTwo(key)
				fn(fmt.Sprintf(`tier=%q,source=%q`, t, src), fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "lapse_http_requests_total",
		"Total HTTP requests by method, path, and status code", "counter",
		func(fn func(labels, val string)) {
			r.HTTPReqs.Each(func(key string, val int64) {
				method, path, status := splitThree(key)
				fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
					fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "lapse_http_request_duration_milliseconds_sum",
		"Sum of HTTP request durations in milliseconds", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurMs.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path), fmt.Sprintf("%d", val))
			})
		})

	writeFamily(&b, "lapse_http_request_duration_milliseconds_count",
		"Count of observed HTTP request durations", "counter",
		func(fn func(labels, val string)) {
			r.HTTPDurCnt.Each(func(key string, val int64) {
				method, path := splitTwo(key)
				fn(fmt.Sprintf(`method=%q,path=%q`, method, path), fmt.Sprintf("%d", val))
			})
		})

	return b.String()
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func writeTier(b *strings.Builder, lc *labelCounter, name, help, typ string) {
	writeFamily(b, name, help, typ, func(fn func(labels, val string)) {
		lc.Each(func(key string, val int64) {
			fn(fmt.Sprintf(`tier=%q`, key), fmt.Sprintf("%d", val))
		})
	})
}

// writeFamily writes a single Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// LoadKey builds the label key used by Loads.
func LoadKey(tier, outcome string) string {
	return tier + "\t" + outcome
}

// RenditionKey builds the label key used by Renditions.
func RenditionKey(tier, source string) string {
	return tier + "\t" + source
}

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
