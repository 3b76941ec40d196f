// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz reports that the process serves HTTP, with its instance id and
//     uptime.
//   - /readyz runs every registered [Probe] concurrently and returns 200 only
//     when all of them pass.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail").
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 3 * time.Second

// Probe is a named readiness check. Check returns nil when healthy and must
// respect context cancellation.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// StateProbe adapts a function reporting the last terminal error of a
// component into a [Probe].
func StateProbe(name string, lastErr func() error) Probe {
	return Probe{
		Name:  name,
		Check: func(context.Context) error { return lastErr() },
	}
}

type liveness struct {
	Status   string  `json:"status"`
	Instance string  `json:"instance,omitempty"`
	Uptime   float64 `json:"uptime_seconds"`
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health endpoints. The probe list is fixed at
// construction.
type Handler struct {
	instance string
	started  time.Time
	probes   []Probe
	now      func() time.Time
}

// New creates a [Handler] for the process identified by instance.
func New(instance string, probes ...Probe) *Handler {
	return &Handler{
		instance: instance,
		started:  time.Now(),
		probes:   append([]Probe(nil), probes...),
		now:      time.Now,
	}
}

// Healthz always returns 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, liveness{
		Status:   "ok",
		Instance: h.instance,
		Uptime:   h.now().Sub(h.started).Seconds(),
	})
}

// Readyz returns 200 when every probe passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]error, len(h.probes))
	var g errgroup.Group
	for i, p := range h.probes {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()
			results[i] = p.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := readiness{Status: "ok", Checks: make(map[string]string, len(h.probes))}
	status := http.StatusOK
	for i, p := range h.probes {
		if err := results[i]; err != nil {
			res.Checks[p.Name] = "fail: " + err.Error()
			res.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[p.Name] = "ok"
	}
	writeJSON(w, status, res)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
