// Package health serves the console's liveness and readiness probes.
//
//   - /healthz: liveness; always 200 OK while the process can serve HTTP.
//   - /readyz: readiness; checks every registered [Checker] concurrently.
//
// A review console can keep working without some dependencies. The archive,
// for one, only loses history when it is down. Such checks are marked
// optional: their failure turns the overall status to "degraded" but the
// probe still answers 200. Any required failure answers 503 with "fail".
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Overall and per-check status values.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named readiness check. Check returns nil when the dependency
// is usable and must respect context cancellation.
type Checker struct {
	Name     string
	Check    func(ctx context.Context) error
	Optional bool
}

// Optional returns c marked as optional.
func Optional(c Checker) Checker {
	c.Optional = true
	return c
}

// CheckResult is the outcome of one checker in a /readyz response.
type CheckResult struct {
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Optional   bool   `json:"optional,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

// Report is the JSON body of both probes.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
}

// New creates a Handler evaluating checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Evaluate runs every checker concurrently and folds the results into a
// report.
func (h *Handler) Evaluate(ctx context.Context) Report {
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)

			res := CheckResult{
				Status:     StatusOK,
				Optional:   c.Optional,
				DurationMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				res.Status = StatusFail
				res.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			switch {
			case err == nil:
			case !c.Optional:
				rep.Status = StatusFail
			case rep.Status == StatusOK:
				rep.Status = StatusDegraded
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Healthz always reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz answers 503 when a required check fails and 200 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
