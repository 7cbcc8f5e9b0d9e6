// Package health provides the liveness and readiness endpoints.
//
//   - /healthz: liveness; always 200 while the process serves HTTP.
//   - /readyz: readiness; 200 only when every registered [Checker] passes
//     and the service is not draining for shutdown.
//
// Responses are JSON objects with a top-level "status" field ("ok" or "fail")
// and a "checks" map with the result of each named checker.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/earshot/internal/resilience"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy.
type Checker struct {
	// Name labels the check in the response (e.g. "transcribe", "store").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	draining atomic.Bool
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request. Checkers run concurrently.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: slices.Clone(checkers)}
}

// SetDraining marks the service as shutting down. While draining, /readyz
// fails so that no new streams are routed here.
func (h *Handler) SetDraining(v bool) {
	h.draining.Store(v)
}

// Healthz always returns 200 OK.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every registered [Checker] passes and the
// service is not draining.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := h.runChecks(r.Context())

	res := result{Status: "ok", Checks: make(map[string]string, len(errs)+1)}
	for i, err := range errs {
		res.Checks[h.checkers[i].Name] = outcome(err)
		if err != nil {
			res.Status = "fail"
		}
	}
	if h.draining.Load() {
		res.Checks["shutdown"] = outcome(errDraining)
		res.Status = "fail"
	}

	status := http.StatusOK
	if res.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, res)
}

var errDraining = errors.New("draining")

// runChecks probes every checker in parallel. errs[i] belongs to
// h.checkers[i].
func (h *Handler) runChecks(ctx context.Context) []error {
	errs := make([]error, len(h.checkers))
	var wg sync.WaitGroup
	for i, c := range h.checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			errs[i] = c.Check(cctx)
		}()
	}
	wg.Wait()
	return errs
}

func outcome(err error) string {
	if err != nil {
		return "fail: " + err.Error()
	}
	return "ok"
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// BreakerCheck fails when every backend of a fallback group has an open
// circuit breaker, i.e. the stage would degrade every chunk.
func BreakerCheck(name string, states func() map[string]resilience.State) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			st := states()
			if len(st) == 0 {
				return fmt.Errorf("no %s backend configured", name)
			}
			open := make([]string, 0, len(st))
			for backend, s := range st {
				if s != resilience.StateOpen {
					return nil
				}
				open = append(open, backend)
			}
			slices.Sort(open)
			return fmt.Errorf("circuit open for %s", strings.Join(open, ", "))
		},
	}
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
