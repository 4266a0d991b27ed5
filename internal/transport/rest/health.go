package rest

import (
	"context"
	"net/http"
	"time"
)

const readyProbeTimeout = 5 * time.Second

// ReadyCheck reports whether the process can take traffic. The checks map
// carries per-dependency detail for the response body; a non-nil error
// means not ready (503).
type ReadyCheck func(ctx context.Context) (checks map[string]string, err error)

// Live answers as soon as the process serves HTTP at all.
func Live(w http.ResponseWriter, r *http.Request) {
	data(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Ready wraps a ReadyCheck into the readiness endpoint: 200 with the check
// detail when ready, 503 with the same detail otherwise.
func Ready(check ReadyCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyProbeTimeout)
		defer cancel()

		checks, err := check(ctx)
		if err != nil {
			fail(w, r, http.StatusServiceUnavailable, "not_ready", err.Error(), checks)
			return
		}
		data(w, http.StatusOK, map[string]any{
			"status": "ready",
			"checks": checks,
		})
	}
}
