package api

import (
	"net/http"

	"github.com/openelectorate/pollstation/internal/failover"
)

// WriteAdmitter is the single check behind the write guard.
type WriteAdmitter interface {
	WritesAllowed() bool
	Mode() failover.Mode
}

// WriteGuard rejects mutating requests while the system is read-only
// or in a non-writable mode. It is the one choke point that guarantees
// no write executes while the system is unhealthy, so handlers behind
// it never re-implement the check.
func WriteGuard(admitter WriteAdmitter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			if !admitter.WritesAllowed() {
				writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
					"ok":    false,
					"error": "Writes are suspended in degraded mode",
					"mode":  admitter.Mode().String(),
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
