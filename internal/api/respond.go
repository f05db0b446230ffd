package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

func decodeJSON(r *http.Request, into interface{}) error {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(into); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// degradedBody is the exact shape detection/preview callers depend on
// when the primary is unavailable.
func degradedBody() map[string]interface{} {
	return map[string]interface{}{
		"ok":    false,
		"error": "Database temporarily unavailable",
		"mode":  "degraded",
	}
}
