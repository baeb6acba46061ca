package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// Run requests and login bodies are small; anything bigger is abuse.
const maxRequestBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": strings.TrimSpace(message),
	})
}

func decodeJSONBody(r *http.Request, out any) error {
	decoder := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

// parseListLimit reads the "limit" query parameter for list endpoints,
// clamped to [1, maxAllowed]. Absent or malformed values fall back.
func parseListLimit(r *http.Request, fallback, maxAllowed int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 1 {
		return fallback
	}
	if value > maxAllowed {
		return maxAllowed
	}
	return value
}

// parseCursor reads the "cursor" query parameter for the run-event stream:
// the last event sequence the caller has already seen.
func parseCursor(r *http.Request) int64 {
	raw := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if raw == "" {
		return 0
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0
	}
	return value
}
