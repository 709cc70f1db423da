package status

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

var startTime = time.Now()

// NewRouter builds the read-only status HTTP handler: GET /status returns
// the live fleet snapshot, GET /health is a cheap liveness probe for the
// "gateway health" CLI subcommand. Grounded on the teacher's
// observability.NewRouter/handleHealth shape.
func NewRouter(store *Store) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", makeStatusHandler(store))
	mux.HandleFunc("GET /health", handleHealth)
	return mux
}

func makeStatusHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, store.Get())
	}
}

type healthResponse struct {
	Status     string `json:"status"`
	Uptime     string `json:"uptime"`
	Go         string `json:"go"`
	GoRoutines int    `json:"goroutines"`
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		Uptime:     time.Since(startTime).String(),
		Go:         runtime.Version(),
		GoRoutines: runtime.NumGoroutine(),
	})
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
