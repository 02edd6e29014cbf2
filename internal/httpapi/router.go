package httpapi

import (
	"net/http"
	"os"
	"strconv"

	"github.com/mladen1312/nyx-light-racunovodja/internal/session"
)

// Router wires the full endpoint table onto Go 1.22's pattern-based
// ServeMux, wrapped in the session middleware and a concurrency limit
// at the edge.
func Router(h *Handlers, sessions *session.Manager) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("POST /auth/login", h.Login)

	mux.HandleFunc("POST /documents", h.UploadDocument)
	mux.HandleFunc("GET /bookings", h.ListBookings)
	mux.HandleFunc("GET /bookings/{id}", func(w http.ResponseWriter, r *http.Request) {
		h.GetBooking(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("POST /bookings/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
		h.ApproveBooking(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("POST /bookings/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
		h.RejectBooking(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("POST /bookings/{id}/correct", func(w http.ResponseWriter, r *http.Request) {
		h.CorrectBooking(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("POST /export/{client_id}", func(w http.ResponseWriter, r *http.Request) {
		h.ExportClient(w, r, r.PathValue("client_id"))
	})
	mux.HandleFunc("/chat", h.Chat)
	mux.HandleFunc("GET /laws/search", h.SearchLaws)
	mux.HandleFunc("GET /memory/suggest", h.SuggestMemory)
	mux.HandleFunc("GET /audit", h.GetAudit)

	mux.HandleFunc("GET /admin/rag/quarantine", h.ListQuarantine)
	mux.HandleFunc("POST /admin/rag/quarantine/{id}/confirm", func(w http.ResponseWriter, r *http.Request) {
		h.ConfirmQuarantine(w, r, r.PathValue("id"))
	})
	mux.HandleFunc("POST /admin/rag/quarantine/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
		h.RejectQuarantine(w, r, r.PathValue("id"))
	})

	openPaths := map[string]bool{"/health": true, "/auth/login": true}
	wrapped := sessions.Middleware(openPaths)(mux)

	max := mustIntEnv("NYX_HTTP_MAX_INFLIGHT", 64)
	return withConcurrencyLimit(wrapped, max)
}

func mustIntEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// withConcurrencyLimit caps in-flight requests so a saturated
// database or inference queue backs up at the edge instead of
// queueing goroutines without bound.
func withConcurrencyLimit(next http.Handler, max int) http.Handler {
	if max <= 0 {
		max = 64
	}
	sem := make(chan struct{}, max)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
			next.ServeHTTP(w, r)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":"server busy"}`))
		}
	})
}
