package handler

import (
	"net/http"

	"device-session-control/internal/platform/httpjson"
)

type statusResponse struct {
	Status string `json:"status"`
}

// Liveness answers GET /health while the process is up.
func (s *Server) Liveness(w http.ResponseWriter, _ *http.Request) {
	httpjson.WriteJSON(w, http.StatusOK, statusResponse{Status: "ok"})
}

// Readiness answers GET /ready: 200 when the store and device policy are usable, otherwise 503.
// The failure detail is logged, not returned.
func (s *Server) Readiness(w http.ResponseWriter, r *http.Request) {
	if err := s.Update(r.Context()); err != nil {
		httpjson.WriteError(w, http.StatusServiceUnavailable, httpjson.CodeServiceUnavailable, "not ready")
		return
	}
	httpjson.WriteJSON(w, http.StatusOK, statusResponse{Status: "ready"})
}

// RegisterHTTP mounts /health and /ready on mux.
func (s *Server) RegisterHTTP(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.Liveness)
	mux.HandleFunc("GET /ready", s.Readiness)
}
