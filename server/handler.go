package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// RegisterRoutes exposes the relay status on r.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Get("/relay/address", s.handleAddress)
	r.Get("/relay/stats", s.handleStats)
}

func (s *Server) handleAddress(w http.ResponseWriter, r *http.Request) {
	addr, ok := s.Address()
	if !ok {
		http.Error(w, "mixnet address not yet known", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, map[string]string{"address": addr.String()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Stats())
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(v)
}
