package ui

import (
	"encoding/json"
	"net/http"
)

func (s *Server) handleListAPI(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.buildList())
}

func (s *Server) handleDetailAPI(w http.ResponseWriter, r *http.Request) {
	ex, ok := s.store.Get(r.PathValue("id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, buildDetail(ex.Snapshot()))
}

func (s *Server) handleClearAPI(w http.ResponseWriter, _ *http.Request) {
	s.clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) clear() {
	n := s.store.Len()
	s.store.Clear()
	s.logger.Info().Int("removed", n).Msg("history cleared")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
