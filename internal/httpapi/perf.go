package httpapi

import "net/http"

func (s *Server) handlePerfSteps(w http.ResponseWriter, _ *http.Request) {
	if s.steps == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"actions":      []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.steps.Snapshot())
}
