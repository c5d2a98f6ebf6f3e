package httpapi

import "net/http"

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.SnapshotTurnStages())
}

// handlePerfReset returns the current window and then clears it.
func (s *Server) handlePerfReset(w http.ResponseWriter, r *http.Request) {
	s.handlePerfLatency(w, r)
	s.metrics.ResetTurnStages()
}
