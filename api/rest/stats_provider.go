package rest

import (
	"net/http"
	"time"
)

// getNetworkStats returns transport statistics
func (s *Server) getNetworkStats(w http.ResponseWriter, r *http.Request) {
	if s.node == nil {
		s.writeError(w, http.StatusServiceUnavailable, "Network node not available", nil)
		return
	}
	s.writeJSON(w, http.StatusOK, s.node.NetworkStats())
}

// getStats returns exchange statistics, plus network state when available.
func (s *Server) getStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Exchange:  s.exchange.Stat(),
		Timestamp: time.Now(),
	}
	if s.node != nil {
		ns := s.node.NetworkStats()
		resp.Network = &ns
	}
	s.writeJSON(w, http.StatusOK, resp)
}
