package rest

import (
	"net/http"
)

// getPeers lists connected exchange peers with their ledgers and scores.
func (s *Server) getPeers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.exchange.Peers())
}

// getPeersSnapshot returns every known peer record, connected or not.
func (s *Server) getPeersSnapshot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.exchange.Registry().Snapshot())
}

// getProviders lists peers believed to hold a block, best first.
func (s *Server) getProviders(w http.ResponseWriter, r *http.Request) {
	id, err := parseCIDVar(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid CID", err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.exchange.Registry().Providers(id, nil))
}
