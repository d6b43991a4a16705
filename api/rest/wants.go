package rest

import (
	"net/http"
	"sort"
)

func (s *Server) getWantlist(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.exchange.Wantlist())
}

// getWant describes the pending request for a block.
func (s *Server) getWant(w http.ResponseWriter, r *http.Request) {
	id, err := parseCIDVar(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid CID", err)
		return
	}
	p, ok := s.exchange.Pending(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "No pending request for "+id.String(), nil)
		return
	}
	tried := make([]string, 0, len(p.TriedPeers))
	for pid := range p.TriedPeers {
		tried = append(tried, pid.String())
	}
	sort.Strings(tried)
	s.writeJSON(w, http.StatusOK, WantResponse{
		CID:           id.String(),
		Priority:      p.Priority.String(),
		Retries:       p.RetryCount,
		TriedPeers:    tried,
		CreatedAt:     p.CreatedAt,
		LastAttemptAt: p.LastAttemptAt,
	})
}

// cancelWant cancels a pending request; every waiter fails with a
// cancellation error.
func (s *Server) cancelWant(w http.ResponseWriter, r *http.Request) {
	id, err := parseCIDVar(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid CID", err)
		return
	}
	if !s.exchange.CancelRequest(id) {
		s.writeError(w, http.StatusNotFound, "No pending request for "+id.String(), nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
