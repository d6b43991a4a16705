package rest

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes sets up the API routes
func (s *Server) setupRoutes() {
	s.router.Use(s.corsMiddleware, s.logMiddleware)

	// Blocks
	s.router.HandleFunc("/blocks", s.uploadBlock).Methods(http.MethodPost, http.MethodOptions)
	s.router.HandleFunc("/blocks/{cid}", s.downloadBlock).Methods(http.MethodGet, http.MethodOptions)

	// Chunked files
	s.router.HandleFunc("/files", s.uploadFile).Methods(http.MethodPost, http.MethodOptions)
	s.router.HandleFunc("/files/{cid}", s.downloadFile).Methods(http.MethodGet, http.MethodOptions)

	// Exchange state
	s.router.HandleFunc("/wantlist", s.getWantlist).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/wants/{cid}", s.getWant).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/wants/{cid}", s.cancelWant).Methods(http.MethodDelete, http.MethodOptions)
	s.router.HandleFunc("/peers", s.getPeers).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/peers/registry", s.getPeersSnapshot).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/providers/{cid}", s.getProviders).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/stats", s.getStats).Methods(http.MethodGet, http.MethodOptions)
	s.router.HandleFunc("/network", s.getNetworkStats).Methods(http.MethodGet, http.MethodOptions)

	s.router.HandleFunc("/health", s.healthCheck).Methods(http.MethodGet, http.MethodOptions)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}
