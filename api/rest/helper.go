package rest

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"

	"blockswap/core/block"
	"blockswap/network/bitswap"
)

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warnw("failed to encode JSON response", "error", err)
	}
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	msg := message
	if err != nil {
		msg = message + ": " + err.Error()
		if status >= http.StatusInternalServerError {
			s.log.Warnw("API error", "status", status, "error", msg)
		}
	}
	s.writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: msg,
	})
}

// statusFor maps exchange failures to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bitswap.ErrProviderNotFound):
		return http.StatusNotFound
	case errors.Is(err, bitswap.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, bitswap.ErrIntegrityMismatch), errors.Is(err, block.ErrHashMismatch):
		return http.StatusBadGateway
	case errors.Is(err, bitswap.ErrBandwidthExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, bitswap.ErrCircuitOpen), errors.Is(err, bitswap.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, bitswap.ErrCanceled), errors.Is(err, context.Canceled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
