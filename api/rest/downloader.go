package rest

import (
	"bytes"
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/ipfs/go-cid"

	"blockswap/core/block"
	"blockswap/core/unixfs"
)

const fetchParallelism = 8

// downloadBlock returns the raw bytes of one block, fetching it from the
// network when it is not stored locally.
func (s *Server) downloadBlock(w http.ResponseWriter, r *http.Request) {
	id, err := parseCIDVar(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid CID", err)
		return
	}
	priority, timeout, err := fetchOptions(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	ctx, cancel := withOptionalTimeout(r.Context(), timeout)
	defer cancel()

	blk, err := s.exchange.GetBlock(ctx, id, priority)
	if err != nil {
		s.writeError(w, statusFor(err), "Failed to fetch block", err)
		return
	}
	s.serveBytes(w, r, id, blk.RawData())
}

// downloadFile fetches a manifest and every chunk it lists, rebuilding lost
// chunks from parity when possible, then serves the reassembled content.
func (s *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	id, err := parseCIDVar(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid CID", err)
		return
	}
	priority, timeout, err := fetchOptions(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}
	ctx, cancel := withOptionalTimeout(r.Context(), timeout)
	defer cancel()

	root, err := s.exchange.GetBlock(ctx, id, priority)
	if err != nil {
		s.writeError(w, statusFor(err), "Failed to fetch manifest", err)
		return
	}
	manifest, err := unixfs.DecodeManifest(root)
	if err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, "Block is not a file manifest", err)
		return
	}
	fetch := func(ctx context.Context, id cid.Cid) (block.Block, error) {
		return s.exchange.GetBlock(ctx, id, priority)
	}
	data, err := unixfs.Export(ctx, manifest, fetch, fetchParallelism)
	if err != nil {
		s.writeError(w, statusFor(err), "Failed to fetch file", err)
		return
	}
	s.serveBytes(w, r, id, data)
}

// serveBytes writes content-addressed data. Range requests are honoured and
// the CID doubles as a strong ETag.
func (s *Server) serveBytes(w http.ResponseWriter, r *http.Request, id cid.Cid, data []byte) {
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.Header().Set("ETag", strconv.Quote(id.String()))
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(data))
}

func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
