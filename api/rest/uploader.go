package rest

import (
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/ipfs/go-cid"

	"blockswap/core/block"
	"blockswap/core/cidutil"
	"blockswap/core/sharder"
	"blockswap/core/unixfs"
)

const maxUploadBlock = 4 << 20

// uploadBlock stores the request body as one block. An optional ?cid= makes
// the upload fail unless the data hashes to that CID.
func (s *Server) uploadBlock(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBlock))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "Failed to read block", err)
		return
	}
	if len(data) == 0 {
		s.writeError(w, http.StatusBadRequest, "Empty block", nil)
		return
	}

	blk := block.NewBlock(data)
	if claimed := r.URL.Query().Get("cid"); claimed != "" {
		var id cid.Cid
		if id, err = cidutil.Parse(claimed); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid CID", err)
			return
		}
		if blk, err = block.NewValidatedBlock(id, data); err != nil {
			s.writeError(w, http.StatusUnprocessableEntity, "Data does not match CID", err)
			return
		}
	}

	if err := s.exchange.AddBlock(r.Context(), blk); err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to store block", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, UploadResponse{CID: blk.ID().String(), Size: int64(blk.Size())})
}

// uploadFile chunks a multipart "file" field, or the raw body, into blocks
// and stores them with a manifest block whose CID names the file. ?parity=N
// adds N Reed-Solomon parity chunks per stripe.
func (s *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	var opts unixfs.ImportOptions
	if p := r.URL.Query().Get("parity"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > sharder.MaxParity {
			s.writeError(w, http.StatusBadRequest, "Invalid parity", errors.Newf("parity must be in [0, %d]", sharder.MaxParity))
			return
		}
		opts.Parity = n
	}

	var (
		body     io.Reader = r.Body
		filename string
	)
	if ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); strings.HasPrefix(ct, "multipart/") {
		file, header, err := r.FormFile("file")
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "No file provided", err)
			return
		}
		defer file.Close()
		body, filename = file, header.Filename
	}

	m, root, err := unixfs.Import(r.Context(), body, opts, s.exchange)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Failed to import file", err)
		return
	}

	chunks := make([]string, len(m.Chunks))
	for i, id := range m.Chunks {
		chunks[i] = id.String()
	}
	s.log.Infow("stored file", "cid", root.ID(), "chunks", len(chunks), "parity", opts.Parity, "size", m.TotalSize)
	s.writeJSON(w, http.StatusCreated, UploadResponse{
		CID:      root.ID().String(),
		Size:     m.TotalSize,
		Filename: filename,
		Chunks:   chunks,
		Parity:   opts.Parity,
	})
}
