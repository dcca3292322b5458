package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/syncular/syncd/internal/chunkstore"
)

// handleChunkFetch handles GET /sync/snapshot-chunks/{chunkId}, serving the
// raw gzip body. The client decompresses and decodes the length-prefixed
// row frames.
func (s *Server) handleChunkFetch(w http.ResponseWriter, r *http.Request) {
	chunkID := r.PathValue("chunkId")
	if chunkID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "missing chunk id")
		return
	}

	body, err := s.chunks.ReadChunk(s.db, chunkID)
	if err != nil {
		if errors.Is(err, chunkstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "chunk not found or expired")
			return
		}
		logFor(r.Context()).Error("read chunk", "chunk", chunkID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read chunk")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}
