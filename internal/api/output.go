package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gc3pie/gridrun/internal/backend"
	"github.com/gc3pie/gridrun/internal/errdefs"
)

// handlePeekOutput serves a byte range of a task's stdout or stderr. While
// the task runs the bytes come from the live backend; after output retrieval
// they come from the local copy.
func (s *Server) handlePeekOutput(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, ok := s.engine.Managed(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}

	stream := backend.Stdout
	switch r.URL.Query().Get("stream") {
	case "", "stdout":
	case "stderr":
		stream = backend.Stderr
	default:
		s.writeError(w, http.StatusBadRequest, "stream must be stdout or stderr")
		return
	}
	offset := int64(parseIntQuery(r, "offset", 0))
	size := int64(parseIntQuery(r, "size", 0))
	if offset < 0 || size < 0 {
		s.writeError(w, http.StatusBadRequest, "offset and size must be non-negative")
		return
	}

	rc, err := t.Peek(r.Context(), stream, offset, size)
	if err != nil {
		if errors.Is(err, errdefs.ErrOutputNotAvailable) {
			s.writeError(w, http.StatusConflict, "output is not available yet")
			return
		}
		s.logger.Error("peek output", "task", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to read output")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Error("stream output", "task", id, "error", err)
	}
}
