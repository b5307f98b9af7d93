package api

import (
	"io"
	"net/http"

	"github.com/hustlex/backend/internal/hxerr"
)

const signatureHeader = "Processor-Signature"

// handleProcessorWebhook receives processor events. Duplicates and
// concurrent re-deliveries return 200 so the processor stops retrying;
// signature failures return 400 and transient errors 503 to force a retry.
func (s *Server) handleProcessorWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, r, hxerr.ErrInternal.WithCause(err))
		return
	}

	err = s.dispatcher.Ingest(r.Context(), body, r.Header.Get(signatureHeader))
	if err == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
		return
	}
	if hxerr.Is(err, hxerr.ErrAlreadyClaimed) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
		return
	}
	s.writeError(w, r, err)
}
