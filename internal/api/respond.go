package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/hustlex/backend/internal/hxerr"
)

type ctxKey int

const requestIDKey ctxKey = iota

// RequestID returns the id assigned by the tracing middleware.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("x-request-id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("x-request-id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the taxonomy error to a status code. The request id is
// included outside production for log correlation.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	he := hxerr.From(err)
	body := errorBody{Code: he.Code, Message: he.Message}
	if !s.isProduction {
		body.RequestID = RequestID(r.Context())
	}
	writeJSON(w, he.HTTPStatus(), body)
}
