package api

import (
	"bytes"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hustlex/backend/internal/hxerr"
	"github.com/hustlex/backend/internal/idempotency"
)

const idempotencyHeader = "x-idempotency-key"

// recordingWriter buffers the response so it can be stored for replay.
type recordingWriter struct {
	http.ResponseWriter
	status int
	buf    bytes.Buffer
}

func (w *recordingWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *recordingWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

// idempotent wraps a mutating handler: the key header is mandatory, the
// first request executes and its response is snapshotted, and any retry with
// the same key and body replays the snapshot.
func (s *Server) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if key == "" {
			s.writeError(w, r, hxerr.ErrIdempotencyKeyMissing)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			s.writeError(w, r, hxerr.ErrInternal.WithCause(err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		cached, fresh, err := s.idem.Reserve(r.Context(), key, idempotency.HashRequest(body))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !fresh {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("x-idempotent-replay", "true")
			w.WriteHeader(cached.Status)
			_, _ = w.Write(cached.Body)
			return
		}

		rec := &recordingWriter{ResponseWriter: w}
		next(rec, r)
		if err := s.idem.Complete(r.Context(), key, rec.status, rec.buf.Bytes()); err != nil {
			s.logger.Printf("idempotency snapshot for %s failed: %v", key, err)
		}
	}
}

// rateLimiter is a fixed-window per-key counter. Send endpoints wrap it per
// user and per IP.
type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	limit   int
	buckets map[string]*rateBucket
}

type rateBucket struct {
	start time.Time
	count int
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		window:  window,
		limit:   limit,
		buckets: make(map[string]*rateBucket),
	}
}

func (l *rateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	b, ok := l.buckets[key]
	if !ok || now.Sub(b.start) > l.window {
		l.buckets[key] = &rateBucket{start: now, count: 1}
		return true
	}
	b.count++
	return b.count <= l.limit
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("x-forwarded-for"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// rateLimited guards an endpoint with per-user and per-IP windows.
func (s *Server) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow("ip:"+clientIP(r)) || !s.limiter.Allow("user:"+actorID(r)) {
			s.writeError(w, r, hxerr.ErrRateLimited)
			return
		}
		next(w, r)
	}
}

// actorID reads the authenticated caller set by the gateway.
func actorID(r *http.Request) string {
	return r.Header.Get("x-user-id")
}

func actorRole(r *http.Request) string {
	role := r.Header.Get("x-user-role")
	if role == "" {
		role = "poster"
	}
	return role
}
