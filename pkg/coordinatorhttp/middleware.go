// Package coordinatorhttp is the thin HTTP front-end for pkg/coordinator,
// for hosts that prefer a wire API over an in-process Go call. It wraps
// one Coordinator (one sandbox session) the way the teacher's
// pkg/transport/http adapter wraps one ResponseCreator, adapted from
// request/response pairs to code-execution submissions.
package coordinatorhttp

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"net/http"
	"time"

	"github.com/rhuss/sandboxd/pkg/observability"
)

type contextKey int

const requestIDKey contextKey = iota

// Middleware wraps an http.Handler, mirroring the teacher's
// transport.Middleware shape but operating directly on http.Handler since
// this package has no ResponseCreator-equivalent abstraction to chain
// through.
type Middleware func(http.Handler) http.Handler

// chain applies middlewares in order, the same composition transport.Chain
// uses: the first middleware given runs outermost.
func chain(h http.Handler, mws ...Middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// recovery catches panics in the handler and converts them to a 500
// apierr response instead of taking down the listener goroutine.
func recovery(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", "error", rec, "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// metrics records request counts, durations, and streaming-connection
// gauges to the shared observability registry.
func metrics() Middleware {
	return observability.MetricsMiddleware
}

// requestID assigns a request ID to each request, propagating an
// incoming X-Request-ID header or generating one, then echoing it back.
func requestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-ID")
			if id == "" {
				id = generateRequestID()
			}
			w.Header().Set("X-Request-ID", id)
			ctx := context.WithValue(r.Context(), requestIDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func generateRequestID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// logging emits one structured log entry per request: method, path,
// status, duration, and request ID.
func logging(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			logger.LogAttrs(r.Context(), slog.LevelInfo, "request completed",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", sw.status),
				slog.String("request_id", requestIDFromContext(r.Context())),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
