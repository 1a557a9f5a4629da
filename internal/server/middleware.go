package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/joseph-ayodele/formsign/internal/common"
)

const requestIDHeader = "X-Request-ID"

const maxRequestIDLen = 64

// requestID runs chi's RequestID, dropping oversized inbound ids first, and
// copies the result onto the response and into the common request context.
func requestID(next http.Handler) http.Handler {
	propagate := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := middleware.GetReqID(r.Context())
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(common.WithRequestID(r.Context(), id)))
	})
	withID := middleware.RequestID(propagate)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(strings.TrimSpace(r.Header.Get(requestIDHeader))) > maxRequestIDLen {
			r.Header.Del(requestIDHeader)
		}
		withID.ServeHTTP(w, r)
	})
}

func accessLog(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			common.LoggerFromContext(r.Context(), logger).Info("http.request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	want := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, want) != 1 {
				writeError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid admin token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
