package middleware

import (
	"net/http"
	"time"

	"github.com/bryanwahyu/automaton-node/internal/logging"
)

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// RequestLogger logs one line per HTTP request
func RequestLogger(log *logging.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logf := log.Infof
			if wrapped.statusCode >= 500 {
				logf = log.Warnf
			}
			logf("method=%s path=%s status=%d duration=%s bytes=%d ip=%s user_agent=%q",
				r.Method,
				r.URL.Path,
				wrapped.statusCode,
				time.Since(start).Round(time.Microsecond),
				wrapped.written,
				r.RemoteAddr,
				r.UserAgent(),
			)
		})
	}
}
