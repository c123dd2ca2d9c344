package middleware

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sofatutor/mdresponsefilter/internal/logging"
	"go.uber.org/zap"
)

// Middleware defines a function that wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// ObservabilityConfig controls the behavior of the observability middleware.
type ObservabilityConfig struct {
	Enabled bool
	// MaxResponseBodyBytes limits response body capture for debug logging. 0 means "use default".
	MaxResponseBodyBytes int64
}

// ObservabilityMiddleware logs a summary line per request, including a
// size-capped snippet of the response body when debug logging is enabled.
// It never blocks response delivery on logging and never mutates the body
// seen by the client.
type ObservabilityMiddleware struct {
	cfg    ObservabilityConfig
	logger *zap.Logger
}

// NewObservabilityMiddleware creates a new ObservabilityMiddleware instance.
func NewObservabilityMiddleware(cfg ObservabilityConfig, logger *zap.Logger) *ObservabilityMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ObservabilityMiddleware{cfg: cfg, logger: logger}
}

// Middleware returns the http middleware function.
func (m *ObservabilityMiddleware) Middleware() Middleware {
	if !m.cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			maxResp := m.cfg.MaxResponseBodyBytes
			if maxResp <= 0 {
				maxResp = 4 * 1024
			}

			crw := &captureResponseWriter{ResponseWriter: w, statusCode: http.StatusOK, maxBodyBytes: maxResp}
			next.ServeHTTP(crw, r)

			reqID, _ := logging.GetRequestID(r.Context())
			m.logger.Debug("request completed",
				zap.String(logging.FieldRequestID, reqID),
				zap.String(logging.FieldMethod, r.Method),
				zap.String(logging.FieldPath, r.URL.Path),
				zap.Int(logging.FieldStatusCode, crw.statusCode),
				zap.Duration(logging.FieldDurationMs, time.Since(start)),
				zap.Int64("captured_body_bytes", crw.capturedBytes),
			)
		})
	}
}

// captureResponseWriter wraps http.ResponseWriter to capture status and a
// size-capped prefix of the body while supporting streaming passthrough.
type captureResponseWriter struct {
	http.ResponseWriter
	statusCode    int
	body          bytes.Buffer
	maxBodyBytes  int64
	capturedBytes int64
}

func (w *captureResponseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *captureResponseWriter) Write(b []byte) (int, error) {
	if w.maxBodyBytes <= 0 || w.capturedBytes < w.maxBodyBytes {
		remaining := int64(len(b))
		if w.maxBodyBytes > 0 {
			remaining = w.maxBodyBytes - w.capturedBytes
		}
		if remaining > 0 {
			toWrite := b
			if int64(len(b)) > remaining {
				toWrite = b[:remaining]
			}
			_, _ = w.body.Write(toWrite)
			w.capturedBytes += int64(len(toWrite))
		}
	}
	return w.ResponseWriter.Write(b)
}

func (w *captureResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *captureResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := w.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijack not supported")
}

func (w *captureResponseWriter) Push(target string, opts *http.PushOptions) error {
	if p, ok := w.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}
