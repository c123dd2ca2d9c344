package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/sofatutor/mdresponsefilter/internal/logging"
)

// RequestID ensures every request entering the filter carries a request ID
// and a correlation ID, minting UUIDs when the client supplied none. Both
// are placed on the request context for structured logging and reflected
// back on the response so clients can reference them in reports.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := headerOrNewID(r.Header.Get("X-Request-ID"))
			corrID := headerOrNewID(r.Header.Get("X-Correlation-ID"))

			ctx := logging.WithRequestID(r.Context(), reqID)
			ctx = logging.WithCorrelationID(ctx, corrID)

			w.Header().Set("X-Request-ID", reqID)
			w.Header().Set("X-Correlation-ID", corrID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func headerOrNewID(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return uuid.New().String()
	}
	return v
}
