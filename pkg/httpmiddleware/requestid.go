package httpmiddleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request id in both directions.
	RequestIDHeader = "X-Request-ID"
	// CorrelationIDHeader is set by the gateway when the order service
	// forwards a checkout; it is used when no request id is present.
	CorrelationIDHeader = "X-Correlation-ID"

	maxRequestIDLen = 128
)

type requestIDKey struct{}

// RequestIDFromContext returns the request id stored by RequestID, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestID picks the first well-formed id of X-Request-ID and
// X-Correlation-ID, or mints a UUID. The id is echoed on the response and
// stored in the request context. It must run before InjectLogger.
func RequestID() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := incomingRequestID(r.Header)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
		})
	}
}

func incomingRequestID(h http.Header) string {
	for _, name := range []string{RequestIDHeader, CorrelationIDHeader} {
		if id := h.Get(name); isValidRequestID(id) {
			return id
		}
	}
	return ""
}

// isValidRequestID accepts non-empty printable ASCII up to maxRequestIDLen bytes.
func isValidRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	return strings.IndexFunc(id, func(c rune) bool { return c < 0x20 || c > 0x7E }) < 0
}
