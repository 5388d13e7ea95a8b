package middleware

import (
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/tabtuner/tabtuner/internal/observability"
)

// Recovery turns handler panics into 500 responses. A panic in a
// streaming handler after the header went out cannot be converted; the
// connection just drops and players treat it as a stream end.
func Recovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					// Raised deliberately to kill the connection.
					panic(rec)
				}

				logger.ErrorContext(r.Context(), "panic in handler",
					slog.Any("panic", rec),
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("request_id", observability.RequestIDFromContext(r.Context())),
					slog.String("stack", string(debug.Stack())),
				)

				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
