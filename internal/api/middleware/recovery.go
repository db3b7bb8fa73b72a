package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/yashenkoxciv/image-moderation-platform/internal/api/response"
	"github.com/yashenkoxciv/image-moderation-platform/internal/metrics"
)

// Recovery turns a handler panic into a 500 envelope and counts it per
// route. http.ErrAbortHandler is re-raised so net/http can drop the
// connection as the handler asked.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if err, ok := rec.(error); ok && errors.Is(err, http.ErrAbortHandler) {
				panic(rec)
			}

			route := routePattern(r)
			metrics.HTTPPanics.WithLabelValues(route).Inc()
			slog.Error("panic recovered",
				"error", rec,
				"route", route,
				"method", r.Method,
				"path", r.URL.Path,
				"stack", string(debug.Stack()),
			)
			response.Error(w, http.StatusInternalServerError,
				"INTERNAL_ERROR", "An unexpected error occurred", nil)
		}()
		next.ServeHTTP(w, r)
	})
}
