package server

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/httplog/v3"
)

type middleware func(http.Handler) http.Handler

// chain wraps h so that the first middleware sees the request first.
func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// Recovery turns a handler panic into a JSON 500. http.ErrAbortHandler is
// re-raised so net/http can drop the connection as requested.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			slog.ErrorContext(r.Context(), "handler panicked", "method", r.Method, "path", r.URL.Path, "panic", rec)
			writeJSONError(r.Context(), w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// Logging emits one ECS access log record per request. Bodies are never logged
// because login requests carry passwords, and only two request headers are kept.
func Logging(logger *slog.Logger) middleware {
	return httplog.RequestLogger(logger, &httplog.Options{
		Schema:             httplog.SchemaECS.Concise(true),
		LogRequestHeaders:  []string{"Content-Type", "Origin"},
		LogResponseHeaders: []string{},
	})
}
