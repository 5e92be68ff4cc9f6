package httpmw

import "net/http"

// Middleware is a single request-transform stage.
type Middleware = func(http.Handler) http.Handler

// Chain wraps h so the first middleware in the list is outermost and the
// last runs immediately before h. Nil entries are skipped so callers can
// toggle stages off without rebuilding the slice.
func Chain(h http.Handler, mws ...Middleware) http.Handler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] == nil {
			continue
		}
		wrapped = mws[i](wrapped)
	}
	return wrapped
}
