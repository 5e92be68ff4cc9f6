package shutdown

import (
	"net/http"
	"strconv"
)

// Middleware rejects requests at admission once the coordinator has left
// Running, replying 503 with a Retry-After hint. Admitted requests hold an
// in-flight slot until the handler returns, panics included. onReject, if
// non-nil, is called once per turned-away request.
func (c *Coordinator) Middleware(retryAfterSeconds int, onReject func()) func(http.Handler) http.Handler {
	retryAfter := strconv.Itoa(retryAfterSeconds)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, ok := c.Admit()
			if !ok {
				if onReject != nil {
					onReject()
				}
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.Header().Set("Retry-After", retryAfter)
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"error":"shutting_down","message":"server is draining, retry later"}` + "\n"))
				return
			}
			defer release()
			next.ServeHTTP(w, r)
		})
	}
}
