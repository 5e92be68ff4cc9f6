package httpmw

import (
	"net/http"

	"github.com/keithlinneman/svcgate/internal/log"
	"github.com/keithlinneman/svcgate/internal/xerrors"
)

// Recover converts handler panics into logged 500 responses instead of
// killing the connection. onPanic, if non-nil, is called once per
// recovered panic (wired to the panic counter in metrics).
//
// http.ErrAbortHandler is re-raised untouched; net/http uses it as a
// deliberate abort and expects it to propagate.
func Recover(base log.Logger, onPanic func()) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				if onPanic != nil {
					onPanic()
				}

				var err error
				if e, ok := rec.(error); ok {
					err = xerrors.WithStack(e)
				} else {
					err = xerrors.Newf("panic: %v", rec)
				}

				L := base
				if L == nil {
					L = log.FromContext(r.Context())
				}
				L.Error(r.Context(), err, "panic recovered",
					"method", r.Method,
					"path", r.URL.Path,
				)

				// best effort; fails if the handler already wrote
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}()

			next.ServeHTTP(w, r)
		})
	}
}
