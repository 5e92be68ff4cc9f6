package authn

import (
	"net/http"

	"github.com/keithlinneman/svcgate/internal/log"
)

// MiddlewareOptions configures the authn stage.
type MiddlewareOptions struct {
	// AnonymousPaths are exact request paths served without a credential.
	// A credential presented on an anonymous path is still verified.
	AnonymousPaths []string

	// OnReject, if non-nil, is called once per rejected credential.
	OnReject func(kind Kind)
}

// Middleware verifies the bearer credential and attaches the resulting
// Identity to the request context. Rejections answer 401 with the error
// kind only; resolver detail goes to the log, never the client.
func Middleware(e *Extractor, opts MiddlewareOptions) func(http.Handler) http.Handler {
	anonymous := make(map[string]struct{}, len(opts.AnonymousPaths))
	for _, p := range opts.AnonymousPaths {
		anonymous[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			id, err := e.Extract(ctx, r)
			if err == nil {
				next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, id)))
				return
			}

			kind := KindOf(err)
			if kind == KindMissingCredential {
				if _, ok := anonymous[r.URL.Path]; ok {
					next.ServeHTTP(w, r)
					return
				}
			}

			log.FromContext(ctx).Info(ctx, "credential rejected", "kind", string(kind))
			if opts.OnReject != nil {
				opts.OnReject(kind)
			}

			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.Header().Set("WWW-Authenticate", `Bearer realm="svcgate"`)
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"` + string(kind) + `","message":"credential rejected"}` + "\n"))
		})
	}
}
