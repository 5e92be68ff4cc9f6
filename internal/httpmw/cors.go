package httpmw

import (
	"net/http"
	"strconv"
	"strings"
)

// CORSPolicy is the configured cross-origin policy. Origins are matched
// exactly (scheme://host[:port]); there is no wildcard support on
// purpose, the allow-list comes from immutable startup configuration.
type CORSPolicy struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposeHeaders    []string
	AllowCredentials bool
	MaxAgeSeconds    int
}

// DefaultCORSPolicy returns the policy applied when configuration names
// origins but nothing else.
func DefaultCORSPolicy(origins []string) CORSPolicy {
	return CORSPolicy{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "PUT", "POST", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
		ExposeHeaders:    []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAgeSeconds:    3600,
	}
}

type corsValidator struct {
	origins map[string]struct{}
	methods map[string]struct{}
	headers map[string]struct{}

	methodList string
	headerList string
	exposeList string
	creds      bool
	maxAge     string
}

// CORS returns middleware enforcing policy.
//
// Denied origins are handled by omission: the permissive headers are
// simply not set and the browser enforces the denial. The one exception
// is a structurally malformed preflight, which fails closed with 400.
// Preflight requests never reach the downstream handler.
func CORS(policy CORSPolicy) Middleware {
	v := &corsValidator{
		origins: make(map[string]struct{}, len(policy.AllowedOrigins)),
		methods: make(map[string]struct{}, len(policy.AllowedMethods)),
		headers: make(map[string]struct{}, len(policy.AllowedHeaders)),
		creds:   policy.AllowCredentials,
	}
	for _, o := range policy.AllowedOrigins {
		v.origins[o] = struct{}{}
	}
	for _, m := range policy.AllowedMethods {
		v.methods[strings.ToUpper(m)] = struct{}{}
	}
	for _, h := range policy.AllowedHeaders {
		v.headers[strings.ToLower(h)] = struct{}{}
	}
	v.methodList = strings.Join(policy.AllowedMethods, ", ")
	v.headerList = strings.Join(policy.AllowedHeaders, ", ")
	v.exposeList = strings.Join(policy.ExposeHeaders, ", ")
	if policy.MaxAgeSeconds > 0 {
		v.maxAge = strconv.Itoa(policy.MaxAgeSeconds)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// same-origin or non-browser client, nothing to do
				next.ServeHTTP(w, r)
				return
			}

			// responses vary by origin regardless of outcome
			w.Header().Add("Vary", "Origin")

			if isPreflight(r) {
				v.handlePreflight(w, r, origin)
				return
			}

			if v.originAllowed(origin) {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", origin)
				if v.creds {
					h.Set("Access-Control-Allow-Credentials", "true")
				}
				if v.exposeList != "" {
					h.Set("Access-Control-Expose-Headers", v.exposeList)
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

func (v *corsValidator) originAllowed(origin string) bool {
	_, ok := v.origins[origin]
	return ok
}

func (v *corsValidator) handlePreflight(w http.ResponseWriter, r *http.Request, origin string) {
	reqMethod := strings.ToUpper(strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")))
	if reqMethod == "" {
		// isPreflight guarantees the header exists; all-whitespace is malformed
		respondError(w, http.StatusBadRequest, "bad_preflight", "malformed preflight request")
		return
	}

	w.Header().Add("Vary", "Access-Control-Request-Method")
	w.Header().Add("Vary", "Access-Control-Request-Headers")

	if !v.originAllowed(origin) {
		// deny by omission
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if _, ok := v.methods[reqMethod]; !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if reqHeaders := r.Header.Get("Access-Control-Request-Headers"); reqHeaders != "" {
		for _, h := range strings.Split(reqHeaders, ",") {
			name := strings.ToLower(strings.TrimSpace(h))
			if name == "" {
				respondError(w, http.StatusBadRequest, "bad_preflight", "malformed preflight request")
				return
			}
			if _, ok := v.headers[name]; !ok {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
	}

	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", v.methodList)
	h.Set("Access-Control-Allow-Headers", v.headerList)
	if v.creds {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if v.maxAge != "" {
		h.Set("Access-Control-Max-Age", v.maxAge)
	}
	w.WriteHeader(http.StatusNoContent)
}
