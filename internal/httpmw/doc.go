// Package httpmw provides the request-processing middleware stages that
// httpserver composes into the service pipeline: panic recovery, request
// ID propagation, client IP resolution, body size limiting, CORS policy,
// and structured request logging.
//
// Each stage is an independent func(http.Handler) http.Handler so it can
// be tested, reordered, or removed on its own. Within one request the
// composition order is fixed by httpserver; stages share nothing across
// requests except what they read from configuration at construction.
package httpmw
