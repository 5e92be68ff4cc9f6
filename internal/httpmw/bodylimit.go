package httpmw

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// BodyLimit enforces a maximum request body size of maxBytes.
//
// Bodies with a Content-Length already over the limit are rejected with
// 413 before the handler runs and before any of the body is read. All
// other bodies (including chunked uploads with no declared length) are
// wrapped with http.MaxBytesReader, which counts bytes as the handler
// reads them, aborts the read the moment the count passes the limit, and
// closes the connection per net/http's contract so the peer cannot keep
// streaming into a rejected request. At most limit+1 bytes are ever read
// from the wire.
//
// I/O errors unrelated to the limit (client disconnect, resets) surface
// to the handler unchanged and are never reported as 413.
//
// onReject, if non-nil, is called once per rejected request, whether the
// declared length tripped it up front or the handler's read hit the
// limit mid-stream. Typically wired to a counter.
func BodyLimit(maxBytes int64, onReject func()) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				if onReject != nil {
					onReject()
				}
				respondError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds limit")
				return
			}
			if r.Body != nil && r.Body != http.NoBody {
				lb := &limitedBody{ReadCloser: http.MaxBytesReader(w, r.Body, maxBytes)}
				r.Body = lb
				if onReject != nil {
					defer func() {
						if lb.tripped {
							onReject()
						}
					}()
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

// limitedBody remembers whether a read was aborted by the size limit so
// the middleware can report the rejection after the handler returns.
type limitedBody struct {
	io.ReadCloser
	tripped bool
}

func (b *limitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	if err != nil && IsPayloadTooLarge(err) {
		b.tripped = true
	}
	return n, err
}

// IsPayloadTooLarge reports whether err came from a body read that hit
// the configured limit, as opposed to a transport failure.
func IsPayloadTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

// RespondPayloadTooLarge writes the canonical 413 response. Handlers that
// read the body themselves call this when IsPayloadTooLarge matches.
func RespondPayloadTooLarge(w http.ResponseWriter) {
	respondError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds limit")
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": msg,
	})
}
