package middleware

import (
	"net/http"

	apperrors "github.com/openclaw/devicelink/internal/errors"
)

// LimitBody refuses bodies that declare more than max bytes and caps the rest
// while they are read.
func LimitBody(max int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > max {
				writeError(w, http.StatusRequestEntityTooLarge, apperrors.ValidationError("Request body too large"))
				return
			}
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, max)
			}
			next.ServeHTTP(w, r)
		})
	}
}
