package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/devicelink/internal/audit"
	apperrors "github.com/openclaw/devicelink/internal/errors"
)

// LimitByIP caps requests per client IP under scope. Scopes keep separate
// counters, so two limited routes never share a budget.
func LimitByIP(limiter Limiter, limit int, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := audit.ClientIP(r)
			d := limiter.Check(r.Context(), "ip:"+scope+":"+ip, limit)

			h := w.Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				log.Warn().Str("ip", ip).Str("scope", scope).Msg("rate limit exceeded")
				audit.LogFromRequest(r, audit.Event{
					Type:    audit.EventRateLimitExceed,
					Details: map[string]interface{}{"scope": scope},
				})
				h.Set("Retry-After", strconv.FormatInt(d.RetryAfter(time.Now()), 10))
				writeError(w, http.StatusTooManyRequests, apperrors.RateLimitExceeded())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
