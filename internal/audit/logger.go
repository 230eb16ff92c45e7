// Package audit records security-relevant pairing events on the global
// logger, tagged audit=security so they can be routed separately.
package audit

import (
	"context"
	"net"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/devicelink/internal/util"
)

type EventType string

const (
	EventConnectionInitiate EventType = "connection_initiate"
	EventConnectionAbandon  EventType = "connection_abandon"
	EventPinIssue           EventType = "pin_issue"
	EventPairingSuccess     EventType = "pairing_success"
	EventPairingFailure     EventType = "pairing_failure"
	EventRateLimitExceed    EventType = "rate_limit_exceeded"
)

type Event struct {
	Type         EventType
	ConnectionID string
	// DeviceID is logged as a fingerprint, never in clear.
	DeviceID  string
	IP        string
	UserAgent string
	Details   map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	e := log.Info().
		Str("audit", "security").
		Str("eventType", string(event.Type))

	optional := map[string]string{
		"connectionId": event.ConnectionID,
		"device":       util.Fingerprint(event.DeviceID),
		"ip":           event.IP,
		"userAgent":    event.UserAgent,
		"requestId":    chimiddleware.GetReqID(ctx),
	}
	for k, v := range optional {
		if v != "" {
			e = e.Str(k, v)
		}
	}

	e.Fields(event.Details).Msg("security audit event")
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = ClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

// ClientIP returns the host part of the request's remote address. Behind a
// proxy, chi's RealIP middleware has already rewritten RemoteAddr.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
