package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/openclaw/devicelink/internal/config"
	"github.com/openclaw/devicelink/internal/middleware"
	"github.com/openclaw/devicelink/internal/service"
)

type RouterDeps struct {
	Pairing           *service.PairingService
	Content           *service.ContentService
	PinLimiter        middleware.Limiter
	PinAttemptsPerMin int
	PublicBaseURL     string
	Production        bool
	// HealthCheck reports whether the backing store is reachable. Optional.
	HealthCheck func(ctx context.Context) error
}

func NewRouter(deps RouterDeps) http.Handler {
	connectionHandler := NewConnectionHandler(deps.Pairing, deps.PublicBaseURL)
	contentHandler := NewContentHandler(deps.Content)
	eventsHandler := NewEventsHandler(deps.Pairing, deps.Content)

	pinLimit := middleware.LimitByIP(deps.PinLimiter, deps.PinAttemptsPerMin, "pin")

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.SecureHeaders(deps.Production))
	r.Use(middleware.LimitBody(config.MaxRequestBodyBytes))

	r.Get("/health", healthHandler(deps.HealthCheck))

	r.Route("/v1", func(r chi.Router) {
		// Request/response endpoints. Feeds below are long-lived and must not
		// be cut off by the request timeout.
		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

			r.Post("/connections", connectionHandler.Create)
			r.Get("/connections/{id}", connectionHandler.Get)
			r.Delete("/connections/{id}", connectionHandler.Abandon)
			r.Post("/connections/{id}/pin", connectionHandler.IssuePin)
			r.Get("/connections/{id}/payload", connectionHandler.Payload)
			r.Post("/connections/{id}/content", contentHandler.Send)
			r.Get("/connections/{id}/content", contentHandler.History)

			r.Post("/connect/qr", connectionHandler.ConnectByQR)
			r.With(pinLimit).Post("/connect/pin", connectionHandler.ConnectByPin)
		})

		r.Get("/connections/{id}/events", eventsHandler.ConnectionEvents)
		r.Get("/connections/{id}/ws", eventsHandler.ConnectionWS)
		r.Get("/devices/{deviceId}/events", eventsHandler.DeviceEvents)
		r.Get("/devices/{deviceId}/ws", eventsHandler.DeviceWS)
	})

	return r
}

func healthHandler(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		body := map[string]any{
			"status":    "ok",
			"timestamp": time.Now().UnixMilli(),
		}
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
			defer cancel()
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body["status"] = "unavailable"
			}
		}
		writeJSON(w, status, body)
	}
}
