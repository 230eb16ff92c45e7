package handler

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/devicelink/internal/config"
	apperrors "github.com/openclaw/devicelink/internal/errors"
	"github.com/openclaw/devicelink/internal/feed"
	"github.com/openclaw/devicelink/internal/service"
)

type EventsHandler struct {
	pairingService *service.PairingService
	contentService *service.ContentService
	heartbeat      time.Duration
}

func NewEventsHandler(pairingService *service.PairingService, contentService *service.ContentService) *EventsHandler {
	return &EventsHandler{
		pairingService: pairingService,
		contentService: contentService,
		heartbeat:      config.FeedHeartbeatInterval,
	}
}

// feedStream is an opened live feed: events to emit first, then the
// subscription.
type feedStream struct {
	topic   string
	initial []feed.Event
	sub     *feed.Subscription
	// closeOn ends the stream after an event of this type is written.
	closeOn string
	// catchUp, when set, turns every live content event into a wake-up. It
	// returns the stored entries past the stream's cursor in id order and
	// advances the cursor, so publish order never reaches the client.
	catchUp func(ctx context.Context) ([]feed.Event, error)
}

// eventWriter is the transport-specific half of a feed stream.
type eventWriter interface {
	writeEvent(ctx context.Context, event feed.Event) error
	ping(ctx context.Context) error
}

func (h *EventsHandler) openConnectionFeed(r *http.Request) (*feedStream, error) {
	connectionID := chi.URLParam(r, "id")
	deviceID := r.URL.Query().Get("deviceId")
	if deviceID == "" {
		return nil, apperrors.MissingRequired("deviceId")
	}

	snapshot, sub, err := h.pairingService.ObserveConnection(r.Context(), connectionID, deviceID)
	if err != nil {
		return nil, err
	}

	return &feedStream{
		topic:   sub.Topic,
		initial: []feed.Event{{Type: feed.EventConnection, Data: snapshot.ToEventData()}},
		sub:     sub,
		closeOn: feed.EventAbandoned,
	}, nil
}

// openDeviceFeed fixes the cursor before subscribing: the client's cursor
// when it resumes, otherwise the newest stored entry. Entries created between
// the two are caught up right away.
func (h *EventsHandler) openDeviceFeed(r *http.Request) (*feedStream, error) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceId")

	rawCursor := r.Header.Get("Last-Event-ID")
	if rawCursor == "" {
		rawCursor = r.URL.Query().Get("after")
	}
	cursor, resume, err := parseCursor(rawCursor)
	if err != nil {
		return nil, err
	}
	if !resume && deviceID != "" {
		if cursor, err = h.contentService.DeviceCursor(ctx, deviceID); err != nil {
			return nil, err
		}
	}

	sub, err := h.contentService.Subscribe(ctx, deviceID)
	if err != nil {
		return nil, err
	}

	stream := &feedStream{topic: sub.Topic, sub: sub}
	stream.catchUp = func(ctx context.Context) ([]feed.Event, error) {
		entries, err := h.contentService.ReplayForDevice(ctx, deviceID, cursor)
		if err != nil {
			return nil, err
		}
		events := make([]feed.Event, 0, len(entries))
		for i := range entries {
			e := &entries[i]
			events = append(events, feed.Event{Type: feed.EventContent, ID: e.EventID(), Data: e.ToEventData()})
			cursor = e.ID
		}
		return events, nil
	}

	if stream.initial, err = stream.catchUp(ctx); err != nil {
		sub.Cancel()
		return nil, err
	}
	return stream, nil
}

func (h *EventsHandler) pump(ctx context.Context, stream *feedStream, out eventWriter) {
	for _, event := range stream.initial {
		if err := out.writeEvent(ctx, event); err != nil {
			log.Debug().Err(err).Str("topic", feed.LogTopic(stream.topic)).Msg("failed to send initial event")
			return
		}
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("topic", feed.LogTopic(stream.topic)).
				Msg("feed connection closed by client")
			return

		case <-stream.sub.Done:
			log.Info().
				Str("topic", feed.LogTopic(stream.topic)).
				Msg("feed connection closed by broker")
			return

		case event := <-stream.sub.Events:
			events := []feed.Event{event}
			if stream.catchUp != nil && event.Type == feed.EventContent {
				var err error
				if events, err = stream.catchUp(ctx); err != nil {
					log.Warn().
						Err(err).
						Str("topic", feed.LogTopic(stream.topic)).
						Msg("feed catch-up failed, closing connection")
					return
				}
			}
			for _, ev := range events {
				if err := out.writeEvent(ctx, ev); err != nil {
					log.Error().Err(err).Msg("failed to send event")
					return
				}
				if stream.closeOn != "" && ev.Type == stream.closeOn {
					return
				}
			}

		case <-heartbeat.C:
			if err := out.ping(ctx); err != nil {
				log.Debug().
					Str("topic", feed.LogTopic(stream.topic)).
					Msg("heartbeat failed, closing connection")
				return
			}
		}
	}
}

// GET /v1/connections/{id}/events?deviceId=
func (h *EventsHandler) ConnectionEvents(w http.ResponseWriter, r *http.Request) {
	h.serveSSE(w, r, h.openConnectionFeed)
}

// GET /v1/devices/{deviceId}/events
func (h *EventsHandler) DeviceEvents(w http.ResponseWriter, r *http.Request) {
	h.serveSSE(w, r, h.openDeviceFeed)
}

func (h *EventsHandler) serveSSE(w http.ResponseWriter, r *http.Request, open func(*http.Request) (*feedStream, error)) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	stream, err := open(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer stream.sub.Cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Info().
		Str("topic", feed.LogTopic(stream.topic)).
		Msg("sse connection established")

	h.pump(r.Context(), stream, &sseWriter{w: w, flusher: flusher})
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) writeEvent(ctx context.Context, event feed.Event) error {
	if event.ID != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", event.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *sseWriter) ping(ctx context.Context) error {
	if _, err := fmt.Fprintf(s.w, ": ping\n\n"); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
