package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/devicelink/internal/feed"
)

const wsWriteTimeout = 10 * time.Second

// GET /v1/connections/{id}/ws?deviceId=
func (h *EventsHandler) ConnectionWS(w http.ResponseWriter, r *http.Request) {
	h.serveWS(w, r, h.openConnectionFeed)
}

// GET /v1/devices/{deviceId}/ws
func (h *EventsHandler) DeviceWS(w http.ResponseWriter, r *http.Request) {
	h.serveWS(w, r, h.openDeviceFeed)
}

// serveWS opens the feed before upgrading so lookup failures still get a
// regular HTTP error response.
func (h *EventsHandler) serveWS(w http.ResponseWriter, r *http.Request, open func(*http.Request) (*feedStream, error)) {
	stream, err := open(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer stream.sub.Cancel()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("failed to accept websocket")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed ended")

	log.Info().
		Str("topic", feed.LogTopic(stream.topic)).
		Msg("websocket connection established")

	// The feed is server to client only; CloseRead handles control frames
	// and cancels ctx when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	h.pump(ctx, stream, &wsWriter{conn: conn})
}

type wsWriter struct {
	conn *websocket.Conn
}

func (ws *wsWriter) writeEvent(ctx context.Context, event feed.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.conn.Write(ctx, websocket.MessageText, data)
}

func (ws *wsWriter) ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.conn.Ping(ctx)
}
