package handler

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/devicelink/internal/feed"
	"github.com/openclaw/devicelink/internal/memstore"
	"github.com/openclaw/devicelink/internal/middleware"
	"github.com/openclaw/devicelink/internal/model"
	"github.com/openclaw/devicelink/internal/service"
)

func TestSSEWriter(t *testing.T) {
	t.Run("writes id, event and data lines", func(t *testing.T) {
		rec := httptest.NewRecorder()
		w := &sseWriter{w: rec, flusher: rec}

		err := w.writeEvent(context.Background(), feed.Event{
			Type: "content",
			ID:   "42",
			Data: json.RawMessage(`{"text":"hello"}`),
		})

		require.NoError(t, err)
		assert.Equal(t, "id: 42\nevent: content\ndata: {\"text\":\"hello\"}\n\n", rec.Body.String())
	})

	t.Run("omits id when the event has none", func(t *testing.T) {
		rec := httptest.NewRecorder()
		w := &sseWriter{w: rec, flusher: rec}

		require.NoError(t, w.writeEvent(context.Background(), feed.Event{Type: "connection", Data: json.RawMessage(`{}`)}))
		assert.NotContains(t, rec.Body.String(), "id:")
	})

	t.Run("ping is a comment", func(t *testing.T) {
		rec := httptest.NewRecorder()
		w := &sseWriter{w: rec, flusher: rec}

		require.NoError(t, w.ping(context.Background()))
		assert.Equal(t, ": ping\n\n", rec.Body.String())
	})
}

type sseEvent struct {
	id    string
	event string
	data  string
}

// sseReader reads events from a live stream, skipping heartbeat comments.
type sseReader struct {
	r *bufio.Reader
}

func (s *sseReader) next(t *testing.T) (sseEvent, error) {
	t.Helper()
	var ev sseEvent
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return ev, err
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			if ev.event != "" {
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func (s *sseReader) mustNext(t *testing.T) sseEvent {
	t.Helper()
	ev, err := s.next(t)
	require.NoError(t, err)
	return ev
}

func openSSE(t *testing.T, srv *testServer, path string, header http.Header) (*http.Response, *sseReader) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp, &sseReader{r: bufio.NewReader(resp.Body)}
}

func TestConnectionEvents(t *testing.T) {
	t.Run("snapshot then transition to connected", func(t *testing.T) {
		srv := newTestServer(t)
		resp := srv.do(t, http.MethodPost, "/v1/connections", map[string]string{"connectionId": connID, "hostDeviceId": hostID})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		resp, stream := openSSE(t, srv, "/v1/connections/"+connID+"/events?deviceId="+hostID, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		ev := stream.mustNext(t)
		assert.Equal(t, feed.EventConnection, ev.event)
		var snapshot model.ConnectionRecord
		require.NoError(t, json.Unmarshal([]byte(ev.data), &snapshot))
		assert.Equal(t, model.ConnectionStatusPending, snapshot.Status)

		resp = srv.do(t, http.MethodPost, "/v1/connect/qr", map[string]string{
			"connectionId": connID, "hostDeviceId": hostID, "guestDeviceId": guestID,
		})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		ev = stream.mustNext(t)
		assert.Equal(t, feed.EventConnection, ev.event)
		var update model.ConnectionRecord
		require.NoError(t, json.Unmarshal([]byte(ev.data), &update))
		assert.Equal(t, model.ConnectionStatusConnected, update.Status)
		require.NotNil(t, update.GuestDeviceID)
		assert.Equal(t, guestID, *update.GuestDeviceID)
	})

	t.Run("stream ends after abandon", func(t *testing.T) {
		srv := newTestServer(t)
		resp := srv.do(t, http.MethodPost, "/v1/connections", map[string]string{"connectionId": connID, "hostDeviceId": hostID})
		require.Equal(t, http.StatusCreated, resp.StatusCode)

		_, stream := openSSE(t, srv, "/v1/connections/"+connID+"/events?deviceId="+hostID, nil)
		stream.mustNext(t)

		resp = srv.do(t, http.MethodDelete, "/v1/connections/"+connID+"?hostDeviceId="+hostID, nil)
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		ev := stream.mustNext(t)
		assert.Equal(t, feed.EventAbandoned, ev.event)
		assert.Contains(t, ev.data, connID)

		_, err := stream.next(t)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("rejects non-party before streaming", func(t *testing.T) {
		srv := newTestServer(t)
		srv.pair(t)

		resp, _ := openSSE(t, srv, "/v1/connections/"+connID+"/events?deviceId="+otherID, nil)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		resp, _ = openSSE(t, srv, "/v1/connections/"+connID+"/events", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestDeviceEvents(t *testing.T) {
	srv := newTestServer(t)
	srv.pair(t)

	send := func(text string) model.ContentEntry {
		resp := srv.do(t, http.MethodPost, "/v1/connections/"+connID+"/content", map[string]string{
			"senderDeviceId": hostID, "recipientDeviceId": guestID, "contentType": "text", "content": text,
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		return decode[model.ContentEntry](t, resp)
	}

	t.Run("live entries carry their id", func(t *testing.T) {
		_, stream := openSSE(t, srv, "/v1/devices/"+guestID+"/events", nil)

		entry := send("live")
		ev := stream.mustNext(t)
		assert.Equal(t, feed.EventContent, ev.event)
		assert.Equal(t, entry.EventID(), ev.id)
		assert.Contains(t, ev.data, `"content":"live"`)
	})

	t.Run("resumes after Last-Event-ID", func(t *testing.T) {
		first := send("first")
		second := send("second")

		header := http.Header{}
		header.Set("Last-Event-ID", first.EventID())
		_, stream := openSSE(t, srv, "/v1/devices/"+guestID+"/events", header)

		ev := stream.mustNext(t)
		assert.Equal(t, second.EventID(), ev.id)

		third := send("third")
		ev = stream.mustNext(t)
		assert.Equal(t, third.EventID(), ev.id)
	})

	t.Run("after query parameter works like Last-Event-ID", func(t *testing.T) {
		_, stream := openSSE(t, srv, "/v1/devices/"+guestID+"/events?after=0", nil)

		ev := stream.mustNext(t)
		assert.Equal(t, "1", ev.id)
	})

	t.Run("rejects a malformed cursor", func(t *testing.T) {
		resp, _ := openSSE(t, srv, "/v1/devices/"+guestID+"/events?after=abc", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func wsURL(srv *testServer, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func readWSEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) feed.Event {
	t.Helper()
	typ, data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, websocket.MessageText, typ)

	var ev feed.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	return ev
}

func TestDeviceWS(t *testing.T) {
	srv := newTestServer(t)
	srv.pair(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/v1/devices/"+hostID+"/ws"), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	resp := srv.do(t, http.MethodPost, "/v1/connections/"+connID+"/content", map[string]string{
		"senderDeviceId": guestID, "recipientDeviceId": hostID, "contentType": "text", "content": "over ws",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	entry := decode[model.ContentEntry](t, resp)

	ev := readWSEvent(t, ctx, conn)
	assert.Equal(t, feed.EventContent, ev.Type)
	assert.Equal(t, entry.EventID(), ev.ID)

	var got model.ContentEntry
	require.NoError(t, json.Unmarshal(ev.Data, &got))
	assert.Equal(t, "over ws", got.Content)
}

func TestConnectionWS(t *testing.T) {
	srv := newTestServer(t)
	resp := srv.do(t, http.MethodPost, "/v1/connections", map[string]string{"connectionId": connID, "hostDeviceId": hostID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	t.Run("refuses the upgrade for a non-party", func(t *testing.T) {
		_, resp, err := websocket.Dial(ctx, wsURL(srv, "/v1/connections/"+connID+"/ws?deviceId="+otherID), nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	conn, _, err := websocket.Dial(ctx, wsURL(srv, "/v1/connections/"+connID+"/ws?deviceId="+hostID), nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	ev := readWSEvent(t, ctx, conn)
	assert.Equal(t, feed.EventConnection, ev.Type)

	resp = srv.do(t, http.MethodDelete, "/v1/connections/"+connID+"?hostDeviceId="+hostID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	ev = readWSEvent(t, ctx, conn)
	assert.Equal(t, feed.EventAbandoned, ev.Type)

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

// heldBroker blocks the publish of the entry whose content matches hold
// until release is closed.
type heldBroker struct {
	*feed.Broker
	hold    string
	held    chan struct{}
	release chan struct{}
}

func (b *heldBroker) Publish(ctx context.Context, topic string, event feed.Event) error {
	if bytes.Contains(event.Data, []byte(`"content":"`+b.hold+`"`)) {
		close(b.held)
		<-b.release
	}
	return b.Broker.Publish(ctx, topic, event)
}

func TestDeviceEvents_OrderedDespiteLatePublish(t *testing.T) {
	store := memstore.New()
	broker := feed.NewBroker(feed.NewLocalTransport())
	t.Cleanup(broker.Close)
	held := &heldBroker{Broker: broker, hold: "first", held: make(chan struct{}), release: make(chan struct{})}

	pairing := service.NewPairingService(store, broker, service.PairingConfig{PendingTTL: time.Minute, PinTTL: time.Minute})
	content := service.NewContentService(store, pairing, held, 1024)
	srv := httptest.NewServer(NewRouter(RouterDeps{
		Pairing:           pairing,
		Content:           content,
		PinLimiter:        middleware.NewMemoryLimiter(),
		PinAttemptsPerMin: 10,
	}))
	t.Cleanup(srv.Close)
	ts := &testServer{Server: srv, pairing: pairing, content: content}

	ctx := context.Background()
	_, err := pairing.InitiateConnection(ctx, connID, hostID)
	require.NoError(t, err)
	_, err = pairing.ConnectByQR(ctx, connID, hostID, guestID)
	require.NoError(t, err)

	_, stream := openSSE(t, ts, "/v1/devices/"+guestID+"/events", nil)

	send := func(text string) (*model.ContentEntry, error) {
		return content.Send(ctx, service.SendParams{
			ConnectionID: connID, SenderDeviceID: hostID, RecipientDeviceID: guestID,
			ContentType: model.ContentTypeText, Content: text,
		})
	}

	firstDone := make(chan error, 1)
	go func() {
		_, err := send("first")
		firstDone <- err
	}()
	<-held.held

	second, err := send("second")
	require.NoError(t, err)

	ev := stream.mustNext(t)
	assert.Equal(t, "1", ev.id)
	assert.Contains(t, ev.data, `"content":"first"`)
	ev = stream.mustNext(t)
	assert.Equal(t, second.EventID(), ev.id)

	close(held.release)
	require.NoError(t, <-firstDone)

	third, err := send("third")
	require.NoError(t, err)
	ev = stream.mustNext(t)
	assert.Equal(t, third.EventID(), ev.id, "late publish must not repeat an entry")
}
