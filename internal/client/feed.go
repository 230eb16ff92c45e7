package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/devicelink/internal/errors"
	"github.com/openclaw/devicelink/internal/feed"
)

// Content bodies may be up to the server's MAX_CONTENT_BYTES; the library
// default of 32KiB is too small for that.
const feedReadLimit = 1 << 20

// Feed is a live event stream over a WebSocket. Events is closed when the
// server ends the stream, the connection drops or Close is called.
type Feed struct {
	Events <-chan feed.Event

	conn   *websocket.Conn
	cancel context.CancelFunc

	mu      sync.Mutex
	err     error
	closing bool
}

// ConnectionFeed streams the record snapshot followed by its transitions.
func (c *Client) ConnectionFeed(ctx context.Context, connectionID, deviceID string) (*Feed, error) {
	path := "/v1/connections/" + url.PathEscape(connectionID) + "/ws?" + url.Values{"deviceId": {deviceID}}.Encode()
	return c.dialFeed(ctx, path)
}

// DeviceFeed streams content addressed to deviceID. With resume set, entries
// with id > afterID are replayed first.
func (c *Client) DeviceFeed(ctx context.Context, deviceID string, afterID int64, resume bool) (*Feed, error) {
	path := "/v1/devices/" + url.PathEscape(deviceID) + "/ws"
	if resume {
		path += "?" + url.Values{"after": {strconv.FormatInt(afterID, 10)}}.Encode()
	}
	return c.dialFeed(ctx, path)
}

func (c *Client) wsURL(path string) string {
	switch {
	case strings.HasPrefix(c.baseURL, "https://"):
		return "wss://" + strings.TrimPrefix(c.baseURL, "https://") + path
	case strings.HasPrefix(c.baseURL, "http://"):
		return "ws://" + strings.TrimPrefix(c.baseURL, "http://") + path
	default:
		return c.baseURL + path
	}
}

func (c *Client) dialFeed(ctx context.Context, path string) (*Feed, error) {
	conn, resp, err := websocket.Dial(ctx, c.wsURL(path), &websocket.DialOptions{HTTPClient: feedHTTPClient(c)})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, decodeError(resp)
		}
		return nil, apperrors.StoreUnavailable(err)
	}
	conn.SetReadLimit(feedReadLimit)

	readCtx, cancel := context.WithCancel(context.Background())
	events := make(chan feed.Event, 16)
	f := &Feed{Events: events, conn: conn, cancel: cancel}
	go f.read(readCtx, events)
	return f, nil
}

// feedHTTPClient keeps the transport of c but drops its timeout, which would
// otherwise cut the hijacked connection.
func feedHTTPClient(c *Client) *http.Client {
	hc := *c.httpClient
	hc.Timeout = 0
	return &hc
}

func (f *Feed) read(ctx context.Context, events chan<- feed.Event) {
	defer close(events)

	for {
		_, data, err := f.conn.Read(ctx)
		if err != nil {
			f.fail(err)
			return
		}

		var ev feed.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Warn().Err(err).Msg("dropping malformed feed frame")
			continue
		}

		select {
		case events <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// fail records a read error unless the feed ended normally or was closed
// from this side.
func (f *Feed) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closing || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return
	}
	f.err = err
}

// Err reports why the feed ended. It is nil after a normal close.
func (f *Feed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Feed) Close() error {
	f.mu.Lock()
	f.closing = true
	f.mu.Unlock()

	defer f.cancel()
	return f.conn.Close(websocket.StatusNormalClosure, "")
}
