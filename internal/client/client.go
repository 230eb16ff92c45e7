// Package client talks to the devicelink server. Client wraps the HTTP API and
// live feeds; Session layers one device's pairing lifecycle on top of it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/openclaw/devicelink/internal/errors"
	"github.com/openclaw/devicelink/internal/httputil"
	"github.com/openclaw/devicelink/internal/model"
)

const defaultTimeout = 30 * time.Second

type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the client used for request/response calls. Feeds
// are long-lived and do not use its timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connection is a record as seen by one of its parties.
type Connection struct {
	model.ConnectionRecord
	PeerDeviceID string `json:"peerDeviceId,omitempty"`
}

type PinIssue struct {
	ConnectionID string    `json:"connectionId"`
	PinCode      string    `json:"pinCode"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// RenderedPayload is the pairing payload in both wire forms.
type RenderedPayload struct {
	URL  string `json:"url"`
	JSON string `json:"json"`
}

type SendRequest struct {
	SenderDeviceID    string            `json:"senderDeviceId"`
	RecipientDeviceID string            `json:"recipientDeviceId"`
	ContentType       model.ContentType `json:"contentType"`
	Content           string            `json:"content"`
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) CreateConnection(ctx context.Context, connectionID, hostDeviceID string) (*model.ConnectionRecord, error) {
	var rec model.ConnectionRecord
	err := c.do(ctx, http.MethodPost, "/v1/connections", map[string]string{
		"connectionId": connectionID,
		"hostDeviceId": hostDeviceID,
	}, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) GetConnection(ctx context.Context, connectionID, deviceID string) (*Connection, error) {
	var conn Connection
	path := "/v1/connections/" + url.PathEscape(connectionID) + "?" + url.Values{"deviceId": {deviceID}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

func (c *Client) AbandonConnection(ctx context.Context, connectionID, hostDeviceID string) error {
	path := "/v1/connections/" + url.PathEscape(connectionID) + "?" + url.Values{"hostDeviceId": {hostDeviceID}}.Encode()
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) IssuePin(ctx context.Context, connectionID, hostDeviceID string) (*PinIssue, error) {
	var issue PinIssue
	path := "/v1/connections/" + url.PathEscape(connectionID) + "/pin"
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"hostDeviceId": hostDeviceID}, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *Client) Payload(ctx context.Context, connectionID, hostDeviceID string) (*RenderedPayload, error) {
	var p RenderedPayload
	path := "/v1/connections/" + url.PathEscape(connectionID) + "/payload?" + url.Values{"hostDeviceId": {hostDeviceID}}.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) ConnectByQR(ctx context.Context, connectionID, hostDeviceID, guestDeviceID string) (*Connection, error) {
	return c.connect(ctx, "/v1/connect/qr", map[string]string{
		"connectionId":  connectionID,
		"hostDeviceId":  hostDeviceID,
		"guestDeviceId": guestDeviceID,
	})
}

// ConnectByPayload lets the server decode a scanned payload in either form.
func (c *Client) ConnectByPayload(ctx context.Context, payload, guestDeviceID string) (*Connection, error) {
	return c.connect(ctx, "/v1/connect/qr", map[string]string{
		"payload":       payload,
		"guestDeviceId": guestDeviceID,
	})
}

func (c *Client) ConnectByPin(ctx context.Context, pin, guestDeviceID string) (*Connection, error) {
	return c.connect(ctx, "/v1/connect/pin", map[string]string{
		"pinCode":       pin,
		"guestDeviceId": guestDeviceID,
	})
}

func (c *Client) connect(ctx context.Context, path string, body map[string]string) (*Connection, error) {
	var conn Connection
	if err := c.do(ctx, http.MethodPost, path, body, &conn); err != nil {
		return nil, err
	}
	return &conn, nil
}

func (c *Client) Send(ctx context.Context, connectionID string, req SendRequest) (*model.ContentEntry, error) {
	var entry model.ContentEntry
	path := "/v1/connections/" + url.PathEscape(connectionID) + "/content"
	if err := c.do(ctx, http.MethodPost, path, req, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// History returns the entries of a connection with id > afterID in order.
func (c *Client) History(ctx context.Context, connectionID, deviceID string, afterID int64) ([]model.ContentEntry, error) {
	var resp struct {
		Entries []model.ContentEntry `json:"entries"`
	}
	q := url.Values{"deviceId": {deviceID}}
	if afterID > 0 {
		q.Set("after", strconv.FormatInt(afterID, 10))
	}
	path := "/v1/connections/" + url.PathEscape(connectionID) + "/content?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Entries, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.StoreUnavailable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return decodeError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// decodeError turns an error body back into the server's AppError.
func decodeError(resp *http.Response) error {
	var body httputil.ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Code == "" {
		return apperrors.Internal(fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
	return apperrors.New(body.Code, body.Error).WithDetails(body.Details)
}
