package client

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/devicelink/internal/errors"
	"github.com/openclaw/devicelink/internal/feed"
	"github.com/openclaw/devicelink/internal/identity"
	"github.com/openclaw/devicelink/internal/model"
	"github.com/openclaw/devicelink/internal/payload"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

const reconnectDelay = time.Second

var (
	ErrSessionClosed = errors.New("session closed")
	ErrNoConnection  = errors.New("session has no connection")
	ErrHasConnection = errors.New("session already has a connection")
	ErrNotHost       = errors.New("only the host may do this")
)

// Session is one device's application session: a device identity created
// with it and held in memory only, plus at most one connection. Subscriptions
// opened through the session end when it is closed.
type Session struct {
	client   *Client
	deviceID string

	mu           sync.Mutex
	connectionID string
	role         Role
	peerID       string
	closed       bool
	nextCancel   int
	cancels      map[int]context.CancelFunc
}

func NewSession(c *Client) *Session {
	return &Session{
		client:   c,
		deviceID: identity.NewDeviceID(),
		cancels:  make(map[int]context.CancelFunc),
	}
}

func (s *Session) DeviceID() string {
	return s.deviceID
}

func (s *Session) ConnectionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connectionID
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Peer returns the last peer this session learned of. Send does not rely on it.
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

func (s *Session) setConnection(connectionID string, role Role, peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.connectionID = connectionID
	s.role = role
	s.peerID = peerID
	return nil
}

func (s *Session) checkIdle() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.connectionID != "" {
		return ErrHasConnection
	}
	return nil
}

func (s *Session) active() (string, Role, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", "", ErrSessionClosed
	}
	if s.connectionID == "" {
		return "", "", ErrNoConnection
	}
	return s.connectionID, s.role, nil
}

func (s *Session) hosted() (string, error) {
	connectionID, role, err := s.active()
	if err != nil {
		return "", err
	}
	if role != RoleHost {
		return "", ErrNotHost
	}
	return connectionID, nil
}

// track derives a context that Close cancels.
func (s *Session) track(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrSessionClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	id := s.nextCancel
	s.nextCancel++
	s.cancels[id] = cancel
	return ctx, func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, id)
		s.mu.Unlock()
	}, nil
}

// Host creates a pending connection with a fresh connection id.
func (s *Session) Host(ctx context.Context) (*model.ConnectionRecord, error) {
	if err := s.checkIdle(); err != nil {
		return nil, err
	}
	rec, err := s.client.CreateConnection(ctx, identity.NewConnectionID(), s.deviceID)
	if err != nil {
		return nil, err
	}
	if err := s.setConnection(rec.ConnectionID, RoleHost, ""); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Session) Payload(ctx context.Context) (*RenderedPayload, error) {
	connectionID, err := s.hosted()
	if err != nil {
		return nil, err
	}
	return s.client.Payload(ctx, connectionID, s.deviceID)
}

// IssuePin replaces any earlier PIN of the hosted connection.
func (s *Session) IssuePin(ctx context.Context) (*PinIssue, error) {
	connectionID, err := s.hosted()
	if err != nil {
		return nil, err
	}
	return s.client.IssuePin(ctx, connectionID, s.deviceID)
}

// WaitForPeer blocks until a guest attaches to the hosted connection and
// returns the guest's device id.
func (s *Session) WaitForPeer(ctx context.Context) (string, error) {
	connectionID, err := s.hosted()
	if err != nil {
		return "", err
	}
	ctx, done, err := s.track(ctx)
	if err != nil {
		return "", err
	}
	defer done()

	f, err := s.client.ConnectionFeed(ctx, connectionID, s.deviceID)
	if err != nil {
		return "", err
	}
	defer f.Close()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case ev, ok := <-f.Events:
			if !ok {
				if err := f.Err(); err != nil {
					return "", apperrors.StoreUnavailable(err)
				}
				return "", apperrors.NotFound("Connection")
			}
			switch ev.Type {
			case feed.EventConnection:
				var rec model.ConnectionRecord
				if err := json.Unmarshal(ev.Data, &rec); err != nil {
					return "", err
				}
				if peer, ok := rec.PeerOf(s.deviceID); ok {
					s.mu.Lock()
					s.peerID = peer
					s.mu.Unlock()
					return peer, nil
				}
			case feed.EventAbandoned:
				return "", apperrors.NotFound("Connection")
			}
		}
	}
}

// Join attaches this device as guest. code is either a scanned pairing
// payload or a typed PIN.
func (s *Session) Join(ctx context.Context, code string) (*Connection, error) {
	if err := s.checkIdle(); err != nil {
		return nil, err
	}

	code = strings.TrimSpace(code)
	var (
		conn *Connection
		err  error
	)
	if payload.LooksLikePayload(code) {
		conn, err = s.client.ConnectByPayload(ctx, code, s.deviceID)
	} else {
		conn, err = s.client.ConnectByPin(ctx, code, s.deviceID)
	}
	if err != nil {
		return nil, err
	}

	if err := s.setConnection(conn.ConnectionID, RoleGuest, conn.HostDeviceID); err != nil {
		return nil, err
	}
	return conn, nil
}

// Send resolves the current peer from the server and sends text to it.
func (s *Session) Send(ctx context.Context, text string) (*model.ContentEntry, error) {
	connectionID, _, err := s.active()
	if err != nil {
		return nil, err
	}

	conn, err := s.client.GetConnection(ctx, connectionID, s.deviceID)
	if err != nil {
		return nil, err
	}
	if conn.PeerDeviceID == "" {
		return nil, apperrors.NotFound("Peer")
	}

	s.mu.Lock()
	s.peerID = conn.PeerDeviceID
	s.mu.Unlock()

	return s.client.Send(ctx, connectionID, SendRequest{
		SenderDeviceID:    s.deviceID,
		RecipientDeviceID: conn.PeerDeviceID,
		ContentType:       model.ContentTypeText,
		Content:           text,
	})
}

func (s *Session) History(ctx context.Context, afterID int64) ([]model.ContentEntry, error) {
	connectionID, _, err := s.active()
	if err != nil {
		return nil, err
	}
	return s.client.History(ctx, connectionID, s.deviceID, afterID)
}

// Messages delivers entries addressed to this device with id > afterID, in
// id order and without duplicates. A dropped feed is reopened from the last
// delivered id. The channel closes when ctx ends or the session is closed.
func (s *Session) Messages(ctx context.Context, afterID int64) (<-chan model.ContentEntry, error) {
	ctx, done, err := s.track(ctx)
	if err != nil {
		return nil, err
	}

	f, err := s.client.DeviceFeed(ctx, s.deviceID, afterID, true)
	if err != nil {
		done()
		return nil, err
	}

	out := make(chan model.ContentEntry, 16)
	go s.deliver(ctx, done, f, afterID, out)
	return out, nil
}

func (s *Session) deliver(ctx context.Context, done func(), f *Feed, lastSeen int64, out chan<- model.ContentEntry) {
	defer close(out)
	defer done()

	for {
		select {
		case <-ctx.Done():
			f.Close()
			return

		case ev, ok := <-f.Events:
			if !ok {
				f.Close()
				if f = s.reopen(ctx, lastSeen); f == nil {
					return
				}
				continue
			}
			if ev.Type != feed.EventContent {
				continue
			}
			var entry model.ContentEntry
			if err := json.Unmarshal(ev.Data, &entry); err != nil {
				log.Warn().Err(err).Msg("dropping malformed content event")
				continue
			}
			if entry.ID <= lastSeen {
				continue
			}
			select {
			case out <- entry:
				lastSeen = entry.ID
			case <-ctx.Done():
				f.Close()
				return
			}
		}
	}
}

// reopen dials the device feed again until it succeeds or ctx ends.
func (s *Session) reopen(ctx context.Context, lastSeen int64) *Feed {
	for {
		log.Debug().Int64("after", lastSeen).Msg("content feed ended, reconnecting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}

		f, err := s.client.DeviceFeed(ctx, s.deviceID, lastSeen, true)
		if err == nil {
			return f
		}
		log.Warn().Err(err).Msg("failed to reopen content feed")
	}
}

// Close cancels every subscription of the session. A hosted connection that
// is still pending is abandoned.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
	connectionID, role, peer := s.connectionID, s.role, s.peerID
	s.mu.Unlock()

	if role != RoleHost || peer != "" {
		return nil
	}
	err := s.client.AbandonConnection(ctx, connectionID, s.deviceID)
	if apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		// Already connected or expired.
		return nil
	}
	return err
}
