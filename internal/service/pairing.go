package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/devicelink/internal/audit"
	apperrors "github.com/openclaw/devicelink/internal/errors"
	"github.com/openclaw/devicelink/internal/feed"
	"github.com/openclaw/devicelink/internal/identity"
	"github.com/openclaw/devicelink/internal/model"
	"github.com/openclaw/devicelink/internal/repository"
	"github.com/openclaw/devicelink/internal/util"
)

const maxPinAttempts = 10

// FeedBroker is the part of feed.Broker the services depend on.
type FeedBroker interface {
	Publish(ctx context.Context, topic string, event feed.Event) error
	Subscribe(topic string) (*feed.Subscription, error)
}

type PairingConfig struct {
	PendingTTL time.Duration
	PinTTL     time.Duration
}

type PinIssue struct {
	ConnectionID string    `json:"connectionId"`
	PinCode      string    `json:"pinCode"`
	IssuedAt     time.Time `json:"issuedAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type PairingService struct {
	connRepo repository.ConnectionRepository
	broker   FeedBroker
	cfg      PairingConfig
	now      func() time.Time
	newPIN   func() string
}

func NewPairingService(connRepo repository.ConnectionRepository, broker FeedBroker, cfg PairingConfig) *PairingService {
	return &PairingService{
		connRepo: connRepo,
		broker:   broker,
		cfg:      cfg,
		now:      time.Now,
		newPIN:   identity.NewPIN,
	}
}

func (s *PairingService) pendingCutoff() time.Time {
	return s.now().Add(-s.cfg.PendingTTL)
}

func (s *PairingService) pinCutoff() time.Time {
	return s.now().Add(-s.cfg.PinTTL)
}

func (s *PairingService) InitiateConnection(ctx context.Context, connectionID, hostDeviceID string) (*model.ConnectionRecord, error) {
	if connectionID == "" {
		return nil, apperrors.MissingRequired("connectionId")
	}
	if hostDeviceID == "" {
		return nil, apperrors.MissingRequired("hostDeviceId")
	}

	rec, err := s.connRepo.Create(ctx, model.CreateConnectionParams{
		ConnectionID: connectionID,
		HostDeviceID: hostDeviceID,
	})
	if errors.Is(err, repository.ErrDuplicateKey) {
		return nil, apperrors.Conflict("Connection already exists")
	}
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}

	audit.Log(ctx, audit.Event{
		Type:         audit.EventConnectionInitiate,
		ConnectionID: connectionID,
		DeviceID:     hostDeviceID,
	})

	log.Info().
		Str("connectionId", connectionID).
		Str("host", util.Fingerprint(hostDeviceID)).
		Msg("connection initiated")

	return rec, nil
}

// GetConnection returns the record, treating expired pending records as absent.
func (s *PairingService) GetConnection(ctx context.Context, connectionID string) (*model.ConnectionRecord, error) {
	rec, err := s.connRepo.FindByID(ctx, connectionID)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if rec == nil || s.isExpired(rec) {
		return nil, apperrors.NotFound("Connection")
	}
	return rec, nil
}

func (s *PairingService) isExpired(rec *model.ConnectionRecord) bool {
	return !rec.IsConnected() && !rec.CreatedAt.After(s.pendingCutoff())
}

// ResolvePeer returns the other party of a connected record for deviceID.
func (s *PairingService) ResolvePeer(ctx context.Context, connectionID, deviceID string) (string, error) {
	rec, err := s.GetConnection(ctx, connectionID)
	if err != nil {
		return "", err
	}
	if !rec.IsParty(deviceID) {
		return "", apperrors.Forbidden("Device is not a party to this connection")
	}
	peer, ok := rec.PeerOf(deviceID)
	if !ok {
		return "", apperrors.NotFound("Peer")
	}
	return peer, nil
}

func (s *PairingService) IssuePin(ctx context.Context, connectionID, hostDeviceID string) (*PinIssue, error) {
	rec, err := s.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if rec.HostDeviceID != hostDeviceID {
		return nil, apperrors.Forbidden("Only the host may issue a PIN")
	}
	if rec.IsConnected() {
		return nil, apperrors.AlreadyConnected()
	}

	var pin string
	for attempt := 1; attempt <= maxPinAttempts; attempt++ {
		pin = s.newPIN()
		holders, err := s.connRepo.FindPendingByPin(ctx, pin, s.pendingCutoff(), s.pinCutoff())
		if err != nil {
			return nil, apperrors.StoreUnavailable(err)
		}
		if !heldByOther(holders, connectionID) {
			break
		}
		log.Debug().
			Str("connectionId", connectionID).
			Int("attempt", attempt).
			Msg("pin collides with another pending connection, regenerating")
	}

	issuedAt := s.now()
	updated, err := s.connRepo.SetPin(ctx, model.SetPinParams{
		ConnectionID: connectionID,
		HostDeviceID: hostDeviceID,
		PinCode:      pin,
		IssuedAt:     issuedAt,
		CreatedAfter: s.pendingCutoff(),
	})
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if updated == nil {
		return nil, apperrors.NotFound("Connection")
	}

	audit.Log(ctx, audit.Event{
		Type:         audit.EventPinIssue,
		ConnectionID: connectionID,
		DeviceID:     hostDeviceID,
		Details:      map[string]interface{}{"pin": util.MaskCode(pin)},
	})

	return &PinIssue{
		ConnectionID: connectionID,
		PinCode:      pin,
		IssuedAt:     issuedAt,
		ExpiresAt:    issuedAt.Add(s.cfg.PinTTL),
	}, nil
}

func heldByOther(holders []model.ConnectionRecord, connectionID string) bool {
	for _, h := range holders {
		if h.ConnectionID != connectionID {
			return true
		}
	}
	return false
}

// ConnectByQR attaches guestDeviceID to the pending record identified by
// both connectionID and hostDeviceID.
func (s *PairingService) ConnectByQR(ctx context.Context, connectionID, hostDeviceID, guestDeviceID string) (*model.ConnectionRecord, error) {
	if connectionID == "" || hostDeviceID == "" {
		return nil, apperrors.CouldNotConnect()
	}
	if guestDeviceID == "" {
		return nil, apperrors.MissingRequired("guestDeviceId")
	}
	if guestDeviceID == hostDeviceID {
		return nil, apperrors.InvalidInput("guestDeviceId", "must differ from the host device")
	}

	rec, err := s.connRepo.MarkConnected(ctx, model.MarkConnectedParams{
		ConnectionID:  connectionID,
		HostDeviceID:  hostDeviceID,
		GuestDeviceID: guestDeviceID,
		CreatedAfter:  s.pendingCutoff(),
	})
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if rec == nil {
		return nil, s.connectFailure(ctx, connectionID, hostDeviceID, guestDeviceID, model.PairingMethodQR)
	}

	s.connected(ctx, rec, model.PairingMethodQR)
	return rec, nil
}

// ConnectByPin attaches guestDeviceID to the pending record holding pin. When
// a collision slipped through issuance the most recently created record wins.
func (s *PairingService) ConnectByPin(ctx context.Context, pin, guestDeviceID string) (*model.ConnectionRecord, error) {
	pin = identity.NormalizePIN(pin)
	if !identity.IsValidPIN(pin) {
		return nil, apperrors.InvalidInput("pinCode", "must be exactly 4 digits")
	}
	if guestDeviceID == "" {
		return nil, apperrors.MissingRequired("guestDeviceId")
	}

	candidates, err := s.connRepo.FindPendingByPin(ctx, pin, s.pendingCutoff(), s.pinCutoff())
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if len(candidates) == 0 {
		audit.Log(ctx, audit.Event{
			Type:     audit.EventPairingFailure,
			DeviceID: guestDeviceID,
			Details:  map[string]interface{}{"method": string(model.PairingMethodPIN), "reason": "no_match"},
		})
		return nil, apperrors.CouldNotConnect()
	}
	if len(candidates) > 1 {
		log.Warn().
			Int("matches", len(candidates)).
			Str("connectionId", candidates[0].ConnectionID).
			Msg("pin collision, newest connection wins")
	}

	target := candidates[0]
	if target.HostDeviceID == guestDeviceID {
		return nil, apperrors.InvalidInput("guestDeviceId", "must differ from the host device")
	}

	rec, err := s.connRepo.MarkConnected(ctx, model.MarkConnectedParams{
		ConnectionID:   target.ConnectionID,
		PinCode:        pin,
		GuestDeviceID:  guestDeviceID,
		CreatedAfter:   s.pendingCutoff(),
		PinIssuedAfter: s.pinCutoff(),
	})
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if rec == nil {
		return nil, s.connectFailure(ctx, target.ConnectionID, target.HostDeviceID, guestDeviceID, model.PairingMethodPIN)
	}

	s.connected(ctx, rec, model.PairingMethodPIN)
	return rec, nil
}

// connectFailure classifies a lost conditional update: a record that is now
// connected means another guest won the race.
func (s *PairingService) connectFailure(ctx context.Context, connectionID, hostDeviceID, guestDeviceID string, method model.PairingMethod) error {
	reason := "no_match"
	result := apperrors.CouldNotConnect()

	current, err := s.connRepo.FindByID(ctx, connectionID)
	if err != nil {
		return apperrors.StoreUnavailable(err)
	}
	if current != nil && current.IsConnected() && current.HostDeviceID == hostDeviceID {
		reason = "already_connected"
		result = apperrors.AlreadyConnected()
	}

	audit.Log(ctx, audit.Event{
		Type:         audit.EventPairingFailure,
		ConnectionID: connectionID,
		DeviceID:     guestDeviceID,
		Details:      map[string]interface{}{"method": string(method), "reason": reason},
	})
	return result
}

func (s *PairingService) connected(ctx context.Context, rec *model.ConnectionRecord, method model.PairingMethod) {
	audit.Log(ctx, audit.Event{
		Type:         audit.EventPairingSuccess,
		ConnectionID: rec.ConnectionID,
		DeviceID:     *rec.GuestDeviceID,
		Details:      map[string]interface{}{"method": string(method)},
	})

	log.Info().
		Str("connectionId", rec.ConnectionID).
		Str("method", string(method)).
		Msg("pairing successful")

	s.publish(ctx, rec.ConnectionID, feed.Event{Type: feed.EventConnection, Data: rec.ToEventData()})
}

// AbandonConnection deletes the host's own pending record.
func (s *PairingService) AbandonConnection(ctx context.Context, connectionID, hostDeviceID string) error {
	deleted, err := s.connRepo.DeletePending(ctx, connectionID, hostDeviceID)
	if err != nil {
		return apperrors.StoreUnavailable(err)
	}
	if !deleted {
		return apperrors.NotFound("Pending connection")
	}

	audit.Log(ctx, audit.Event{
		Type:         audit.EventConnectionAbandon,
		ConnectionID: connectionID,
		DeviceID:     hostDeviceID,
	})

	data, _ := json.Marshal(map[string]string{"connectionId": connectionID})
	s.publish(ctx, connectionID, feed.Event{Type: feed.EventAbandoned, Data: data})
	return nil
}

// ObserveConnection subscribes deviceID to changes of its connection. The
// returned snapshot is read after the subscription is active, so a transition
// is either in the snapshot or delivered on the subscription.
func (s *PairingService) ObserveConnection(ctx context.Context, connectionID, deviceID string) (*model.ConnectionRecord, *feed.Subscription, error) {
	rec, err := s.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, nil, err
	}
	if !rec.IsParty(deviceID) {
		return nil, nil, apperrors.Forbidden("Device is not a party to this connection")
	}

	sub, err := s.broker.Subscribe(feed.ConnectionTopic(connectionID))
	if err != nil {
		return nil, nil, apperrors.StoreUnavailable(err)
	}

	snapshot, err := s.GetConnection(ctx, connectionID)
	if err != nil {
		sub.Cancel()
		return nil, nil, err
	}
	return snapshot, sub, nil
}

// ReapExpired deletes pending records older than the pending TTL.
func (s *PairingService) ReapExpired(ctx context.Context) (int64, error) {
	return s.connRepo.DeleteExpiredPending(ctx, s.pendingCutoff())
}

func (s *PairingService) publish(ctx context.Context, connectionID string, event feed.Event) {
	if err := s.broker.Publish(ctx, feed.ConnectionTopic(connectionID), event); err != nil {
		log.Warn().
			Err(err).
			Str("connectionId", connectionID).
			Str("eventType", event.Type).
			Msg("failed to publish connection event")
	}
}
