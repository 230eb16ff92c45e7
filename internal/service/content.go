package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/devicelink/internal/errors"
	"github.com/openclaw/devicelink/internal/feed"
	"github.com/openclaw/devicelink/internal/model"
	"github.com/openclaw/devicelink/internal/repository"
	"github.com/openclaw/devicelink/internal/util"
)

type SendParams struct {
	ConnectionID      string
	SenderDeviceID    string
	RecipientDeviceID string
	ContentType       model.ContentType
	Content           string
}

type ContentService struct {
	contentRepo     repository.ContentRepository
	pairing         *PairingService
	broker          FeedBroker
	maxContentBytes int
}

func NewContentService(
	contentRepo repository.ContentRepository,
	pairing *PairingService,
	broker FeedBroker,
	maxContentBytes int,
) *ContentService {
	return &ContentService{
		contentRepo:     contentRepo,
		pairing:         pairing,
		broker:          broker,
		maxContentBytes: maxContentBytes,
	}
}

func (s *ContentService) validate(params *SendParams) error {
	if params.ConnectionID == "" {
		return apperrors.MissingRequired("connectionId")
	}
	if params.SenderDeviceID == "" {
		return apperrors.MissingRequired("senderDeviceId")
	}
	if params.RecipientDeviceID == "" {
		return apperrors.MissingRequired("recipientDeviceId")
	}
	if params.ContentType == "" {
		params.ContentType = model.ContentTypeText
	}
	if !util.OneOf(params.ContentType, model.ContentTypes...) {
		return apperrors.InvalidInput("contentType", "unsupported content type")
	}
	if strings.TrimSpace(params.Content) == "" {
		return apperrors.MissingRequired("content")
	}
	if len(params.Content) > s.maxContentBytes {
		return apperrors.InvalidInput("content", fmt.Sprintf("exceeds %d bytes", s.maxContentBytes))
	}
	if !util.IsValidText(params.Content) {
		return apperrors.InvalidInput("content", "must be valid UTF-8 text")
	}
	return nil
}

// Send appends one entry addressed to the sender's current peer. The peer is
// resolved from the connection record on every call.
func (s *ContentService) Send(ctx context.Context, params SendParams) (*model.ContentEntry, error) {
	if err := s.validate(&params); err != nil {
		return nil, err
	}

	peer, err := s.pairing.ResolvePeer(ctx, params.ConnectionID, params.SenderDeviceID)
	if err != nil {
		return nil, err
	}
	if peer != params.RecipientDeviceID {
		return nil, apperrors.InvalidInput("recipientDeviceId", "is not the peer of this connection")
	}

	entry, err := s.contentRepo.Append(ctx, model.CreateContentEntryParams{
		ConnectionID:      params.ConnectionID,
		ContentType:       params.ContentType,
		Content:           params.Content,
		SenderDeviceID:    params.SenderDeviceID,
		RecipientDeviceID: params.RecipientDeviceID,
	})
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if entry == nil {
		return nil, apperrors.NotFound("Connection")
	}

	log.Info().
		Int64("entryId", entry.ID).
		Str("connectionId", entry.ConnectionID).
		Int("bytes", len(entry.Content)).
		Msg("content entry created")

	event := feed.Event{Type: feed.EventContent, ID: entry.EventID(), Data: entry.ToEventData()}
	if err := s.broker.Publish(ctx, feed.DeviceTopic(entry.RecipientDeviceID), event); err != nil {
		// The entry is durable; subscribers reconcile through history.
		log.Warn().
			Err(err).
			Int64("entryId", entry.ID).
			Msg("failed to publish content event")
	}

	return entry, nil
}

// History returns the entries of a connection after afterID in store order.
// Only the two parties may read it.
func (s *ContentService) History(ctx context.Context, connectionID, deviceID string, afterID int64) ([]model.ContentEntry, error) {
	rec, err := s.pairing.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if !rec.IsParty(deviceID) {
		return nil, apperrors.Forbidden("Device is not a party to this connection")
	}

	entries, err := s.contentRepo.ListByConnection(ctx, connectionID, afterID)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	if entries == nil {
		entries = []model.ContentEntry{}
	}
	return entries, nil
}

// Subscribe opens the live feed of entries addressed to deviceID. Entries
// created before the subscription are not replayed; use ReplayForDevice.
func (s *ContentService) Subscribe(ctx context.Context, deviceID string) (*feed.Subscription, error) {
	if deviceID == "" {
		return nil, apperrors.MissingRequired("deviceId")
	}
	sub, err := s.broker.Subscribe(feed.DeviceTopic(deviceID))
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	return sub, nil
}

// DeviceCursor returns the id of the newest entry addressed to deviceID. A
// live feed opened without a cursor starts from it.
func (s *ContentService) DeviceCursor(ctx context.Context, deviceID string) (int64, error) {
	id, err := s.contentRepo.LatestIDForRecipient(ctx, deviceID)
	if err != nil {
		return 0, apperrors.StoreUnavailable(err)
	}
	return id, nil
}

// ReplayForDevice returns entries addressed to deviceID with id > afterID.
func (s *ContentService) ReplayForDevice(ctx context.Context, deviceID string, afterID int64) ([]model.ContentEntry, error) {
	entries, err := s.contentRepo.ListByRecipient(ctx, deviceID, afterID)
	if err != nil {
		return nil, apperrors.StoreUnavailable(err)
	}
	return entries, nil
}
