// Package memstore keeps connection records and shared content in process
// memory. It backs single-instance deployments and tests, and follows the
// same conditional-update contract as the postgres repositories.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openclaw/devicelink/internal/model"
	"github.com/openclaw/devicelink/internal/repository"
)

var (
	_ repository.ConnectionRepository = (*Store)(nil)
	_ repository.ContentRepository    = (*Store)(nil)
)

type Store struct {
	mu          sync.RWMutex
	connections map[string]*model.ConnectionRecord
	content     []model.ContentEntry
	lastID      int64
	now         func() time.Time
}

func New() *Store {
	return &Store{
		connections: make(map[string]*model.ConnectionRecord),
		now:         time.Now,
	}
}

func clone(rec *model.ConnectionRecord) *model.ConnectionRecord {
	c := *rec
	if rec.GuestDeviceID != nil {
		v := *rec.GuestDeviceID
		c.GuestDeviceID = &v
	}
	if rec.PinCode != nil {
		v := *rec.PinCode
		c.PinCode = &v
	}
	if rec.PinIssuedAt != nil {
		v := *rec.PinIssuedAt
		c.PinIssuedAt = &v
	}
	if rec.ConnectedAt != nil {
		v := *rec.ConnectedAt
		c.ConnectedAt = &v
	}
	return &c
}

func (s *Store) FindByID(ctx context.Context, connectionID string) (*model.ConnectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.connections[connectionID]
	if !ok {
		return nil, nil
	}
	return clone(rec), nil
}

func (s *Store) FindPendingByPin(ctx context.Context, pin string, createdAfter, pinIssuedAfter time.Time) ([]model.ConnectionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var recs []model.ConnectionRecord
	for _, rec := range s.connections {
		if rec.Status != model.ConnectionStatusPending || rec.PinCode == nil || *rec.PinCode != pin {
			continue
		}
		if !rec.CreatedAt.After(createdAfter) || rec.PinIssuedAt == nil || !rec.PinIssuedAt.After(pinIssuedAfter) {
			continue
		}
		recs = append(recs, *clone(rec))
	}

	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.After(recs[j].CreatedAt)
		}
		return recs[i].ConnectionID > recs[j].ConnectionID
	})
	return recs, nil
}

func (s *Store) Create(ctx context.Context, params model.CreateConnectionParams) (*model.ConnectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.connections[params.ConnectionID]; exists {
		return nil, repository.ErrDuplicateKey
	}
	rec := &model.ConnectionRecord{
		ConnectionID: params.ConnectionID,
		HostDeviceID: params.HostDeviceID,
		Status:       model.ConnectionStatusPending,
		CreatedAt:    s.now(),
	}
	s.connections[params.ConnectionID] = rec
	return clone(rec), nil
}

func (s *Store) SetPin(ctx context.Context, params model.SetPinParams) (*model.ConnectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.connections[params.ConnectionID]
	if !ok || rec.HostDeviceID != params.HostDeviceID || rec.Status != model.ConnectionStatusPending {
		return nil, nil
	}
	if !rec.CreatedAt.After(params.CreatedAfter) {
		return nil, nil
	}
	pin := params.PinCode
	issued := params.IssuedAt
	rec.PinCode = &pin
	rec.PinIssuedAt = &issued
	return clone(rec), nil
}

func (s *Store) MarkConnected(ctx context.Context, params model.MarkConnectedParams) (*model.ConnectionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.connections[params.ConnectionID]
	if !ok || rec.Status != model.ConnectionStatusPending || !rec.CreatedAt.After(params.CreatedAfter) {
		return nil, nil
	}
	if params.HostDeviceID != "" && rec.HostDeviceID != params.HostDeviceID {
		return nil, nil
	}
	if params.PinCode != "" {
		if rec.PinCode == nil || *rec.PinCode != params.PinCode {
			return nil, nil
		}
		if rec.PinIssuedAt == nil || !rec.PinIssuedAt.After(params.PinIssuedAfter) {
			return nil, nil
		}
	}

	guest := params.GuestDeviceID
	connectedAt := s.now()
	rec.Status = model.ConnectionStatusConnected
	rec.GuestDeviceID = &guest
	rec.PinCode = nil
	rec.PinIssuedAt = nil
	rec.ConnectedAt = &connectedAt
	return clone(rec), nil
}

func (s *Store) DeletePending(ctx context.Context, connectionID, hostDeviceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.connections[connectionID]
	if !ok || rec.HostDeviceID != hostDeviceID || rec.Status != model.ConnectionStatusPending {
		return false, nil
	}
	delete(s.connections, connectionID)
	return true, nil
}

func (s *Store) DeleteExpiredPending(ctx context.Context, createdBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, rec := range s.connections {
		if rec.Status == model.ConnectionStatusPending && !rec.CreatedAt.After(createdBefore) {
			delete(s.connections, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) Append(ctx context.Context, params model.CreateContentEntryParams) (*model.ContentEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.connections[params.ConnectionID]
	if !ok || rec.Status != model.ConnectionStatusConnected {
		return nil, nil
	}

	createdAt := s.now()
	for i := len(s.content) - 1; i >= 0; i-- {
		if s.content[i].ConnectionID == params.ConnectionID {
			if s.content[i].CreatedAt.After(createdAt) {
				createdAt = s.content[i].CreatedAt
			}
			break
		}
	}

	s.lastID++
	entry := model.ContentEntry{
		ID:                s.lastID,
		ConnectionID:      params.ConnectionID,
		ContentType:       params.ContentType,
		Content:           params.Content,
		SenderDeviceID:    params.SenderDeviceID,
		RecipientDeviceID: params.RecipientDeviceID,
		CreatedAt:         createdAt,
	}
	s.content = append(s.content, entry)
	return &entry, nil
}

// Entries are appended in id order with non-decreasing created_at per
// connection, so a filtered scan is already sorted.
func (s *Store) ListByConnection(ctx context.Context, connectionID string, afterID int64) ([]model.ContentEntry, error) {
	return s.list(func(e *model.ContentEntry) bool {
		return e.ConnectionID == connectionID && e.ID > afterID
	}), nil
}

func (s *Store) ListByRecipient(ctx context.Context, recipientDeviceID string, afterID int64) ([]model.ContentEntry, error) {
	return s.list(func(e *model.ContentEntry) bool {
		return e.RecipientDeviceID == recipientDeviceID && e.ID > afterID
	}), nil
}

func (s *Store) LatestIDForRecipient(ctx context.Context, recipientDeviceID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.content) - 1; i >= 0; i-- {
		if s.content[i].RecipientDeviceID == recipientDeviceID {
			return s.content[i].ID, nil
		}
	}
	return 0, nil
}

func (s *Store) list(match func(e *model.ContentEntry) bool) []model.ContentEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var entries []model.ContentEntry
	for i := range s.content {
		if match(&s.content[i]) {
			entries = append(entries, s.content[i])
		}
	}
	return entries
}
