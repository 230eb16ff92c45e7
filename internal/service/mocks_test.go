package service

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/openclaw/devicelink/internal/model"
)

type mockConnectionRepo struct {
	mock.Mock
}

func (m *mockConnectionRepo) FindByID(ctx context.Context, connectionID string) (*model.ConnectionRecord, error) {
	args := m.Called(ctx, connectionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ConnectionRecord), args.Error(1)
}

func (m *mockConnectionRepo) FindPendingByPin(ctx context.Context, pin string, createdAfter, pinIssuedAfter time.Time) ([]model.ConnectionRecord, error) {
	args := m.Called(ctx, pin, createdAfter, pinIssuedAfter)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ConnectionRecord), args.Error(1)
}

func (m *mockConnectionRepo) Create(ctx context.Context, params model.CreateConnectionParams) (*model.ConnectionRecord, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ConnectionRecord), args.Error(1)
}

func (m *mockConnectionRepo) SetPin(ctx context.Context, params model.SetPinParams) (*model.ConnectionRecord, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ConnectionRecord), args.Error(1)
}

func (m *mockConnectionRepo) MarkConnected(ctx context.Context, params model.MarkConnectedParams) (*model.ConnectionRecord, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ConnectionRecord), args.Error(1)
}

func (m *mockConnectionRepo) DeletePending(ctx context.Context, connectionID, hostDeviceID string) (bool, error) {
	args := m.Called(ctx, connectionID, hostDeviceID)
	return args.Bool(0), args.Error(1)
}

func (m *mockConnectionRepo) DeleteExpiredPending(ctx context.Context, createdBefore time.Time) (int64, error) {
	args := m.Called(ctx, createdBefore)
	return args.Get(0).(int64), args.Error(1)
}

type mockContentRepo struct {
	mock.Mock
}

func (m *mockContentRepo) Append(ctx context.Context, params model.CreateContentEntryParams) (*model.ContentEntry, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ContentEntry), args.Error(1)
}

func (m *mockContentRepo) ListByConnection(ctx context.Context, connectionID string, afterID int64) ([]model.ContentEntry, error) {
	args := m.Called(ctx, connectionID, afterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ContentEntry), args.Error(1)
}

func (m *mockContentRepo) ListByRecipient(ctx context.Context, recipientDeviceID string, afterID int64) ([]model.ContentEntry, error) {
	args := m.Called(ctx, recipientDeviceID, afterID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ContentEntry), args.Error(1)
}

func (m *mockContentRepo) LatestIDForRecipient(ctx context.Context, recipientDeviceID string) (int64, error) {
	args := m.Called(ctx, recipientDeviceID)
	return args.Get(0).(int64), args.Error(1)
}
