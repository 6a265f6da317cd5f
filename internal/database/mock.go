package database

import (
	"context"

	"github.com/npezzotti/go-huddle/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) Close() error {
	args := m.Called()
	return args.Error(0)
}
func (m *MockRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	args := m.Called(params)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockRepository) GetRoom(ctx context.Context, roomId string) (types.Room, error) {
	args := m.Called(roomId)
	return args.Get(0).(types.Room), args.Error(1)
}
func (m *MockRepository) AddMember(ctx context.Context, roomId, identity string, admin bool) error {
	args := m.Called(roomId, identity, admin)
	return args.Error(0)
}
func (m *MockRepository) RemoveMember(ctx context.Context, roomId, identity string) error {
	args := m.Called(roomId, identity)
	return args.Error(0)
}
func (m *MockRepository) CreateMessage(ctx context.Context, msg types.Message) error {
	args := m.Called(msg)
	return args.Error(0)
}
func (m *MockRepository) GetMessages(ctx context.Context, roomId string, since, before int64, limit int) ([]types.Message, error) {
	args := m.Called(roomId, since, before, limit)
	if msgs, ok := args.Get(0).([]types.Message); ok {
		return msgs, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) UpdateReadMarker(ctx context.Context, marker types.ReadMarker) error {
	args := m.Called(marker)
	return args.Error(0)
}
func (m *MockRepository) UpsertPresence(ctx context.Context, p types.Presence) error {
	args := m.Called(p)
	return args.Error(0)
}
func (m *MockRepository) GetPresence(ctx context.Context, identity string) (types.Presence, error) {
	args := m.Called(identity)
	return args.Get(0).(types.Presence), args.Error(1)
}
func (m *MockRepository) SaveCall(ctx context.Context, call types.GroupCall) error {
	args := m.Called(call)
	return args.Error(0)
}
func (m *MockRepository) GetCall(ctx context.Context, callId string) (types.GroupCall, error) {
	args := m.Called(callId)
	return args.Get(0).(types.GroupCall), args.Error(1)
}
func (m *MockRepository) ListCalls(ctx context.Context, status types.CallStatus) ([]types.GroupCall, error) {
	args := m.Called(status)
	if calls, ok := args.Get(0).([]types.GroupCall); ok {
		return calls, args.Error(1)
	}
	return nil, args.Error(1)
}
func (m *MockRepository) UpsertVote(ctx context.Context, vote types.Vote) (int64, error) {
	args := m.Called(vote)
	return args.Get(0).(int64), args.Error(1)
}
