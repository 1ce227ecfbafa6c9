package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"codesync/internal/database/memstore"
	"codesync/internal/health"
	"codesync/internal/presence"
	"codesync/internal/workspace"
	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

type mockMirror struct {
	mock.Mock
}

func (m *mockMirror) AddMember(ctx context.Context, roomID, connectionID, username string) error {
	return m.Called(roomID, connectionID, username).Error(0)
}

func (m *mockMirror) RemoveMember(ctx context.Context, roomID, connectionID string) error {
	return m.Called(roomID, connectionID).Error(0)
}

func (m *mockMirror) Members(ctx context.Context, roomID string) (map[string]string, error) {
	args := m.Called(roomID)
	return args.Get(0).(map[string]string), args.Error(1)
}

type failingRooms struct{}

func (failingRooms) EnsureRoom(context.Context, string, string, string) (*types.Room, error) {
	return nil, errors.New("store unavailable")
}

type fixture struct {
	registry *Registry
	store    *memstore.Store
	tracker  *health.Tracker
}

func newFixture(t *testing.T, mirror interfaces.MembershipMirror) *fixture {
	t.Helper()
	store := memstore.New()
	tracker := health.NewTracker(time.Minute)
	registry := NewRegistry(
		workspace.NewStore(store, tracker),
		presence.NewManager(store, tracker),
		mirror,
		tracker,
	)
	return &fixture{registry: registry, store: store, tracker: tracker}
}

func usernames(users []*types.User) []string {
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	return names
}

func TestRegistry_JoinCreatesRoomAndUser(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	accepted, err := f.registry.Join(ctx, "r1", "alice", "c1")
	require.NoError(t, err)
	assert.Equal(t, "alice", accepted.User.Username)
	assert.Equal(t, types.StatusOnline, accepted.User.Status)
	assert.Equal(t, []string{"alice"}, usernames(accepted.Roster))
	assert.Equal(t, "r1", accepted.Session.RoomID)

	room, err := f.store.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "Room r1", room.Name)
	assert.Equal(t, DefaultRoomDescription, room.Description)

	sess, ok := f.registry.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, "alice", sess.Username)
}

func TestRegistry_DuplicateUsernameIsRejectedWithoutMutation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.registry.Join(ctx, "r1", "alice", "c1")
	require.NoError(t, err)
	before, err := f.store.GetRoom(ctx, "r1")
	require.NoError(t, err)

	_, err = f.registry.Join(ctx, "r1", " alice ", "c2")
	assert.ErrorIs(t, err, ErrUsernameConflict)
	assert.Equal(t, []string{"c1"}, f.registry.Members("r1"))
	_, ok := f.registry.Lookup("c2")
	assert.False(t, ok)
	_, err = f.store.GetUserBySocketID(ctx, "c2")
	assert.ErrorIs(t, err, interfaces.ErrUserNotFound)

	after, err := f.store.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	accepted, err := f.registry.Join(ctx, "r1", "bob", "c2")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, usernames(accepted.Roster))
}

func TestRegistry_SameUsernameInOtherRoomIsFine(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.registry.Join(ctx, "r1", "alice", "c1")
	require.NoError(t, err)
	_, err = f.registry.Join(ctx, "r2", "alice", "c2")
	assert.NoError(t, err)
}

func TestRegistry_UsernameFreedAfterLeave(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.registry.Join(ctx, "r1", "alice", "c1")
	require.NoError(t, err)
	_, err = f.registry.Leave(ctx, "c1")
	require.NoError(t, err)

	_, err = f.registry.Join(ctx, "r1", "alice", "c2")
	assert.NoError(t, err, "offline users do not hold their name")
}

func TestRegistry_JoinValidationAndAlreadyJoined(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.registry.Join(ctx, "", "alice", "c1")
	assert.ErrorIs(t, err, types.ErrInvalidRoomID)
	_, err = f.registry.Join(ctx, "r1", "", "c1")
	assert.ErrorIs(t, err, types.ErrInvalidUsername)

	_, err = f.registry.Join(ctx, "r1", "alice", "c1")
	require.NoError(t, err)
	_, err = f.registry.Join(ctx, "r2", "alice2", "c1")
	assert.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestRegistry_JoinFailsWhenRoomCannotBeEnsured(t *testing.T) {
	store := memstore.New()
	tracker := health.NewTracker(time.Minute)
	registry := NewRegistry(failingRooms{}, presence.NewManager(store, tracker), nil, tracker)

	_, err := registry.Join(context.Background(), "r1", "alice", "c1")
	assert.Error(t, err)
	assert.Empty(t, registry.Members("r1"))
}

func TestRegistry_LeaveMarksOfflineAndKeepsRecord(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	accepted, err := f.registry.Join(ctx, "r1", "alice", "c1")
	require.NoError(t, err)
	_, err = f.registry.Join(ctx, "r1", "bob", "c2")
	require.NoError(t, err)

	left, err := f.registry.Leave(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "r1", left.RoomID)
	assert.Equal(t, "alice", left.User.Username)
	assert.Equal(t, types.StatusOffline, left.User.Status)
	assert.Equal(t, 1, left.Remaining)
	assert.False(t, left.User.LastSeen.Before(accepted.User.LastSeen))
	assert.Equal(t, []string{"c2"}, f.registry.Members("r1"))

	stored, err := f.store.GetUserBySocketID(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusOffline, stored.Status)

	_, err = f.registry.Leave(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotJoined)
	_, err = f.registry.Leave(ctx, "never")
	assert.ErrorIs(t, err, ErrNotJoined)
}

func TestRegistry_LastLeaveEmptiesRoom(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, err := f.registry.Join(ctx, "r1", "alice", "c1")
	require.NoError(t, err)

	left, err := f.registry.Leave(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, left.Remaining)
	assert.Equal(t, 0, f.registry.Stats()["active_rooms"])

	_, err = f.store.GetRoom(ctx, "r1")
	assert.NoError(t, err, "dormant rooms persist until retention")
}

func TestRegistry_MirrorsMembership(t *testing.T) {
	mirror := &mockMirror{}
	mirror.On("AddMember", "r1", "c1", "alice").Return(nil)
	mirror.On("RemoveMember", "r1", "c1").Return(errors.New("redis down"))
	f := newFixture(t, mirror)
	ctx := context.Background()

	_, err := f.registry.Join(ctx, "r1", "alice", "c1")
	require.NoError(t, err)
	_, err = f.registry.Leave(ctx, "c1")
	require.NoError(t, err, "mirror faults never fail a leave")

	mirror.AssertExpectations(t)
	assert.True(t, f.tracker.Degraded())
}

// gatedRooms holds EnsureRoom until released so a join can be caught mid-flight
type gatedRooms struct {
	entered chan struct{}
	release chan struct{}
	next    RoomEnsurer
}

func (g *gatedRooms) EnsureRoom(ctx context.Context, roomID, name, description string) (*types.Room, error) {
	g.entered <- struct{}{}
	<-g.release
	return g.next.EnsureRoom(ctx, roomID, name, description)
}

func TestRegistry_JoinInFlightReservesUsernameAndConnection(t *testing.T) {
	store := memstore.New()
	tracker := health.NewTracker(time.Minute)
	rooms := &gatedRooms{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		next:    workspace.NewStore(store, tracker),
	}
	registry := NewRegistry(rooms, presence.NewManager(store, tracker), nil, tracker)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := registry.Join(ctx, "r1", "alice", "c1")
		done <- err
	}()
	<-rooms.entered

	_, err := registry.Join(ctx, "r1", "alice", "c2")
	assert.ErrorIs(t, err, ErrUsernameConflict)
	_, err = registry.Join(ctx, "r2", "alice", "c1")
	assert.ErrorIs(t, err, ErrAlreadyJoined)

	close(rooms.release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{"c1"}, registry.Members("r1"))
	assert.Empty(t, registry.Members("r2"))
}

func TestRegistry_FailedJoinReleasesReservation(t *testing.T) {
	store := memstore.New()
	tracker := health.NewTracker(time.Minute)
	registry := NewRegistry(failingRooms{}, presence.NewManager(store, tracker), nil, tracker)
	ctx := context.Background()

	_, err := registry.Join(ctx, "r1", "alice", "c1")
	require.Error(t, err)

	registry.rooms = workspace.NewStore(store, tracker)
	_, err = registry.Join(ctx, "r1", "alice", "c2")
	assert.NoError(t, err)
}
