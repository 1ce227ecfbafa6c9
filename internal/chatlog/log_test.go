package chatlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"codesync/internal/database/memstore"
	"codesync/internal/health"
	"codesync/pkg/types"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLog(t *testing.T) (*Log, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}
	l := New(memstore.New(), health.NewTracker(time.Minute))
	l.now = c.now
	seq := 0
	l.newID = func() string { seq++; return fmt.Sprintf("id-%d", seq) }
	return l, c
}

func TestLog_AppendAndListMessages(t *testing.T) {
	l, c := newTestLog(t)
	ctx := context.Background()

	for _, content := range []string{"first", "second", "third"} {
		_, err := l.AppendMessage(ctx, "r1", "alice", content)
		require.NoError(t, err)
		c.t = c.t.Add(time.Second)
	}

	messages, err := l.ListMessages(ctx, "r1", 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "third", messages[0].Content)
	assert.Equal(t, "id-3", messages[0].ID)

	all, err := l.ListMessages(ctx, "r1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	count, err := l.CountMessages(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)
}

func TestLog_AppendMessageValidates(t *testing.T) {
	l, _ := newTestLog(t)
	_, err := l.AppendMessage(context.Background(), "r1", "alice", "   ")
	assert.ErrorIs(t, err, types.ErrEmptyMessage)
}

func TestLog_Drawings(t *testing.T) {
	l, c := newTestLog(t)
	ctx := context.Background()

	latest, err := l.LatestDrawing(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = l.AppendDrawing(ctx, "r1", nil)
	assert.ErrorIs(t, err, ErrEmptySnapshot)

	_, err = l.AppendDrawing(ctx, "r1", json.RawMessage(`{"v":1}`))
	require.NoError(t, err)
	c.t = c.t.Add(time.Minute)
	_, err = l.AppendDrawing(ctx, "r1", json.RawMessage(`{"v":2}`))
	require.NoError(t, err)

	latest, err = l.LatestDrawing(ctx, "r1")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.JSONEq(t, `{"v":2}`, string(latest.Snapshot))

	drawings, err := l.ListDrawings(ctx, "r1", 0)
	require.NoError(t, err)
	assert.Len(t, drawings, 2)
}

func TestLog_PurgeByAge(t *testing.T) {
	l, c := newTestLog(t)
	ctx := context.Background()

	_, err := l.AppendMessage(ctx, "r1", "alice", "old")
	require.NoError(t, err)
	_, err = l.AppendDrawing(ctx, "r1", json.RawMessage(`{}`))
	require.NoError(t, err)

	c.t = c.t.Add(31 * 24 * time.Hour)
	_, err = l.AppendMessage(ctx, "r1", "alice", "new")
	require.NoError(t, err)

	purged, err := l.PurgeMessagesOlderThan(ctx, 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	messages, err := l.ListMessages(ctx, "r1", 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "new", messages[0].Content)

	purged, err = l.PurgeDrawingsOlderThan(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
}

type failingStore struct {
	*memstore.Store
	mock.Mock
}

func (f *failingStore) InsertMessage(ctx context.Context, m *types.Message) error {
	return f.Called(m.RoomID).Error(0)
}

func TestLog_PersistenceFaultStillReturnsMessage(t *testing.T) {
	store := &failingStore{Store: memstore.New()}
	store.On("InsertMessage", "r1").Return(errors.New("locked"))
	tracker := health.NewTracker(time.Minute)
	l := New(store, tracker)

	message, err := l.AppendMessage(context.Background(), "r1", "alice", "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", message.Content)
	assert.NotEmpty(t, message.ID)
	assert.True(t, tracker.Degraded())
	store.AssertExpectations(t)
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 50, clampLimit(0, 50))
	assert.Equal(t, 10, clampLimit(-3, 10))
	assert.Equal(t, 7, clampLimit(7, 50))
	assert.Equal(t, MaxLimit, clampLimit(10000, 50))
}
