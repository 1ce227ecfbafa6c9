// Package chatlog is the append-only record of chat messages and drawing snapshots.
package chatlog

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"codesync/internal/health"
	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

// Default and maximum page sizes for history queries
const (
	DefaultMessageLimit = 50
	DefaultDrawingLimit = 10
	MaxLimit            = 500
)

var ErrEmptySnapshot = errors.New("empty drawing snapshot")

// Log owns Message and DrawingSnapshot writes
type Log struct {
	store   interfaces.Store
	tracker *health.Tracker
	now     func() time.Time
	newID   func() string
	log     *logrus.Entry
}

func New(store interfaces.Store, tracker *health.Tracker) *Log {
	return &Log{
		store:   store,
		tracker: tracker,
		now:     time.Now,
		newID:   uuid.NewString,
		log:     logrus.WithField("component", "chatlog"),
	}
}

// AppendMessage records a chat message and returns it with its server id and timestamp
// FUNCTIONAL DISCOVERY: A failed write is recorded as degraded persistence and the
// message is still returned so the live broadcast goes ahead
func (l *Log) AppendMessage(ctx context.Context, roomID, username, content string) (*types.Message, error) {
	payload := types.ChatPayload{Username: username, Content: content}
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	message := &types.Message{
		ID:        l.newID(),
		RoomID:    roomID,
		Username:  payload.Username,
		Content:   payload.Content,
		Timestamp: l.now(),
	}
	if err := l.store.InsertMessage(ctx, message); err != nil {
		l.fault("insert_message", roomID, err)
	}
	return message, nil
}

// ListMessages returns the most recent messages first
func (l *Log) ListMessages(ctx context.Context, roomID string, limit int) ([]*types.Message, error) {
	return l.store.ListMessages(ctx, roomID, clampLimit(limit, DefaultMessageLimit))
}

func (l *Log) CountMessages(ctx context.Context, roomID string) (int64, error) {
	return l.store.CountMessages(ctx, roomID)
}

// AppendDrawing records an opaque whiteboard snapshot
func (l *Log) AppendDrawing(ctx context.Context, roomID string, snapshot json.RawMessage) (*types.DrawingSnapshot, error) {
	if len(snapshot) == 0 {
		return nil, ErrEmptySnapshot
	}
	drawing := &types.DrawingSnapshot{
		ID:        l.newID(),
		RoomID:    roomID,
		Snapshot:  append(json.RawMessage(nil), snapshot...),
		CreatedAt: l.now(),
	}
	if err := l.store.InsertDrawing(ctx, drawing); err != nil {
		l.fault("insert_drawing", roomID, err)
	}
	return drawing, nil
}

// LatestDrawing returns the newest snapshot, or nil when the room has none
func (l *Log) LatestDrawing(ctx context.Context, roomID string) (*types.DrawingSnapshot, error) {
	drawing, err := l.store.LatestDrawing(ctx, roomID)
	if errors.Is(err, interfaces.ErrDrawingNotFound) {
		return nil, nil
	}
	return drawing, err
}

func (l *Log) ListDrawings(ctx context.Context, roomID string, limit int) ([]*types.DrawingSnapshot, error) {
	return l.store.ListDrawings(ctx, roomID, clampLimit(limit, DefaultDrawingLimit))
}

// PurgeMessagesOlderThan deletes messages older than days across every room
func (l *Log) PurgeMessagesOlderThan(ctx context.Context, days int) (int64, error) {
	return l.store.DeleteMessagesBefore(ctx, l.cutoff(days))
}

// PurgeDrawingsOlderThan deletes drawing snapshots older than days across every room
func (l *Log) PurgeDrawingsOlderThan(ctx context.Context, days int) (int64, error) {
	return l.store.DeleteDrawingsBefore(ctx, l.cutoff(days))
}

func (l *Log) cutoff(days int) time.Time {
	return l.now().Add(-time.Duration(days) * 24 * time.Hour)
}

func (l *Log) fault(operation, roomID string, err error) {
	l.tracker.Record(operation, err)
	l.log.WithField("room_id", roomID).WithError(err).Warn("History write failed")
}

func clampLimit(limit, def int) int {
	if limit <= 0 {
		return def
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
