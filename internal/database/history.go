package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

// InsertMessage appends a chat message
func (m *Manager) InsertMessage(ctx context.Context, message *types.Message) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO messages (id, room_id, username, content, timestamp)
			VALUES (?, ?, ?, ?, ?)
		`, message.ID, message.RoomID, message.Username, message.Content, utc(message.Timestamp))
		if err != nil {
			return errors.Wrap(err, "failed to insert message")
		}
		return nil
	})
}

// ListMessages returns up to limit messages of a room, most recent first
func (m *Manager) ListMessages(ctx context.Context, roomID string, limit int) ([]*types.Message, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, room_id, username, content, timestamp
		FROM messages
		WHERE room_id = ?
		ORDER BY timestamp DESC, rowid DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query messages")
	}
	defer func() { _ = rows.Close() }()

	messages := []*types.Message{}
	for rows.Next() {
		var message types.Message
		if err := rows.Scan(&message.ID, &message.RoomID, &message.Username, &message.Content, &message.Timestamp); err != nil {
			return nil, errors.Wrap(err, "failed to scan message row")
		}
		messages = append(messages, &message)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating message rows")
	}
	return messages, nil
}

// CountMessages returns the number of stored messages for a room
func (m *Manager) CountMessages(ctx context.Context, roomID string) (int64, error) {
	var count int64
	if err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE room_id = ?`, roomID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count messages")
	}
	return count, nil
}

// DeleteMessagesBefore removes messages older than the cutoff across all rooms
func (m *Manager) DeleteMessagesBefore(ctx context.Context, before time.Time) (int64, error) {
	return m.deleteBefore(ctx, `DELETE FROM messages WHERE timestamp < ?`, before)
}

// InsertDrawing appends a whiteboard snapshot
func (m *Manager) InsertDrawing(ctx context.Context, drawing *types.DrawingSnapshot) error {
	snapshot := string(drawing.Snapshot)
	if snapshot == "" {
		snapshot = "null"
	}
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO drawings (id, room_id, snapshot, created_at)
			VALUES (?, ?, ?, ?)
		`, drawing.ID, drawing.RoomID, snapshot, utc(drawing.CreatedAt))
		if err != nil {
			return errors.Wrap(err, "failed to insert drawing")
		}
		return nil
	})
}

// LatestDrawing returns the most recent snapshot of a room
func (m *Manager) LatestDrawing(ctx context.Context, roomID string) (*types.DrawingSnapshot, error) {
	drawings, err := m.ListDrawings(ctx, roomID, 1)
	if err != nil {
		return nil, err
	}
	if len(drawings) == 0 {
		return nil, interfaces.ErrDrawingNotFound
	}
	return drawings[0], nil
}

// ListDrawings returns up to limit snapshots of a room, most recent first
func (m *Manager) ListDrawings(ctx context.Context, roomID string, limit int) ([]*types.DrawingSnapshot, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT id, room_id, snapshot, created_at
		FROM drawings
		WHERE room_id = ?
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`, roomID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query drawings")
	}
	defer func() { _ = rows.Close() }()

	drawings := []*types.DrawingSnapshot{}
	for rows.Next() {
		var (
			drawing  types.DrawingSnapshot
			snapshot string
		)
		if err := rows.Scan(&drawing.ID, &drawing.RoomID, &snapshot, &drawing.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan drawing row")
		}
		drawing.Snapshot = json.RawMessage(snapshot)
		drawings = append(drawings, &drawing)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating drawing rows")
	}
	return drawings, nil
}

// DeleteDrawingsBefore removes snapshots older than the cutoff across all rooms
func (m *Manager) DeleteDrawingsBefore(ctx context.Context, before time.Time) (int64, error) {
	return m.deleteBefore(ctx, `DELETE FROM drawings WHERE created_at < ?`, before)
}

func (m *Manager) deleteBefore(ctx context.Context, query string, before time.Time) (int64, error) {
	var deleted int64
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, query, utc(before))
		if err != nil {
			return errors.Wrap(err, "failed to delete expired rows")
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
