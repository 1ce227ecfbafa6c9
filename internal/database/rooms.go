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

// TECHNICAL DISCOVERY: The file tree and open-file list are stored as JSON documents
// on the room row so a whole-aggregate save stays one UPDATE
func encodeRoom(room *types.Room) (tree, active string, err error) {
	files := room.FileStructure
	if files == nil {
		files = []types.File{}
	}
	treeJSON, err := json.Marshal(files)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to marshal file structure")
	}
	activeFiles := room.ActiveFiles
	if activeFiles == nil {
		activeFiles = []string{}
	}
	activeJSON, err := json.Marshal(activeFiles)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to marshal active files")
	}
	return string(treeJSON), string(activeJSON), nil
}

// GetRoom retrieves a room by identifier
func (m *Manager) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT room_id, name, description, file_structure, active_files, active_file, version, created_at, updated_at
		FROM rooms
		WHERE room_id = ?
	`, roomID)

	var (
		room       types.Room
		tree       string
		active     string
		activeFile sql.NullString
	)
	err := row.Scan(&room.RoomID, &room.Name, &room.Description, &tree, &active, &activeFile,
		&room.Version, &room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrRoomNotFound
		}
		return nil, errors.Wrap(err, "failed to query room")
	}

	if err := json.Unmarshal([]byte(tree), &room.FileStructure); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal file structure")
	}
	if err := json.Unmarshal([]byte(active), &room.ActiveFiles); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal active files")
	}
	if room.FileStructure == nil {
		room.FileStructure = []types.File{}
	}
	if room.ActiveFiles == nil {
		room.ActiveFiles = []string{}
	}
	room.ActiveFile = stringFromNull(activeFile)
	return &room, nil
}

// CreateRoom inserts a new room; an existing key yields ErrRoomExists
func (m *Manager) CreateRoom(ctx context.Context, room *types.Room) error {
	if room.Version == 0 {
		room.Version = 1
	}
	tree, active, err := encodeRoom(room)
	if err != nil {
		return err
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO rooms (room_id, name, description, file_structure, active_files, active_file, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, room.RoomID, room.Name, room.Description, tree, active, nullString(room.ActiveFile),
			room.Version, utc(room.CreatedAt), utc(room.UpdatedAt))
		if err != nil {
			if isUniqueViolation(err) {
				return interfaces.ErrRoomExists
			}
			return errors.Wrap(err, "failed to insert room")
		}
		return nil
	})
}

// SaveRoom replaces the stored room when its version still equals expectedVersion
func (m *Manager) SaveRoom(ctx context.Context, room *types.Room, expectedVersion uint64) error {
	tree, active, err := encodeRoom(room)
	if err != nil {
		return err
	}

	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			UPDATE rooms
			SET name = ?, description = ?, file_structure = ?, active_files = ?, active_file = ?, version = ?, updated_at = ?
			WHERE room_id = ? AND version = ?
		`, room.Name, room.Description, tree, active, nullString(room.ActiveFile), room.Version,
			utc(room.UpdatedAt), room.RoomID, expectedVersion)
		if err != nil {
			return errors.Wrap(err, "failed to update room")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return errors.Wrap(err, "failed to read affected rows")
		}
		if affected > 0 {
			return nil
		}

		// FUNCTIONAL DISCOVERY: Zero rows means either the room vanished or another writer won
		var exists int
		if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms WHERE room_id = ?", room.RoomID).Scan(&exists); err != nil {
			return errors.Wrap(err, "failed to check room existence")
		}
		if exists == 0 {
			return interfaces.ErrRoomNotFound
		}
		return interfaces.ErrVersionConflict
	})
}

// DeleteInactiveRooms removes rooms with an empty tree last updated before the cutoff
func (m *Manager) DeleteInactiveRooms(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			DELETE FROM rooms
			WHERE file_structure IN ('[]', 'null', '') AND updated_at < ?
		`, utc(before))
		if err != nil {
			return errors.Wrap(err, "failed to delete inactive rooms")
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
