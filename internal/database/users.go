package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

const userColumns = `socket_id, username, room_id, status, cursor_position, typing, current_file, last_seen, created_at, updated_at`

// UpsertUser inserts or replaces the user keyed by socket id
// FUNCTIONAL DISCOVERY: created_at survives updates so roster ordering stays stable
func (m *Manager) UpsertUser(ctx context.Context, user *types.User) error {
	return m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO users (`+userColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(socket_id) DO UPDATE SET
				username = excluded.username,
				room_id = excluded.room_id,
				status = excluded.status,
				cursor_position = excluded.cursor_position,
				typing = excluded.typing,
				current_file = excluded.current_file,
				last_seen = excluded.last_seen,
				updated_at = excluded.updated_at
		`, user.SocketID, user.Username, user.RoomID, user.Status, user.CursorPosition, user.Typing,
			nullString(user.CurrentFile), utc(user.LastSeen), utc(user.CreatedAt), utc(user.UpdatedAt))
		if err != nil {
			return errors.Wrap(err, "failed to upsert user")
		}
		return nil
	})
}

// GetUserBySocketID retrieves the user bound to a connection
func (m *Manager) GetUserBySocketID(ctx context.Context, socketID string) (*types.User, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE socket_id = ?`, socketID)
	user, err := scanUser(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, errors.Wrap(err, "failed to query user")
	}
	return user, nil
}

// ListUsersInRoom returns every recorded user of the room, oldest first
func (m *Manager) ListUsersInRoom(ctx context.Context, roomID string) ([]*types.User, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE room_id = ? ORDER BY created_at ASC, rowid ASC`, roomID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query users")
	}
	defer func() { _ = rows.Close() }()

	users := []*types.User{}
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan user row")
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating user rows")
	}
	return users, nil
}

// DeleteOfflineUsers reaps offline users last seen before the cutoff
func (m *Manager) DeleteOfflineUsers(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := m.executeWrite(ctx, func(ctx context.Context, db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`DELETE FROM users WHERE status = ? AND last_seen < ?`, types.StatusOffline, utc(before))
		if err != nil {
			return errors.Wrap(err, "failed to delete offline users")
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*types.User, error) {
	var (
		user        types.User
		currentFile sql.NullString
	)
	err := row.Scan(&user.SocketID, &user.Username, &user.RoomID, &user.Status, &user.CursorPosition,
		&user.Typing, &currentFile, &user.LastSeen, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, err
	}
	user.CurrentFile = stringFromNull(currentFile)
	return &user, nil
}
