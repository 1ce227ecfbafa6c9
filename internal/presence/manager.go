// Package presence owns per-connection user state: status, typing, cursor and focused file.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"codesync/internal/health"
	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

// Manager is the only writer of User records
// ARCHITECTURAL DISCOVERY: Live users are cached by connection id and written through
// to the store; offline users are evicted and served read-through on demand
type Manager struct {
	store   interfaces.Store
	tracker *health.Tracker
	users   map[string]*types.User // connectionID -> User
	mu      sync.RWMutex
	now     func() time.Time
	log     *logrus.Entry
}

func NewManager(store interfaces.Store, tracker *health.Tracker) *Manager {
	return &Manager{
		store:   store,
		tracker: tracker,
		users:   make(map[string]*types.User),
		now:     time.Now,
		log:     logrus.WithField("component", "presence"),
	}
}

// Upsert records a freshly joined user as online under its connection id
func (m *Manager) Upsert(ctx context.Context, roomID, username, connectionID string) *types.User {
	now := m.now()
	user := &types.User{
		Username:  username,
		RoomID:    roomID,
		Status:    types.StatusOnline,
		SocketID:  connectionID,
		LastSeen:  now,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.users[connectionID] = user
	saved := user.Clone()
	m.mu.Unlock()

	m.persist(ctx, "upsert_user", saved)
	return saved
}

// Get returns the user bound to a connection, consulting the store on a cache miss
func (m *Manager) Get(ctx context.Context, connectionID string) (*types.User, error) {
	m.mu.RLock()
	user, ok := m.users[connectionID]
	if ok {
		user = user.Clone()
	}
	m.mu.RUnlock()
	if ok {
		return user, nil
	}

	stored, err := m.store.GetUserBySocketID(ctx, connectionID)
	if err != nil {
		if !errors.Is(err, interfaces.ErrUserNotFound) {
			m.tracker.Record("get_user", err)
		}
		return nil, ErrUserNotFound
	}
	return stored, nil
}

// Users returns the cached users for the given connections, in argument order
func (m *Manager) Users(connectionIDs []string) []*types.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	users := make([]*types.User, 0, len(connectionIDs))
	for _, id := range connectionIDs {
		if user, ok := m.users[id]; ok {
			users = append(users, user.Clone())
		}
	}
	return users
}

// SetTyping flips the typing flag; cursor is only changed when supplied
func (m *Manager) SetTyping(ctx context.Context, connectionID string, typing bool, cursor *int) (*types.User, error) {
	return m.update(ctx, connectionID, "set_typing", func(u *types.User) error {
		u.Typing = typing
		if cursor != nil {
			u.CursorPosition = *cursor
		}
		return nil
	})
}

func (m *Manager) SetStatus(ctx context.Context, connectionID, status string) (*types.User, error) {
	if status != types.StatusOnline && status != types.StatusOffline {
		return nil, ErrInvalidStatus
	}
	return m.update(ctx, connectionID, "set_status", func(u *types.User) error {
		u.Status = status
		return nil
	})
}

// SetCurrentFile records the focused file; nil clears it
func (m *Manager) SetCurrentFile(ctx context.Context, connectionID string, fileID *string) (*types.User, error) {
	return m.update(ctx, connectionID, "set_current_file", func(u *types.User) error {
		if fileID == nil {
			u.CurrentFile = nil
		} else {
			u.CurrentFile = types.StringPtr(*fileID)
		}
		return nil
	})
}

// MarkOffline flips the user offline, stamps lastSeen and drops it from the live cache
// FUNCTIONAL DISCOVERY: The record is retained for history and reconnection; only
// the retention sweep deletes users
func (m *Manager) MarkOffline(ctx context.Context, connectionID string) (*types.User, error) {
	user, err := m.update(ctx, connectionID, "mark_offline", func(u *types.User) error {
		u.Status = types.StatusOffline
		u.Typing = false
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	delete(m.users, connectionID)
	m.mu.Unlock()
	return user, nil
}

// update applies fn to the live user, or to the stored record when the connection is no longer cached
func (m *Manager) update(ctx context.Context, connectionID, operation string, fn func(*types.User) error) (*types.User, error) {
	m.mu.Lock()
	user, cached := m.users[connectionID]
	m.mu.Unlock()

	if !cached {
		stored, err := m.Get(ctx, connectionID)
		if err != nil {
			return nil, err
		}
		user = stored
	}

	m.mu.Lock()
	if err := fn(user); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	user.LastSeen = m.stamp(user.LastSeen)
	user.UpdatedAt = user.LastSeen
	saved := user.Clone()
	m.mu.Unlock()

	m.persist(ctx, operation, saved)
	return saved, nil
}

// stamp returns now, nudged forward so lastSeen never moves backwards
func (m *Manager) stamp(prev time.Time) time.Time {
	now := m.now()
	if !now.After(prev) {
		return prev.Add(time.Millisecond)
	}
	return now
}

func (m *Manager) persist(ctx context.Context, operation string, user *types.User) {
	if err := m.store.UpsertUser(ctx, user); err != nil {
		m.tracker.Record(operation, err)
		m.log.WithFields(logrus.Fields{
			"connection_id": user.SocketID,
			"room_id":       user.RoomID,
		}).WithError(err).Warn("User write failed")
	}
}

// OnlineCount returns the number of cached live users
func (m *Manager) OnlineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}
