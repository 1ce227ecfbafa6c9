// Package memstore is an in-process interfaces.Store for tests and ephemeral deployments.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

// Store keeps every record in maps guarded by one RWMutex
// TECHNICAL DISCOVERY: Values are cloned on the way in and out so callers
// can never alias stored state
type Store struct {
	mu       sync.RWMutex
	rooms    map[string]*types.Room
	users    map[string]*types.User
	userSeq  map[string]int
	seq      int
	messages []*types.Message
	drawings []*types.DrawingSnapshot
	closed   bool
}

var _ interfaces.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		rooms:   make(map[string]*types.Room),
		users:   make(map[string]*types.User),
		userSeq: make(map[string]int),
	}
}

func (s *Store) GetRoom(_ context.Context, roomID string) (*types.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, interfaces.ErrRoomNotFound
	}
	return room.Clone(), nil
}

func (s *Store) CreateRoom(_ context.Context, room *types.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	if _, ok := s.rooms[room.RoomID]; ok {
		return interfaces.ErrRoomExists
	}
	if room.Version == 0 {
		room.Version = 1
	}
	s.rooms[room.RoomID] = room.Clone()
	return nil
}

func (s *Store) SaveRoom(_ context.Context, room *types.Room, expectedVersion uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	current, ok := s.rooms[room.RoomID]
	if !ok {
		return interfaces.ErrRoomNotFound
	}
	if current.Version != expectedVersion {
		return interfaces.ErrVersionConflict
	}
	saved := room.Clone()
	saved.CreatedAt = current.CreatedAt
	s.rooms[room.RoomID] = saved
	return nil
}

func (s *Store) DeleteInactiveRooms(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, room := range s.rooms {
		if len(room.FileStructure) == 0 && room.UpdatedAt.Before(before) {
			delete(s.rooms, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) UpsertUser(_ context.Context, user *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	stored := user.Clone()
	if existing, ok := s.users[user.SocketID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		s.seq++
		s.userSeq[user.SocketID] = s.seq
	}
	s.users[user.SocketID] = stored
	return nil
}

func (s *Store) GetUserBySocketID(_ context.Context, socketID string) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[socketID]
	if !ok {
		return nil, interfaces.ErrUserNotFound
	}
	return user.Clone(), nil
}

func (s *Store) ListUsersInRoom(_ context.Context, roomID string) ([]*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := []*types.User{}
	for _, user := range s.users {
		if user.RoomID == roomID {
			users = append(users, user.Clone())
		}
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].CreatedAt.Before(users[j].CreatedAt)
		}
		return s.userSeq[users[i].SocketID] < s.userSeq[users[j].SocketID]
	})
	return users, nil
}

func (s *Store) DeleteOfflineUsers(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var deleted int64
	for id, user := range s.users {
		if user.Status == types.StatusOffline && user.LastSeen.Before(before) {
			delete(s.users, id)
			delete(s.userSeq, id)
			deleted++
		}
	}
	return deleted, nil
}

func (s *Store) InsertMessage(_ context.Context, message *types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	m := *message
	s.messages = append(s.messages, &m)
	return nil
}

// ListMessages walks insertion order backwards so equal timestamps keep newest-first
func (s *Store) ListMessages(_ context.Context, roomID string, limit int) ([]*types.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := []*types.Message{}
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].RoomID == roomID {
			m := *s.messages[i]
			matched = append(matched, &m)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.After(matched[j].Timestamp) })
	if limit >= 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) CountMessages(_ context.Context, roomID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var count int64
	for _, m := range s.messages {
		if m.RoomID == roomID {
			count++
		}
	}
	return count, nil
}

func (s *Store) DeleteMessagesBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.messages[:0]
	var deleted int64
	for _, m := range s.messages {
		if m.Timestamp.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	return deleted, nil
}

func (s *Store) InsertDrawing(_ context.Context, drawing *types.DrawingSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	d := *drawing
	d.Snapshot = append([]byte(nil), drawing.Snapshot...)
	s.drawings = append(s.drawings, &d)
	return nil
}

func (s *Store) LatestDrawing(ctx context.Context, roomID string) (*types.DrawingSnapshot, error) {
	drawings, _ := s.ListDrawings(ctx, roomID, 1)
	if len(drawings) == 0 {
		return nil, interfaces.ErrDrawingNotFound
	}
	return drawings[0], nil
}

func (s *Store) ListDrawings(_ context.Context, roomID string, limit int) ([]*types.DrawingSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := []*types.DrawingSnapshot{}
	for i := len(s.drawings) - 1; i >= 0; i-- {
		if s.drawings[i].RoomID == roomID {
			d := *s.drawings[i]
			d.Snapshot = append([]byte(nil), s.drawings[i].Snapshot...)
			matched = append(matched, &d)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	if limit >= 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *Store) DeleteDrawingsBefore(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.drawings[:0]
	var deleted int64
	for _, d := range s.drawings {
		if d.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, d)
	}
	s.drawings = kept
	return deleted, nil
}

func (s *Store) HealthCheck(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return interfaces.ErrStoreClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
