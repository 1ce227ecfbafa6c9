// Package session is the join/leave authority mapping rooms to their live connections.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"codesync/internal/health"
	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

// Default metadata for rooms created by a first join
const DefaultRoomDescription = "Collaborative coding room"

func DefaultRoomName(roomID string) string {
	return fmt.Sprintf("Room %s", roomID)
}

// RoomEnsurer creates a room on first use
type RoomEnsurer interface {
	EnsureRoom(ctx context.Context, roomID, name, description string) (*types.Room, error)
}

// Presence is the subset of the presence manager the registry drives
type Presence interface {
	Upsert(ctx context.Context, roomID, username, connectionID string) *types.User
	MarkOffline(ctx context.Context, connectionID string) (*types.User, error)
	Users(connectionIDs []string) []*types.User
}

// Accepted is the outcome of a successful join
type Accepted struct {
	Session types.Session
	User    *types.User
	// Roster lists every member in join order, the new user last
	Roster []*types.User
}

// Left is the outcome of a leave for a joined connection
type Left struct {
	RoomID string
	User   *types.User
	// Remaining is the number of members still in the room
	Remaining int
}

// Registry tracks which connections are joined to which room
// ARCHITECTURAL DISCOVERY: Membership order is kept as a slice per room so rosters
// come back in join order without a store round trip
type Registry struct {
	rooms    RoomEnsurer
	presence Presence
	mirror   interfaces.MembershipMirror
	tracker  *health.Tracker

	sessions map[string]*types.Session    // connectionID -> Session
	members  map[string][]string          // roomID -> connection ids in join order
	pending  map[string]types.JoinRequest // connectionID -> join still being applied
	mu       sync.RWMutex
	now      func() time.Time
	log      *logrus.Entry
}

// NewRegistry creates a registry; mirror may be nil
func NewRegistry(rooms RoomEnsurer, presence Presence, mirror interfaces.MembershipMirror, tracker *health.Tracker) *Registry {
	return &Registry{
		rooms:    rooms,
		presence: presence,
		mirror:   mirror,
		tracker:  tracker,
		sessions: make(map[string]*types.Session),
		members:  make(map[string][]string),
		pending:  make(map[string]types.JoinRequest),
		now:      time.Now,
		log:      logrus.WithField("component", "session"),
	}
}

// Join attaches connectionID to roomID under username
// FUNCTIONAL DISCOVERY: The username check runs against live members only and happens
// before any write, so a rejected join leaves room and membership untouched. The
// check and a reservation of the name are taken under one lock, so two joins racing
// for the same name or the same connection cannot both pass it.
func (r *Registry) Join(ctx context.Context, roomID, username, connectionID string) (*Accepted, error) {
	req := types.JoinRequest{RoomID: roomID, Username: username}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	if err := r.reserve(connectionID, req); err != nil {
		return nil, err
	}

	if _, err := r.rooms.EnsureRoom(ctx, req.RoomID, DefaultRoomName(req.RoomID), DefaultRoomDescription); err != nil {
		r.mu.Lock()
		delete(r.pending, connectionID)
		r.mu.Unlock()
		return nil, err
	}

	user := r.presence.Upsert(ctx, req.RoomID, req.Username, connectionID)
	sess := types.Session{
		ConnectionID: connectionID,
		RoomID:       req.RoomID,
		Username:     req.Username,
		JoinedAt:     r.now(),
	}

	r.mu.Lock()
	delete(r.pending, connectionID)
	r.sessions[connectionID] = &sess
	r.members[req.RoomID] = append(r.members[req.RoomID], connectionID)
	ids := append([]string(nil), r.members[req.RoomID]...)
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.AddMember(ctx, req.RoomID, connectionID, req.Username); err != nil {
			r.tracker.Record("mirror_add_member", err)
		}
	}

	r.log.WithFields(logrus.Fields{
		"room_id":       req.RoomID,
		"connection_id": connectionID,
		"username":      req.Username,
		"members":       len(ids),
	}).Info("User joined room")

	return &Accepted{Session: sess, User: user, Roster: r.presence.Users(ids)}, nil
}

// Leave detaches a connection; ErrNotJoined means there was nothing to do
func (r *Registry) Leave(ctx context.Context, connectionID string) (*Left, error) {
	r.mu.Lock()
	sess, ok := r.sessions[connectionID]
	if !ok {
		r.mu.Unlock()
		return nil, ErrNotJoined
	}
	delete(r.sessions, connectionID)
	remaining := removeID(r.members[sess.RoomID], connectionID)
	if len(remaining) == 0 {
		delete(r.members, sess.RoomID)
	} else {
		r.members[sess.RoomID] = remaining
	}
	r.mu.Unlock()

	user, err := r.presence.MarkOffline(ctx, connectionID)
	if err != nil {
		user = &types.User{
			Username: sess.Username,
			RoomID:   sess.RoomID,
			Status:   types.StatusOffline,
			SocketID: connectionID,
			LastSeen: r.now(),
		}
	}

	if r.mirror != nil {
		if err := r.mirror.RemoveMember(ctx, sess.RoomID, connectionID); err != nil {
			r.tracker.Record("mirror_remove_member", err)
		}
	}

	r.log.WithFields(logrus.Fields{
		"room_id":       sess.RoomID,
		"connection_id": connectionID,
		"remaining":     len(remaining),
	}).Info("User left room")

	return &Left{RoomID: sess.RoomID, User: user, Remaining: len(remaining)}, nil
}

// Lookup returns the session bound to a connection
func (r *Registry) Lookup(connectionID string) (types.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[connectionID]
	if !ok {
		return types.Session{}, false
	}
	return *sess, true
}

// Members returns the room's connection ids in join order
func (r *Registry) Members(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.members[roomID]...)
}

// Roster returns the live users of a room in join order
func (r *Registry) Roster(roomID string) []*types.User {
	return r.presence.Users(r.Members(roomID))
}

// Stats reports live room and connection counts
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return map[string]interface{}{
		"active_rooms":   len(r.members),
		"joined_clients": len(r.sessions),
	}
}

func (r *Registry) reserve(connectionID string, req types.JoinRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, joined := r.sessions[connectionID]; joined {
		return ErrAlreadyJoined
	}
	if _, joining := r.pending[connectionID]; joining {
		return ErrAlreadyJoined
	}
	if r.usernameTakenLocked(req.RoomID, req.Username) {
		return ErrUsernameConflict
	}
	r.pending[connectionID] = req
	return nil
}

// usernameTakenLocked counts joins in progress as taken
func (r *Registry) usernameTakenLocked(roomID, username string) bool {
	for _, id := range r.members[roomID] {
		if sess := r.sessions[id]; sess != nil && sess.Username == username {
			return true
		}
	}
	for _, req := range r.pending {
		if req.RoomID == roomID && req.Username == username {
			return true
		}
	}
	return false
}

func removeID(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
