// Package workspace owns each room's file tree and open-file view.
package workspace

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"codesync/internal/health"
	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

// errUnchanged short-circuits a mutation that would not alter the room
var errUnchanged = errors.New("unchanged")

// entry is one cached room plus the version last confirmed by the store
type entry struct {
	mu        sync.Mutex
	room      *types.Room
	persisted uint64
}

// Store is the single writer of Room records
// ARCHITECTURAL DISCOVERY: Rooms are cached write-through; every save carries the
// version it was derived from so a second process sharing the store cannot be clobbered
type Store struct {
	store   interfaces.Store
	tracker *health.Tracker
	rooms   map[string]*entry
	mu      sync.Mutex
	now     func() time.Time
	log     *logrus.Entry
}

func NewStore(store interfaces.Store, tracker *health.Tracker) *Store {
	return &Store{
		store:   store,
		tracker: tracker,
		rooms:   make(map[string]*entry),
		now:     time.Now,
		log:     logrus.WithField("component", "workspace"),
	}
}

// EnsureRoom returns the room, creating it with the given defaults when it does not exist
func (s *Store) EnsureRoom(ctx context.Context, roomID, name, description string) (*types.Room, error) {
	if e := s.cached(roomID); e != nil {
		return e.snapshot(), nil
	}

	room, err := s.store.GetRoom(ctx, roomID)
	if errors.Is(err, interfaces.ErrRoomNotFound) {
		now := s.now()
		room = &types.Room{
			RoomID:        roomID,
			Name:          name,
			Description:   description,
			FileStructure: []types.File{},
			ActiveFiles:   []string{},
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		err = s.store.CreateRoom(ctx, room)
		if errors.Is(err, interfaces.ErrRoomExists) {
			room, err = s.store.GetRoom(ctx, roomID)
		} else if err == nil {
			s.log.WithField("room_id", roomID).Info("Created room")
		}
	}
	if err != nil {
		s.tracker.Record("ensure_room", err)
		return nil, errors.Wrapf(err, "failed to ensure room %s", roomID)
	}

	return s.adopt(room).snapshot(), nil
}

// GetRoom returns the current room state without creating it
func (s *Store) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	e, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return e.snapshot(), nil
}

// ReplaceFileTree overwrites the whole file tree; last writer wins
func (s *Store) ReplaceFileTree(ctx context.Context, roomID string, files []types.File) (*types.Room, error) {
	return s.mutate(ctx, roomID, func(r *types.Room) error {
		r.FileStructure = make([]types.File, len(files))
		for i := range files {
			r.FileStructure[i] = files[i].Clone()
		}
		return nil
	})
}

// SetActiveFiles overwrites the open-files view; last writer wins
func (s *Store) SetActiveFiles(ctx context.Context, roomID string, activeFiles []string, activeFile *string) (*types.Room, error) {
	return s.mutate(ctx, roomID, func(r *types.Room) error {
		r.ActiveFiles = append([]string{}, activeFiles...)
		if activeFile == nil {
			r.ActiveFile = nil
		} else {
			r.ActiveFile = types.StringPtr(*activeFile)
		}
		return nil
	})
}

// AddFile appends a new entity and links it into its parent directory
func (s *Store) AddFile(ctx context.Context, roomID string, file types.File) (*types.Room, error) {
	if err := file.Validate(); err != nil {
		return nil, err
	}
	return s.mutate(ctx, roomID, func(r *types.Room) error {
		if r.FindFile(file.ID) >= 0 {
			return ErrFileExists
		}
		f := file.Clone()
		now := s.now()
		if f.CreatedAt.IsZero() {
			f.CreatedAt = now
		}
		if f.UpdatedAt.IsZero() {
			f.UpdatedAt = now
		}
		if f.Type == types.FileTypeDirectory && f.Children == nil {
			f.Children = []string{}
		}
		r.FileStructure = append(r.FileStructure, f)

		if f.ParentID != nil {
			if i := r.FindFile(*f.ParentID); i >= 0 && r.FileStructure[i].Type == types.FileTypeDirectory {
				parent := &r.FileStructure[i]
				if !containsID(parent.Children, f.ID) {
					parent.Children = append(parent.Children, f.ID)
				}
			}
		}
		return nil
	})
}

// FilePatch names the fields an update changes; nil fields are left untouched
type FilePatch struct {
	Name     *string
	Content  *string
	Children *[]string
}

// UpdateFile merges patch into the file with the given id
func (s *Store) UpdateFile(ctx context.Context, roomID, fileID string, patch FilePatch) (*types.Room, error) {
	return s.mutate(ctx, roomID, func(r *types.Room) error {
		i := r.FindFile(fileID)
		if i < 0 {
			return ErrFileNotFound
		}
		f := &r.FileStructure[i]
		if patch.Name != nil {
			f.Name = *patch.Name
		}
		if patch.Content != nil {
			f.Content = *patch.Content
		}
		if patch.Children != nil {
			f.Children = append([]string{}, (*patch.Children)...)
		}
		f.UpdatedAt = s.now()
		return nil
	})
}

// RemoveFile deletes the entity and its descendants and cleans every reference to them
// FUNCTIONAL DISCOVERY: Removing an unknown id succeeds without a write so replayed
// deletes from several clients converge
func (s *Store) RemoveFile(ctx context.Context, roomID, fileID string) (*types.Room, error) {
	return s.mutate(ctx, roomID, func(r *types.Room) error {
		if r.FindFile(fileID) < 0 {
			return errUnchanged
		}
		doomed := descendants(r.FileStructure, fileID)

		kept := r.FileStructure[:0]
		for _, f := range r.FileStructure {
			if doomed[f.ID] {
				continue
			}
			if f.Children != nil {
				f.Children = pruneIDs(f.Children, doomed)
			}
			kept = append(kept, f)
		}
		r.FileStructure = kept
		r.ActiveFiles = pruneIDs(r.ActiveFiles, doomed)
		if r.ActiveFile != nil && doomed[*r.ActiveFile] {
			r.ActiveFile = nil
		}
		return nil
	})
}

// Release drops the cached copy of a dormant room; the stored record is untouched
func (s *Store) Release(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

// CachedRooms returns the number of rooms held in memory
func (s *Store) CachedRooms() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rooms)
}

// mutate applies fn to a copy of the room and saves it against the cached version
// TECHNICAL DISCOVERY: On a version conflict the room is reloaded and fn re-applied once;
// a plain store fault keeps the new state in memory and is retried implicitly by the next save
func (s *Store) mutate(ctx context.Context, roomID string, fn func(*types.Room) error) (*types.Room, error) {
	e, err := s.load(ctx, roomID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.room.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, errUnchanged) {
			return e.room.Clone(), nil
		}
		return nil, err
	}
	if sameContent(e.room, next) {
		return e.room.Clone(), nil
	}
	next.Version = e.persisted + 1
	next.UpdatedAt = s.now()

	err = s.store.SaveRoom(ctx, next, e.persisted)
	switch {
	case err == nil:
		e.persisted = next.Version
	case errors.Is(err, interfaces.ErrVersionConflict):
		fresh, retryErr := s.retry(ctx, roomID, fn)
		if retryErr != nil {
			return nil, retryErr
		}
		next = fresh
		e.persisted = next.Version
	case errors.Is(err, interfaces.ErrRoomNotFound):
		// Reaped underneath a live session; recreate from memory
		next.Version = 1
		if createErr := s.store.CreateRoom(ctx, next); createErr != nil {
			s.fault(roomID, createErr)
		} else {
			e.persisted = 1
		}
	default:
		s.fault(roomID, err)
	}

	e.room = next
	return next.Clone(), nil
}

// retry reloads the stored room, re-applies fn and saves once more
func (s *Store) retry(ctx context.Context, roomID string, fn func(*types.Room) error) (*types.Room, error) {
	s.log.WithField("room_id", roomID).Debug("Version conflict; reloading room")
	fresh, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		s.fault(roomID, err)
		return nil, errors.Wrap(err, "failed to reload room")
	}
	base := fresh.Version
	if err := fn(fresh); err != nil {
		if errors.Is(err, errUnchanged) {
			return fresh, nil
		}
		return nil, err
	}
	fresh.Version = base + 1
	fresh.UpdatedAt = s.now()
	if err := s.store.SaveRoom(ctx, fresh, base); err != nil {
		s.tracker.Record("save_room", err)
		if errors.Is(err, interfaces.ErrVersionConflict) {
			return nil, ErrStaleRoom
		}
		return nil, errors.Wrap(err, "failed to save room after reload")
	}
	return fresh, nil
}

func (s *Store) fault(roomID string, err error) {
	s.tracker.Record("save_room", err)
	s.log.WithField("room_id", roomID).WithError(err).Warn("Room write failed; keeping in-memory state")
}

func (s *Store) cached(roomID string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[roomID]
}

// adopt caches a room loaded from the store unless another caller got there first
func (s *Store) adopt(room *types.Room) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.rooms[room.RoomID]; ok {
		return e
	}
	e := &entry{room: room, persisted: room.Version}
	s.rooms[room.RoomID] = e
	return e
}

func (s *Store) load(ctx context.Context, roomID string) (*entry, error) {
	if e := s.cached(roomID); e != nil {
		return e, nil
	}
	room, err := s.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, interfaces.ErrRoomNotFound) {
			return nil, ErrRoomNotFound
		}
		s.tracker.Record("get_room", err)
		return nil, errors.Wrapf(err, "failed to load room %s", roomID)
	}
	return s.adopt(room), nil
}

func (e *entry) snapshot() *types.Room {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.room.Clone()
}

// sameContent compares the fields a mutation can change
func sameContent(a, b *types.Room) bool {
	return a.Name == b.Name &&
		a.Description == b.Description &&
		reflect.DeepEqual(a.FileStructure, b.FileStructure) &&
		reflect.DeepEqual(a.ActiveFiles, b.ActiveFiles) &&
		reflect.DeepEqual(a.ActiveFile, b.ActiveFile)
}

// descendants returns id plus every entity below it, following both children lists and parent links
func descendants(files []types.File, id string) map[string]bool {
	doomed := map[string]bool{id: true}
	for changed := true; changed; {
		changed = false
		for _, f := range files {
			if doomed[f.ID] {
				for _, child := range f.Children {
					if !doomed[child] {
						doomed[child] = true
						changed = true
					}
				}
				continue
			}
			if f.ParentID != nil && doomed[*f.ParentID] {
				doomed[f.ID] = true
				changed = true
			}
		}
	}
	return doomed
}

func pruneIDs(ids []string, doomed map[string]bool) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !doomed[id] {
			out = append(out, id)
		}
	}
	return out
}

func containsID(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
