package workspace

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
	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

func newTestStore(t *testing.T) (*Store, *memstore.Store) {
	t.Helper()
	backing := memstore.New()
	ws := NewStore(backing, health.NewTracker(time.Minute))
	_, err := ws.EnsureRoom(context.Background(), "r1", "Room r1", "Collaborative coding room")
	require.NoError(t, err)
	return ws, backing
}

func dir(id string, parent *string, children ...string) types.File {
	return types.File{ID: id, Name: id, Type: types.FileTypeDirectory, ParentID: parent, Children: children}
}

func file(id string, parent *string) types.File {
	return types.File{ID: id, Name: id + ".go", Type: types.FileTypeFile, Content: "package " + id, ParentID: parent}
}

func TestStore_EnsureRoomCreatesOnce(t *testing.T) {
	ws, backing := newTestStore(t)
	ctx := context.Background()

	room, err := ws.EnsureRoom(ctx, "r1", "ignored", "ignored")
	require.NoError(t, err)
	assert.Equal(t, "Room r1", room.Name)
	assert.Equal(t, "Collaborative coding room", room.Description)

	stored, err := backing.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stored.Version)
}

func TestStore_EnsureRoomAdoptsExisting(t *testing.T) {
	backing := memstore.New()
	ctx := context.Background()
	require.NoError(t, backing.CreateRoom(ctx, &types.Room{RoomID: "r9", Name: "Existing", Version: 4}))

	ws := NewStore(backing, health.NewTracker(time.Minute))
	room, err := ws.EnsureRoom(ctx, "r9", "Room r9", "x")
	require.NoError(t, err)
	assert.Equal(t, "Existing", room.Name)
	assert.Equal(t, uint64(4), room.Version)
}

func TestStore_UnknownRoom(t *testing.T) {
	ws, _ := newTestStore(t)
	ctx := context.Background()

	_, err := ws.GetRoom(ctx, "nope")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = ws.AddFile(ctx, "nope", file("f1", nil))
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = ws.UpdateFile(ctx, "nope", "f1", FilePatch{})
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = ws.RemoveFile(ctx, "nope", "f1")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = ws.ReplaceFileTree(ctx, "nope", nil)
	assert.ErrorIs(t, err, ErrRoomNotFound)
	_, err = ws.SetActiveFiles(ctx, "nope", nil, nil)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestStore_AddFileLinksParent(t *testing.T) {
	ws, backing := newTestStore(t)
	ctx := context.Background()

	_, err := ws.AddFile(ctx, "r1", dir("src", nil))
	require.NoError(t, err)
	room, err := ws.AddFile(ctx, "r1", file("main", types.StringPtr("src")))
	require.NoError(t, err)

	require.Len(t, room.FileStructure, 2)
	assert.Equal(t, []string{"main"}, room.FileStructure[0].Children)
	assert.False(t, room.FileStructure[1].CreatedAt.IsZero())

	// Parent already listing the child is not duplicated
	room, err = ws.UpdateFile(ctx, "r1", "src", FilePatch{Children: &[]string{"main", "util"}})
	require.NoError(t, err)
	room, err = ws.AddFile(ctx, "r1", file("util", types.StringPtr("src")))
	require.NoError(t, err)
	assert.Equal(t, []string{"main", "util"}, room.FileStructure[0].Children)

	_, err = ws.AddFile(ctx, "r1", file("main", nil))
	assert.ErrorIs(t, err, ErrFileExists)
	_, err = ws.AddFile(ctx, "r1", types.File{ID: "bad"})
	assert.ErrorIs(t, err, types.ErrInvalidFile)

	stored, err := backing.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, stored.FileStructure, 3)
	assert.Equal(t, room.Version, stored.Version)
}

func TestStore_UpdateFileMergesFields(t *testing.T) {
	ws, _ := newTestStore(t)
	ctx := context.Background()
	_, err := ws.AddFile(ctx, "r1", file("f1", nil))
	require.NoError(t, err)

	name := "renamed.go"
	room, err := ws.UpdateFile(ctx, "r1", "f1", FilePatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "renamed.go", room.FileStructure[0].Name)
	assert.Equal(t, "package f1", room.FileStructure[0].Content, "content must survive a rename")

	content := "package main"
	room, err = ws.UpdateFile(ctx, "r1", "f1", FilePatch{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, "renamed.go", room.FileStructure[0].Name, "name must survive a content edit")
	assert.Equal(t, types.FileTypeFile, room.FileStructure[0].Type)

	_, err = ws.UpdateFile(ctx, "r1", "missing", FilePatch{Content: &content})
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestStore_RemoveFileCascades(t *testing.T) {
	ws, _ := newTestStore(t)
	ctx := context.Background()
	src := types.StringPtr("src")
	pkg := types.StringPtr("pkg")

	_, err := ws.ReplaceFileTree(ctx, "r1", []types.File{
		dir("root", nil, "src", "readme"),
		dir("src", types.StringPtr("root"), "pkg", "main"),
		dir("pkg", src, "util"),
		file("main", src),
		file("util", pkg),
		file("readme", types.StringPtr("root")),
	})
	require.NoError(t, err)
	_, err = ws.SetActiveFiles(ctx, "r1", []string{"main", "readme", "util"}, types.StringPtr("util"))
	require.NoError(t, err)

	room, err := ws.RemoveFile(ctx, "r1", "src")
	require.NoError(t, err)

	ids := make([]string, 0, len(room.FileStructure))
	for _, f := range room.FileStructure {
		ids = append(ids, f.ID)
	}
	assert.Equal(t, []string{"root", "readme"}, ids)
	assert.Equal(t, []string{"readme"}, room.FileStructure[0].Children)
	assert.Equal(t, []string{"readme"}, room.ActiveFiles)
	assert.Nil(t, room.ActiveFile)
}

func TestStore_RemoveUnknownIsIdempotent(t *testing.T) {
	ws, _ := newTestStore(t)
	ctx := context.Background()
	before, err := ws.GetRoom(ctx, "r1")
	require.NoError(t, err)

	after, err := ws.RemoveFile(ctx, "r1", "ghost")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
}

func TestStore_AddUpdateRemoveOrdering(t *testing.T) {
	ctx := context.Background()
	name := "x"

	t.Run("add update remove", func(t *testing.T) {
		ws, _ := newTestStore(t)
		_, err := ws.AddFile(ctx, "r1", file("f1", nil))
		require.NoError(t, err)
		_, err = ws.UpdateFile(ctx, "r1", "f1", FilePatch{Name: &name})
		require.NoError(t, err)
		room, err := ws.RemoveFile(ctx, "r1", "f1")
		require.NoError(t, err)
		assert.Equal(t, -1, room.FindFile("f1"))
	})

	t.Run("add remove update", func(t *testing.T) {
		ws, _ := newTestStore(t)
		_, err := ws.AddFile(ctx, "r1", file("f1", nil))
		require.NoError(t, err)
		_, err = ws.RemoveFile(ctx, "r1", "f1")
		require.NoError(t, err)
		_, err = ws.UpdateFile(ctx, "r1", "f1", FilePatch{Name: &name})
		assert.ErrorIs(t, err, ErrFileNotFound, "update after delete must not resurrect the file")

		room, err := ws.GetRoom(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, -1, room.FindFile("f1"))
	})
}

func TestStore_ReplaceFileTreeIsIdempotent(t *testing.T) {
	ws, _ := newTestStore(t)
	ctx := context.Background()
	tree := []types.File{dir("src", nil, "main"), file("main", types.StringPtr("src"))}

	once, err := ws.ReplaceFileTree(ctx, "r1", tree)
	require.NoError(t, err)
	twice, err := ws.ReplaceFileTree(ctx, "r1", tree)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	// The caller's slice is not aliased
	tree[0].Name = "changed"
	room, err := ws.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "src", room.FileStructure[0].Name)
}

func TestStore_VersionConflictReloadsAndReapplies(t *testing.T) {
	backing := memstore.New()
	ctx := context.Background()
	tracker := health.NewTracker(time.Minute)

	first := NewStore(backing, tracker)
	second := NewStore(backing, tracker)
	_, err := first.EnsureRoom(ctx, "r1", "Room r1", "")
	require.NoError(t, err)
	_, err = second.EnsureRoom(ctx, "r1", "Room r1", "")
	require.NoError(t, err)

	_, err = first.AddFile(ctx, "r1", file("a", nil))
	require.NoError(t, err)

	// second still caches version 1 and must not clobber "a"
	room, err := second.AddFile(ctx, "r1", file("b", nil))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), room.Version)
	assert.GreaterOrEqual(t, room.FindFile("a"), 0)
	assert.GreaterOrEqual(t, room.FindFile("b"), 0)

	stored, err := backing.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, stored.FileStructure, 2)
}

// flakyStore fails SaveRoom while failing is set
type flakyStore struct {
	*memstore.Store
	mock.Mock
}

func (f *flakyStore) SaveRoom(ctx context.Context, room *types.Room, expected uint64) error {
	if err := f.Called(room.RoomID).Error(0); err != nil {
		return err
	}
	return f.Store.SaveRoom(ctx, room, expected)
}

func TestStore_PersistenceFaultKeepsLiveState(t *testing.T) {
	backing := &flakyStore{Store: memstore.New()}
	tracker := health.NewTracker(time.Minute)
	ws := NewStore(backing, tracker)
	ctx := context.Background()
	_, err := ws.EnsureRoom(ctx, "r1", "Room r1", "")
	require.NoError(t, err)

	backing.On("SaveRoom", "r1").Return(errors.New("disk full")).Once()
	room, err := ws.AddFile(ctx, "r1", file("f1", nil))
	require.NoError(t, err, "store faults are not surfaced to the live path")
	assert.Equal(t, 0, room.FindFile("f1"))
	assert.True(t, tracker.Degraded())

	// Next successful save carries the unsaved change too
	backing.On("SaveRoom", "r1").Return(nil)
	_, err = ws.AddFile(ctx, "r1", file("f2", nil))
	require.NoError(t, err)

	stored, err := backing.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, stored.FileStructure, 2)
}

func TestStore_ReleaseDropsCacheOnly(t *testing.T) {
	ws, _ := newTestStore(t)
	ctx := context.Background()
	_, err := ws.AddFile(ctx, "r1", file("f1", nil))
	require.NoError(t, err)
	assert.Equal(t, 1, ws.CachedRooms())

	ws.Release("r1")
	assert.Zero(t, ws.CachedRooms())

	room, err := ws.GetRoom(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 0, room.FindFile("f1"))
}

var _ interfaces.Store = (*flakyStore)(nil)
