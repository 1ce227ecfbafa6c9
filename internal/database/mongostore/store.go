// Package mongostore implements interfaces.Store on MongoDB.
package mongostore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"codesync/pkg/interfaces"
	"codesync/pkg/types"
)

// Collection names
const (
	CollRooms    = "rooms"
	CollUsers    = "users"
	CollMessages = "messages"
	CollDrawings = "drawings"
)

// Config selects the deployment and database
type Config struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxPoolSize    uint64        `yaml:"max_pool_size"`
}

// Store is the MongoDB-backed store
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	log    *logrus.Entry
}

var _ interfaces.Store = (*Store)(nil)

// Connect dials MongoDB, verifies reachability and ensures indexes
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URI == "" || cfg.Database == "" {
		return nil, errors.New("mongo uri and database are required")
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := options.Client().ApplyURI(cfg.URI).SetConnectTimeout(timeout)
	if cfg.MaxPoolSize > 0 {
		opts.SetMaxPoolSize(cfg.MaxPoolSize)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to mongo")
	}

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "mongo ping failed")
	}

	s := &Store{
		client: client,
		db:     client.Database(cfg.Database),
		log:    logrus.WithFields(logrus.Fields{"component": "mongostore", "database": cfg.Database}),
	}
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	s.log.Info("MongoDB store ready")
	return s, nil
}

// indexModels mirrors the query patterns of the store methods
func indexModels() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		CollRooms: {
			{Keys: bson.D{{Key: "roomId", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uniq_room")},
			{Keys: bson.D{{Key: "updatedAt", Value: 1}}, Options: options.Index().SetName("ix_room_updated")},
		},
		CollUsers: {
			{Keys: bson.D{{Key: "socketId", Value: 1}}, Options: options.Index().SetUnique(true).SetName("uniq_socket")},
			{Keys: bson.D{{Key: "roomId", Value: 1}, {Key: "status", Value: 1}}, Options: options.Index().SetName("ix_room_status")},
			{Keys: bson.D{{Key: "roomId", Value: 1}, {Key: "createdAt", Value: 1}}, Options: options.Index().SetName("ix_room_created")},
			{Keys: bson.D{{Key: "lastSeen", Value: 1}}, Options: options.Index().SetName("ix_last_seen")},
		},
		CollMessages: {
			{Keys: bson.D{{Key: "roomId", Value: 1}, {Key: "timestamp", Value: -1}}, Options: options.Index().SetName("ix_room_time")},
			{Keys: bson.D{{Key: "timestamp", Value: 1}}, Options: options.Index().SetName("ix_time")},
		},
		CollDrawings: {
			{Keys: bson.D{{Key: "roomId", Value: 1}, {Key: "createdAt", Value: -1}}, Options: options.Index().SetName("ix_room_created")},
			{Keys: bson.D{{Key: "createdAt", Value: 1}}, Options: options.Index().SetName("ix_created")},
		},
	}
}

// EnsureIndexes creates every index idempotently
func (s *Store) EnsureIndexes(ctx context.Context) error {
	for coll, models := range indexModels() {
		if _, err := s.db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrapf(err, "failed to create indexes on %s", coll)
		}
	}
	return nil
}

// roomDoc is the stored shape of a room
type roomDoc struct {
	RoomID        string       `bson:"roomId"`
	Name          string       `bson:"name"`
	Description   string       `bson:"description"`
	FileStructure []types.File `bson:"fileStructure"`
	ActiveFiles   []string     `bson:"activeFiles"`
	ActiveFile    *string      `bson:"activeFile"`
	Version       int64        `bson:"version"`
	CreatedAt     time.Time    `bson:"createdAt"`
	UpdatedAt     time.Time    `bson:"updatedAt"`
}

func toRoomDoc(r *types.Room) roomDoc {
	doc := roomDoc{
		RoomID:        r.RoomID,
		Name:          r.Name,
		Description:   r.Description,
		FileStructure: make([]types.File, 0, len(r.FileStructure)),
		ActiveFiles:   r.ActiveFiles,
		ActiveFile:    r.ActiveFile,
		Version:       int64(r.Version),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
	// children is stored as an array on every node, never null
	for _, f := range r.FileStructure {
		if f.Children == nil {
			f.Children = []string{}
		}
		doc.FileStructure = append(doc.FileStructure, f)
	}
	if doc.ActiveFiles == nil {
		doc.ActiveFiles = []string{}
	}
	return doc
}

func (d roomDoc) toRoom() *types.Room {
	room := &types.Room{
		RoomID:        d.RoomID,
		Name:          d.Name,
		Description:   d.Description,
		FileStructure: d.FileStructure,
		ActiveFiles:   d.ActiveFiles,
		ActiveFile:    d.ActiveFile,
		Version:       uint64(d.Version),
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
	if room.FileStructure == nil {
		room.FileStructure = []types.File{}
	}
	if room.ActiveFiles == nil {
		room.ActiveFiles = []string{}
	}
	return room
}

// drawingDoc stores the snapshot as its JSON text
type drawingDoc struct {
	ID        string    `bson:"id"`
	RoomID    string    `bson:"roomId"`
	Snapshot  string    `bson:"snapshot"`
	CreatedAt time.Time `bson:"createdAt"`
}

func toDrawingDoc(d *types.DrawingSnapshot) drawingDoc {
	snapshot := string(d.Snapshot)
	if snapshot == "" {
		snapshot = "null"
	}
	return drawingDoc{ID: d.ID, RoomID: d.RoomID, Snapshot: snapshot, CreatedAt: d.CreatedAt.UTC()}
}

func (d drawingDoc) toDrawing() *types.DrawingSnapshot {
	return &types.DrawingSnapshot{ID: d.ID, RoomID: d.RoomID, Snapshot: json.RawMessage(d.Snapshot), CreatedAt: d.CreatedAt}
}

// inactiveRoomFilter matches rooms whose tree is empty and that were not touched since before
func inactiveRoomFilter(before time.Time) bson.M {
	return bson.M{
		"updatedAt": bson.M{"$lt": before.UTC()},
		"$or": bson.A{
			bson.M{"fileStructure": bson.M{"$size": 0}},
			bson.M{"fileStructure": nil},
		},
	}
}

func offlineUserFilter(before time.Time) bson.M {
	return bson.M{"status": types.StatusOffline, "lastSeen": bson.M{"$lt": before.UTC()}}
}

// userUpsert keeps createdAt from the first insert
func userUpsert(u *types.User) bson.M {
	return bson.M{
		"$set": bson.M{
			"username":       u.Username,
			"roomId":         u.RoomID,
			"status":         u.Status,
			"cursorPosition": u.CursorPosition,
			"typing":         u.Typing,
			"currentFile":    u.CurrentFile,
			"lastSeen":       u.LastSeen.UTC(),
			"updatedAt":      u.UpdatedAt.UTC(),
		},
		"$setOnInsert": bson.M{"socketId": u.SocketID, "createdAt": u.CreatedAt.UTC()},
	}
}

func newestFirst(field string, limit int) *options.FindOptions {
	return options.Find().
		SetSort(bson.D{{Key: field, Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
}

func (s *Store) GetRoom(ctx context.Context, roomID string) (*types.Room, error) {
	var doc roomDoc
	err := s.db.Collection(CollRooms).FindOne(ctx, bson.M{"roomId": roomID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, interfaces.ErrRoomNotFound
		}
		return nil, errors.Wrap(err, "failed to find room")
	}
	return doc.toRoom(), nil
}

func (s *Store) CreateRoom(ctx context.Context, room *types.Room) error {
	if room.Version == 0 {
		room.Version = 1
	}
	if _, err := s.db.Collection(CollRooms).InsertOne(ctx, toRoomDoc(room)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return interfaces.ErrRoomExists
		}
		return errors.Wrap(err, "failed to insert room")
	}
	return nil
}

func (s *Store) SaveRoom(ctx context.Context, room *types.Room, expectedVersion uint64) error {
	doc := toRoomDoc(room)
	res, err := s.db.Collection(CollRooms).UpdateOne(ctx,
		bson.M{"roomId": room.RoomID, "version": int64(expectedVersion)},
		bson.M{"$set": bson.M{
			"name":          doc.Name,
			"description":   doc.Description,
			"fileStructure": doc.FileStructure,
			"activeFiles":   doc.ActiveFiles,
			"activeFile":    doc.ActiveFile,
			"version":       doc.Version,
			"updatedAt":     doc.UpdatedAt,
		}},
	)
	if err != nil {
		return errors.Wrap(err, "failed to update room")
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := s.db.Collection(CollRooms).CountDocuments(ctx, bson.M{"roomId": room.RoomID})
	if err != nil {
		return errors.Wrap(err, "failed to check room existence")
	}
	if n == 0 {
		return interfaces.ErrRoomNotFound
	}
	return interfaces.ErrVersionConflict
}

func (s *Store) DeleteInactiveRooms(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(CollRooms).DeleteMany(ctx, inactiveRoomFilter(before))
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete inactive rooms")
	}
	return res.DeletedCount, nil
}

func (s *Store) UpsertUser(ctx context.Context, user *types.User) error {
	_, err := s.db.Collection(CollUsers).UpdateOne(ctx,
		bson.M{"socketId": user.SocketID},
		userUpsert(user),
		options.Update().SetUpsert(true),
	)
	return errors.Wrap(err, "failed to upsert user")
}

func (s *Store) GetUserBySocketID(ctx context.Context, socketID string) (*types.User, error) {
	var user types.User
	err := s.db.Collection(CollUsers).FindOne(ctx, bson.M{"socketId": socketID}).Decode(&user)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, interfaces.ErrUserNotFound
		}
		return nil, errors.Wrap(err, "failed to find user")
	}
	return &user, nil
}

func (s *Store) ListUsersInRoom(ctx context.Context, roomID string) ([]*types.User, error) {
	cursor, err := s.db.Collection(CollUsers).Find(ctx, bson.M{"roomId": roomID},
		options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to find users")
	}
	users := []*types.User{}
	if err := cursor.All(ctx, &users); err != nil {
		return nil, errors.Wrap(err, "failed to decode users")
	}
	return users, nil
}

func (s *Store) DeleteOfflineUsers(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(CollUsers).DeleteMany(ctx, offlineUserFilter(before))
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete offline users")
	}
	return res.DeletedCount, nil
}

func (s *Store) InsertMessage(ctx context.Context, message *types.Message) error {
	m := *message
	m.Timestamp = m.Timestamp.UTC()
	_, err := s.db.Collection(CollMessages).InsertOne(ctx, &m)
	return errors.Wrap(err, "failed to insert message")
}

func (s *Store) ListMessages(ctx context.Context, roomID string, limit int) ([]*types.Message, error) {
	cursor, err := s.db.Collection(CollMessages).Find(ctx, bson.M{"roomId": roomID}, newestFirst("timestamp", limit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to find messages")
	}
	messages := []*types.Message{}
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, errors.Wrap(err, "failed to decode messages")
	}
	return messages, nil
}

func (s *Store) CountMessages(ctx context.Context, roomID string) (int64, error) {
	n, err := s.db.Collection(CollMessages).CountDocuments(ctx, bson.M{"roomId": roomID})
	return n, errors.Wrap(err, "failed to count messages")
}

func (s *Store) DeleteMessagesBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(CollMessages).DeleteMany(ctx, bson.M{"timestamp": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete messages")
	}
	return res.DeletedCount, nil
}

func (s *Store) InsertDrawing(ctx context.Context, drawing *types.DrawingSnapshot) error {
	_, err := s.db.Collection(CollDrawings).InsertOne(ctx, toDrawingDoc(drawing))
	return errors.Wrap(err, "failed to insert drawing")
}

func (s *Store) LatestDrawing(ctx context.Context, roomID string) (*types.DrawingSnapshot, error) {
	drawings, err := s.ListDrawings(ctx, roomID, 1)
	if err != nil {
		return nil, err
	}
	if len(drawings) == 0 {
		return nil, interfaces.ErrDrawingNotFound
	}
	return drawings[0], nil
}

func (s *Store) ListDrawings(ctx context.Context, roomID string, limit int) ([]*types.DrawingSnapshot, error) {
	cursor, err := s.db.Collection(CollDrawings).Find(ctx, bson.M{"roomId": roomID}, newestFirst("createdAt", limit))
	if err != nil {
		return nil, errors.Wrap(err, "failed to find drawings")
	}
	var docs []drawingDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "failed to decode drawings")
	}
	drawings := make([]*types.DrawingSnapshot, 0, len(docs))
	for _, d := range docs {
		drawings = append(drawings, d.toDrawing())
	}
	return drawings, nil
}

func (s *Store) DeleteDrawingsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(CollDrawings).DeleteMany(ctx, bson.M{"createdAt": bson.M{"$lt": before.UTC()}})
	if err != nil {
		return 0, errors.Wrap(err, "failed to delete drawings")
	}
	return res.DeletedCount, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return errors.Wrap(s.client.Ping(ctx, nil), "mongo ping failed")
}

func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop removes every collection; used to reset integration databases
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}
