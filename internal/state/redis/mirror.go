// Package redis publishes live room membership to Redis so other processes can read it.
package redis

import (
	"context"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
)

// Options configures the client and key layout
type Options struct {
	Addr      string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
	// TTL refreshes on every join; a crashed process leaves keys that expire on their own
	TTL time.Duration
}

// Connect opens a client and verifies it answers within three seconds
func Connect(ctx context.Context, opts Options) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
		PoolSize: opts.PoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", opts.Addr)
	}
	return client, nil
}

// Mirror keeps one hash per room: connection id -> username
type Mirror struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewMirror(client goredis.UniversalClient, prefix string, ttl time.Duration) *Mirror {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Mirror{client: client, prefix: prefix, ttl: ttl}
}

func membersKey(prefix, roomID string) string {
	return prefix + "room:" + roomID + ":members"
}

func (m *Mirror) AddMember(ctx context.Context, roomID, connectionID, username string) error {
	key := membersKey(m.prefix, roomID)
	_, err := m.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.HSet(ctx, key, connectionID, username)
		p.Expire(ctx, key, m.ttl)
		return nil
	})
	return errors.Wrapf(err, "mirror add %s to room %s", connectionID, roomID)
}

func (m *Mirror) RemoveMember(ctx context.Context, roomID, connectionID string) error {
	err := m.client.HDel(ctx, membersKey(m.prefix, roomID), connectionID).Err()
	return errors.Wrapf(err, "mirror remove %s from room %s", connectionID, roomID)
}

// Members returns an empty map for a room nobody has joined
func (m *Mirror) Members(ctx context.Context, roomID string) (map[string]string, error) {
	members, err := m.client.HGetAll(ctx, membersKey(m.prefix, roomID)).Result()
	if errors.Is(err, goredis.Nil) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "mirror members of room %s", roomID)
	}
	return members, nil
}
