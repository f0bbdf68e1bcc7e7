package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	// Cross-process mutual exclusion for sessions: FetchSession atomically
	// swaps the stored blob for an empty marker. A concurrent fetch that
	// reads the marker polls until the first caller's Persist restores the
	// value, then errors out after the retry budget. Timeout deletes the
	// marker so a crashed holder cannot wedge the key forever.
	sessionTakeRetries = 200
	sessionTakeBackoff = 10 * time.Millisecond
)

// RedisStore backs records with Redis. Sessions use the take/restore scheme
// above, identities are plain keys, prekeys live in a hash per id.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore creates a Redis-backed store from an existing client.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func sessionKey(id, sid string) string { return fmt.Sprintf("ses_%s-%s", id, sid) }
func identityKey(id string) string     { return fmt.Sprintf("id_%s", id) }
func prekeyKey(id string) string       { return fmt.Sprintf("pk_%s", id) }

// FetchSession takes the session blob, leaving an empty marker in its place
// until Persist or Discard.
func (s *RedisStore) FetchSession(id, sid string) (Record, error) {
	ctx := context.Background()
	key := sessionKey(id, sid)

	data, err := s.take(ctx, key)
	if err == redis.Nil {
		// No session yet; the marker we just wrote reserves the key.
		return &redisRecord{store: s, key: key, data: nil}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch session %s: %w", sid, err)
	}

	for i := 0; i < sessionTakeRetries && len(data) == 0; i++ {
		time.Sleep(sessionTakeBackoff)
		data, err = s.take(ctx, key)
		if err == redis.Nil {
			// The holder released without writing a session.
			return &redisRecord{store: s, key: key, data: nil}, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to fetch session %s: %w", sid, err)
		}
	}

	if len(data) == 0 {
		logrus.WithFields(logrus.Fields{
			"sid": sid,
		}).Warn("Session take timed out, clearing marker")
		s.rdb.Del(ctx, key)
		return nil, fmt.Errorf("%w: %s", ErrTimeout, sid)
	}

	return &redisRecord{store: s, key: key, data: []byte(data)}, nil
}

func (s *RedisStore) take(ctx context.Context, key string) (string, error) {
	return s.rdb.GetSet(ctx, key, "").Result()
}

func (s *RedisStore) FetchIdentity(id string) ([]byte, error) {
	data, err := s.rdb.Get(context.Background(), identityKey(id)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch identity %s: %w", id, err)
	}
	return data, nil
}

func (s *RedisStore) InsertIdentity(id string, data []byte) error {
	// First writer wins; an identity is never overwritten.
	err := s.rdb.SetNX(context.Background(), identityKey(id), data, 0).Err()
	if err != nil {
		return fmt.Errorf("failed to insert identity %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) FetchPreKeys(id string) ([]PreKeyRecord, error) {
	all, err := s.rdb.HGetAll(context.Background(), prekeyKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch prekeys %s: %w", id, err)
	}
	if len(all) == 0 {
		return nil, nil
	}

	ret := make([]PreKeyRecord, 0, len(all))
	for field, data := range all {
		kid, err := strconv.ParseUint(field, 10, 16)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"id":    id,
				"field": field,
			}).Warn("Skipping prekey hash field with non-numeric name")
			continue
		}
		ret = append(ret, PreKeyRecord{KID: uint16(kid), Data: []byte(data)})
	}
	return ret, nil
}

func (s *RedisStore) InsertPreKey(id string, kid uint16, data []byte) error {
	err := s.rdb.HSet(context.Background(), prekeyKey(id), strconv.Itoa(int(kid)), data).Err()
	if err != nil {
		return fmt.Errorf("failed to insert prekey %d: %w", kid, err)
	}
	return nil
}

func (s *RedisStore) DeletePreKey(id string, kid uint16) error {
	err := s.rdb.HDel(context.Background(), prekeyKey(id), strconv.Itoa(int(kid))).Err()
	if err != nil {
		return fmt.Errorf("failed to delete prekey %d: %w", kid, err)
	}
	return nil
}

// Purge deletes the identity, all prekeys, and every session kept for the id.
func (s *RedisStore) Purge(id string) error {
	ctx := context.Background()

	if err := s.rdb.Del(ctx, identityKey(id), prekeyKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to purge %s: %w", id, err)
	}

	iter := s.rdb.Scan(ctx, 0, fmt.Sprintf("ses_%s-*", id), 0).Iterator()
	for iter.Next(ctx) {
		if err := s.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to purge session %s: %w", iter.Val(), err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to scan sessions for %s: %w", id, err)
	}
	return nil
}

type redisRecord struct {
	store *RedisStore
	key   string
	data  []byte
	done  bool
}

func (r *redisRecord) Data() []byte {
	return r.data
}

func (r *redisRecord) Persist(data []byte) error {
	if r.done {
		return nil
	}
	r.done = true

	ctx := context.Background()
	if data == nil {
		return r.store.rdb.Del(ctx, r.key).Err()
	}
	return r.store.rdb.Set(ctx, r.key, data, 0).Err()
}

// Discard releases the key. A fresh-session marker is deleted; a taken blob
// is restored unchanged.
func (r *redisRecord) Discard() {
	if r.done {
		return
	}
	r.done = true

	ctx := context.Background()
	if r.data == nil {
		r.store.rdb.Del(ctx, r.key)
		return
	}
	r.store.rdb.Set(ctx, r.key, r.data, 0)
}
