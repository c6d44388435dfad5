package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound        = errors.New("session not found")
	ErrExists          = errors.New("session already exists")
	ErrVersionConflict = errors.New("session version conflict")
)

// Store persists sessions with optimistic concurrency.
type Store interface {
	// Get returns ErrNotFound for unknown users.
	Get(ctx context.Context, userID int64) (Session, error)
	// Create stores s with Version 1, or fails with ErrExists.
	Create(ctx context.Context, s *Session) error
	// Update stores s if its Version matches the stored one, then bumps
	// s.Version. A mismatch fails with ErrVersionConflict.
	Update(ctx context.Context, s *Session) error
	Close() error
}

// MemoryStore keeps sessions for the process lifetime.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[int64]Session
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[int64]Session), now: time.Now}
}

func (m *MemoryStore) Get(_ context.Context, userID int64) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[userID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.UserID]; ok {
		return ErrExists
	}
	now := m.now()
	s.CreatedAt, s.UpdatedAt, s.Version = now, now, 1
	m.sessions[s.UserID] = *s
	return nil
}

func (m *MemoryStore) Update(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.sessions[s.UserID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != s.Version {
		return ErrVersionConflict
	}
	s.Version++
	s.UpdatedAt = m.now()
	m.sessions[s.UserID] = *s
	return nil
}

func (m *MemoryStore) Close() error { return nil }

const sessionKeyPrefix = "intake:session:"

// RedisStore keeps sessions as JSON values. A positive ttl expires idle
// sessions and is refreshed on every read and write.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func NewRedisStore(client redis.UniversalClient, ttl time.Duration) *RedisStore {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) key(userID int64) string {
	return fmt.Sprintf("%s%d", sessionKeyPrefix, userID)
}

func (r *RedisStore) Get(ctx context.Context, userID int64) (Session, error) {
	key := r.key(userID)
	val, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(val, &s); err != nil {
		return Session{}, fmt.Errorf("decode session: %w", err)
	}
	if r.ttl > 0 {
		// a failed refresh only shortens retention
		_ = r.client.Expire(ctx, key, r.ttl).Err()
	}
	return s, nil
}

func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	now := time.Now()
	s.CreatedAt, s.UpdatedAt, s.Version = now, now, 1
	val, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	ok, err := r.client.SetNX(ctx, r.key(s.UserID), val, r.ttl).Result()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Update uses WATCH/MULTI/EXEC so concurrent writers cannot overwrite each
// other's transitions.
func (r *RedisStore) Update(ctx context.Context, s *Session) error {
	key := r.key(s.UserID)
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var stored Session
		if err := json.Unmarshal(val, &stored); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		if stored.Version != s.Version {
			return ErrVersionConflict
		}

		next := *s
		next.Version++
		next.UpdatedAt = time.Now()
		out, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, r.ttl)
			return nil
		})
		if err != nil {
			return err
		}
		*s = next
		return nil
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrVersionConflict
	}
	return err
}

func (r *RedisStore) Close() error { return r.client.Close() }
