package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adshares/ads-tests-sub000/internal/domain/model"
	"github.com/adshares/ads-tests-sub000/internal/metrics"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "escverify:cursor:"

// CursorStore keeps one event cursor per account in Redis so that
// incremental log scans survive restarts.
type CursorStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewCursorStore wraps client. A zero ttl keeps cursors forever.
func NewCursorStore(client *redis.Client, prefix string, ttl time.Duration) *CursorStore {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &CursorStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *CursorStore) key(addr model.Address) string {
	return s.prefix + string(addr)
}

// Load returns the stored cursor, or the zero cursor when none is stored.
func (s *CursorStore) Load(ctx context.Context, addr model.Address) (model.EventCursor, error) {
	raw, err := s.client.Get(ctx, s.key(addr)).Bytes()
	if errors.Is(err, redis.Nil) {
		observe("redis", "load", nil)
		return model.EventCursor{}, nil
	}
	if err != nil {
		observe("redis", "load", err)
		return model.EventCursor{}, fmt.Errorf("load cursor %s: %w", addr, err)
	}
	var c model.EventCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		observe("redis", "load", err)
		return model.EventCursor{}, fmt.Errorf("decode cursor %s: %w", addr, err)
	}
	observe("redis", "load", nil)
	return c, nil
}

// Save stores c for addr.
func (s *CursorStore) Save(ctx context.Context, addr model.Address, c model.EventCursor) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode cursor %s: %w", addr, err)
	}
	err = s.client.Set(ctx, s.key(addr), raw, s.ttl).Err()
	observe("redis", "save", err)
	if err != nil {
		return fmt.Errorf("save cursor %s: %w", addr, err)
	}
	return nil
}

// Delete forgets the cursor for addr. A later Load returns the zero cursor.
func (s *CursorStore) Delete(ctx context.Context, addr model.Address) error {
	err := s.client.Del(ctx, s.key(addr)).Err()
	observe("redis", "delete", err)
	if err != nil {
		return fmt.Errorf("delete cursor %s: %w", addr, err)
	}
	return nil
}

// MemoryCursorStore is the process-local store used when Redis is not
// configured.
type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[model.Address]model.EventCursor
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[model.Address]model.EventCursor)}
}

func (s *MemoryCursorStore) Load(_ context.Context, addr model.Address) (model.EventCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	observe("memory", "load", nil)
	return s.cursors[addr], nil
}

func (s *MemoryCursorStore) Save(_ context.Context, addr model.Address, c model.EventCursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[addr] = c
	observe("memory", "save", nil)
	return nil
}

func (s *MemoryCursorStore) Delete(_ context.Context, addr model.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, addr)
	observe("memory", "delete", nil)
	return nil
}

func observe(backend, op string, err error) {
	outcome := metrics.OutcomeOK
	if err != nil {
		outcome = metrics.OutcomeError
	}
	metrics.CursorStoreOpsTotal.WithLabelValues(backend, op, outcome).Inc()
}
