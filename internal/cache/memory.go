package cache

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/findingdedup/pkg/models"
)

// MemoryCache is an in-process Cache for offline runs and tests.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryCache) Ping(_ context.Context) error { return nil }

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.entries[key] = e
	return nil
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

func (c *MemoryCache) GetEmbedding(ctx context.Context, model, textHash string) ([]float32, bool, error) {
	raw, found, err := c.Get(ctx, EmbeddingKey(model, textHash))
	if err != nil || !found {
		return nil, false, err
	}
	vec, err := DecodeVector(raw)
	if err != nil {
		return nil, false, nil
	}
	return vec, true, nil
}

func (c *MemoryCache) SetEmbedding(ctx context.Context, model, textHash string, vector []float32, ttl time.Duration) error {
	return c.Set(ctx, EmbeddingKey(model, textHash), EncodeVector(vector), ttl)
}

func (c *MemoryCache) SetRunStatus(ctx context.Context, runID uuid.UUID, status models.RunStatus, ttl time.Duration) error {
	return c.Set(ctx, RunStatusKey(runID), []byte(status), ttl)
}

func (c *MemoryCache) GetRunStatus(ctx context.Context, runID uuid.UUID) (models.RunStatus, bool, error) {
	raw, found, err := c.Get(ctx, RunStatusKey(runID))
	if err != nil || !found {
		return "", false, err
	}
	return models.RunStatus(raw), true, nil
}

func (c *MemoryCache) IncrWithExpiry(_ context.Context, key string, expiry time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	if e, ok := c.lookup(key); ok {
		n = decodeCounter(e.value)
	}
	n++
	c.entries[key] = memoryEntry{value: encodeCounter(n), expiresAt: c.now().Add(expiry)}
	return n, nil
}

// lookup must be called with mu held.
func (c *MemoryCache) lookup(key string) (memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func encodeCounter(n int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(n))
	return b
}

func decodeCounter(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.LittleEndian.Uint64(b))
}

var _ Cache = (*MemoryCache)(nil)
