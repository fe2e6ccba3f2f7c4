package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Entry is one cached model response.
type Entry struct {
	Key       string    `json:"key"`
	Response  []byte    `json:"response"`
	Model     string    `json:"model"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Hits      int64     `json:"hits"`
}

// Config defines cache configuration.
type Config struct {
	Enabled    bool          `json:"enabled"`
	DefaultTTL time.Duration `json:"default_ttl"`
	MaxSize    int           `json:"max_size"`
}

// DefaultConfig returns sensible defaults for caching.
func DefaultConfig() *Config {
	return &Config{
		Enabled:    true,
		DefaultTTL: 1 * time.Hour,
		MaxSize:    10000,
	}
}

// Backend is the interface for cache storage backends.
type Backend interface {
	Get(ctx context.Context, key string) (*Entry, bool)
	Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error
	Delete(ctx context.Context, key string)
	Clear(ctx context.Context)
}

// Stats tracks cache performance.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// Cache provides response caching with an in-memory default and an
// optional pluggable backend (Redis in production).
type Cache struct {
	backend Backend
	config  *Config
	entries map[string]*Entry
	mu      sync.RWMutex
	stats   Stats
	statsMu sync.Mutex
}

// New creates an in-memory cache instance.
func New(config *Config) *Cache {
	if config == nil {
		config = DefaultConfig()
	}
	return &Cache{
		config:  config,
		entries: make(map[string]*Entry),
	}
}

// NewWithBackend creates a cache instance backed by an external store.
func NewWithBackend(config *Config, backend Backend) *Cache {
	c := New(config)
	c.backend = backend
	return c
}

// GenerateKey creates a cache key from request parameters. The key is a
// compound hash of model and request so two requests only collide when
// they are byte-identical.
func GenerateKey(model string, request interface{}) (string, error) {
	reqBytes, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	hasher := sha256.New()
	hasher.Write([]byte(model))
	hasher.Write([]byte(":"))
	hasher.Write(reqBytes)

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Get retrieves a cached response if available and not expired.
func (c *Cache) Get(ctx context.Context, key string) (*Entry, bool) {
	if !c.config.Enabled {
		return nil, false
	}

	if c.backend != nil {
		entry, ok := c.backend.Get(ctx, key)
		c.recordLookup(ok)
		return entry, ok
	}

	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		c.recordLookup(false)
		return nil, false
	}

	if time.Now().After(entry.ExpiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		c.recordLookup(false)
		return nil, false
	}

	c.mu.Lock()
	entry.Hits++
	c.mu.Unlock()

	c.recordLookup(true)
	return entry, true
}

// Set stores a response in the cache.
func (c *Cache) Set(ctx context.Context, key string, response []byte, model string, ttl time.Duration) error {
	if !c.config.Enabled {
		return nil
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	entry := &Entry{
		Key:       key,
		Response:  response,
		Model:     model,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}

	if c.backend != nil {
		return c.backend.Set(ctx, key, entry, ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.entries) >= c.config.MaxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = entry
	return nil
}

// evictOldestLocked removes the oldest entry. Caller holds c.mu.
func (c *Cache) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.CachedAt.Before(oldestTime) {
			oldestKey = k
			oldestTime = e.CachedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
		c.statsMu.Lock()
		c.stats.Evictions++
		c.statsMu.Unlock()
	}
}

// GetStats returns a snapshot of cache performance counters.
func (c *Cache) GetStats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()

	stats := c.stats
	total := stats.Hits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

func (c *Cache) recordLookup(hit bool) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	if hit {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
}
