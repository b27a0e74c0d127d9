// Package cache implements the content-addressed artifact cache. Entries are
// bounded by count and by total payload bytes, expire individually and are
// evicted least-recently-used first. The cache is an optimisation: callers
// treat any failure as a miss.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/example/document-delivery/internal/metrics"
)

const (
	defaultMaxEntries    = 1000
	defaultMaxBytes      = 256 << 20
	defaultTTL           = 24 * time.Hour
	defaultSweepInterval = 5 * time.Minute
)

// Eviction reasons reported to metrics.
const (
	reasonCapacity    = "capacity"
	reasonExpired     = "expired"
	reasonInvalidated = "invalidated"
	reasonShrink      = "shrink"
)

var (
	// ErrTooLarge is returned when a payload alone exceeds the byte bound.
	ErrTooLarge = errors.New("cache: payload exceeds maximum cache size")
	// ErrEmptyKey is returned for writes without a key.
	ErrEmptyKey = errors.New("cache: key is required")
)

// Config bounds the cache.
type Config struct {
	MaxEntries    int
	MaxBytes      int64
	DefaultTTL    time.Duration
	SweepInterval time.Duration
}

// Value is the payload stored for a key together with its media type.
type Value struct {
	ContentType string
	Payload     []byte
}

// Entry is a snapshot of a cached item's metadata and payload.
type Entry struct {
	Key            string
	ContentType    string
	Payload        []byte
	SizeBytes      int64
	CreatedAt      time.Time
	ExpiresAt      time.Time
	AccessCount    int64
	LastAccessedAt time.Time
}

// Stats summarises cache occupancy and effectiveness.
type Stats struct {
	Entries     int     `json:"entries"`
	TotalBytes  int64   `json:"totalBytes"`
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	HitRate     float64 `json:"hitRate"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
}

// Loader produces a value on a cache miss.
type Loader func(ctx context.Context) (Value, error)

// Option customises the cache at construction time.
type Option func(*Cache)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) {
		c.metrics = m
	}
}

// Cache is safe for concurrent use.
type Cache struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.Mutex
	items      map[string]*list.Element
	lru        *list.List
	totalBytes int64

	hits        uint64
	misses      uint64
	evictions   uint64
	expirations uint64

	loads singleflight.Group

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a cache. Zero config values fall back to defaults.
func New(cfg Config, logger zerolog.Logger, opts ...Option) *Cache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = defaultMaxBytes
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = defaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}

	c := &Cache{
		cfg:    cfg,
		logger: logger.With().Str("component", "content_cache").Logger(),
		now:    time.Now,
		items:  make(map[string]*list.Element),
		lru:    list.New(),
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start launches the background expiry sweep. It stops when ctx is done or
// Close is called.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				if n := c.SweepExpired(); n > 0 {
					c.logger.Debug().Int("removed", n).Msg("cache sweep removed expired entries")
				}
			}
		}
	}()
}

// Close stops the sweep goroutine.
func (c *Cache) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

// Get returns the payload stored under key. The returned slice must not be
// modified.
func (c *Cache) Get(key string) ([]byte, bool) {
	e, ok := c.Lookup(key)
	if !ok {
		return nil, false
	}
	return e.Payload, true
}

// Lookup returns a snapshot of the entry stored under key and records the
// access.
func (c *Cache) Lookup(key string) (Entry, bool) {
	now := c.now()

	c.mu.Lock()
	elem, ok := c.items[key]
	if !ok {
		c.misses++
		c.mu.Unlock()
		c.metrics.CacheLookup(false)
		return Entry{}, false
	}
	e := elem.Value.(*Entry)
	if !now.Before(e.ExpiresAt) {
		c.removeElement(elem)
		c.expirations++
		c.misses++
		entries, bytes := len(c.items), c.totalBytes
		c.mu.Unlock()
		c.metrics.CacheLookup(false)
		c.metrics.CacheEvicted(reasonExpired, 1)
		c.metrics.CacheSize(entries, bytes)
		return Entry{}, false
	}
	e.AccessCount++
	e.LastAccessedAt = now
	c.lru.MoveToFront(elem)
	c.hits++
	snapshot := *e
	c.mu.Unlock()

	c.metrics.CacheLookup(true)
	return snapshot, true
}

// Put stores payload under key with the supplied ttl (DefaultTTL when <= 0).
func (c *Cache) Put(key string, payload []byte, ttl time.Duration) error {
	return c.Set(key, Value{Payload: payload}, ttl)
}

// Set stores a typed value. Least-recently-used entries are evicted until
// both the entry and byte bounds hold with the new entry admitted.
func (c *Cache) Set(key string, v Value, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	size := int64(len(v.Payload))
	if size > c.cfg.MaxBytes {
		return fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, size, c.cfg.MaxBytes)
	}
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	now := c.now()

	c.mu.Lock()
	if elem, ok := c.items[key]; ok {
		c.removeElement(elem)
	}
	evicted := 0
	for len(c.items) > 0 && (len(c.items)+1 > c.cfg.MaxEntries || c.totalBytes+size > c.cfg.MaxBytes) {
		c.removeElement(c.lru.Back())
		evicted++
	}
	c.evictions += uint64(evicted)

	entry := &Entry{
		Key:            key,
		ContentType:    v.ContentType,
		Payload:        v.Payload,
		SizeBytes:      size,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		LastAccessedAt: now,
	}
	c.items[key] = c.lru.PushFront(entry)
	c.totalBytes += size
	entries, bytes := len(c.items), c.totalBytes
	c.mu.Unlock()

	if evicted > 0 {
		c.logger.Debug().Int("evicted", evicted).Str("key", key).Msg("cache evicted entries to admit new entry")
	}
	c.metrics.CacheEvicted(reasonCapacity, evicted)
	c.metrics.CacheSize(entries, bytes)
	return nil
}

// GetOrLoad returns the cached value for key or runs loader once for all
// concurrent callers missing the same key and stores its result. Store
// failures are logged and absorbed. The boolean reports a cache hit.
//
// The loader runs detached from any single caller's cancellation; a caller
// whose ctx ends stops waiting and gets ctx.Err() while the others keep
// waiting for the shared result.
func (c *Cache) GetOrLoad(ctx context.Context, key string, ttl time.Duration, loader Loader) (Value, bool, error) {
	if e, ok := c.Lookup(key); ok {
		return Value{ContentType: e.ContentType, Payload: e.Payload}, true, nil
	}

	loadCtx := context.WithoutCancel(ctx)
	ch := c.loads.DoChan(key, func() (any, error) {
		if e, ok := c.peek(key); ok {
			return Value{ContentType: e.ContentType, Payload: e.Payload}, nil
		}
		v, err := loader(loadCtx)
		if err != nil {
			return Value{}, err
		}
		if err := c.Set(key, v, ttl); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("cache store failed; continuing without cache")
		}
		return v, nil
	})

	select {
	case <-ctx.Done():
		return Value{}, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Value{}, false, res.Err
		}
		return res.Val.(Value), false, nil
	}
}

// Invalidate removes the entry stored under prefixOrKey or every entry whose
// key starts with it. It returns the number of entries removed.
func (c *Cache) Invalidate(prefixOrKey string) int {
	if prefixOrKey == "" {
		return 0
	}
	c.mu.Lock()
	removed := 0
	if elem, ok := c.items[prefixOrKey]; ok {
		c.removeElement(elem)
		removed++
	}
	for key, elem := range c.items {
		if strings.HasPrefix(key, prefixOrKey) {
			c.removeElement(elem)
			removed++
		}
	}
	entries, bytes := len(c.items), c.totalBytes
	c.mu.Unlock()

	c.metrics.CacheEvicted(reasonInvalidated, removed)
	c.metrics.CacheSize(entries, bytes)
	return removed
}

// Shrink evicts least-recently-used entries until at most (1-fraction) of the
// current entries remain. Expired entries go first.
func (c *Cache) Shrink(fraction float64) int {
	if fraction <= 0 {
		return 0
	}
	if fraction > 1 {
		fraction = 1
	}
	expired := c.SweepExpired()

	c.mu.Lock()
	target := int(float64(len(c.items)) * (1 - fraction))
	removed := 0
	for len(c.items) > target {
		c.removeElement(c.lru.Back())
		removed++
	}
	c.evictions += uint64(removed)
	entries, bytes := len(c.items), c.totalBytes
	c.mu.Unlock()

	c.metrics.CacheEvicted(reasonShrink, removed)
	c.metrics.CacheSize(entries, bytes)
	if removed+expired > 0 {
		c.logger.Info().Int("evicted", removed).Int("expired", expired).Msg("cache shrunk under memory pressure")
	}
	return removed + expired
}

// SweepExpired removes every expired entry and returns how many were removed.
func (c *Cache) SweepExpired() int {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for elem := c.lru.Back(); elem != nil; {
		prev := elem.Prev()
		if !now.Before(elem.Value.(*Entry).ExpiresAt) {
			c.removeElement(elem)
			removed++
		}
		elem = prev
	}
	c.expirations += uint64(removed)
	entries, bytes := len(c.items), c.totalBytes
	c.mu.Unlock()

	c.metrics.CacheEvicted(reasonExpired, removed)
	c.metrics.CacheSize(entries, bytes)
	return removed
}

// Stats returns a consistent snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Entries:     len(c.items),
		TotalBytes:  c.totalBytes,
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	return s
}

// peek reads without touching access statistics.
func (c *Cache) peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.items[key]
	if !ok {
		return Entry{}, false
	}
	e := elem.Value.(*Entry)
	if !c.now().Before(e.ExpiresAt) {
		return Entry{}, false
	}
	return *e, true
}

// removeElement must be called with c.mu held.
func (c *Cache) removeElement(elem *list.Element) {
	if elem == nil {
		return
	}
	e := elem.Value.(*Entry)
	c.lru.Remove(elem)
	delete(c.items, e.Key)
	c.totalBytes -= e.SizeBytes
}
