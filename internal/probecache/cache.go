// Package probecache memoizes extraction probes and bounds their
// concurrency. Two callers asking for the same (url, quality class) share
// one underlying probe; total in-flight probes are capped by a permit pool.
package probecache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"fetchqueue/internal/domain"
	"fetchqueue/internal/extractor"
)

type Config struct {
	TTL        time.Duration
	MaxEntries int
	Permits    int
	Logger     *logrus.Logger
}

type entry struct {
	info      *domain.MediaInfo
	fetchedAt time.Time
	expiresAt time.Time
}

// Cache is the extraction cache and concurrency guard.
type Cache struct {
	cfg  Config
	port extractor.Port

	mu      sync.Mutex
	entries map[string]*entry

	group singleflight.Group
	sem   *semaphore.Weighted

	now func() time.Time
}

func New(port extractor.Port, cfg Config) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	if cfg.Permits <= 0 {
		cfg.Permits = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Cache{
		cfg:     cfg,
		port:    port,
		entries: make(map[string]*entry),
		sem:     semaphore.NewWeighted(int64(cfg.Permits)),
		now:     time.Now,
	}
}

func cacheKey(url string, q domain.Quality) string {
	return fmt.Sprintf("%s|%s", url, q.RequestClass())
}

// Probe returns cached metadata for (url, quality class), probing through
// the port on a miss. Concurrent callers of the same key issue exactly one
// underlying probe; the rest wait for its result.
func (c *Cache) Probe(ctx context.Context, url string, q domain.Quality, opts extractor.ProbeOptions) (*domain.ProbeHandle, error) {
	key := cacheKey(url, q)

	if h := c.lookup(key); h != nil {
		return h, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check under the flight: an earlier flight may have filled it.
		if h := c.lookup(key); h != nil {
			return h, nil
		}

		if err := c.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		defer c.sem.Release(1)

		info, err := c.port.Probe(ctx, url, opts)
		if err != nil {
			return nil, err
		}
		return c.store(key, info), nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.ProbeHandle), nil
}

// Invalidate drops any cached entry for (url, quality class).
func (c *Cache) Invalidate(url string, q domain.Quality) {
	c.mu.Lock()
	delete(c.entries, cacheKey(url, q))
	c.mu.Unlock()
}

// Len reports the live entry count, expired entries included until purged.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) lookup(key string) *domain.ProbeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil
	}
	return &domain.ProbeHandle{Info: e.info, FetchedAt: e.fetchedAt}
}

func (c *Cache) store(key string, info *domain.MediaInfo) *domain.ProbeHandle {
	now := c.now()
	c.mu.Lock()
	c.entries[key] = &entry{
		info:      info,
		fetchedAt: now,
		expiresAt: now.Add(c.cfg.TTL),
	}
	c.purgeLocked(now)
	c.mu.Unlock()
	return &domain.ProbeHandle{Info: info, FetchedAt: now}
}

// purgeLocked drops expired entries and, past the size cap, the entries
// closest to expiry.
func (c *Cache) purgeLocked(now time.Time) {
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, key)
		}
	}
	if len(c.entries) <= c.cfg.MaxEntries {
		return
	}
	type aged struct {
		key       string
		expiresAt time.Time
	}
	all := make([]aged, 0, len(c.entries))
	for key, e := range c.entries {
		all = append(all, aged{key, e.expiresAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].expiresAt.Before(all[j].expiresAt) })
	excess := len(c.entries) - c.cfg.MaxEntries
	for _, a := range all[:excess] {
		delete(c.entries, a.key)
	}
	c.cfg.Logger.Debugf("probe cache trimmed %d entries", excess)
}
