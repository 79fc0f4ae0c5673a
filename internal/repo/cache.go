package repo

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tramita/internal/domain"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tramita_snapshot_cache_hits_total",
		Help: "Request snapshot reads served from the LRU cache.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tramita_snapshot_cache_misses_total",
		Help: "Request snapshot reads that went to the database.",
	})
	cacheStaleTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tramita_snapshot_cache_stale_total",
		Help: "Cached request snapshots dropped because the stored version moved on.",
	})
)

// SnapshotCache keeps recently read request snapshots. Writers refresh the
// entry after commit; transactional reads never consult it. An entry never
// moves back to an older version.
type SnapshotCache struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, domain.Request]
}

func NewSnapshotCache(size int, ttl time.Duration) *SnapshotCache {
	if size <= 0 {
		size = 512
	}
	return &SnapshotCache{lru: expirable.NewLRU[string, domain.Request](size, nil, ttl)}
}

func (c *SnapshotCache) Get(id string) (domain.Request, bool) {
	req, ok := c.lru.Get(id)
	if !ok {
		cacheMissesTotal.Inc()
		return domain.Request{}, false
	}
	cacheHitsTotal.Inc()
	return cloneRequest(req), true
}

// Set stores req unless the cache already holds a newer version of it.
func (c *SnapshotCache) Set(req domain.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.lru.Peek(req.ID); ok && cur.Version > req.Version {
		return
	}
	c.lru.Add(req.ID, cloneRequest(req))
}

func (c *SnapshotCache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(id)
}

// Evict drops an entry found to be behind the database.
func (c *SnapshotCache) Evict(id string) {
	cacheStaleTotal.Inc()
	c.Remove(id)
}

func cloneRequest(req domain.Request) domain.Request {
	if req.Items != nil {
		req.Items = append([]domain.Item(nil), req.Items...)
	}
	return req
}
