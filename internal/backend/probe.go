package backend

import (
	"context"
	"sync"
	"time"
)

// DefaultProbeTTL is how long a probe result is trusted.
const DefaultProbeTTL = 30 * time.Second

// ProbeFunc checks whether an engine can run on this host. A nil error means
// available.
type ProbeFunc func(ctx context.Context) error

// ProbeResult is one cached probe outcome.
type ProbeResult struct {
	Available bool      `json:"available"`
	Reason    string    `json:"reason,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// ProbeCache holds probe results for a fixed TTL.
type ProbeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]ProbeResult
}

// NewProbeCache creates a cache. A nil clock uses time.Now.
func NewProbeCache(ttl time.Duration, now func() time.Time) *ProbeCache {
	if ttl <= 0 {
		ttl = DefaultProbeTTL
	}
	if now == nil {
		now = time.Now
	}
	return &ProbeCache{ttl: ttl, now: now, entries: make(map[string]ProbeResult)}
}

// Get returns a result younger than the TTL.
func (c *ProbeCache) Get(kind string) (ProbeResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.entries[kind]
	if !ok || c.now().Sub(r.CheckedAt) >= c.ttl {
		return ProbeResult{}, false
	}
	return r, true
}

// Put stores r, stamping it with the current time.
func (c *ProbeCache) Put(kind string, r ProbeResult) ProbeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.CheckedAt = c.now()
	c.entries[kind] = r
	return r
}

// Invalidate drops kind, or every entry when kind is empty.
func (c *ProbeCache) Invalidate(kind string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if kind == "" {
		clear(c.entries)
		return
	}
	delete(c.entries, kind)
}

// Prober runs per-engine probes behind a ProbeCache. Engines without a probe
// are always available.
type Prober struct {
	mu     sync.RWMutex
	probes map[string]ProbeFunc
	cache  *ProbeCache
}

// NewProber creates a prober backed by cache.
func NewProber(cache *ProbeCache) *Prober {
	if cache == nil {
		cache = NewProbeCache(DefaultProbeTTL, nil)
	}
	return &Prober{probes: make(map[string]ProbeFunc), cache: cache}
}

// SetProbe registers the probe for kind.
func (p *Prober) SetProbe(kind string, fn ProbeFunc) {
	p.mu.Lock()
	p.probes[kind] = fn
	p.mu.Unlock()
	p.cache.Invalidate(kind)
}

// Probe returns the cached result for kind, probing on a miss.
func (p *Prober) Probe(ctx context.Context, kind string) ProbeResult {
	if r, ok := p.cache.Get(kind); ok {
		return r
	}
	p.mu.RLock()
	fn, ok := p.probes[kind]
	p.mu.RUnlock()
	if !ok {
		return p.cache.Put(kind, ProbeResult{Available: true})
	}
	if err := fn(ctx); err != nil {
		return p.cache.Put(kind, ProbeResult{Reason: err.Error()})
	}
	return p.cache.Put(kind, ProbeResult{Available: true})
}
