package netsafety

import (
	"container/list"
	"net/netip"
	"sync"
	"time"

	"github.com/linkhoard/linkhoard/internal/core"
)

const (
	defaultDNSCacheCapacity = 1000
	defaultDNSCacheTTL      = 5 * time.Minute
)

// dnsCache is a bounded LRU of hostname -> resolved addresses with a short
// TTL. It exists purely as a performance optimization: a miss only adds
// lookup latency, it never weakens the safety check.
type dnsCache struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	clock    core.Clock
	entries  map[string]*list.Element
	order    *list.List
}

type dnsCacheEntry struct {
	hostname  string
	addrs     []netip.Addr
	expiresAt time.Time
}

func newDNSCache(capacity int, ttl time.Duration, clock core.Clock) *dnsCache {
	if capacity <= 0 {
		capacity = defaultDNSCacheCapacity
	}
	if ttl <= 0 {
		ttl = defaultDNSCacheTTL
	}
	return &dnsCache{
		capacity: capacity,
		ttl:      ttl,
		clock:    clock,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (c *dnsCache) get(hostname string) ([]netip.Addr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[hostname]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*dnsCacheEntry)
	if c.clock.Now().After(entry.expiresAt) {
		c.order.Remove(elem)
		delete(c.entries, hostname)
		return nil, false
	}
	c.order.MoveToFront(elem)
	return entry.addrs, true
}

func (c *dnsCache) put(hostname string, addrs []netip.Addr) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[hostname]; ok {
		entry := elem.Value.(*dnsCacheEntry)
		entry.addrs = addrs
		entry.expiresAt = c.clock.Now().Add(c.ttl)
		c.order.MoveToFront(elem)
		return
	}
	for c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		if oldest == nil {
			break
		}
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*dnsCacheEntry).hostname)
	}
	elem := c.order.PushFront(&dnsCacheEntry{
		hostname:  hostname,
		addrs:     addrs,
		expiresAt: c.clock.Now().Add(c.ttl),
	})
	c.entries[hostname] = elem
}

func (c *dnsCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
