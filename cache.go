package ruledns

import (
	"sync"
	"time"

	"github.com/miekg/dns"
)

// Cache stores responses for up to TTL seconds in memory. It is safe for
// concurrent use, every message going in or out is a copy.
type Cache struct {
	CacheOptions
	id  string
	mu  sync.Mutex
	lru *lruCache
}

type CacheOptions struct {
	// Max number of responses to keep in the cache. Must be positive. If the
	// limit is reached, the least-recently used entry is removed from the cache.
	Capacity int

	// TTL to use for negative responses that do not have an SOA record, default 60
	NegativeTTL uint32
}

// NewCache returns a new, empty cache.
func NewCache(id string, opt CacheOptions) (*Cache, error) {
	if opt.Capacity <= 0 {
		return nil, configErrorf(InvalidValue, id, "cache size must be positive, got %d", opt.Capacity)
	}
	if opt.NegativeTTL == 0 {
		opt.NegativeTTL = 60
	}
	return &Cache{
		CacheOptions: opt,
		id:           id,
		lru:          newLRUCache(opt.Capacity),
	}, nil
}

// Get returns a cached answer for the query with its TTLs reduced by the time
// spent in the cache, floored at zero, or false on a cache-miss. An entry
// expires once all of its records reached a TTL of zero and is then removed.
func (r *Cache) Get(q *dns.Msg) (*dns.Msg, bool) {
	if len(q.Question) != 1 {
		return nil, false
	}
	key := keyOf(q)
	now := time.Now()

	r.mu.Lock()
	item := r.lru.get(key)
	if item != nil && now.After(item.expiry) {
		r.lru.delete(key)
		item = nil
	}
	var (
		answer    *dns.Msg
		timestamp time.Time
	)
	if item != nil {
		answer = item.Copy()
		timestamp = item.timestamp
	}
	size := r.lru.size()
	r.mu.Unlock()

	metrics.cacheEntries.WithLabelValues(r.id).Set(float64(size))
	if answer == nil {
		metrics.cacheMiss.WithLabelValues(r.id).Inc()
		return nil, false
	}
	metrics.cacheHit.WithLabelValues(r.id).Inc()

	answer.Id = q.Id

	// Calculate the time the record spent in the cache. We need to
	// subtract that from the TTL of each answer record. OPT records have
	// a TTL of 0 and are ignored.
	age := uint32(now.Sub(timestamp).Seconds())
	for _, rr := range [][]dns.RR{answer.Answer, answer.Ns, answer.Extra} {
		for _, a := range rr {
			if _, ok := a.(*dns.OPT); ok {
				continue
			}
			h := a.Header()
			if age >= h.Ttl {
				h.Ttl = 0
				continue
			}
			h.Ttl -= age
		}
	}
	return answer, true
}

// Put stores a copy of the answer under the identity of the query. Responses
// that can not be cached (truncated, server failures, all TTLs zero) are ignored.
func (r *Cache) Put(q, a *dns.Msg) {
	if len(q.Question) != 1 || a == nil || a.Truncated {
		return
	}
	now := time.Now()

	// Prepare an item for the cache, without expiry for now
	item := &cacheAnswer{Msg: a.Copy(), timestamp: now}

	// The entry lives as long as its longest-lived record. Records with a
	// shorter TTL are returned with a TTL of 0 once they run out.
	max, ok := maxTTL(a)

	// Calculate expiry for the whole record. Negative answers may not have a SOA to use the TTL from.
	switch a.Rcode {
	case dns.RcodeSuccess, dns.RcodeNameError, dns.RcodeNotImplemented, dns.RcodeFormatError:
		if ok {
			if max == 0 {
				return
			}
			item.expiry = now.Add(time.Duration(max) * time.Second)
		} else {
			item.expiry = now.Add(time.Duration(r.NegativeTTL) * time.Second)
		}
	default:
		return
	}

	r.mu.Lock()
	evicted := r.lru.add(keyOf(q), item)
	size := r.lru.size()
	r.mu.Unlock()

	metrics.cacheEntries.WithLabelValues(r.id).Set(float64(size))
	if evicted > 0 {
		Log.WithField("id", r.id).WithField("evicted", evicted).Trace("cache capacity reached")
	}
}

// Len returns the number of entries currently held, including expired ones
// that have not been accessed since they expired.
func (r *Cache) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lru.size()
}

// Flush the cache (reset to empty).
func (r *Cache) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lru.reset()
}

func (r *Cache) String() string {
	return r.id
}

// Find the highest TTL in all resource records (except OPT).
func maxTTL(answer *dns.Msg) (uint32, bool) {
	var (
		max   uint32
		found bool
	)
	for _, rr := range [][]dns.RR{answer.Answer, answer.Ns, answer.Extra} {
		for _, a := range rr {
			if _, ok := a.(*dns.OPT); ok {
				continue
			}
			found = true
			if h := a.Header(); h.Ttl > max {
				max = h.Ttl
			}
		}
	}
	return max, found
}
