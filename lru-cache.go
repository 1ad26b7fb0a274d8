package ruledns

import (
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Identity of a cached response: query name (lower-case), type and class.
type cacheKey struct {
	name   string
	qtype  uint16
	qclass uint16
}

func keyOf(q *dns.Msg) cacheKey {
	question := q.Question[0]
	return cacheKey{
		name:   strings.ToLower(question.Name),
		qtype:  question.Qtype,
		qclass: question.Qclass,
	}
}

type lruCache struct {
	maxItems   int
	items      map[cacheKey]*cacheItem
	head, tail *cacheItem
}

type cacheItem struct {
	key cacheKey
	*cacheAnswer
	prev, next *cacheItem
}

type cacheAnswer struct {
	timestamp time.Time // Time the record was cached. Needed to adjust TTL
	expiry    time.Time // Time the record expires and should be removed
	*dns.Msg
}

func newLRUCache(capacity int) *lruCache {
	head := new(cacheItem)
	tail := new(cacheItem)
	head.next = tail
	tail.prev = head

	return &lruCache{
		maxItems: capacity,
		items:    make(map[cacheKey]*cacheItem),
		head:     head,
		tail:     tail,
	}
}

// Adds or replaces an answer and makes it the most recent item. Returns the
// number of items evicted to stay within capacity.
func (c *lruCache) add(key cacheKey, answer *cacheAnswer) int {
	if item := c.touch(key); item != nil {
		item.cacheAnswer = answer
		return 0
	}
	// Add new item to the top of the linked list
	item := &cacheItem{
		key:         key,
		cacheAnswer: answer,
		next:        c.head.next,
		prev:        c.head,
	}
	c.head.next.prev = item
	c.head.next = item
	c.items[key] = item
	return c.resize()
}

// Loads a cache item and puts it to the top of the queue (most recent).
func (c *lruCache) touch(key cacheKey) *cacheItem {
	item := c.items[key]
	if item == nil {
		return nil
	}
	// move the item to the top of the linked list
	item.prev.next = item.next
	item.next.prev = item.prev
	item.next = c.head.next
	item.prev = c.head
	c.head.next.prev = item
	c.head.next = item
	return item
}

func (c *lruCache) delete(key cacheKey) {
	item := c.items[key]
	if item == nil {
		return
	}
	c.unlink(item)
}

func (c *lruCache) get(key cacheKey) *cacheAnswer {
	item := c.touch(key)
	if item != nil {
		return item.cacheAnswer
	}
	return nil
}

// Shrink the cache down to the maximum number of itmes.
func (c *lruCache) resize() int {
	if c.maxItems <= 0 { // no size limit
		return 0
	}
	drop := len(c.items) - c.maxItems
	for i := 0; i < drop; i++ {
		c.unlink(c.tail.prev)
	}
	if drop < 0 {
		return 0
	}
	return drop
}

func (c *lruCache) unlink(item *cacheItem) {
	item.prev.next = item.next
	item.next.prev = item.prev
	delete(c.items, item.key)
}

func (c *lruCache) reset() {
	c.head.next = c.tail
	c.tail.prev = c.head
	c.items = make(map[cacheKey]*cacheItem)
}

func (c *lruCache) size() int {
	return len(c.items)
}
