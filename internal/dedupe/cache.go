// ABOUTME: Thread-safe TTL cache remembering which client message IDs were accepted
// ABOUTME: Lets sendMessage retries with the same clientMessageId be rejected as duplicates

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// entry is one remembered key. An empty messageID means a submit is still in flight.
type entry struct {
	key       string
	messageID string
	stored    time.Time
	element   *list.Element
}

// Cache remembers keys for a fixed TTL, bounded to maxSize entries.
// Oldest entries are evicted first; a linked list keeps eviction O(1).
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// New creates a cache with the given TTL and maximum size.
// A background goroutine periodically drops expired entries.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*entry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go c.cleanup()
	return c
}

// Key builds the cache key for a client message within a conversation.
func Key(conversationID, clientMessageID string) string {
	return conversationID + "\x00" + clientMessageID
}

// Reserve claims key for a new submit. It returns ok=false when the key is
// already known, together with the stored message ID (empty while the
// original submit is still in flight).
func (c *Cache) Reserve(key string) (messageID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e := c.liveLocked(key); e != nil {
		return e.messageID, false
	}
	c.storeLocked(key, "")
	return "", true
}

// Complete records the message ID a reserved key produced.
func (c *Cache) Complete(key, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeLocked(key, messageID)
}

// Release forgets a reservation whose submit failed, so a retry can proceed.
func (c *Cache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && e.messageID == "" {
		c.removeLocked(e)
	}
}

// Lookup returns the message ID stored for key, if any.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.liveLocked(key)
	if e == nil || e.messageID == "" {
		return "", false
	}
	return e.messageID, true
}

// Len reports the number of entries, expired ones included until cleanup runs.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// liveLocked returns the unexpired entry for key. Must be called with mu held.
func (c *Cache) liveLocked(key string) *entry {
	e, ok := c.entries[key]
	if !ok {
		return nil
	}
	if c.now().Sub(e.stored) >= c.ttl {
		c.removeLocked(e)
		return nil
	}
	return e
}

// storeLocked inserts or refreshes key. Must be called with mu held.
func (c *Cache) storeLocked(key, messageID string) {
	now := c.now()

	if e, exists := c.entries[key]; exists {
		e.messageID = messageID
		e.stored = now
		c.order.MoveToBack(e.element)
		return
	}

	if len(c.entries) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front.Value.(*entry))
		}
	}

	e := &entry{key: key, messageID: messageID, stored: now}
	e.element = c.order.PushBack(e)
	c.entries[key] = e
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.element)
	delete(c.entries, e.key)
}

// cleanup runs in a background goroutine, periodically removing expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCleanup()
		case <-c.done:
			return
		}
	}
}

// runCleanup walks from the oldest entry and stops at the first live one.
func (c *Cache) runCleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*entry)
		if now.Sub(e.stored) < c.ttl {
			return
		}
		c.removeLocked(e)
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
