package chatsync

import (
	"sort"
	"sync"
	"time"
)

type cacheEntry struct {
	msg Message
	seq uint64
}

func (e *cacheEntry) before(o *cacheEntry) bool {
	if !e.msg.CreatedAt.Equal(o.msg.CreatedAt) {
		return e.msg.CreatedAt.Before(o.msg.CreatedAt)
	}
	return e.seq < o.seq
}

// Cache is the ordered in-memory message list of one conversation. Entries are
// kept sorted by CreatedAt, ties broken by insertion order. All methods are
// synchronous and safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	entries  []*cacheEntry
	byID     map[string]*cacheEntry
	replaced map[string]string // provisional id -> authoritative id
	nextSeq  uint64
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		byID:     make(map[string]*cacheEntry),
		replaced: make(map[string]string),
	}
}

// Append inserts m at its ordered position. It reports false when the id is
// already present; in that case only a read flag is merged in.
func (c *Cache) Append(m Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.byID[m.ID]; ok {
		if m.Read {
			existing.msg.Read = true
		}
		return false
	}
	if _, ok := c.replaced[m.ID]; ok {
		return false
	}
	c.nextSeq++
	c.insertLocked(&cacheEntry{msg: m.clone(), seq: c.nextSeq})
	return true
}

// Replace swaps the provisional entry for its authoritative counterpart. The
// replacement keeps the provisional entry's insertion rank, so equal
// timestamps stay in send order. If the authoritative id is already cached the
// provisional entry is simply dropped.
func (c *Cache) Replace(provisionalID string, authoritative Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	prov, ok := c.byID[provisionalID]
	if !ok {
		return false
	}
	c.removeLocked(prov)
	c.replaced[provisionalID] = authoritative.ID

	if existing, ok := c.byID[authoritative.ID]; ok {
		if prov.msg.Read || authoritative.Read {
			existing.msg.Read = true
		}
		return true
	}

	next := authoritative.clone()
	if prov.msg.Read {
		next.Read = true
	}
	if next.Translation == nil && prov.msg.Translation != nil {
		t := *prov.msg.Translation
		next.Translation = &t
	}
	c.insertLocked(&cacheEntry{msg: next, seq: prov.seq})
	return true
}

// Remove deletes the entry with the given id.
func (c *Cache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byID[id]
	if !ok {
		return false
	}
	c.removeLocked(e)
	return true
}

// MarkRead flags the given messages as read and returns the ids that changed.
// Unknown ids are ignored; read messages stay read.
func (c *Cache) MarkRead(ids ...string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var changed []string
	for _, id := range ids {
		e, ok := c.byID[c.resolveLocked(id)]
		if !ok || e.msg.Read {
			continue
		}
		e.msg.Read = true
		changed = append(changed, e.msg.ID)
	}
	return changed
}

// AttachTranslation sets the translation of a message without touching its
// body, kind or position.
func (c *Cache) AttachTranslation(id string, tr Translation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byID[c.resolveLocked(id)]
	if !ok {
		return false
	}
	e.msg.Translation = &tr
	return true
}

// Snapshot returns a copy of the ordered message list.
func (c *Cache) Snapshot() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Message, len(c.entries))
	for i, e := range c.entries {
		out[i] = e.msg.clone()
	}
	return out
}

// Get returns the message with the given id. A reconciled provisional id
// resolves to its authoritative message.
func (c *Cache) Get(id string) (Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.byID[c.resolveLocked(id)]
	if !ok {
		return Message{}, false
	}
	return e.msg.clone(), true
}

// Len returns the number of cached messages.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Oldest returns the creation time of the first message, or zero.
func (c *Cache) Oldest() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return time.Time{}
	}
	return c.entries[0].msg.CreatedAt
}

// UnreadFrom returns ids of authoritative unread messages not sent by userID.
func (c *Cache) UnreadFrom(userID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var ids []string
	for _, e := range c.entries {
		if e.msg.Read || e.msg.SenderID == userID || e.msg.IsProvisional() {
			continue
		}
		ids = append(ids, e.msg.ID)
	}
	return ids
}

// FindProvisional returns the id of the provisional message sent by senderID
// with the given nonce.
func (c *Cache) FindProvisional(senderID, nonce string) (string, bool) {
	if nonce == "" {
		return "", false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, e := range c.entries {
		if e.msg.IsProvisional() && e.msg.SenderID == senderID && e.msg.ClientNonce == nonce {
			return e.msg.ID, true
		}
	}
	return "", false
}

// ── internals ────────────────────────────────────────────

func (c *Cache) resolveLocked(id string) string {
	if to, ok := c.replaced[id]; ok {
		return to
	}
	return id
}

func (c *Cache) insertLocked(e *cacheEntry) {
	i := sort.Search(len(c.entries), func(i int) bool { return e.before(c.entries[i]) })
	c.entries = append(c.entries, nil)
	copy(c.entries[i+1:], c.entries[i:])
	c.entries[i] = e
	c.byID[e.msg.ID] = e
}

func (c *Cache) removeLocked(e *cacheEntry) {
	i := sort.Search(len(c.entries), func(i int) bool { return !c.entries[i].before(e) })
	if i < len(c.entries) && c.entries[i] == e {
		c.entries = append(c.entries[:i], c.entries[i+1:]...)
	}
	delete(c.byID, e.msg.ID)
}
