package gateway

import (
	"strings"
	"sync"
	"time"
)

// connCloser is the slice of a connection the dedup registry needs: the
// ability to force-close it when a newer connection claims its identity.
type connCloser interface {
	closeWithReason(code, message string)
}

type dedupEntry struct {
	conn     connCloser
	lastSeen time.Time
}

// dedupRegistry tracks which connection currently owns each declared
// client identity. A new connection presenting an identity that is still
// within the TTL evicts the older connection. Entries expire dedupTTL
// after their last recorded activity.
type dedupRegistry struct {
	mu      sync.Mutex
	entries map[string]*dedupEntry
	ttl     time.Duration
	now     func() time.Time
}

func newDedupRegistry(ttl time.Duration) *dedupRegistry {
	if ttl <= 0 {
		ttl = dedupTTL
	}
	return &dedupRegistry{
		entries: make(map[string]*dedupEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// claim registers conn as the owner of clientID and returns the previous
// owner if it was evicted. The caller closes the evicted connection
// outside the registry lock.
func (d *dedupRegistry) claim(clientID string, conn connCloser) (evicted connCloser) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if prev, ok := d.entries[clientID]; ok {
		if now.Sub(prev.lastSeen) < d.ttl && prev.conn != conn {
			evicted = prev.conn
		}
	}
	d.entries[clientID] = &dedupEntry{conn: conn, lastSeen: now}
	return evicted
}

// touch records activity for clientID, extending its claim.
func (d *dedupRegistry) touch(clientID string) {
	if clientID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.entries[clientID]; ok {
		entry.lastSeen = d.now()
	}
}

// release drops clientID's claim if conn still owns it. A connection that
// was evicted must not release the identity its successor now holds.
func (d *dedupRegistry) release(clientID string, conn connCloser) {
	if clientID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if entry, ok := d.entries[clientID]; ok && entry.conn == conn {
		delete(d.entries, clientID)
	}
}
