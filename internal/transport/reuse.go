package transport

import (
	"net"
	"sync"
	"time"
)

// reuseEntry is one pooled connection slot. Lock ordering: the pool's own
// mutex guards the map; each entry's mutex guards exclusive use of the
// connection itself, so a Take can never hand the same conn to two callers.
type reuseEntry struct {
	mu       sync.Mutex
	conn     net.Conn
	lastUsed time.Time
	closed   bool
}

// ReusePool holds idle TCP/TLS connections keyed by endpoint address so a
// query engine performing several lookups against the same server (e.g. an
// AXFR continuation, or back-to-back queries in a session) can avoid
// re-dialing and re-handshaking. A connection is single
// writer/single reader at a time: Take grants exclusive ownership until
// Return or Discard.
type ReusePool struct {
	mu          sync.Mutex
	entries     map[string]*reuseEntry
	idleTimeout time.Duration
	stopReaper  chan struct{}
}

// NewReusePool creates a pool that closes connections idle longer than
// idleTimeout. A zero idleTimeout disables the background reaper; entries
// are still closed when Close is called.
func NewReusePool(idleTimeout time.Duration) *ReusePool {
	p := &ReusePool{
		entries:     make(map[string]*reuseEntry),
		idleTimeout: idleTimeout,
	}
	if idleTimeout > 0 {
		p.stopReaper = make(chan struct{})
		go p.reapLoop()
	}
	return p
}

// Take removes and returns the pooled connection for key, if any. The
// caller owns the connection exclusively until it calls Return or Discard.
func (p *ReusePool) Take(key string) (net.Conn, bool) {
	p.mu.Lock()
	entry, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.closed {
		return nil, false
	}
	return entry.conn, true
}

// Return hands conn back to the pool under key for future reuse.
func (p *ReusePool) Return(key string, conn net.Conn) {
	entry := &reuseEntry{conn: conn, lastUsed: time.Now()}
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.entries[key]; ok {
		old.mu.Lock()
		old.closed = true
		_ = old.conn.Close()
		old.mu.Unlock()
	}
	p.entries[key] = entry
}

// Discard closes conn without returning it to the pool, for use after a
// protocol error or short read makes the endpoint unsafe to reuse (such
// an endpoint is abandoned, not retried).
func (p *ReusePool) Discard(conn net.Conn) {
	_ = conn.Close()
}

// Close closes every pooled connection and stops the idle reaper.
func (p *ReusePool) Close() {
	if p.stopReaper != nil {
		close(p.stopReaper)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.entries {
		entry.mu.Lock()
		entry.closed = true
		_ = entry.conn.Close()
		entry.mu.Unlock()
		delete(p.entries, key)
	}
}

func (p *ReusePool) reapLoop() {
	ticker := time.NewTicker(p.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopReaper:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *ReusePool) reapIdle() {
	cutoff := time.Now().Add(-p.idleTimeout)
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, entry := range p.entries {
		entry.mu.Lock()
		idle := entry.lastUsed.Before(cutoff)
		if idle {
			entry.closed = true
			_ = entry.conn.Close()
		}
		entry.mu.Unlock()
		if idle {
			delete(p.entries, key)
		}
	}
}
