// Package cache implements the duplicate-filtering ResponseCache: the
// per-client (request_no -> cached response) map that makes at-most-once
// delivery possible, plus the per-client session tracking that decides
// when that map gets flushed.
package cache

import "github.com/matrix-org/udpfs/internal/proto"

// clientState is everything the cache tracks for a single client address.
type clientState struct {
	sessionID uint32
	hasSession bool
	responses  map[uint32]proto.Response
}

// Cache is the process-wide duplicate filter. Mode (at-most-once vs
// at-least-once) is fixed for the process's lifetime, matching spec.md
// §4.4 ("a process-wide configuration fixed at startup").
type Cache struct {
	atMostOnce bool
	clients    map[proto.Addr]*clientState
}

// New returns a Cache. When atMostOnce is false, Has always reports
// false and Put is a no-op — every request is re-executed.
func New(atMostOnce bool) *Cache {
	return &Cache{
		atMostOnce: atMostOnce,
		clients:    make(map[proto.Addr]*clientState),
	}
}

// AtMostOnce reports the cache's fixed delivery mode.
func (c *Cache) AtMostOnce() bool { return c.atMostOnce }

// Has reports whether addr has already received a cached response for
// reqNo this session. Always false in at-least-once mode.
func (c *Cache) Has(addr proto.Addr, reqNo uint32) bool {
	if !c.atMostOnce {
		return false
	}
	st, ok := c.clients[addr]
	if !ok {
		return false
	}
	_, ok = st.responses[reqNo]
	return ok
}

// Get returns the previously stored response. The caller must have
// checked Has first.
func (c *Cache) Get(addr proto.Addr, reqNo uint32) proto.Response {
	return c.clients[addr].responses[reqNo].Clone()
}

// Put stores a copy of resp under (addr, reqNo). No-op in
// at-least-once mode, and HANDSHAKE/DISCONNECT responses must never be
// passed here — the dispatcher enforces that by only calling Put for
// data operations.
func (c *Cache) Put(addr proto.Addr, reqNo uint32, resp proto.Response) {
	if !c.atMostOnce {
		return
	}
	st := c.clientFor(addr)
	st.responses[reqNo] = resp.Clone()
}

// Flush removes all cached responses and the session for addr.
func (c *Cache) Flush(addr proto.Addr) {
	delete(c.clients, addr)
}

// BeginSession records sessionID as addr's current session. A
// handshake carrying the same sessionID as the prior one is a no-op
// (retransmitted HANDSHAKE); a handshake carrying a different
// sessionID flushes the prior session's cached responses first, since a
// new session epoch invalidates every response cached under the old one.
func (c *Cache) BeginSession(addr proto.Addr, sessionID uint32) {
	st, ok := c.clients[addr]
	if ok && st.hasSession {
		if st.sessionID == sessionID {
			return
		}
		c.Flush(addr)
	}
	st = c.clientFor(addr)
	st.sessionID = sessionID
	st.hasSession = true
}

func (c *Cache) clientFor(addr proto.Addr) *clientState {
	st, ok := c.clients[addr]
	if !ok {
		st = &clientState{responses: make(map[uint32]proto.Response)}
		c.clients[addr] = st
	}
	return st
}
