package server

import (
	"sync"
	"time"

	"github.com/turnrelay/turnd/pkg/stun"
	"github.com/turnrelay/turnd/pkg/turn"
)

// defaultRetransmitTTL bounds how long a cached response is kept around for
// a possible retransmission before it is pruned.
const defaultRetransmitTTL = 10 * time.Second

type retransmitEntry struct {
	tuple   turn.FiveTuple
	txID    stun.TxID
	raw     []byte
	expires time.Time
}

// retransmitCache holds the last sent response per (five-tuple, transaction
// id). A client that does not see a timely response resends the exact same
// request; the cached bytes are resent verbatim instead of recomputing a
// response, since MESSAGE-INTEGRITY/FINGERPRINT and a freshly rotated NONCE
// would otherwise differ between the two.
type retransmitCache struct {
	mux     sync.Mutex
	ttl     time.Duration
	entries []retransmitEntry
}

func newRetransmitCache(ttl time.Duration) *retransmitCache {
	if ttl == 0 {
		ttl = defaultRetransmitTTL
	}
	return &retransmitCache{ttl: ttl}
}

func (c *retransmitCache) get(tuple turn.FiveTuple, txID stun.TxID) ([]byte, bool) {
	c.mux.Lock()
	defer c.mux.Unlock()
	for i := range c.entries {
		if c.entries[i].tuple.Equal(tuple) && c.entries[i].txID == txID {
			return c.entries[i].raw, true
		}
	}
	return nil, false
}

func (c *retransmitCache) put(tuple turn.FiveTuple, txID stun.TxID, raw []byte, now time.Time) {
	cp := make([]byte, len(raw))
	copy(cp, raw)
	c.mux.Lock()
	defer c.mux.Unlock()
	for i := range c.entries {
		if c.entries[i].tuple.Equal(tuple) && c.entries[i].txID == txID {
			c.entries[i].raw = cp
			c.entries[i].expires = now.Add(c.ttl)
			return
		}
	}
	c.entries = append(c.entries, retransmitEntry{
		tuple: tuple, txID: txID, raw: cp, expires: now.Add(c.ttl),
	})
}

// prune discards entries whose TTL has elapsed. Called from the same
// periodic tick that prunes expired allocations.
func (c *retransmitCache) prune(now time.Time) {
	c.mux.Lock()
	defer c.mux.Unlock()
	live := c.entries[:0]
	for _, e := range c.entries {
		if e.expires.After(now) {
			live = append(live, e)
		}
	}
	c.entries = live
}
