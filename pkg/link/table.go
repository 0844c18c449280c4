package link

import (
	"encoding/hex"
	"sync"
	"time"
)

// Intermediate forwarders never complete a handshake themselves; they
// only remember which interface and neighbour a link id was last seen
// through, so the Transport Forwarder can route subsequent packets for
// that link id without re-deriving anything cryptographic. Proved links
// (the forwarder has seen a valid-looking proof pass through) get the
// long TTL; everything else gets the short one until a proof is seen.
const (
	unprovenTTL = 30 * time.Second
	provenTTL   = 3 * time.Hour
)

// forwardEntry is one intermediate hop's bookkeeping for a link id.
type forwardEntry struct {
	interfaceID string
	neighbour   []byte
	expiry      time.Time
}

// ForwardingLinkTable is the Link Table an intermediate node's Transport
// Forwarder consults for link-addressed (header_type=2) packets. It
// implements transport.LinkTable. Grounded on pkg/pathtable's table
// shape (map + mutex + lazy expiry), narrowed to the simpler forward-only
// bookkeeping a non-endpoint node needs.
type ForwardingLinkTable struct {
	mu      sync.Mutex
	entries map[string]forwardEntry
}

// NewForwardingLinkTable creates an empty link table.
func NewForwardingLinkTable() *ForwardingLinkTable {
	return &ForwardingLinkTable{entries: make(map[string]forwardEntry)}
}

// RememberRequest records where a link-request was seen arriving from,
// with the short, unproven TTL.
func (t *ForwardingLinkTable) RememberRequest(linkID []byte, interfaceID string, neighbour []byte, now time.Time) {
	t.remember(linkID, interfaceID, neighbour, now.Add(unprovenTTL))
}

// UpgradeOnProof extends a link id's entry to the long TTL once a valid
// proof has been observed passing through this node.
func (t *ForwardingLinkTable) UpgradeOnProof(linkID []byte, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := hex.EncodeToString(linkID)
	entry, ok := t.entries[key]
	if !ok {
		return
	}
	entry.expiry = now.Add(provenTTL)
	t.entries[key] = entry
}

func (t *ForwardingLinkTable) remember(linkID []byte, interfaceID string, neighbour []byte, expiry time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[hex.EncodeToString(linkID)] = forwardEntry{
		interfaceID: interfaceID,
		neighbour:   append([]byte(nil), neighbour...),
		expiry:      expiry,
	}
}

// Lookup implements transport.LinkTable: given a link id, which interface
// and neighbour hash it should be forwarded towards.
func (t *ForwardingLinkTable) Lookup(linkID []byte) (interfaceID string, neighbour []byte, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := hex.EncodeToString(linkID)
	entry, found := t.entries[key]
	if !found {
		return "", nil, false
	}
	if time.Now().After(entry.expiry) {
		delete(t.entries, key)
		return "", nil, false
	}
	return entry.interfaceID, entry.neighbour, true
}

// Remove drops a link id's forwarding entry, used once a CLOSED or
// link-dropped notification passes through.
func (t *ForwardingLinkTable) Remove(linkID []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, hex.EncodeToString(linkID))
}

// Len returns the number of remembered link ids.
func (t *ForwardingLinkTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Prune removes expired entries, for periodic housekeeping.
func (t *ForwardingLinkTable) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, v := range t.entries {
		if now.After(v.expiry) {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}
