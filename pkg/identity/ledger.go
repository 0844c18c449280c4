package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"sync"
	"time"
)

// Record is what the ledger remembers about a destination recalled from an
// accepted announce: its public keys and when it was last heard from.
type Record struct {
	DestinationHash []byte
	X25519Pub       []byte
	EdPub           ed25519.PublicKey
	LastSeen        time.Time
}

// Ledger is an in-memory map of destination hash to public keys, filled
// by Remember. The announce engine does not use it: accepted announces are
// kept in pkg/cache, whose RecallAnnounce serves recall lookups in the
// running instance. It models the recall_identity operation of §4.2: the
// network acts as a distributed public-key store, and this is the local
// cache of what has been observed of it. It replaces the teacher's
// directory.Service node map (node directory + consistent-hash ring); the
// ring has no Reticulum analogue, so only the "remember what I've seen"
// half survives here.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]*Record)}
}

func key(destinationHash []byte) string {
	return hex.EncodeToString(destinationHash)
}

// Remember records or refreshes the public keys known for a destination
// hash. It is idempotent: remembering the same keys again just bumps
// LastSeen.
func (l *Ledger) Remember(destinationHash, x25519Pub []byte, edPub ed25519.PublicKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[key(destinationHash)] = &Record{
		DestinationHash: append([]byte(nil), destinationHash...),
		X25519Pub:       append([]byte(nil), x25519Pub...),
		EdPub:           append(ed25519.PublicKey(nil), edPub...),
		LastSeen:        time.Now(),
	}
}

// Recall returns the record known for a destination hash, or ok=false if
// nothing has been recalled for it yet (not_known per §4.2).
func (l *Ledger) Recall(destinationHash []byte) (record *Record, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	r, ok := l.records[key(destinationHash)]
	if !ok {
		return nil, false
	}
	clone := *r
	return &clone, true
}

// Len returns the number of distinct destinations currently recalled.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Forget removes a destination from the ledger, used when an operator
// wants to drop stale knowledge of a peer ahead of its natural TTL.
func (l *Ledger) Forget(destinationHash []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, key(destinationHash))
}
