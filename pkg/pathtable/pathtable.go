// Package pathtable implements the Path Table (§3, §4.4, §4.5): the
// per-destination-hash next-hop map the Transport Forwarder consults for
// every non-local packet. There is no routing algorithm here, only the
// table maintained by the Announce Engine and the fewer-hops-wins
// replacement rule.
package pathtable

import (
	"bytes"
	"encoding/gob"
	"encoding/hex"
	"os"
	"sync"
	"time"

	"github.com/n8sec/reticulum-go/pkg/iface"
	"github.com/n8sec/reticulum-go/pkg/storepath"
)

// Entry is one destination's next-hop record.
type Entry struct {
	DestinationHash      []byte
	NextHopInterfaceID   string
	NextHopNeighbourHash []byte
	HopCount             uint8
	Expiry               time.Time
	LastAnnouncePacket   []byte
	AnnounceTimestamp    time.Time
}

func (e Entry) expired(now time.Time) bool { return now.After(e.Expiry) }

// TTLByMode returns how long a path table entry learned from an
// interface of the given mode stays valid before expiry, per §9's
// resolution of the spec's open TTL question.
func TTLByMode(mode iface.Mode) time.Duration {
	switch mode {
	case iface.ModeFull:
		return 3 * time.Hour
	case iface.ModeAccessPoint, iface.ModeRoaming:
		return 90 * time.Second
	default:
		return 30 * time.Minute
	}
}

// Table is the process-wide Path Table, protected by a single mutex per
// the single-writer discipline of §5.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// New creates an empty Path Table.
func New() *Table {
	return &Table{entries: make(map[string]Entry)}
}

func key(destinationHash []byte) string { return hex.EncodeToString(destinationHash) }

// Set installs or replaces the next-hop entry for a destination, honoring
// the fewer-hops-wins rule from §4.4: an existing unexpired entry with
// strictly fewer hops is kept over a candidate with equal or greater hop
// count. Returns true if the table changed.
func (t *Table) Set(candidate Entry, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key(candidate.DestinationHash)
	existing, ok := t.entries[k]
	if ok && !existing.expired(now) && existing.HopCount < candidate.HopCount {
		return false
	}
	t.entries[k] = candidate
	return true
}

// Lookup returns the unexpired next-hop entry for a destination hash.
// An expired entry is treated as a miss and is lazily removed.
func (t *Table) Lookup(destinationHash []byte, now time.Time) (Entry, bool) {
	t.mu.RLock()
	entry, ok := t.entries[key(destinationHash)]
	t.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if entry.expired(now) {
		t.mu.Lock()
		if cur, stillThere := t.entries[key(destinationHash)]; stillThere && cur.expired(now) {
			delete(t.entries, key(destinationHash))
		}
		t.mu.Unlock()
		return Entry{}, false
	}
	return entry, true
}

// Remove deletes the entry for a destination hash unconditionally, used
// when an interface goes offline and its next hops can no longer be
// trusted.
func (t *Table) Remove(destinationHash []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, key(destinationHash))
}

// RemoveByInterface deletes every entry whose next hop is the given
// interface ID, used when that interface goes offline.
func (t *Table) RemoveByInterface(interfaceID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, e := range t.entries {
		if e.NextHopInterfaceID == interfaceID {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// Prune removes all expired entries and returns how many were removed.
func (t *Table) Prune(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for k, e := range t.entries {
		if e.expired(now) {
			delete(t.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of entries currently in the table, expired or not.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Snapshot persists all unexpired entries to path using write-then-rename.
func (t *Table) Snapshot(path string, now time.Time) error {
	t.mu.RLock()
	entries := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		if !e.expired(now) {
			entries = append(entries, e)
		}
	}
	t.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		return err
	}
	return storepath.WriteAtomic(path, buf.Bytes(), 0o600)
}

// LoadSnapshot restores entries previously written by Snapshot, skipping
// any that have since expired. A missing file is not an error.
func (t *Table) LoadSnapshot(path string, now time.Time) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var entries []Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range entries {
		if e.expired(now) {
			continue
		}
		t.entries[key(e.DestinationHash)] = e
	}
	return nil
}
