package cache

import (
	"bytes"
	"container/list"
	"encoding/gob"
	"encoding/hex"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/n8sec/reticulum-go/pkg/storepath"
)

// ErrFull is returned when a bound is configured as strict and would be
// exceeded; in practice the cache instead evicts the LRU entry, so callers
// will rarely see this — it exists for a future strict mode and is
// returned today only by Remember calls made with a zero capacity.
var ErrFull = errors.New("cache: capacity is zero, nothing can be remembered")

// packetEntry is a dedup record: its presence is the only fact that
// matters, so it carries no payload.
type packetEntry struct {
	hash     string
	storedAt time.Time
}

// AnnounceRecord is a remembered announce: the network's distributed
// public-key ledger entry for one destination hash.
type AnnounceRecord struct {
	DestinationHash []byte
	PacketHash      []byte
	PublicBlob      []byte
	AppData         []byte
	Hops            uint8
	StoredAt        time.Time
}

type announceEntry struct {
	key      string
	record   AnnounceRecord
	storedAt time.Time
}

// Options bounds the cache by count and by age in each of its two indices.
type Options struct {
	MaxPackets     int
	MaxPacketAge   time.Duration
	MaxAnnounces   int
	MaxAnnounceAge time.Duration
}

// DefaultOptions mirrors spec.md §4.3: announces are retained much longer
// than data packets, since they double as the destination ledger.
func DefaultOptions() Options {
	return Options{
		MaxPackets:     4096,
		MaxPacketAge:   10 * time.Minute,
		MaxAnnounces:   16384,
		MaxAnnounceAge: 30 * 24 * time.Hour,
	}
}

// Cache is the Packet Cache (§4.3): a dedup index by packet hash with
// LRU-on-access eviction, and a longer-lived announce ledger by
// destination hash. The live indices are in-memory. The announce ledger
// is persisted only through Snapshot/LoadSnapshot, which write and read a
// file; nothing in this package calls them on a timer. The Storage passed
// to New is kept but no Cache method reads or writes it.
type Cache struct {
	mu      sync.Mutex
	storage Storage
	opts    Options

	packetOrder *list.List
	packetElems map[string]*list.Element

	announceOrder *list.List
	announceElems map[string]*list.Element
}

// New creates a Packet Cache holding storage. No Cache method uses
// storage, so it may be nil.
func New(storage Storage, opts Options) *Cache {
	return &Cache{
		storage:       storage,
		opts:          opts,
		packetOrder:   list.New(),
		packetElems:   make(map[string]*list.Element),
		announceOrder: list.New(),
		announceElems: make(map[string]*list.Element),
	}
}

func keyOf(hash []byte) string { return hex.EncodeToString(hash) }

// Seen reports whether packetHash is already in the dedup index, touching
// it (moving it to the front of the LRU list) if so. The Announce Engine
// and Transport forwarder both call this before admitting a packet for
// processing, giving at-most-once dispatch per packet hash.
func (c *Cache) Seen(packetHash []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.packetElems[keyOf(packetHash)]
	if !ok {
		return false
	}
	c.packetOrder.MoveToFront(el)
	return true
}

// RememberPacket inserts packetHash into the dedup index, evicting the
// least-recently-touched entry if the cache is at capacity.
func (c *Cache) RememberPacket(packetHash []byte) error {
	if c.opts.MaxPackets <= 0 {
		return ErrFull
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	key := keyOf(packetHash)
	if el, ok := c.packetElems[key]; ok {
		c.packetOrder.MoveToFront(el)
		return nil
	}

	entry := &packetEntry{hash: key, storedAt: time.Now()}
	el := c.packetOrder.PushFront(entry)
	c.packetElems[key] = el

	c.evictPacketsLocked()
	return nil
}

func (c *Cache) evictPacketsLocked() {
	for c.packetOrder.Len() > c.opts.MaxPackets {
		c.evictOldestPacketLocked()
	}
	if c.opts.MaxPacketAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-c.opts.MaxPacketAge)
	for {
		back := c.packetOrder.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*packetEntry)
		if entry.storedAt.After(cutoff) {
			return
		}
		c.packetOrder.Remove(back)
		delete(c.packetElems, entry.hash)
	}
}

func (c *Cache) evictOldestPacketLocked() {
	back := c.packetOrder.Back()
	if back == nil {
		return
	}
	entry := back.Value.(*packetEntry)
	c.packetOrder.Remove(back)
	delete(c.packetElems, entry.hash)
}

// PacketLen returns the number of entries currently in the dedup index.
func (c *Cache) PacketLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packetOrder.Len()
}

// RememberAnnounce records or refreshes the ledger entry for a
// destination hash. Whether the caller should treat this as a "new"
// announce for propagation purposes is the Announce Engine's decision
// (§4.4), based on comparing against the previous record returned by
// RecallAnnounce — this method just stores.
func (c *Cache) RememberAnnounce(rec AnnounceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := keyOf(rec.DestinationHash)
	rec.StoredAt = time.Now()
	if el, ok := c.announceElems[key]; ok {
		el.Value.(*announceEntry).record = rec
		el.Value.(*announceEntry).storedAt = rec.StoredAt
		c.announceOrder.MoveToFront(el)
		return
	}

	entry := &announceEntry{key: key, record: rec, storedAt: rec.StoredAt}
	el := c.announceOrder.PushFront(entry)
	c.announceElems[key] = el

	c.evictAnnouncesLocked()
}

func (c *Cache) evictAnnouncesLocked() {
	for c.opts.MaxAnnounces > 0 && c.announceOrder.Len() > c.opts.MaxAnnounces {
		back := c.announceOrder.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*announceEntry)
		c.announceOrder.Remove(back)
		delete(c.announceElems, entry.key)
	}
	if c.opts.MaxAnnounceAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-c.opts.MaxAnnounceAge)
	for {
		back := c.announceOrder.Back()
		if back == nil {
			return
		}
		entry := back.Value.(*announceEntry)
		if entry.storedAt.After(cutoff) {
			return
		}
		c.announceOrder.Remove(back)
		delete(c.announceElems, entry.key)
	}
}

// RecallAnnounce returns the ledger entry for a destination hash, if any,
// touching it in the LRU order.
func (c *Cache) RecallAnnounce(destinationHash []byte) (AnnounceRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.announceElems[keyOf(destinationHash)]
	if !ok {
		return AnnounceRecord{}, false
	}
	c.announceOrder.MoveToFront(el)
	return el.Value.(*announceEntry).record, true
}

// AnnounceLen returns the number of destinations currently in the ledger.
func (c *Cache) AnnounceLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.announceOrder.Len()
}

// snapshotEntry is the on-disk encoding of one ledger record.
type snapshotEntry struct {
	Record AnnounceRecord
}

// Snapshot persists the announce ledger to path using write-then-rename,
// so a restart recovers the known-destinations ledger (§4.3) even if the
// process is killed mid-write.
func (c *Cache) Snapshot(path string) error {
	c.mu.Lock()
	entries := make([]snapshotEntry, 0, c.announceOrder.Len())
	for el := c.announceOrder.Back(); el != nil; el = el.Prev() {
		entries = append(entries, snapshotEntry{Record: el.Value.(*announceEntry).record})
	}
	c.mu.Unlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(entries); err != nil {
		return err
	}
	return storepath.WriteAtomic(path, buf.Bytes(), 0o600)
}

// LoadSnapshot restores the announce ledger previously written by
// Snapshot. A missing file is not an error: a fresh node has no ledger
// yet.
func (c *Cache) LoadSnapshot(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var entries []snapshotEntry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&entries); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range entries {
		key := keyOf(e.Record.DestinationHash)
		entry := &announceEntry{key: key, record: e.Record, storedAt: e.Record.StoredAt}
		el := c.announceOrder.PushFront(entry)
		c.announceElems[key] = el
	}
	c.evictAnnouncesLocked()
	return nil
}
