// Package transport implements the Transport Forwarder (§4.5): table-
// driven forwarding from the Path Table, Link Table fallback for
// link-addressed packets, broadcast flooding, and reverse-path forwarding
// of proof packets. There is no routing algorithm here — every decision
// is a lookup against state built by the Announce Engine and the Link
// Engine. Grounded on the teacher's onion.Router.ProcessPacket: a single
// decide-what-to-do-with-this-packet entry point returning a typed
// decision plus running stats counters, generalised from the onion
// router's decrypt-and-peel-a-layer shape to a table lookup.
package transport

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/n8sec/reticulum-go/pkg/destination"
	"github.com/n8sec/reticulum-go/pkg/iface"
	"github.com/n8sec/reticulum-go/pkg/packet"
	"github.com/n8sec/reticulum-go/pkg/pathtable"
)

// Action is the outcome of deciding what to do with a received packet.
type Action int

const (
	ActionDeliverLocal Action = iota
	ActionForward
	ActionBroadcast
	ActionDrop
)

// DropReason explains an ActionDrop decision, used for logging and stats.
type DropReason int

const (
	DropReasonNone DropReason = iota
	DropReasonHopLimit
	DropReasonNoRoute
	DropReasonNotPropagation
)

// Decision is the forwarder's verdict for one received packet.
type Decision struct {
	Action               Action
	DropReason           DropReason
	Packet               *packet.Packet // hop-incremented, for Forward/Broadcast
	NextHopInterfaceID   string         // for ActionForward
	NextHopNeighbourHash []byte         // for ActionForward
	FloodInterfaceIDs    []string       // for ActionBroadcast
}

// linkIDSize is the length of a link id, the first address of a 2-address
// header packet (§4.1); the remaining bytes of that field are a
// destination hash fallback, not part of the key the Link Table indexes.
const linkIDSize = 16

// LinkTable is the subset of the Link Engine's bookkeeping the forwarder
// needs: given a link ID (the first address of a 2-address header
// packet), which interface and neighbour it was last seen through.
type LinkTable interface {
	Lookup(linkID []byte) (interfaceID string, neighbour []byte, ok bool)
}

// InterfaceInfo is the minimal per-interface fact the forwarder needs to
// decide broadcast flooding targets.
type InterfaceInfo struct {
	ID   string
	Mode iface.Mode
}

// Forwarder is the process-wide Transport Forwarder.
type Forwarder struct {
	table        *pathtable.Table
	destinations *destination.Registry
	linkTable    LinkTable
	memory       *ForwardingMemory
	maxHops      uint8
}

// New creates a Forwarder. linkTable may be nil until the Link Engine is
// wired in; link-addressed packets simply miss until then.
func New(table *pathtable.Table, destinations *destination.Registry, linkTable LinkTable, maxHops uint8) *Forwarder {
	return &Forwarder{
		table:        table,
		destinations: destinations,
		linkTable:    linkTable,
		memory:       NewForwardingMemory(4096, 2*time.Minute),
		maxHops:      maxHops,
	}
}

// Decide implements §4.5's dispatch for a packet not yet known to be
// locally destined. destinationHash is the packet's address field
// interpreted per its header type (16-byte destination hash, or for
// header_type=2 the 32-byte field whose first 16 bytes are the link ID).
func (f *Forwarder) Decide(p *packet.Packet, destinationHash []byte, now time.Time) Decision {
	if d, ok := f.destinations.Lookup(destinationHash); ok {
		_ = d
		return Decision{Action: ActionDeliverLocal}
	}

	if p.PropagationType == packet.PropagationBroadcast {
		return Decision{Action: ActionBroadcast, Packet: p}
	}

	if p.PropagationType != packet.PropagationTransport {
		return Decision{Action: ActionDrop, DropReason: DropReasonNotPropagation}
	}

	if entry, ok := f.table.Lookup(destinationHash, now); ok {
		next, err := p.IncrementHops(f.maxHops)
		if err != nil {
			return Decision{Action: ActionDrop, DropReason: DropReasonHopLimit}
		}
		return Decision{
			Action:               ActionForward,
			Packet:               next,
			NextHopInterfaceID:   entry.NextHopInterfaceID,
			NextHopNeighbourHash: entry.NextHopNeighbourHash,
		}
	}

	if p.HeaderType == packet.HeaderType2Address && f.linkTable != nil && len(destinationHash) >= linkIDSize {
		if ifaceID, neighbour, ok := f.linkTable.Lookup(destinationHash[:linkIDSize]); ok {
			next, err := p.IncrementHops(f.maxHops)
			if err != nil {
				return Decision{Action: ActionDrop, DropReason: DropReasonHopLimit}
			}
			return Decision{
				Action:               ActionForward,
				Packet:               next,
				NextHopInterfaceID:   ifaceID,
				NextHopNeighbourHash: neighbour,
			}
		}
	}

	return Decision{Action: ActionDrop, DropReason: DropReasonNoRoute}
}

// FloodTargets returns the interface IDs a broadcast packet should be
// flooded to: every known interface of mode full, gateway or roaming,
// excluding the one it arrived on.
func (f *Forwarder) FloodTargets(interfaces []InterfaceInfo, arrivalInterfaceID string) []string {
	out := make([]string, 0, len(interfaces))
	for _, i := range interfaces {
		if i.ID == arrivalInterfaceID {
			continue
		}
		if i.Mode.Floods() {
			out = append(out, i.ID)
		}
	}
	return out
}

// RememberReversePath records, at link-request time, which interface and
// neighbour a packet's forwarding memory should send a later proof back
// through (§4.5: "proof packets ... forwarded back along the reverse
// path recorded at link-request time").
func (f *Forwarder) RememberReversePath(packetHash []byte, interfaceID string, neighbour []byte) {
	f.memory.Remember(packetHash, interfaceID, neighbour)
}

// ReversePathFor looks up the reverse path recorded for a proof's target
// packet hash.
func (f *Forwarder) ReversePathFor(packetHash []byte) (interfaceID string, neighbour []byte, ok bool) {
	return f.memory.Recall(packetHash)
}

// reverseRoute is one forwarding-memory record.
type reverseRoute struct {
	interfaceID string
	neighbour   []byte
	storedAt    time.Time
}

// ForwardingMemory is a small bounded cache of packet hash to reverse
// route, used only for proof forwarding. It is deliberately simpler than
// pkg/cache's two-index store: one index, no LRU touch, just a bound on
// count and age.
type ForwardingMemory struct {
	mu       sync.Mutex
	maxSize  int
	maxAge   time.Duration
	order    []string
	byHash   map[string]reverseRoute
}

// NewForwardingMemory creates a bounded reverse-route memory.
func NewForwardingMemory(maxSize int, maxAge time.Duration) *ForwardingMemory {
	return &ForwardingMemory{
		maxSize: maxSize,
		maxAge:  maxAge,
		byHash:  make(map[string]reverseRoute),
	}
}

// Remember records the reverse route for packetHash, evicting the oldest
// entry if the memory is at capacity.
func (m *ForwardingMemory) Remember(packetHash []byte, interfaceID string, neighbour []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := hex.EncodeToString(packetHash)
	if _, exists := m.byHash[key]; !exists {
		m.order = append(m.order, key)
	}
	m.byHash[key] = reverseRoute{
		interfaceID: interfaceID,
		neighbour:   append([]byte(nil), neighbour...),
		storedAt:    time.Now(),
	}

	for len(m.order) > m.maxSize {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.byHash, oldest)
	}
}

// Recall returns the reverse route for packetHash, if still remembered
// and not aged out.
func (m *ForwardingMemory) Recall(packetHash []byte) (string, []byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := hex.EncodeToString(packetHash)
	route, ok := m.byHash[key]
	if !ok {
		return "", nil, false
	}
	if m.maxAge > 0 && time.Since(route.storedAt) > m.maxAge {
		delete(m.byHash, key)
		return "", nil, false
	}
	return route.interfaceID, route.neighbour, true
}
