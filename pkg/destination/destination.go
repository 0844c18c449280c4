// Package destination implements the per-process registry of locally
// owned destinations (§3, §4.2): single, group and plain destinations and
// the application callbacks registered on each. Link destinations are
// never registered directly — they are created by the link engine when a
// link establishes against a single destination.
package destination

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/n8sec/reticulum-go/pkg/crypto"
	"github.com/n8sec/reticulum-go/pkg/identity"
)

// Type distinguishes how a destination's traffic is protected.
type Type int

const (
	// Single destinations are owned by an Identity; traffic is
	// asymmetrically encrypted to its public key.
	Single Type = iota
	// Group destinations share a 32-byte symmetric key out of band.
	Group
	// Plain destinations carry unencrypted traffic.
	Plain
	// Link destinations are derived sessions bound to a Single
	// destination; they cannot be registered directly.
	Link
)

func (t Type) String() string {
	switch t {
	case Single:
		return "single"
	case Group:
		return "group"
	case Plain:
		return "plain"
	case Link:
		return "link"
	default:
		return "unknown"
	}
}

// GroupKeySize is the size of a group destination's pre-shared symmetric key.
const GroupKeySize = 32

// ErrLinkNotDirectlyRegisterable is returned by Register when asked for a
// Link-type destination: links are created by the link engine, never by
// the application directly.
var ErrLinkNotDirectlyRegisterable = errors.New("destination: link destinations cannot be registered directly")

// PacketCallback is invoked when a decrypted payload arrives for a destination.
type PacketCallback func(payload []byte, packetHash []byte)

// LinkCallback is invoked when a link establishes against a Single destination.
type LinkCallback func(linkID []byte)

// ProofCallback is invoked when a proof is received for a packet this
// destination sent.
type ProofCallback func(packetHash []byte)

// RequestCallback answers an inbound reliable request (§4.6's link-level
// request/response protocol) by method hash, returning the response
// arguments and whether the method was recognised at all.
type RequestCallback func(methodHash, arguments []byte) (response []byte, ok bool)

// Destination is a locally owned endpoint: a (type, aspects) pair plus
// whatever keying material that type requires.
type Destination struct {
	mu sync.RWMutex

	hash    []byte
	dtype   Type
	aspects string

	singleIdentity *identity.Identity
	groupKey       []byte

	onPacket        PacketCallback
	onLinkEstablish LinkCallback
	onProof         ProofCallback
	onRequest       RequestCallback
}

// Hash returns the 16-byte destination hash.
func (d *Destination) Hash() []byte { return append([]byte(nil), d.hash...) }

// Type returns the destination type.
func (d *Destination) Type() Type { return d.dtype }

// Aspects returns the dotted aspect string this destination was registered with.
func (d *Destination) Aspects() string { return d.aspects }

// Identity returns the owning identity for a Single destination, or nil
// for other types.
func (d *Destination) Identity() *identity.Identity { return d.singleIdentity }

// GroupKey returns the pre-shared symmetric key for a Group destination,
// or nil for other types.
func (d *Destination) GroupKey() []byte { return append([]byte(nil), d.groupKey...) }

// OnPacket registers the callback invoked for every decrypted payload
// delivered to this destination.
func (d *Destination) OnPacket(cb PacketCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onPacket = cb
}

// OnLinkEstablished registers the callback invoked when a link establishes
// against this (Single) destination.
func (d *Destination) OnLinkEstablished(cb LinkCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onLinkEstablish = cb
}

// OnProof registers the callback invoked when a proof arrives for a packet
// this destination originated.
func (d *Destination) OnProof(cb ProofCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onProof = cb
}

// OnRequest registers the callback invoked for every reliable request
// received over a link established against this destination.
func (d *Destination) OnRequest(cb RequestCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRequest = cb
}

// DispatchPacket delivers a decrypted payload to the registered callback,
// if any. Delivery is at-most-once per packet hash; enforcing that is the
// packet cache's job (pkg/cache), not this destination's.
func (d *Destination) DispatchPacket(payload, packetHash []byte) {
	d.mu.RLock()
	cb := d.onPacket
	d.mu.RUnlock()
	if cb != nil {
		cb(payload, packetHash)
	}
}

// DispatchLinkEstablished notifies the application of a newly established link.
func (d *Destination) DispatchLinkEstablished(linkID []byte) {
	d.mu.RLock()
	cb := d.onLinkEstablish
	d.mu.RUnlock()
	if cb != nil {
		cb(linkID)
	}
}

// DispatchProof notifies the application that a proof arrived for packetHash.
func (d *Destination) DispatchProof(packetHash []byte) {
	d.mu.RLock()
	cb := d.onProof
	d.mu.RUnlock()
	if cb != nil {
		cb(packetHash)
	}
}

// DispatchRequest hands an inbound request to the registered handler, if
// any. A nil callback means the method is unrecognised, the same as the
// callback itself returning ok=false.
func (d *Destination) DispatchRequest(methodHash, arguments []byte) (response []byte, ok bool) {
	d.mu.RLock()
	cb := d.onRequest
	d.mu.RUnlock()
	if cb == nil {
		return nil, false
	}
	return cb(methodHash, arguments)
}

// Registry is the per-process set of locally owned destinations.
type Registry struct {
	mu           sync.RWMutex
	destinations map[string]*Destination
}

// NewRegistry creates an empty destination registry.
func NewRegistry() *Registry {
	return &Registry{destinations: make(map[string]*Destination)}
}

// Register creates and stores a new destination of the given type. id is
// required for Single, ignored otherwise (pass nil). Registering with
// Link returns ErrLinkNotDirectlyRegisterable.
func (r *Registry) Register(id *identity.Identity, dtype Type, aspects ...string) (*Destination, error) {
	if dtype == Link {
		return nil, ErrLinkNotDirectlyRegisterable
	}

	aspectString := identity.AspectString(aspects...)
	d := &Destination{dtype: dtype, aspects: aspectString}

	switch dtype {
	case Single:
		if id == nil {
			return nil, errors.New("destination: single destination requires an identity")
		}
		d.singleIdentity = id
		d.hash = id.DestinationHash(aspects...)
	case Group:
		key, err := crypto.RandomBytes(GroupKeySize)
		if err != nil {
			return nil, fmt.Errorf("destination: generate group key: %w", err)
		}
		d.groupKey = key
		d.hash = identity.Hash(aspectString, nil)
	case Plain:
		d.hash = identity.Hash(aspectString, nil)
	default:
		return nil, fmt.Errorf("destination: unknown type %d", dtype)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.destinations[hex.EncodeToString(d.hash)] = d
	return d, nil
}

// RegisterGroupWithKey registers a Group destination with an existing
// out-of-band pre-shared key, rather than generating a fresh one.
func (r *Registry) RegisterGroupWithKey(key []byte, aspects ...string) (*Destination, error) {
	if len(key) != GroupKeySize {
		return nil, crypto.ErrInvalidKeyLength
	}
	aspectString := identity.AspectString(aspects...)
	d := &Destination{
		dtype:    Group,
		aspects:  aspectString,
		groupKey: append([]byte(nil), key...),
		hash:     identity.Hash(aspectString, nil),
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destinations[hex.EncodeToString(d.hash)] = d
	return d, nil
}

// RegisterDirect registers a Plain destination under a hash the caller
// already computed, rather than deriving it from aspects here. This is
// the IPC bridge's register-destination command: a client on the other
// end of the shared-instance socket knows its own aspect string (or has
// none at all) and only needs this node to start accepting traffic
// addressed to the resulting hash.
func (r *Registry) RegisterDirect(hash []byte) (*Destination, error) {
	if len(hash) == 0 {
		return nil, errors.New("destination: empty hash")
	}
	d := &Destination{dtype: Plain, hash: append([]byte(nil), hash...)}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destinations[hex.EncodeToString(d.hash)] = d
	return d, nil
}

// Lookup returns the locally owned destination for a hash, if any.
func (r *Registry) Lookup(hash []byte) (*Destination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.destinations[hex.EncodeToString(hash)]
	return d, ok
}

// List returns all locally owned destinations.
func (r *Registry) List() []*Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Destination, 0, len(r.destinations))
	for _, d := range r.destinations {
		out = append(out, d)
	}
	return out
}

// Unregister removes a destination from the registry.
func (r *Registry) Unregister(hash []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.destinations, hex.EncodeToString(hash))
}
