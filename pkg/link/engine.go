// Package link (continued): Engine owns every link this node is a party
// to, on either side of the handshake, dispatching inbound packets by
// packet type and driving the establishment timeout and keepalive clock.
// Shaped after the teacher's onion.Router, which keeps a single map of
// in-flight circuits behind one mutex and a handful of typed handler
// methods; here the map holds Links instead of circuits, and the state
// machine is explicit instead of being peeled off a single decrypt call.
package link

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/n8sec/reticulum-go/pkg/crypto"
	"github.com/n8sec/reticulum-go/pkg/identity"
)

// Context byte values distinguishing control traffic carried inside an
// established link's encrypted data channel from ordinary payload data.
const (
	ContextData              byte = 0x00
	ContextKeepalive         byte = 0x01
	ContextIdentify          byte = 0x02
	ContextRequest           byte = 0x03
	ContextResponse          byte = 0x04
	ContextResourceAdvertise byte = 0x05
	ContextResourceSegment   byte = 0x06
	ContextResourceHashmap   byte = 0x07
	ContextResourceProof     byte = 0x08
)

// KeepaliveSize is the size of a keepalive packet's plaintext payload.
const KeepaliveSize = 14

var (
	// ErrEstablishmentTimedOut is returned when a handshake does not
	// complete within the establishment timeout.
	ErrEstablishmentTimedOut = errors.New("link: establishment timed out")
	// ErrAlreadyEstablishing is returned by InitiateLink if a link to the
	// same destination is already pending.
	ErrAlreadyEstablishing = errors.New("link: already establishing a link to this destination")
)

// linkEntry bundles a Link with the request tracker for its reliable
// request/response traffic.
type linkEntry struct {
	link     *Link
	tracker  *RequestTracker
}

// Engine is the process-wide owner of every Link this node participates
// in as initiator or responder.
type Engine struct {
	mu               sync.Mutex
	links            map[string]*linkEntry // keyed by hex link id
	byDestination    map[string]string     // hex destination hash -> hex link id, initiator side only
	establishTimeout time.Duration
}

// DefaultEstablishTimeout is how long a handshake may remain pending
// before it is abandoned.
const DefaultEstablishTimeout = 15 * time.Second

// NewEngine creates an empty link engine.
func NewEngine(establishTimeout time.Duration) *Engine {
	if establishTimeout <= 0 {
		establishTimeout = DefaultEstablishTimeout
	}
	return &Engine{
		links:            make(map[string]*linkEntry),
		byDestination:    make(map[string]string),
		establishTimeout: establishTimeout,
	}
}

// InitiateLink starts a handshake to destinationHash, returning the link
// (in StatePending) and the wire payload for the link-request packet.
// The caller is responsible for wrapping the payload in a header_type=2
// packet addressed by a provisional id and transmitting it; SetLinkID is
// called here once the request payload is known, since the link id is
// the hash of that payload.
func (e *Engine) InitiateLink(destinationHash []byte, now time.Time) (*Link, []byte, error) {
	destKey := hex.EncodeToString(destinationHash)

	e.mu.Lock()
	if _, exists := e.byDestination[destKey]; exists {
		e.mu.Unlock()
		return nil, nil, ErrAlreadyEstablishing
	}
	e.mu.Unlock()

	l, err := NewInitiatorLink(destinationHash, now)
	if err != nil {
		return nil, nil, err
	}
	requestPayload := BuildLinkRequest(l.LocalEphemeralPublicKey(), l.LocalEphemeralSigningKey())
	linkID := crypto.Truncate16(crypto.Hash256(requestPayload))
	l.SetLinkID(linkID)

	e.mu.Lock()
	key := hex.EncodeToString(linkID)
	e.links[key] = &linkEntry{link: l, tracker: NewRequestTracker()}
	e.byDestination[destKey] = key
	e.mu.Unlock()

	return l, requestPayload, nil
}

// HandleLinkRequest is the responder side of the handshake: given an
// inbound request payload addressed to one of this node's own
// destinations, builds the proof payload to send back.
func (e *Engine) HandleLinkRequest(owner *identity.Identity, destinationHash, requestPayload []byte, now time.Time) (*Link, []byte, error) {
	peerEphPub, _, err := ParseLinkRequest(requestPayload)
	if err != nil {
		return nil, nil, err
	}
	linkID := crypto.Truncate16(crypto.Hash256(requestPayload))

	l, err := NewResponderLink(linkID, destinationHash, peerEphPub, now)
	if err != nil {
		return nil, nil, err
	}
	proof := BuildLinkProof(owner, linkID, l.LocalEphemeralPublicKey())

	e.mu.Lock()
	e.links[hex.EncodeToString(linkID)] = &linkEntry{link: l, tracker: NewRequestTracker()}
	e.mu.Unlock()

	return l, proof, nil
}

// HandleLinkProof is the initiator side: given the proof payload for a
// pending link, verifies it against the destination's known signing key,
// completes the key schedule, and returns the RTT-confirm envelope to
// send back to finish the handshake.
func (e *Engine) HandleLinkProof(linkID []byte, destSigningKey ed25519.PublicKey, proofPayload []byte, now time.Time) (*Link, []byte, error) {
	l, ok := e.GetLink(linkID)
	if !ok {
		return nil, nil, ErrUnknownLink
	}
	if l.Role != RoleInitiator || l.State != StatePending {
		return nil, nil, ErrWrongState
	}

	responderEphPub, valid := VerifyLinkProof(destSigningKey, linkID, proofPayload)
	if !valid {
		return nil, nil, ErrBadProof
	}

	rtt := now.Sub(l.CreatedAt)
	if err := l.CompleteAsInitiator(responderEphPub, now); err != nil {
		return nil, nil, err
	}
	l.mu.Lock()
	l.RTTEstimate = rtt
	l.mu.Unlock()

	confirm, err := BuildRTTConfirm(l, uint64(rtt.Nanoseconds()))
	if err != nil {
		return nil, nil, err
	}
	return l, confirm, nil
}

// HandleRTTConfirm is the responder side: given the RTT-confirm envelope
// for a link in StateRequested, decrypts it (proving the initiator
// completed the same ECDH) and activates the link.
func (e *Engine) HandleRTTConfirm(linkID, envelope []byte, now time.Time) (*Link, error) {
	l, ok := e.GetLink(linkID)
	if !ok {
		return nil, ErrUnknownLink
	}
	if l.Role != RoleResponder || l.State != StateRequested {
		return nil, ErrWrongState
	}
	rttNanos, err := ParseRTTConfirm(l, envelope)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.RTTEstimate = time.Duration(rttNanos)
	l.mu.Unlock()
	l.ActivateAsResponder(now)
	return l, nil
}

// BuildKeepalive produces a keepalive packet's plaintext payload.
func BuildKeepalive() ([]byte, error) {
	return crypto.RandomBytes(KeepaliveSize)
}

// HandleKeepalive records inbound traffic on a link, resetting its stale
// clock.
func (e *Engine) HandleKeepalive(linkID []byte, payload []byte, now time.Time) error {
	l, ok := e.GetLink(linkID)
	if !ok {
		return ErrUnknownLink
	}
	if len(payload) != KeepaliveSize {
		return ErrMalformedPayload
	}
	l.Touch(now)
	return nil
}

// GetLink returns the link for a link id, if known.
func (e *Engine) GetLink(linkID []byte) (*Link, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.links[hex.EncodeToString(linkID)]
	if !ok {
		return nil, false
	}
	return entry.link, true
}

// TrackerFor returns the reliable request/response tracker for a link.
func (e *Engine) TrackerFor(linkID []byte) (*RequestTracker, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.links[hex.EncodeToString(linkID)]
	if !ok {
		return nil, false
	}
	return entry.tracker, true
}

// CloseLink transitions a link to StateClosed and forgets it.
func (e *Engine) CloseLink(linkID []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := hex.EncodeToString(linkID)
	entry, ok := e.links[key]
	if !ok {
		return
	}
	entry.link.mu.Lock()
	entry.link.State = StateClosed
	destHash := entry.link.DestinationHash
	entry.link.mu.Unlock()
	delete(e.links, key)
	delete(e.byDestination, hex.EncodeToString(destHash))
}

// ActiveLinks returns every link currently in StateActive or StateStale.
func (e *Engine) ActiveLinks() []*Link {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Link, 0, len(e.links))
	for _, entry := range e.links {
		entry.link.mu.Lock()
		state := entry.link.State
		entry.link.mu.Unlock()
		if state == StateActive || state == StateStale {
			out = append(out, entry.link)
		}
	}
	return out
}

// Sweep runs periodic housekeeping: abandons links still pending past the
// establishment timeout, and marks idle active links stale. Returns the
// link ids that were abandoned.
func (e *Engine) Sweep(now time.Time) (abandoned [][]byte) {
	e.mu.Lock()
	var toClose [][]byte
	for key, entry := range e.links {
		entry.link.mu.Lock()
		state := entry.link.State
		created := entry.link.CreatedAt
		entry.link.mu.Unlock()

		switch state {
		case StatePending, StateRequested:
			if now.Sub(created) > e.establishTimeout {
				id, _ := hex.DecodeString(key)
				toClose = append(toClose, id)
			}
		case StateActive:
			entry.link.CheckStale(now)
		case StateStale:
			if entry.link.ShouldClose(now) {
				id, _ := hex.DecodeString(key)
				toClose = append(toClose, id)
			}
		}
	}
	e.mu.Unlock()

	for _, id := range toClose {
		e.CloseLink(id)
	}
	return toClose
}

// CountLinks returns how many links the engine currently tracks.
func (e *Engine) CountLinks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.links)
}
