// Package link implements the Link Engine (§4.6): the three-packet
// handshake state machine, HKDF key schedule and ratchet, keepalive,
// and reliable request/response. Resource transfer lives in resource.go;
// the intermediate-forwarder bookkeeping (the "Link Table" the
// Transport Forwarder consults) lives in table.go.
//
// Shaped after the teacher's onion.Router: a struct of keys plus
// bookkeeping, an explicit state machine instead of the teacher's
// stateless onion peel, generalised to a long-lived per-peer session.
package link

import (
	"crypto/ed25519"
	"errors"
	"sync"
	"time"

	"github.com/n8sec/reticulum-go/pkg/crypto"
)

// State is a link's position in its establishment/lifetime state machine.
type State int

const (
	StatePending    State = iota // initiator: request sent, awaiting proof
	StateRequested               // responder: request received, proof sent
	StateActive                  // handshake complete on both sides
	StateStale                   // no inbound traffic for the stale threshold
	StateClosed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRequested:
		return "requested"
	case StateActive:
		return "active"
	case StateStale:
		return "stale"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Role distinguishes which side of the handshake a Link is on.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// LinkIDSize matches the destination-hash truncation: a link_id is the
// 16-byte hash of the link-request packet.
const LinkIDSize = 16

var (
	ErrBadProof       = errors.New("link: proof signature invalid")
	ErrWrongState     = errors.New("link: operation not valid in current state")
	ErrUnknownLink    = errors.New("link: unknown link id")
	ErrStaleThreshold = errors.New("link: stale threshold misconfigured")
)

const (
	sessionKeyInfo = "rns-link"
	ratchetInfo    = "ratchet"
	sessionKeyLen  = 32
)

// keySchedule holds the symmetric material derived once a link's ECDH
// completes: the session key, plus however many ratchet keys have been
// derived so far for packets past the initial window.
type keySchedule struct {
	sharedSecret []byte
	sessionKey   []byte
	ratchetCtr   uint64
}

func deriveKeySchedule(sharedSecret, linkID []byte) (*keySchedule, error) {
	info := append([]byte(sessionKeyInfo), linkID...)
	sessionKey, err := crypto.HKDFDerive(sharedSecret, nil, info, sessionKeyLen)
	if err != nil {
		return nil, err
	}
	return &keySchedule{sharedSecret: sharedSecret, sessionKey: sessionKey}, nil
}

// ratchetKey derives the symmetric key for ratchet counter n, used once a
// link has moved past its initial packet window.
func (ks *keySchedule) ratchetKey(counter uint64) ([]byte, error) {
	info := make([]byte, 0, len(ratchetInfo)+8)
	info = append(info, []byte(ratchetInfo)...)
	var ctrBytes [8]byte
	for i := 0; i < 8; i++ {
		ctrBytes[i] = byte(counter >> (56 - 8*i))
	}
	info = append(info, ctrBytes[:]...)
	return crypto.HKDFDerive(ks.sessionKey, nil, info, sessionKeyLen)
}

// Link is one end of an encrypted, forward-secret session between two
// single destinations.
type Link struct {
	mu sync.Mutex

	LinkID          []byte
	Role            Role
	State           State
	DestinationHash []byte

	localEphPub   []byte
	localEphPriv  []byte
	localEdPub    ed25519.PublicKey
	localEdPriv   ed25519.PrivateKey
	peerEphPub    []byte

	keys *keySchedule

	RTTEstimate    time.Duration
	LastInboundAt  time.Time
	CreatedAt      time.Time
	EstablishedAt  time.Time

	identityRevealed ed25519.PublicKey // set if peer sent an identify control packet
}

// StaleAfter returns how long a link may go without inbound traffic
// before it is declared stale, per §4.6: max(60s, 6 x RTT_est).
func (l *Link) StaleAfter() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	min := 60 * time.Second
	six := 6 * l.RTTEstimate
	if six > min {
		return six
	}
	return min
}

// Touch records inbound traffic, resetting the stale clock.
func (l *Link) Touch(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LastInboundAt = now
	if l.State == StateStale {
		l.State = StateActive
	}
}

// CheckStale transitions the link to Stale if too much time has passed
// since the last inbound packet.
func (l *Link) CheckStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.State != StateActive {
		return
	}
	staleAfter := 60 * time.Second
	if six := 6 * l.RTTEstimate; six > staleAfter {
		staleAfter = six
	}
	if now.Sub(l.LastInboundAt) > staleAfter {
		l.State = StateStale
	}
}

// StaleCloseTimeout is how much further silence a Stale link tolerates,
// on top of its own stale threshold, before Sweep abandons it outright
// (§4.6: "closed after a further timeout").
const StaleCloseTimeout = 60 * time.Second

// ShouldClose reports whether a Stale link has gone quiet long enough —
// its stale threshold plus StaleCloseTimeout — to be swept into Closed.
func (l *Link) ShouldClose(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.State != StateStale {
		return false
	}
	staleAfter := 60 * time.Second
	if six := 6 * l.RTTEstimate; six > staleAfter {
		staleAfter = six
	}
	return now.Sub(l.LastInboundAt) > staleAfter+StaleCloseTimeout
}

// EncryptKeyFor returns the Fernet-envelope key pair (signing, encryption)
// for packets at ratchet position counter, deriving the initial session
// key schedule if counter is 0.
func (l *Link) EncryptKeyFor(counter uint64) (signingKey, encKey []byte, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.keys == nil {
		return nil, nil, ErrWrongState
	}
	var material []byte
	if counter == 0 {
		material = l.keys.sessionKey
	} else {
		material, err = l.keys.ratchetKey(counter)
		if err != nil {
			return nil, nil, err
		}
	}
	return crypto.DeriveEnvelopeKeys(material, "rns-link-envelope")
}

// IdentityRevealed returns the peer's Ed25519 public key if it sent an
// identify control packet over the established channel, or nil.
func (l *Link) IdentityRevealed() ed25519.PublicKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.identityRevealed
}

// NewInitiatorLink creates a Link in StatePending for the initiating side,
// generating the ephemeral X25519 and per-link Ed25519 keypairs that go
// into the link-request payload. The link id is not yet known; it is set
// once the request packet is built and hashed.
func NewInitiatorLink(destinationHash []byte, now time.Time) (*Link, error) {
	ephPub, ephPriv, err := crypto.GenerateX25519Keypair()
	if err != nil {
		return nil, err
	}
	edPub, edPriv, err := crypto.GenerateEd25519Keypair()
	if err != nil {
		return nil, err
	}
	return &Link{
		Role:            RoleInitiator,
		State:           StatePending,
		DestinationHash: append([]byte(nil), destinationHash...),
		localEphPub:     ephPub,
		localEphPriv:    ephPriv,
		localEdPub:      edPub,
		localEdPriv:     edPriv,
		CreatedAt:       now,
		LastInboundAt:   now,
	}, nil
}

// NewResponderLink creates a Link in StateRequested for the responding
// side, given the request payload just received.
func NewResponderLink(linkID, destinationHash, peerEphPub []byte, now time.Time) (*Link, error) {
	ephPub, ephPriv, err := crypto.GenerateX25519Keypair()
	if err != nil {
		return nil, err
	}
	l := &Link{
		LinkID:          append([]byte(nil), linkID...),
		Role:            RoleResponder,
		State:           StateRequested,
		DestinationHash: append([]byte(nil), destinationHash...),
		localEphPub:     ephPub,
		localEphPriv:    ephPriv,
		peerEphPub:      append([]byte(nil), peerEphPub...),
		CreatedAt:       now,
		LastInboundAt:   now,
	}
	if err := l.completeECDH(peerEphPub); err != nil {
		return nil, err
	}
	return l, nil
}

// SetLinkID records the link id once it has been computed from the
// hashed request packet. The link's state is left unchanged.
func (l *Link) SetLinkID(linkID []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LinkID = append([]byte(nil), linkID...)
}

// CompleteAsInitiator finishes the initiator's side of the handshake once
// the link-proof arrives: derives the shared secret and key schedule from
// the responder's ephemeral public key, and moves the link to StateActive.
func (l *Link) CompleteAsInitiator(responderEphPub []byte, now time.Time) error {
	if err := l.completeECDH(responderEphPub); err != nil {
		return err
	}
	l.mu.Lock()
	l.peerEphPub = append([]byte(nil), responderEphPub...)
	l.State = StateActive
	l.EstablishedAt = now
	l.LastInboundAt = now
	l.mu.Unlock()
	return nil
}

// ActivateAsResponder moves a responder link to StateActive once the
// RTT-confirm packet has been received, completing the three-packet
// handshake on its side.
func (l *Link) ActivateAsResponder(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.State = StateActive
	l.EstablishedAt = now
	l.LastInboundAt = now
}

// completeECDH performs the X25519 exchange against peerPub and derives
// this link's key schedule. Safe to call once; a second call overwrites
// the schedule, which CompleteAsInitiator relies on since the responder
// side derives it earlier (at NewResponderLink) than the initiator side
// (only once the proof arrives).
func (l *Link) completeECDH(peerPub []byte) error {
	l.mu.Lock()
	priv := l.localEphPriv
	linkID := l.LinkID
	l.mu.Unlock()

	shared, err := crypto.X25519ECDH(priv, peerPub)
	if err != nil {
		return err
	}
	keys, err := deriveKeySchedule(shared, linkID)
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.keys = keys
	l.mu.Unlock()
	return nil
}

// LocalEphemeralPublicKey returns this link's ephemeral X25519 public key,
// for building the request or proof payload.
func (l *Link) LocalEphemeralPublicKey() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.localEphPub...)
}

// LocalEphemeralSigningKey returns this link's per-link Ed25519
// verification key, included in the link-request payload.
func (l *Link) LocalEphemeralSigningKey() ed25519.PublicKey {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append(ed25519.PublicKey(nil), l.localEdPub...)
}
