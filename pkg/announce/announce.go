// Package announce implements the Announce Engine (§4.4): verification of
// incoming announce packets, the exponential-backoff propagation queue,
// retry-with-cancel-on-overtake, and the resulting Path Table update. The
// per-interface bandwidth cap lives in ratelimit.go, adapted from the
// teacher's per-IP HTTP rate limiter.
package announce

import (
	"bytes"
	"container/heap"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/n8sec/reticulum-go/pkg/cache"
	"github.com/n8sec/reticulum-go/pkg/crypto"
	"github.com/n8sec/reticulum-go/pkg/identity"
	"github.com/n8sec/reticulum-go/pkg/iface"
	"github.com/n8sec/reticulum-go/pkg/pathtable"
)

// nonceSize is the length of the random nonce folded into every
// announce's signed content, preventing two announces for otherwise
// identical state from hashing to the same packet.
const nonceSize = 16

// Announce is a parsed announce payload (§4.4): the destination's public
// keys, optional ratchet material, application data, a random nonce, and
// the Ed25519 signature that binds all of it to the destination hash.
type Announce struct {
	DestinationHash []byte
	PublicBlob      []byte // 64-byte identity public blob (X25519 || Ed25519)
	RatchetMaterial []byte
	AppData         []byte
	RandomNonce     []byte
	Signature       []byte
	Hops            uint8 // hop count as carried in the received packet
}

// signedContent returns the exact byte sequence the embedded Ed25519
// signature covers: destination hash, public keys, ratchet material, app
// data and nonce, in that order.
func (a *Announce) signedContent() []byte {
	buf := make([]byte, 0, len(a.DestinationHash)+len(a.PublicBlob)+len(a.RatchetMaterial)+len(a.AppData)+len(a.RandomNonce))
	buf = append(buf, a.DestinationHash...)
	buf = append(buf, a.PublicBlob...)
	buf = append(buf, a.RatchetMaterial...)
	buf = append(buf, a.AppData...)
	buf = append(buf, a.RandomNonce...)
	return buf
}

// Verify checks the mandatory signature invariant of §4.4: the embedded
// Ed25519 public key must have signed destination hash ∥ public keys ∥
// ratchet material ∥ app data ∥ nonce. Network-wide forwarding only ever
// needs this check, since a forwarding node rarely knows the aspect
// string an app-specific destination was registered under; a caller that
// does know the aspects (recall_identity) should additionally verify
// VerifyAspects.
func Verify(a *Announce) bool {
	_, edPub, err := identity.ParsePublicBlob(a.PublicBlob)
	if err != nil {
		return false
	}
	return ed25519.Verify(edPub, a.signedContent(), a.Signature)
}

// NewSigned builds and signs an announce for one of this node's own
// destinations: owner is the destination's identity (for a Single
// destination) whose signing key produced destinationHash; ratchetMaterial
// and appData are carried unencrypted and may be nil.
func NewSigned(owner *identity.Identity, destinationHash, ratchetMaterial, appData []byte) (*Announce, error) {
	nonce, err := crypto.RandomBytes(nonceSize)
	if err != nil {
		return nil, err
	}
	a := &Announce{
		DestinationHash: append([]byte(nil), destinationHash...),
		PublicBlob:      owner.PublicBlob(),
		RatchetMaterial: ratchetMaterial,
		AppData:         appData,
		RandomNonce:     nonce,
	}
	a.Signature = owner.Sign(a.signedContent())
	return a, nil
}

// VerifyAspects additionally checks that the destination hash matches
// trunc16(SHA256(aspects ∥ public_keys)), for callers that know which
// aspect string they expect.
func VerifyAspects(a *Announce, aspects string) bool {
	return bytes.Equal(a.DestinationHash, identity.Hash(aspects, a.PublicBlob))
}

// Config holds the propagation constants of §4.4, all tunable but
// defaulted exactly as the spec states.
type Config struct {
	C          float64       // exponential base for delay c^h
	MaxHops    uint8         // m: hop limit
	Retries    int           // r: retry budget
	RetryT     time.Duration // t: fixed retry addend
	RetryJitter time.Duration // rw: retry jitter ceiling
}

// DefaultConfig returns spec.md §4.4's stated defaults: c=2, m=128, r=1, t=10s, rw=10s.
func DefaultConfig() Config {
	return Config{
		C:           2,
		MaxHops:     128,
		Retries:     1,
		RetryT:      10 * time.Second,
		RetryJitter: 10 * time.Second,
	}
}

// Outcome describes what Receive did with an incoming announce.
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeDroppedHopLimit
	OutcomeDroppedDuplicate
	OutcomeDroppedBadSignature
)

var (
	// ErrNilAnnounce describes a nil announce. Receive does not return it:
	// it reports a nil announce as OutcomeDroppedHopLimit.
	ErrNilAnnounce = errors.New("announce: nil announce")
)

// scheduledItem is one pending propagation.
type scheduledItem struct {
	announce      *Announce
	packetHash    string // hex
	destHash      string // hex
	readyAt       time.Time
	priority      float64 // 1/d; higher sends first among items ready at once
	retriesLeft   int
	arrivalIface  string
	index         int // heap bookkeeping
}

type readyHeap []*scheduledItem

func (h readyHeap) Len() int { return len(h) }
func (h readyHeap) Less(i, j int) bool {
	if h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].priority > h[j].priority
	}
	return h[i].readyAt.Before(h[j].readyAt)
}
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *readyHeap) Push(x interface{}) {
	item := x.(*scheduledItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *readyHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// ScheduledAnnounce is a caller-facing view of a propagation-queue entry
// ready to be transmitted.
type ScheduledAnnounce struct {
	Announce           *Announce
	PacketHash         []byte
	ArrivalInterfaceID string
}

// Engine is the process-wide Announce Engine, driven by Receive (for
// inbound packets) and PopReady/MarkSent (for the event loop's send
// side).
type Engine struct {
	mu sync.Mutex

	cache *cache.Cache
	table *pathtable.Table
	cfg   Config

	queue        readyHeap
	byPacketHash map[string]*scheduledItem
	byDestHash   map[string]*scheduledItem

	// limiters is created by New; no Engine method consults it.
	limiters *RateLimiters
}

// New creates an Announce Engine over the given Packet Cache and Path Table.
func New(c *cache.Cache, t *pathtable.Table, cfg Config) *Engine {
	return &Engine{
		cache:        c,
		table:        t,
		cfg:          cfg,
		byPacketHash: make(map[string]*scheduledItem),
		byDestHash:   make(map[string]*scheduledItem),
		limiters:     NewRateLimiters(),
	}
}

func pow(base float64, exp uint8) time.Duration {
	seconds := math.Pow(base, float64(exp))
	return time.Duration(seconds * float64(time.Second))
}

// Receive processes one incoming announce packet: hop-limit check,
// dedup/overtake handling, signature verification, propagation scheduling
// and the resulting Path Table update, exactly per §4.4's load-bearing
// rules.
func (e *Engine) Receive(a *Announce, packetHash []byte, arrivalInterfaceID string, arrivalNeighbour []byte, arrivalMode iface.Mode, now time.Time) Outcome {
	if a == nil {
		return OutcomeDroppedHopLimit
	}

	if uint16(a.Hops)+1 > uint16(e.cfg.MaxHops) {
		return OutcomeDroppedHopLimit
	}

	pHashKey := hex.EncodeToString(packetHash)

	if e.cache.Seen(packetHash) {
		e.handleOvertake(pHashKey, a.Hops)
		return OutcomeDroppedDuplicate
	}
	e.cache.RememberPacket(packetHash)

	if !Verify(a) {
		return OutcomeDroppedBadSignature
	}

	e.scheduleLocked(a, pHashKey, arrivalInterfaceID, now)

	newHopCount := a.Hops + 1
	ttl := pathtable.TTLByMode(arrivalMode)
	e.table.Set(pathtable.Entry{
		DestinationHash:      append([]byte(nil), a.DestinationHash...),
		NextHopInterfaceID:   arrivalInterfaceID,
		NextHopNeighbourHash: append([]byte(nil), arrivalNeighbour...),
		HopCount:             newHopCount,
		Expiry:               now.Add(ttl),
		LastAnnouncePacket:   append([]byte(nil), packetHash...),
		AnnounceTimestamp:    now,
	}, now)

	e.cache.RememberAnnounce(cache.AnnounceRecord{
		DestinationHash: a.DestinationHash,
		PacketHash:      packetHash,
		PublicBlob:      a.PublicBlob,
		AppData:         a.AppData,
		Hops:            newHopCount,
	})

	return OutcomeAccepted
}

// handleOvertake implements "unless another node is heard retransmitting
// with greater hop count (in which case cancel retries)": a duplicate
// sighting of the same content with a higher hop count than what we
// scheduled means the announce is already propagating further than we
// are, so our own pending retry is no longer useful.
func (e *Engine) handleOvertake(packetHashKey string, heardHops uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	item, ok := e.byPacketHash[packetHashKey]
	if !ok {
		return
	}
	if heardHops > item.announce.Hops {
		e.removeLocked(item)
	}
}

func (e *Engine) scheduleLocked(a *Announce, packetHashKey, arrivalInterfaceID string, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	destKey := hex.EncodeToString(a.DestinationHash)
	d := pow(e.cfg.C, a.Hops)
	if d <= 0 {
		d = time.Nanosecond
	}
	priority := 1.0 / d.Seconds()

	if existing, ok := e.byDestHash[destKey]; ok {
		if sameCore(existing.announce, a) {
			// Only app_data/nonce differs: replace content, keep old delay/priority.
			existing.announce = a
			delete(e.byPacketHash, existing.packetHash)
			existing.packetHash = packetHashKey
			e.byPacketHash[packetHashKey] = existing
			return
		}
		// Genuinely different announce for this destination: drop the older.
		e.removeLocked(existing)
	}

	item := &scheduledItem{
		announce:     a,
		packetHash:   packetHashKey,
		destHash:     destKey,
		readyAt:      now.Add(d),
		priority:     priority,
		retriesLeft:  e.cfg.Retries,
		arrivalIface: arrivalInterfaceID,
	}
	heap.Push(&e.queue, item)
	e.byPacketHash[packetHashKey] = item
	e.byDestHash[destKey] = item
}

func sameCore(a, b *Announce) bool {
	return bytes.Equal(a.DestinationHash, b.DestinationHash) &&
		bytes.Equal(a.PublicBlob, b.PublicBlob) &&
		bytes.Equal(a.RatchetMaterial, b.RatchetMaterial)
}

func (e *Engine) removeLocked(item *scheduledItem) {
	if item.index >= 0 && item.index < len(e.queue) && e.queue[item.index] == item {
		heap.Remove(&e.queue, item.index)
	}
	delete(e.byPacketHash, item.packetHash)
	delete(e.byDestHash, item.destHash)
}

// PopReady removes and returns every item whose delay has elapsed, most
// urgent (smallest delay, i.e. highest priority) first.
func (e *Engine) PopReady(now time.Time) []ScheduledAnnounce {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []ScheduledAnnounce
	for e.queue.Len() > 0 && !e.queue[0].readyAt.After(now) {
		item := heap.Pop(&e.queue).(*scheduledItem)
		delete(e.byPacketHash, item.packetHash)
		delete(e.byDestHash, item.destHash)
		out = append(out, ScheduledAnnounce{
			Announce:           item.announce,
			PacketHash:         mustDecodeHex(item.packetHash),
			ArrivalInterfaceID: item.arrivalIface,
		})
		if item.retriesLeft > 0 {
			e.requeueRetryLocked(item, now)
		}
	}
	return out
}

func (e *Engine) requeueRetryLocked(item *scheduledItem, now time.Time) {
	h := item.announce.Hops
	wait := pow(e.cfg.C, h+1) + e.cfg.RetryT
	if e.cfg.RetryJitter > 0 {
		wait += time.Duration(rand.Int63n(int64(e.cfg.RetryJitter)))
	}
	retry := &scheduledItem{
		announce:     item.announce,
		packetHash:   item.packetHash,
		destHash:     item.destHash,
		readyAt:      now.Add(wait),
		priority:     item.priority,
		retriesLeft:  item.retriesLeft - 1,
		arrivalIface: item.arrivalIface,
	}
	heap.Push(&e.queue, retry)
	e.byPacketHash[retry.packetHash] = retry
	e.byDestHash[retry.destHash] = retry
}

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil
	}
	return b
}

// PendingLen reports how many announces are currently queued for propagation.
func (e *Engine) PendingLen() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.queue.Len()
}
