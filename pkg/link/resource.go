// Resource transfer (§4.7): segmented bulk transfer over an established
// link, with windowed push, a receiver bitmap, periodic selective
// retransmission and a finalisation proof. Grounded on the teacher's
// swarm chunking (content split into fixed-size, individually hashed
// pieces) generalised from at-rest storage to in-flight windowed
// delivery, and on the Announce Engine's retry-with-budget shape for the
// sender's per-window timeout handling.
package link

import (
	"bytes"
	"compress/flate"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"time"
)

// ResourceState is where a transfer sits in its lifecycle.
type ResourceState int

const (
	ResourceAdvertised ResourceState = iota
	ResourceTransferring
	ResourceComplete
	ResourceFailed
)

// CompressionThreshold is the minimum segment size, in bytes, above which
// a segment is compressed before sending; below it the overhead of
// compression rarely pays for itself.
const CompressionThreshold = 64

// LowBitrateThreshold is the bitrate, in bits per second, below which the
// sender caps its window size regardless of how much headroom the normal
// adaptive formula would otherwise allow (§4.7 edge case: ultra-slow
// links ≤ 500 bps).
const LowBitrateThreshold = 500

// MaxWindowCap is the hard ceiling on outstanding unacknowledged
// segments over an ultra-slow link.
const MaxWindowCap = 4

// DefaultMaxWindow is the window size used on links well above the
// low-bitrate threshold.
const DefaultMaxWindow = 32

var (
	ErrResourceAlreadyAdvertised = errors.New("resource: already advertised")
	ErrUnknownResource           = errors.New("resource: unknown resource hash")
	ErrSegmentOutOfRange         = errors.New("resource: segment index out of range")
	ErrHashMismatch              = errors.New("resource: reassembled hash does not match advertised hash")
	ErrRetryBudgetExceeded       = errors.New("resource: whole-window retry budget exceeded")
)

// Advertisement is the payload a sender transmits to start a transfer.
type Advertisement struct {
	ResourceHash    []byte
	TotalSize       uint64
	SegmentSize     uint32
	SegmentCount    uint32
	CompressionFlag bool
	Metadata        []byte
}

// EncodeAdvertisement serialises an Advertisement for the wire.
func EncodeAdvertisement(a *Advertisement) []byte {
	out := make([]byte, 0, 32+8+4+4+1+len(a.Metadata))
	out = append(out, a.ResourceHash...)
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], a.TotalSize)
	out = append(out, sizeBuf[:]...)
	var segSizeBuf, segCountBuf [4]byte
	binary.BigEndian.PutUint32(segSizeBuf[:], a.SegmentSize)
	binary.BigEndian.PutUint32(segCountBuf[:], a.SegmentCount)
	out = append(out, segSizeBuf[:]...)
	out = append(out, segCountBuf[:]...)
	if a.CompressionFlag {
		out = append(out, 1)
	} else {
		out = append(out, 0)
	}
	out = append(out, a.Metadata...)
	return out
}

// DecodeAdvertisement parses an Advertisement payload.
func DecodeAdvertisement(payload []byte) (*Advertisement, error) {
	if len(payload) < sha256.Size+8+4+4+1 {
		return nil, ErrMalformedPayload
	}
	off := 0
	resourceHash := append([]byte(nil), payload[off:off+sha256.Size]...)
	off += sha256.Size
	totalSize := binary.BigEndian.Uint64(payload[off : off+8])
	off += 8
	segmentSize := binary.BigEndian.Uint32(payload[off : off+4])
	off += 4
	segmentCount := binary.BigEndian.Uint32(payload[off : off+4])
	off += 4
	compression := payload[off] != 0
	off++
	return &Advertisement{
		ResourceHash:    resourceHash,
		TotalSize:       totalSize,
		SegmentSize:     segmentSize,
		SegmentCount:    segmentCount,
		CompressionFlag: compression,
		Metadata:        append([]byte(nil), payload[off:]...),
	}, nil
}

// compressSegment deflates data if it is at or above CompressionThreshold
// and compression actually shrinks it; otherwise it is returned as-is.
func compressSegment(data []byte) (out []byte, compressed bool) {
	if len(data) < CompressionThreshold {
		return data, false
	}
	var buf bytes.Buffer
	w, _ := flate.NewWriter(&buf, flate.DefaultCompression)
	_, _ = w.Write(data)
	_ = w.Close()
	if buf.Len() >= len(data) {
		return data, false
	}
	return buf.Bytes(), true
}

// decompressSegment inflates data produced by compressSegment.
func decompressSegment(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	return io.ReadAll(r)
}

// SenderResource tracks one in-flight outbound transfer.
type SenderResource struct {
	mu sync.Mutex

	Advertisement *Advertisement
	segments      [][]byte // compressed-or-not wire bytes per segment
	acked         []bool
	window        int
	retryBudget   int
	retriesSoFar  int
	state         ResourceState
}

// NewSenderResource segments data into fixed-size chunks, compressing
// each above the threshold, and returns the resource descriptor plus its
// advertisement.
func NewSenderResource(data []byte, segmentSize uint32, metadata []byte) (*SenderResource, *Advertisement) {
	sum := sha256.Sum256(data)
	var segments [][]byte
	anyCompressed := false
	for off := 0; off < len(data); off += int(segmentSize) {
		end := off + int(segmentSize)
		if end > len(data) {
			end = len(data)
		}
		seg, compressed := compressSegment(data[off:end])
		if compressed {
			anyCompressed = true
		}
		segments = append(segments, seg)
	}
	adv := &Advertisement{
		ResourceHash:    sum[:],
		TotalSize:       uint64(len(data)),
		SegmentSize:     segmentSize,
		SegmentCount:    uint32(len(segments)),
		CompressionFlag: anyCompressed,
		Metadata:        metadata,
	}
	return &SenderResource{
		Advertisement: adv,
		segments:      segments,
		acked:         make([]bool, len(segments)),
		window:        DefaultMaxWindow,
		retryBudget:   8,
		state:         ResourceAdvertised,
	}, adv
}

// SetBitrate adapts the sender's window size to the observed link
// bitrate, capping it hard below LowBitrateThreshold.
func (s *SenderResource) SetBitrate(bitrate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bitrate > 0 && bitrate < LowBitrateThreshold {
		if s.window > MaxWindowCap {
			s.window = MaxWindowCap
		}
		return
	}
	s.window = DefaultMaxWindow
}

// NextWindow returns up to window unacknowledged segment indices to send
// next, in order.
func (s *SenderResource) NextWindow() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ResourceTransferring
	var out []uint32
	for i, done := range s.acked {
		if done {
			continue
		}
		out = append(out, uint32(i))
		if len(out) >= s.window {
			break
		}
	}
	return out
}

// SegmentPayload returns the wire bytes for segment index i.
func (s *SenderResource) SegmentPayload(index uint32) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int(index) >= len(s.segments) {
		return nil, ErrSegmentOutOfRange
	}
	return s.segments[index], nil
}

// ApplyHashmap marks every segment index present in the receiver's
// hashmap as acknowledged, and the rest as outstanding again.
func (s *SenderResource) ApplyHashmap(receivedIndices []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.acked {
		s.acked[i] = false
	}
	for _, idx := range receivedIndices {
		if int(idx) < len(s.acked) {
			s.acked[idx] = true
		}
	}
}

// Outstanding reports whether any segment remains unacknowledged.
func (s *SenderResource) Outstanding() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, done := range s.acked {
		if !done {
			return true
		}
	}
	return false
}

// WindowTimedOut records a whole-window timeout, returning
// ErrRetryBudgetExceeded once the retry budget is exhausted (the fatal
// path per §4.7's failure semantics).
func (s *SenderResource) WindowTimedOut() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retriesSoFar++
	if s.retriesSoFar > s.retryBudget {
		s.state = ResourceFailed
		return ErrRetryBudgetExceeded
	}
	return nil
}

// Complete marks the resource finished once the receiver's proof arrives.
func (s *SenderResource) Complete() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ResourceComplete
}

// State returns the sender's current lifecycle state.
func (s *SenderResource) State() ResourceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ReceiverResource reassembles an inbound transfer from its
// advertisement and a bitmap of which segments have arrived.
type ReceiverResource struct {
	mu sync.Mutex

	Advertisement *Advertisement
	segments      [][]byte
	received      []bool
	receivedCount int
	state         ResourceState
	failedAt      time.Time
	payload       []byte // cached by Reassemble, returned by Payload
}

// NewReceiverResource creates the receive-side bookkeeping for an
// advertised transfer.
func NewReceiverResource(adv *Advertisement) *ReceiverResource {
	return &ReceiverResource{
		Advertisement: adv,
		segments:      make([][]byte, adv.SegmentCount),
		received:      make([]bool, adv.SegmentCount),
		state:         ResourceAdvertised,
	}
}

// ReceiveSegment stores an inbound segment, idempotently: a duplicate
// receipt of an already-stored segment is a no-op, not an error.
func (r *ReceiverResource) ReceiveSegment(index uint32, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if int(index) >= len(r.segments) {
		return ErrSegmentOutOfRange
	}
	r.state = ResourceTransferring
	if r.received[index] {
		return nil
	}
	r.segments[index] = append([]byte(nil), payload...)
	r.received[index] = true
	r.receivedCount++
	return nil
}

// MissingIndices returns every segment index not yet received, the
// content of the periodic hashmap packet.
func (r *ReceiverResource) MissingIndices() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []uint32
	for i, got := range r.received {
		if !got {
			out = append(out, uint32(i))
		}
	}
	return out
}

// Complete reports whether every segment has arrived.
func (r *ReceiverResource) Complete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.receivedCount == len(r.segments)
}

// Reassemble concatenates and decompresses every segment and verifies
// the result against the advertised resource hash, producing the proof
// payload (the resource hash itself) on success.
func (r *ReceiverResource) Reassemble() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.receivedCount != len(r.segments) {
		return nil, ErrUnknownResource
	}

	var out bytes.Buffer
	for _, seg := range r.segments {
		if r.Advertisement.CompressionFlag {
			plain, err := decompressSegment(seg)
			if err == nil {
				out.Write(plain)
				continue
			}
			// Not every segment is necessarily compressed even when the
			// advertisement flag is set (segments below the threshold
			// pass through verbatim); fall back to raw bytes.
			out.Write(seg)
			continue
		}
		out.Write(seg)
	}

	sum := sha256.Sum256(out.Bytes())
	if !bytes.Equal(sum[:], r.Advertisement.ResourceHash) {
		r.state = ResourceFailed
		return nil, ErrHashMismatch
	}
	r.state = ResourceComplete
	r.payload = out.Bytes()
	return append([]byte(nil), r.Advertisement.ResourceHash...), nil
}

// Payload returns the reassembled data cached by a successful Reassemble
// call, or nil if Reassemble has not yet succeeded.
func (r *ReceiverResource) Payload() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte(nil), r.payload...)
}

// MarkFailed records the time a transfer was declared failed, so a late
// proof arriving before garbage collection can still be honoured.
func (r *ReceiverResource) MarkFailed(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = ResourceFailed
	r.failedAt = now
}

// State returns the receiver's current lifecycle state.
func (r *ReceiverResource) State() ResourceState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// AcceptLateProof allows a proof that arrives after failure but before
// the resource would be garbage-collected (maxAge after failedAt) to
// still complete the transfer, per §4.7's edge case.
func (r *ReceiverResource) AcceptLateProof(now time.Time, maxAge time.Duration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != ResourceFailed {
		return false
	}
	if now.Sub(r.failedAt) > maxAge {
		return false
	}
	r.state = ResourceComplete
	return true
}

// ResourceIDSize is the length of the correlation id carried alongside
// every segment/hashmap/proof frame, a truncation of the advertised
// resource hash the same way a link id truncates its request hash.
const ResourceIDSize = 16

// ResourceID derives the wire correlation id for a resource from its
// advertisement.
func ResourceID(adv *Advertisement) []byte {
	return append([]byte(nil), adv.ResourceHash[:ResourceIDSize]...)
}

// EncodeSegmentFrame frames one segment for transmission over a link:
// resource_id(16) || segment_index(4) || segment bytes. Grounded on
// pkg/announce's own fixed-offset-then-payload framing style.
func EncodeSegmentFrame(resourceID []byte, index uint32, payload []byte) []byte {
	out := make([]byte, 0, ResourceIDSize+4+len(payload))
	out = append(out, resourceID...)
	var idxBuf [4]byte
	binary.BigEndian.PutUint32(idxBuf[:], index)
	out = append(out, idxBuf[:]...)
	out = append(out, payload...)
	return out
}

// DecodeSegmentFrame parses a frame produced by EncodeSegmentFrame.
func DecodeSegmentFrame(frame []byte) (resourceID []byte, index uint32, payload []byte, err error) {
	if len(frame) < ResourceIDSize+4 {
		return nil, 0, nil, ErrMalformedPayload
	}
	resourceID = append([]byte(nil), frame[:ResourceIDSize]...)
	index = binary.BigEndian.Uint32(frame[ResourceIDSize : ResourceIDSize+4])
	payload = append([]byte(nil), frame[ResourceIDSize+4:]...)
	return resourceID, index, payload, nil
}

// EncodeHashmapFrame frames a periodic selective-retransmission hashmap:
// resource_id(16) || bitfield.
func EncodeHashmapFrame(resourceID, bitfield []byte) []byte {
	out := make([]byte, 0, ResourceIDSize+len(bitfield))
	out = append(out, resourceID...)
	out = append(out, bitfield...)
	return out
}

// DecodeHashmapFrame parses a frame produced by EncodeHashmapFrame.
func DecodeHashmapFrame(frame []byte) (resourceID, bitfield []byte, err error) {
	if len(frame) < ResourceIDSize {
		return nil, nil, ErrMalformedPayload
	}
	return append([]byte(nil), frame[:ResourceIDSize]...), append([]byte(nil), frame[ResourceIDSize:]...), nil
}

// EncodeResourceProofFrame frames the finalisation proof a receiver sends
// once every segment has reassembled and verified: resource_id(16) ||
// proof (the reassembled hash).
func EncodeResourceProofFrame(resourceID, proof []byte) []byte {
	out := make([]byte, 0, ResourceIDSize+len(proof))
	out = append(out, resourceID...)
	out = append(out, proof...)
	return out
}

// DecodeResourceProofFrame parses a frame produced by EncodeResourceProofFrame.
func DecodeResourceProofFrame(frame []byte) (resourceID, proof []byte, err error) {
	if len(frame) < ResourceIDSize {
		return nil, nil, ErrMalformedPayload
	}
	return append([]byte(nil), frame[:ResourceIDSize]...), append([]byte(nil), frame[ResourceIDSize:]...), nil
}

// EncodeHashmap packs missing segment indices into a compact bitfield:
// segment_count bits, one per segment, 1 meaning "still missing".
func EncodeHashmap(segmentCount uint32, missing []uint32) []byte {
	out := make([]byte, (segmentCount+7)/8)
	for _, idx := range missing {
		if idx >= segmentCount {
			continue
		}
		out[idx/8] |= 1 << (idx % 8)
	}
	return out
}

// DecodeHashmap unpacks a bitfield produced by EncodeHashmap back into
// missing segment indices.
func DecodeHashmap(bitfield []byte, segmentCount uint32) []uint32 {
	var out []uint32
	for i := uint32(0); i < segmentCount; i++ {
		if bitfield[i/8]&(1<<(i%8)) != 0 {
			out = append(out, i)
		}
	}
	return out
}
