// Package packet implements the bit-exact wire codec (§3, §4.1 and §6):
// the header byte, the 16- or 32-byte address field, the packet hash used
// as a cache key, and the optional per-interface IFAC authentication
// wrapper. Payload encryption (per destination type) lives in envelope.go.
package packet

import (
	"errors"
	"fmt"

	"github.com/n8sec/reticulum-go/pkg/crypto"
	"github.com/n8sec/reticulum-go/pkg/destination"
)

// HeaderType selects the 1-address or 2-address wire form.
type HeaderType uint8

const (
	HeaderType1Address HeaderType = 0 // 16-byte address field
	HeaderType2Address HeaderType = 1 // 32-byte address field (e.g. link packets)
)

// PropagationType distinguishes flooded broadcasts from table-routed transport.
type PropagationType uint8

const (
	PropagationBroadcast PropagationType = 0
	PropagationTransport PropagationType = 1
)

// PacketType is the wire packet kind.
type PacketType uint8

const (
	PacketTypeData        PacketType = 0
	PacketTypeAnnounce    PacketType = 1
	PacketTypeLinkRequest PacketType = 2
	PacketTypeProof       PacketType = 3
)

const (
	// Address1Size is the address field length for the 1-address header form.
	Address1Size = 16
	// Address2Size is the address field length for the 2-address header form.
	Address2Size = 32
	// MaxPacketSize is the hard ceiling on total wire size (§3).
	MaxPacketSize = 500
	// IFACTagSize is the truncated HMAC tag appended when IFAC is enabled.
	IFACTagSize = 8
	// fixedOverhead is header byte + hops byte + context byte.
	fixedOverhead = 3
)

var (
	// ErrOversizedPayload is returned when a payload would exceed MaxPacketSize.
	ErrOversizedPayload = errors.New("packet: payload exceeds maximum packet size")
	// ErrTooShort is returned when wire bytes are too short to contain a valid packet.
	ErrTooShort = errors.New("packet: wire data too short")
	// ErrBadAddressLength is returned when the address field length doesn't match header_type.
	ErrBadAddressLength = errors.New("packet: address field length does not match header type")
	// ErrIFACRequired is returned when a packet's IFAC flag is set but no key was given to verify it.
	ErrIFACRequired = errors.New("packet: IFAC key required to verify this packet")
	// ErrIFACMismatch is returned when the IFAC tag does not verify under the given key.
	ErrIFACMismatch = errors.New("packet: IFAC authentication failed")
	// ErrHopLimitExceeded is returned when a packet's hop count would exceed the configured maximum.
	ErrHopLimitExceeded = errors.New("packet: hop limit exceeded")
)

// Packet is a fully parsed wire packet.
type Packet struct {
	IFAC            bool
	HeaderType      HeaderType
	PropagationType PropagationType
	DestinationType destination.Type
	PacketType      PacketType
	Hops            uint8
	Addresses       []byte // 16 or 32 bytes, per HeaderType
	Context         byte
	Payload         []byte
}

// MaxPayloadSize returns the largest payload this packet's address length
// permits while staying within MaxPacketSize, accounting for an IFAC tag
// if one will be attached.
func MaxPayloadSize(headerType HeaderType, ifacEnabled bool) int {
	addrLen := Address1Size
	if headerType == HeaderType2Address {
		addrLen = Address2Size
	}
	max := MaxPacketSize - fixedOverhead - addrLen
	if ifacEnabled {
		max -= IFACTagSize
	}
	return max
}

func addressLen(ht HeaderType) int {
	if ht == HeaderType2Address {
		return Address2Size
	}
	return Address1Size
}

func encodeHeaderByte(p *Packet) byte {
	var b byte
	if p.IFAC {
		b |= 1 << 7
	}
	if p.HeaderType == HeaderType2Address {
		b |= 1 << 6
	}
	b |= (byte(p.PropagationType) & 0x3) << 4
	b |= (byte(p.DestinationType) & 0x3) << 2
	b |= byte(p.PacketType) & 0x3
	return b
}

func decodeHeaderByte(b byte) (ifac bool, headerType HeaderType, propagation PropagationType, destType destination.Type, pktType PacketType) {
	ifac = b&(1<<7) != 0
	if b&(1<<6) != 0 {
		headerType = HeaderType2Address
	} else {
		headerType = HeaderType1Address
	}
	propagation = PropagationType((b >> 4) & 0x3)
	destType = destination.Type((b >> 2) & 0x3)
	pktType = PacketType(b & 0x3)
	return
}

// Marshal serialises p to its wire form. If ifacKey is non-nil, p.IFAC is
// forced true and an 8-byte HMAC tag over the whole packet (header
// included) is appended, keyed by ifacKey.
func Marshal(p *Packet, ifacKey []byte) ([]byte, error) {
	if len(p.Addresses) != addressLen(p.HeaderType) {
		return nil, ErrBadAddressLength
	}
	maxPayload := MaxPayloadSize(p.HeaderType, ifacKey != nil)
	if len(p.Payload) > maxPayload {
		return nil, ErrOversizedPayload
	}

	withIFAC := *p
	withIFAC.IFAC = ifacKey != nil

	body := make([]byte, 0, fixedOverhead+len(withIFAC.Addresses)+len(withIFAC.Payload))
	body = append(body, encodeHeaderByte(&withIFAC))
	body = append(body, withIFAC.Hops)
	body = append(body, withIFAC.Addresses...)
	body = append(body, withIFAC.Context)
	body = append(body, withIFAC.Payload...)

	if ifacKey == nil {
		return body, nil
	}
	tag := crypto.ComputeHMAC(ifacKey, body)[:IFACTagSize]
	return append(body, tag...), nil
}

// Unmarshal parses wire bytes into a Packet. If the IFAC flag in the
// header is set, ifacKey must be supplied and must verify the trailing
// tag, or parsing fails; mismatched or unverifiable IFAC packets must be
// silently dropped by the caller per §7, not treated as a protocol error
// that aborts anything.
func Unmarshal(data []byte, ifacKey []byte) (*Packet, error) {
	if len(data) < fixedOverhead+Address1Size {
		return nil, ErrTooShort
	}

	ifac, headerType, propagation, destType, pktType := decodeHeaderByte(data[0])

	wire := data
	if ifac {
		if ifacKey == nil {
			return nil, ErrIFACRequired
		}
		if len(data) < IFACTagSize {
			return nil, ErrTooShort
		}
		body := data[:len(data)-IFACTagSize]
		tag := data[len(data)-IFACTagSize:]
		expected := crypto.ComputeHMAC(ifacKey, body)[:IFACTagSize]
		if !crypto.VerifyHMAC(expected, tag) {
			return nil, ErrIFACMismatch
		}
		wire = body
	}

	addrLen := addressLen(headerType)
	if len(wire) < fixedOverhead+addrLen {
		return nil, ErrTooShort
	}

	hops := wire[1]
	addresses := append([]byte(nil), wire[2:2+addrLen]...)
	context := wire[2+addrLen]
	payload := append([]byte(nil), wire[3+addrLen:]...)

	return &Packet{
		IFAC:            ifac,
		HeaderType:      headerType,
		PropagationType: propagation,
		DestinationType: destType,
		PacketType:      pktType,
		Hops:            hops,
		Addresses:       addresses,
		Context:         context,
		Payload:         payload,
	}, nil
}

// Hash computes the 16-byte packet hash used as a cache key: SHA-256 over
// a canonical serialisation that excludes the mutable hops field (and any
// IFAC tag, which is per-interface and not part of packet identity).
func (p *Packet) Hash() ([]byte, error) {
	if len(p.Addresses) != addressLen(p.HeaderType) {
		return nil, ErrBadAddressLength
	}
	canonical := make([]byte, 0, fixedOverhead-1+len(p.Addresses)+len(p.Payload))
	canonical = append(canonical, encodeHeaderByte(p))
	canonical = append(canonical, p.Addresses...)
	canonical = append(canonical, p.Context)
	canonical = append(canonical, p.Payload...)
	return crypto.Truncate16(crypto.Hash256(canonical)), nil
}

// IncrementHops returns a copy of p with Hops incremented by one. A
// packet already at or beyond maxHops is rejected outright rather than
// incremented further: a packet arriving with hops = maxHops has already
// made its last permitted hop, so this one (the maxHops-th forwarder)
// drops it instead of sending it onward one hop past the limit.
func (p *Packet) IncrementHops(maxHops uint8) (*Packet, error) {
	if p.Hops >= maxHops {
		return nil, ErrHopLimitExceeded
	}
	next := *p
	next.Hops = p.Hops + 1
	return &next, nil
}

// String renders a short diagnostic description of a packet, used only in
// logs.
func (p *Packet) String() string {
	return fmt.Sprintf("packet{type=%d dest=%s hops=%d addrlen=%d payload=%dB}",
		p.PacketType, p.DestinationType, p.Hops, len(p.Addresses), len(p.Payload))
}
