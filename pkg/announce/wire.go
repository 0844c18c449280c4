package announce

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	"github.com/n8sec/reticulum-go/pkg/identity"
)

// ErrMalformedAnnouncePayload is returned when an announce packet's
// payload is too short or has an inconsistent length prefix.
var ErrMalformedAnnouncePayload = errors.New("announce: malformed payload")

// EncodePayload serialises an Announce's payload for carriage inside a
// packet.Packet's Payload field (the destination hash itself travels in
// the packet's address field, per §4.1, so it is not repeated here).
// Fixed-size fields (the public blob, the signature) are written
// unprefixed; the three variable-length fields (ratchet material, app data,
// nonce) use a uint16 length prefix,
// the same fixed-offset-then-length-prefixed style pkg/packet uses for
// its own variable payload.
func EncodePayload(a *Announce) []byte {
	out := make([]byte, 0, len(a.PublicBlob)+2+len(a.RatchetMaterial)+2+len(a.AppData)+2+len(a.RandomNonce)+len(a.Signature))
	out = append(out, a.PublicBlob...)
	out = appendLenPrefixed(out, a.RatchetMaterial)
	out = appendLenPrefixed(out, a.AppData)
	out = appendLenPrefixed(out, a.RandomNonce)
	out = append(out, a.Signature...)
	return out
}

func appendLenPrefixed(dst, data []byte) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	dst = append(dst, lenBuf[:]...)
	dst = append(dst, data...)
	return dst
}

// DecodePayload parses a payload produced by EncodePayload, filling in
// DestinationHash and Hops from values the caller already knows from the
// enclosing packet (the destination hash from its address field, the hop
// count from its header byte).
func DecodePayload(payload, destinationHash []byte, hops uint8) (*Announce, error) {
	if len(payload) < identity.PublicBlobSize {
		return nil, ErrMalformedAnnouncePayload
	}
	publicBlob := append([]byte(nil), payload[:identity.PublicBlobSize]...)
	rest := payload[identity.PublicBlobSize:]

	ratchet, rest, err := readLenPrefixed(rest)
	if err != nil {
		return nil, err
	}
	appData, rest, err := readLenPrefixed(rest)
	if err != nil {
		return nil, err
	}
	nonce, rest, err := readLenPrefixed(rest)
	if err != nil {
		return nil, err
	}
	if len(rest) != ed25519.SignatureSize {
		return nil, ErrMalformedAnnouncePayload
	}

	return &Announce{
		DestinationHash: append([]byte(nil), destinationHash...),
		PublicBlob:      publicBlob,
		RatchetMaterial: ratchet,
		AppData:         appData,
		RandomNonce:     nonce,
		Signature:       append([]byte(nil), rest...),
		Hops:            hops,
	}, nil
}

func readLenPrefixed(data []byte) (field, rest []byte, err error) {
	if len(data) < 2 {
		return nil, nil, ErrMalformedAnnouncePayload
	}
	n := int(binary.BigEndian.Uint16(data))
	if len(data) < 2+n {
		return nil, nil, ErrMalformedAnnouncePayload
	}
	return append([]byte(nil), data[2:2+n]...), data[2+n:], nil
}
