package link

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"

	"github.com/n8sec/reticulum-go/pkg/crypto"
	"github.com/n8sec/reticulum-go/pkg/identity"
)

// ErrMalformedPayload is returned when a handshake payload is the wrong
// shape to parse.
var ErrMalformedPayload = errors.New("link: malformed handshake payload")

// BuildLinkRequest encodes the initiator's link-request payload: its
// ephemeral X25519 public key and a per-link Ed25519 verification key.
// Neither reveals the initiator's real identity, per §4.6's invariant.
func BuildLinkRequest(ephX25519Pub []byte, ephEdPub ed25519.PublicKey) []byte {
	out := make([]byte, 0, crypto.X25519KeySize+ed25519.PublicKeySize)
	out = append(out, ephX25519Pub...)
	out = append(out, ephEdPub...)
	return out
}

// ParseLinkRequest splits a link-request payload into its two keys.
func ParseLinkRequest(payload []byte) (ephX25519Pub []byte, ephEdPub ed25519.PublicKey, err error) {
	if len(payload) != crypto.X25519KeySize+ed25519.PublicKeySize {
		return nil, nil, ErrMalformedPayload
	}
	ephX25519Pub = append([]byte(nil), payload[:crypto.X25519KeySize]...)
	ephEdPub = append(ed25519.PublicKey(nil), payload[crypto.X25519KeySize:]...)
	return ephX25519Pub, ephEdPub, nil
}

// BuildLinkProof encodes the responder's link-proof payload: its
// ephemeral X25519 public key plus an Ed25519 signature, made with the
// destination's real identity signing key, over link_id ∥
// responder_ephemeral_pub. Forwarders and the initiator both verify this
// against the destination's signing key recalled from announces — the
// thing that lets a path be trusted without anyone learning the session
// key.
func BuildLinkProof(responderIdentity *identity.Identity, linkID, responderEphPub []byte) []byte {
	signed := append(append([]byte(nil), linkID...), responderEphPub...)
	sig := responderIdentity.Sign(signed)
	out := make([]byte, 0, len(responderEphPub)+len(sig))
	out = append(out, responderEphPub...)
	out = append(out, sig...)
	return out
}

// VerifyLinkProof checks a link-proof payload against the destination's
// known Ed25519 signing key, returning the responder's ephemeral X25519
// public key on success.
func VerifyLinkProof(destSigningKey ed25519.PublicKey, linkID, payload []byte) (responderEphPub []byte, ok bool) {
	if len(payload) != crypto.X25519KeySize+ed25519.SignatureSize {
		return nil, false
	}
	responderEphPub = payload[:crypto.X25519KeySize]
	sig := payload[crypto.X25519KeySize:]
	signed := append(append([]byte(nil), linkID...), responderEphPub...)
	if !identity.Verify(destSigningKey, signed, sig) {
		return nil, false
	}
	return append([]byte(nil), responderEphPub...), true
}

// BuildRTTConfirm encrypts an RTT measurement (nanoseconds, big-endian)
// under the link's session key, proving the initiator completed its ECDH.
func BuildRTTConfirm(l *Link, rttNanos uint64) ([]byte, error) {
	signingKey, encKey, err := l.EncryptKeyFor(0)
	if err != nil {
		return nil, err
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], rttNanos)
	return crypto.FernetEncrypt(signingKey, encKey, buf[:])
}

// ParseRTTConfirm decrypts an RTT-confirm envelope.
func ParseRTTConfirm(l *Link, envelope []byte) (uint64, error) {
	signingKey, encKey, err := l.EncryptKeyFor(0)
	if err != nil {
		return 0, err
	}
	plain, err := crypto.FernetDecrypt(signingKey, encKey, envelope)
	if err != nil {
		return 0, err
	}
	if len(plain) != 8 {
		return 0, ErrMalformedPayload
	}
	return binary.BigEndian.Uint64(plain), nil
}

// BuildIdentify encrypts an identify control packet: the initiator's
// real Ed25519 public key and a signature over link_id ∥
// session_key_confirmation, letting it optionally reveal who it is once
// the channel is already encrypted (§4.6a).
func BuildIdentify(l *Link, owner *identity.Identity) ([]byte, error) {
	confirmation := crypto.Hash256(append(append([]byte(nil), l.LinkID...), l.keys.sessionKey...))
	signed := append(append([]byte(nil), l.LinkID...), confirmation...)
	sig := owner.Sign(signed)

	plain := make([]byte, 0, ed25519.PublicKeySize+len(sig))
	plain = append(plain, owner.EdPublicKey()...)
	plain = append(plain, sig...)

	signingKey, encKey, err := l.EncryptKeyFor(0)
	if err != nil {
		return nil, err
	}
	return crypto.FernetEncrypt(signingKey, encKey, plain)
}

// ParseIdentify decrypts and verifies an identify control packet,
// returning the peer's real Ed25519 identity key on success.
func ParseIdentify(l *Link, envelope []byte) (ed25519.PublicKey, error) {
	signingKey, encKey, err := l.EncryptKeyFor(0)
	if err != nil {
		return nil, err
	}
	plain, err := crypto.FernetDecrypt(signingKey, encKey, envelope)
	if err != nil {
		return nil, err
	}
	if len(plain) != ed25519.PublicKeySize+ed25519.SignatureSize {
		return nil, ErrMalformedPayload
	}
	edPub := ed25519.PublicKey(plain[:ed25519.PublicKeySize])
	sig := plain[ed25519.PublicKeySize:]

	confirmation := crypto.Hash256(append(append([]byte(nil), l.LinkID...), l.keys.sessionKey...))
	signed := append(append([]byte(nil), l.LinkID...), confirmation...)
	if !identity.Verify(edPub, signed, sig) {
		return nil, ErrBadProof
	}

	l.mu.Lock()
	l.identityRevealed = append(ed25519.PublicKey(nil), edPub...)
	l.mu.Unlock()
	return edPub, nil
}
