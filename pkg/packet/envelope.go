package packet

import (
	"errors"

	"github.com/n8sec/reticulum-go/pkg/crypto"
	"github.com/n8sec/reticulum-go/pkg/identity"
)

// EphemeralPublicKeySize is the size of the per-packet X25519 ephemeral
// public key prefixed to a Single-destination envelope.
const EphemeralPublicKeySize = 32

const (
	singleEnvelopeInfo = "rns-single-v1"
	groupEnvelopeInfo  = "rns-group-v1"
)

// ErrEnvelopeTooShort is returned when an encrypted envelope is too short
// to contain its ephemeral key prefix.
var ErrEnvelopeTooShort = errors.New("packet: envelope too short")

// EncryptSingle encrypts plaintext for delivery to a Single destination
// identified by its 32-byte X25519 public key. A fresh ephemeral X25519
// keypair is generated per call — §8's "no key reuse" invariant — and its
// public half is prefixed to the Fernet envelope so the recipient can
// redo the ECDH.
func EncryptSingle(peerX25519Pub, plaintext []byte) ([]byte, error) {
	ephPub, ephPriv, err := crypto.GenerateX25519Keypair()
	if err != nil {
		return nil, err
	}
	shared, err := crypto.X25519ECDH(ephPriv, peerX25519Pub)
	if err != nil {
		return nil, err
	}
	signingKey, encKey, err := crypto.DeriveEnvelopeKeys(shared, singleEnvelopeInfo)
	if err != nil {
		return nil, err
	}
	token, err := crypto.FernetEncrypt(signingKey, encKey, plaintext)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(ephPub)+len(token))
	out = append(out, ephPub...)
	out = append(out, token...)
	return out, nil
}

// DecryptSingle decrypts an envelope produced by EncryptSingle using the
// recipient's own identity.
func DecryptSingle(recipient *identity.Identity, envelope []byte) ([]byte, error) {
	if len(envelope) < EphemeralPublicKeySize {
		return nil, ErrEnvelopeTooShort
	}
	ephPub := envelope[:EphemeralPublicKeySize]
	token := envelope[EphemeralPublicKeySize:]

	shared, err := recipient.ECDH(ephPub)
	if err != nil {
		return nil, err
	}
	signingKey, encKey, err := crypto.DeriveEnvelopeKeys(shared, singleEnvelopeInfo)
	if err != nil {
		return nil, err
	}
	return crypto.FernetDecrypt(signingKey, encKey, token)
}

// EncryptGroup encrypts plaintext for a Group destination using its
// pre-shared 32-byte symmetric key.
func EncryptGroup(groupKey, plaintext []byte) ([]byte, error) {
	signingKey, encKey, err := crypto.DeriveEnvelopeKeys(groupKey, groupEnvelopeInfo)
	if err != nil {
		return nil, err
	}
	return crypto.FernetEncrypt(signingKey, encKey, plaintext)
}

// DecryptGroup decrypts an envelope produced by EncryptGroup.
func DecryptGroup(groupKey, envelope []byte) ([]byte, error) {
	signingKey, encKey, err := crypto.DeriveEnvelopeKeys(groupKey, groupEnvelopeInfo)
	if err != nil {
		return nil, err
	}
	return crypto.FernetDecrypt(signingKey, encKey, envelope)
}
