// Package crypto provides the primitives shared by identities, packets and
// links: X25519 ECDH, HKDF key derivation, Ed25519 signatures, and the
// Fernet-style AES-128-CBC+HMAC-SHA256 envelope used to encrypt every
// destination-addressed payload on the wire.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// X25519KeySize is the size of a Curve25519 public or private key.
	X25519KeySize = 32
	// SigningKeySize is the HMAC-SHA256 key size used in the Fernet envelope.
	SigningKeySize = 32
	// EncryptionKeySize is the AES-128 key size used in the Fernet envelope.
	EncryptionKeySize = 16
	// IVSize is the AES-CBC IV size.
	IVSize = aes.BlockSize
	// HMACSize is the truncated-to-full HMAC-SHA256 tag size carried in envelopes.
	HMACSize = sha256.Size
)

var (
	// ErrInvalidKeyLength is returned when a key of the wrong size is supplied.
	ErrInvalidKeyLength = errors.New("crypto: invalid key length")
	// ErrEnvelopeTooShort is returned when a Fernet token is too short to parse.
	ErrEnvelopeTooShort = errors.New("crypto: envelope too short")
	// ErrAuthenticationFailed is returned when the HMAC over an envelope does not verify.
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")
)

// GenerateX25519Keypair generates a fresh Curve25519 keypair.
func GenerateX25519Keypair() (pub, priv []byte, err error) {
	priv = make([]byte, X25519KeySize)
	if _, err := rand.Read(priv); err != nil {
		return nil, nil, err
	}
	pub, err = curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

// X25519ECDH performs a Curve25519 Diffie-Hellman exchange.
func X25519ECDH(priv, pub []byte) ([]byte, error) {
	if len(priv) != X25519KeySize || len(pub) != X25519KeySize {
		return nil, ErrInvalidKeyLength
	}
	return curve25519.X25519(priv, pub)
}

// X25519PublicFromPrivate recomputes the Curve25519 public key for a
// private scalar by multiplying it with the curve basepoint.
func X25519PublicFromPrivate(priv []byte) ([]byte, error) {
	if len(priv) != X25519KeySize {
		return nil, ErrInvalidKeyLength
	}
	return curve25519.X25519(priv, curve25519.Basepoint)
}

// GenerateEd25519Keypair generates a fresh Ed25519 signing keypair.
func GenerateEd25519Keypair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// HKDFDerive derives outLen bytes from secret, salted and bound to info, using
// HKDF-SHA256. Every key schedule in this module (Fernet envelope keys, link
// session keys, ratchet keys) goes through this single entry point with a
// distinct info string for domain separation.
func HKDFDerive(secret, salt, info []byte, outLen int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}

// DeriveEnvelopeKeys derives the signing and encryption keys for a Fernet
// envelope from a shared secret, domain-separated by info.
func DeriveEnvelopeKeys(sharedSecret []byte, info string) (signingKey, encKey []byte, err error) {
	derived, err := HKDFDerive(sharedSecret, nil, []byte(info), SigningKeySize+EncryptionKeySize)
	if err != nil {
		return nil, nil, err
	}
	return derived[:SigningKeySize], derived[SigningKeySize:], nil
}

// ComputeHMAC computes HMAC-SHA256 over message with key.
func ComputeHMAC(key, message []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// VerifyHMAC compares two HMAC tags in constant time.
func VerifyHMAC(expected, computed []byte) bool {
	return subtle.ConstantTimeCompare(expected, computed) == 1
}

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Hash256 computes SHA-256 over data.
func Hash256(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// Truncate16 returns the first 16 bytes of a 32-byte SHA-256 digest, the
// truncation used for destination hashes, packet hashes and link ids.
func Truncate16(full []byte) []byte {
	out := make([]byte, 16)
	copy(out, full[:16])
	return out
}

// pkcs7Pad pads data to a multiple of aes.BlockSize using PKCS#7.
func pkcs7Pad(data []byte) []byte {
	padLen := aes.BlockSize - (len(data) % aes.BlockSize)
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

// pkcs7Unpad validates and strips PKCS#7 padding.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, errors.New("crypto: invalid padded length")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(data) {
		return nil, errors.New("crypto: invalid padding")
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("crypto: invalid padding")
		}
	}
	return data[:len(data)-padLen], nil
}

// FernetEncrypt seals plaintext into the wire envelope used for every
// destination-addressed payload: 16-byte IV, AES-128-CBC ciphertext with
// PKCS7 padding, and a trailing HMAC-SHA256 over IV||ciphertext.
func FernetEncrypt(signingKey, encKey, plaintext []byte) ([]byte, error) {
	if len(signingKey) != SigningKeySize || len(encKey) != EncryptionKeySize {
		return nil, ErrInvalidKeyLength
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, iv)
	cbc.CryptBlocks(ciphertext, padded)

	body := make([]byte, 0, IVSize+len(ciphertext)+HMACSize)
	body = append(body, iv...)
	body = append(body, ciphertext...)
	tag := ComputeHMAC(signingKey, body)
	body = append(body, tag...)
	return body, nil
}

// FernetDecrypt opens a token produced by FernetEncrypt, verifying the HMAC
// before touching the ciphertext.
func FernetDecrypt(signingKey, encKey, token []byte) ([]byte, error) {
	if len(signingKey) != SigningKeySize || len(encKey) != EncryptionKeySize {
		return nil, ErrInvalidKeyLength
	}
	if len(token) < IVSize+HMACSize+aes.BlockSize {
		return nil, ErrEnvelopeTooShort
	}
	body := token[:len(token)-HMACSize]
	tag := token[len(token)-HMACSize:]
	expected := ComputeHMAC(signingKey, body)
	if !VerifyHMAC(expected, tag) {
		return nil, ErrAuthenticationFailed
	}
	iv := body[:IVSize]
	ciphertext := body[IVSize:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrEnvelopeTooShort
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, iv)
	cbc.CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded)
}
