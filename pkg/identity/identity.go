// Package identity implements the cryptographic identity: an X25519
// encryption keypair paired with an Ed25519 signing keypair, the
// destination-hash derivation used throughout the stack, and opaque
// on-disk persistence (optionally passphrase-wrapped).
package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/scrypt"

	"github.com/n8sec/reticulum-go/pkg/crypto"
	"github.com/n8sec/reticulum-go/pkg/storepath"
)

const (
	// PublicBlobSize is the 64-byte wire form of an identity's public
	// portion: 32-byte X25519 public key followed by 32-byte Ed25519
	// public key.
	PublicBlobSize = 32 + ed25519.PublicKeySize

	// HashSize is the size of a destination hash in bytes.
	HashSize = 16

	fileMagic       = "RNSI"
	fileVersionPlain = 1
	fileVersionSealed = 2
	scryptN          = 1 << 15
	scryptR          = 8
	scryptP          = 1
	scryptKeyLen     = 32
	scryptSaltSize   = 16
)

var (
	// ErrCorruptBlob is returned when a persisted identity blob is malformed.
	ErrCorruptBlob = errors.New("identity: corrupt identity blob")
	// ErrWrongPassphrase is returned when a sealed identity fails to decrypt.
	ErrWrongPassphrase = errors.New("identity: wrong passphrase or corrupt blob")
)

// Identity owns one X25519 encryption keypair and one Ed25519 signing
// keypair.
type Identity struct {
	x25519Pub  []byte
	x25519Priv []byte
	edPub      ed25519.PublicKey
	edPriv     ed25519.PrivateKey
}

// New generates a fresh Identity.
func New() (*Identity, error) {
	x25519Pub, x25519Priv, err := crypto.GenerateX25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate x25519 keypair: %w", err)
	}
	edPub, edPriv, err := crypto.GenerateEd25519Keypair()
	if err != nil {
		return nil, fmt.Errorf("identity: generate ed25519 keypair: %w", err)
	}
	return &Identity{
		x25519Pub:  x25519Pub,
		x25519Priv: x25519Priv,
		edPub:      edPub,
		edPriv:     edPriv,
	}, nil
}

// X25519PublicKey returns the 32-byte Curve25519 public key.
func (id *Identity) X25519PublicKey() []byte { return append([]byte(nil), id.x25519Pub...) }

// EdPublicKey returns the 32-byte Ed25519 public key.
func (id *Identity) EdPublicKey() ed25519.PublicKey { return append(ed25519.PublicKey(nil), id.edPub...) }

// PublicBlob returns the 64-byte wire form of the public portion of this
// identity: X25519 public key concatenated with Ed25519 public key.
func (id *Identity) PublicBlob() []byte {
	blob := make([]byte, 0, PublicBlobSize)
	blob = append(blob, id.x25519Pub...)
	blob = append(blob, id.edPub...)
	return blob
}

// ParsePublicBlob splits a 64-byte public blob into its X25519 and Ed25519
// components.
func ParsePublicBlob(blob []byte) (x25519Pub []byte, edPub ed25519.PublicKey, err error) {
	if len(blob) != PublicBlobSize {
		return nil, nil, ErrCorruptBlob
	}
	x25519Pub = append([]byte(nil), blob[:32]...)
	edPub = append(ed25519.PublicKey(nil), blob[32:]...)
	return x25519Pub, edPub, nil
}

// Sign produces an Ed25519 signature over message.
func (id *Identity) Sign(message []byte) []byte {
	return ed25519.Sign(id.edPriv, message)
}

// Verify checks an Ed25519 signature against a public key.
func Verify(edPub ed25519.PublicKey, message, signature []byte) bool {
	return ed25519.Verify(edPub, message, signature)
}

// ECDH performs X25519 key agreement against a peer's public key using
// this identity's encryption private key.
func (id *Identity) ECDH(peerX25519Pub []byte) ([]byte, error) {
	return crypto.X25519ECDH(id.x25519Priv, peerX25519Pub)
}

// AspectString joins dotted application-aspect names the way destinations
// are named on the wire, e.g. AspectString("app", "node", "a") == "app.node.a".
func AspectString(aspects ...string) string {
	return strings.Join(aspects, ".")
}

// Hash derives a 16-byte destination hash from a joined aspect string and,
// for single-type destinations, the owning identity's 64-byte public blob.
// Pass a nil publicBlob for group/plain destinations.
func Hash(aspects string, publicBlob []byte) []byte {
	data := make([]byte, 0, len(aspects)+len(publicBlob))
	data = append(data, []byte(aspects)...)
	data = append(data, publicBlob...)
	return crypto.Truncate16(crypto.Hash256(data))
}

// DestinationHash derives this identity's own single-type destination hash
// for the given aspects.
func (id *Identity) DestinationHash(aspects ...string) []byte {
	return Hash(AspectString(aspects...), id.PublicBlob())
}

// secretBytes returns the 96-byte raw secret material (X25519 priv || Ed25519 priv).
func (id *Identity) secretBytes() []byte {
	out := make([]byte, 0, len(id.x25519Priv)+len(id.edPriv))
	out = append(out, id.x25519Priv...)
	out = append(out, id.edPriv...)
	return out
}

func fromSecretBytes(secret []byte) (*Identity, error) {
	if len(secret) != crypto.X25519KeySize+ed25519.PrivateKeySize {
		return nil, ErrCorruptBlob
	}
	x25519Priv := append([]byte(nil), secret[:crypto.X25519KeySize]...)
	edPriv := append(ed25519.PrivateKey(nil), secret[crypto.X25519KeySize:]...)

	pub, err := crypto.X25519PublicFromPrivate(x25519Priv)
	if err != nil {
		return nil, err
	}
	edPub, ok := edPriv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, ErrCorruptBlob
	}
	return &Identity{
		x25519Pub:  pub,
		x25519Priv: x25519Priv,
		edPub:      edPub,
		edPriv:     edPriv,
	}, nil
}

// Save persists the identity's raw secret material to path. If passphrase
// is non-empty the blob is scrypt-stretched and sealed with the Fernet
// envelope from pkg/crypto; otherwise it is written opaquely but
// unencrypted (suitable for storage on an already-encrypted filesystem).
// Writes use write-then-rename so a crash mid-write cannot corrupt an
// existing identity file.
func (id *Identity) Save(path string, passphrase string) error {
	var body []byte
	secret := id.secretBytes()

	if passphrase == "" {
		body = append([]byte{fileVersionPlain}, secret...)
	} else {
		salt, err := crypto.RandomBytes(scryptSaltSize)
		if err != nil {
			return fmt.Errorf("identity: generate salt: %w", err)
		}
		derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
		if err != nil {
			return fmt.Errorf("identity: scrypt: %w", err)
		}
		signingKey, encKey, err := crypto.DeriveEnvelopeKeys(derived, "rns-identity-seal")
		if err != nil {
			return fmt.Errorf("identity: derive seal keys: %w", err)
		}
		token, err := crypto.FernetEncrypt(signingKey, encKey, secret)
		if err != nil {
			return fmt.Errorf("identity: seal: %w", err)
		}
		body = make([]byte, 0, 1+len(salt)+len(token))
		body = append(body, fileVersionSealed)
		body = append(body, salt...)
		body = append(body, token...)
	}

	var header [8]byte
	copy(header[:4], fileMagic)
	binary.BigEndian.PutUint32(header[4:], uint32(len(body)))

	out := make([]byte, 0, len(header)+len(body))
	out = append(out, header[:]...)
	out = append(out, body...)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("identity: create directory: %w", err)
	}
	return storepath.WriteAtomic(path, out, 0600)
}

// Load reads an identity persisted by Save. passphrase must match what was
// used to seal the blob, or be empty if it was stored unsealed.
func Load(path string, passphrase string) (*Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 8 || string(raw[:4]) != fileMagic {
		return nil, ErrCorruptBlob
	}
	bodyLen := binary.BigEndian.Uint32(raw[4:8])
	if uint32(len(raw)-8) != bodyLen {
		return nil, ErrCorruptBlob
	}
	body := raw[8:]
	if len(body) == 0 {
		return nil, ErrCorruptBlob
	}

	switch body[0] {
	case fileVersionPlain:
		return fromSecretBytes(body[1:])
	case fileVersionSealed:
		if len(body) < 1+scryptSaltSize {
			return nil, ErrCorruptBlob
		}
		salt := body[1 : 1+scryptSaltSize]
		token := body[1+scryptSaltSize:]
		derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
		if err != nil {
			return nil, fmt.Errorf("identity: scrypt: %w", err)
		}
		signingKey, encKey, err := crypto.DeriveEnvelopeKeys(derived, "rns-identity-seal")
		if err != nil {
			return nil, fmt.Errorf("identity: derive seal keys: %w", err)
		}
		secret, err := crypto.FernetDecrypt(signingKey, encKey, token)
		if err != nil {
			return nil, ErrWrongPassphrase
		}
		return fromSecretBytes(secret)
	default:
		return nil, ErrCorruptBlob
	}
}

// LoadOrCreate loads the identity at path, generating and saving a new one
// if none exists yet, following the generate-on-missing pattern used for
// node keys elsewhere in this stack.
func LoadOrCreate(path string, passphrase string) (*Identity, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		id, err := New()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("identity: create directory: %w", err)
		}
		if err := id.Save(path, passphrase); err != nil {
			return nil, fmt.Errorf("identity: save new identity: %w", err)
		}
		return id, nil
	}
	return Load(path, passphrase)
}
