// Package ipc implements the shared-instance local IPC channel (§6.2): a
// framed, length-prefixed command/event stream over a Unix domain socket,
// sealed with a ChaCha20-Poly1305 AEAD keyed off a shared rpcKey via HKDF.
// Framing follows the same length-prefix discipline pkg/iface's TCP
// interface uses on the wire, adapted here to carry sealed control frames
// instead of raw mesh packets.
package ipc

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	lengthPrefixSize = 4
	maxFrameSize     = 1 << 20
)

// Command identifies the operation an IPC client is requesting of the
// shared instance.
type Command byte

const (
	CmdRegisterDestination Command = iota + 1
	CmdSendPacket
	CmdOpenLink
	CmdCloseLink
	CmdPathQuery
	CmdStatus
)

// Event identifies an unsolicited notification the instance pushes to
// every connected IPC client.
type Event byte

const (
	EvtPacketIn Event = iota + 1
	EvtLinkUp
	EvtLinkDown
	EvtResourceProgress
)

// ErrFrameTooLarge is returned when a received frame exceeds maxFrameSize.
var ErrFrameTooLarge = errors.New("ipc: frame exceeds maximum size")

// deriveAEADKey derives the ChaCha20-Poly1305 key used to seal every frame
// on this socket from the shared rpcKey, domain-separated the same way
// pkg/crypto derives Fernet envelope keys.
func deriveAEADKey(rpcKey []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, rpcKey, nil, []byte("rns-ipc"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("ipc: derive AEAD key: %w", err)
	}
	return key, nil
}

// Conn wraps a Unix domain socket connection with framing and AEAD sealing.
// Each direction keeps its own monotonically increasing nonce counter, so a
// Conn must not be shared without external synchronisation of Send/Recv
// pairs beyond what the mutexes below already provide per direction.
type Conn struct {
	conn net.Conn
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
		Overhead() int
	}

	sendMu    sync.Mutex
	sendNonce uint64

	recvMu    sync.Mutex
	recvNonce uint64
}

// NewConn wraps conn, deriving the AEAD key from rpcKey.
func NewConn(conn net.Conn, rpcKey []byte) (*Conn, error) {
	key, err := deriveAEADKey(rpcKey)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("ipc: init AEAD: %w", err)
	}
	return &Conn{conn: conn, aead: aead}, nil
}

func nonceFromCounter(counter uint64, size int) []byte {
	nonce := make([]byte, size)
	binary.BigEndian.PutUint64(nonce[size-8:], counter)
	return nonce
}

// Send seals plaintext and writes it as one length-prefixed frame.
func (c *Conn) Send(plaintext []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce := nonceFromCounter(c.sendNonce, c.aead.NonceSize())
	c.sendNonce++

	sealed := c.aead.Seal(nil, nonce, plaintext, nil)

	frame := make([]byte, lengthPrefixSize+len(sealed))
	binary.BigEndian.PutUint32(frame, uint32(len(sealed)))
	copy(frame[lengthPrefixSize:], sealed)

	_, err := c.conn.Write(frame)
	return err
}

// Recv reads one length-prefixed frame and opens it.
func (c *Conn) Recv() ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	var lenBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(c.conn, lenBuf[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint32(lenBuf[:])
	if frameLen > maxFrameSize {
		return nil, ErrFrameTooLarge
	}

	sealed := make([]byte, frameLen)
	if _, err := io.ReadFull(c.conn, sealed); err != nil {
		return nil, err
	}

	nonce := nonceFromCounter(c.recvNonce, c.aead.NonceSize())
	c.recvNonce++

	return c.aead.Open(nil, nonce, sealed, nil)
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.conn.Close() }

// Listener accepts IPC client connections on a Unix domain socket.
type Listener struct {
	ln     net.Listener
	rpcKey []byte
}

// Listen binds a Unix domain socket at path for IPC clients, keyed by
// rpcKey.
func Listen(path string, rpcKey []byte) (*Listener, error) {
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: listen %s: %w", path, err)
	}
	return &Listener{ln: ln, rpcKey: rpcKey}, nil
}

// Accept blocks until a client connects, returning a sealed Conn.
func (l *Listener) Accept() (*Conn, error) {
	raw, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewConn(raw, l.rpcKey)
}

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }

// Addr returns the socket's address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Dial connects to an IPC listener at path, keyed by rpcKey.
func Dial(path string, rpcKey []byte) (*Conn, error) {
	raw, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("ipc: dial %s: %w", path, err)
	}
	return NewConn(raw, rpcKey)
}
