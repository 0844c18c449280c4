package iface

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// frameLengthSize is the length prefix on every frame sent over a TCP
// interface: a packet never exceeds packet.MaxPacketSize, well within a
// uint16.
const frameLengthSize = 2

// ErrFrameTooLarge is returned when a frame would not fit in the
// uint16 length prefix.
var ErrFrameTooLarge = errors.New("iface: frame exceeds maximum TCP interface frame size")

// TCPConfig configures a TCP interface, in either dial or listen mode.
// Grounded on pkg/mtls.Config, generalised from an HTTP client's
// transport options to a raw framed connection's.
type TCPConfig struct {
	InterfaceID string
	Mode        Mode
	Bitrate     int
	IFACKey     []byte

	// CAFile/CertFile/KeyFile, if all set, enable mutual TLS the same
	// way pkg/mtls.Client did for the teacher's inter-node HTTP calls.
	CAFile   string
	CertFile string
	KeyFile  string

	DialTimeout time.Duration
}

// TCPInterface is a framed, length-prefixed interface over a single TCP
// connection, with optional mutual TLS. Grounded on pkg/mtls/client.go's
// TLS 1.3 + cipher-suite-pinned configuration, repurposed from an HTTP
// transport wrapper to a raw bidirectional frame stream.
type TCPInterface struct {
	id      string
	mode    Mode
	bitrate int
	ifacKey []byte

	mu       sync.Mutex
	conn     net.Conn
	online   bool
	receiver func([]byte)
}

// tlsConfigFrom builds the mutual-TLS configuration pkg/mtls/client.go used,
// unchanged in its cipher-suite pinning.
func tlsConfigFrom(cfg TCPConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" {
		return nil, nil
	}
	caCert, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("iface: read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("iface: append CA certificate")
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("iface: load node certificate: %w", err)
	}
	return &tls.Config{
		RootCAs:      pool,
		ClientCAs:    pool,
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		CipherSuites: []uint16{
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_AES_128_GCM_SHA256,
		},
	}, nil
}

// DialTCP connects outward to addr, establishing a new TCP interface.
func DialTCP(addr string, cfg TCPConfig) (*TCPInterface, error) {
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	tlsCfg, err := tlsConfigFrom(cfg)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	if tlsCfg != nil {
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: timeout}, "tcp", addr, tlsCfg)
	} else {
		conn, err = net.DialTimeout("tcp", addr, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("iface: dial %s: %w", addr, err)
	}
	return newTCPInterface(conn, cfg), nil
}

// AcceptTCP wraps one already-accepted inbound connection as a TCP
// interface. The listener that accepts many peers lives in cmd/rnsd,
// which calls this once per accepted connection.
func AcceptTCP(conn net.Conn, cfg TCPConfig) *TCPInterface {
	return newTCPInterface(conn, cfg)
}

func newTCPInterface(conn net.Conn, cfg TCPConfig) *TCPInterface {
	t := &TCPInterface{
		id:      cfg.InterfaceID,
		mode:    cfg.Mode,
		bitrate: cfg.Bitrate,
		ifacKey: cfg.IFACKey,
		conn:    conn,
		online:  true,
	}
	go t.readLoop()
	return t
}

func (t *TCPInterface) ID() string      { return t.id }
func (t *TCPInterface) MTU() int        { return 65535 - frameLengthSize }
func (t *TCPInterface) Bitrate() int     { return t.bitrate }
func (t *TCPInterface) Mode() Mode      { return t.mode }
func (t *TCPInterface) IFACKey() []byte { return t.ifacKey }

func (t *TCPInterface) Online() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online
}

func (t *TCPInterface) SetReceiver(fn func([]byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.receiver = fn
}

// Send writes one length-prefixed frame.
func (t *TCPInterface) Send(data []byte) error {
	if len(data) > 0xFFFF {
		return ErrFrameTooLarge
	}
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return net.ErrClosed
	}

	var header [frameLengthSize]byte
	binary.BigEndian.PutUint16(header[:], uint16(len(data)))
	if _, err := conn.Write(header[:]); err != nil {
		t.markOffline()
		return err
	}
	if _, err := conn.Write(data); err != nil {
		t.markOffline()
		return err
	}
	return nil
}

func (t *TCPInterface) readLoop() {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return
	}

	header := make([]byte, frameLengthSize)
	for {
		if _, err := io.ReadFull(conn, header); err != nil {
			t.markOffline()
			return
		}
		n := binary.BigEndian.Uint16(header)
		frame := make([]byte, n)
		if _, err := io.ReadFull(conn, frame); err != nil {
			t.markOffline()
			return
		}
		t.mu.Lock()
		recv := t.receiver
		t.mu.Unlock()
		if recv != nil {
			recv(frame)
		}
	}
}

func (t *TCPInterface) markOffline() {
	t.mu.Lock()
	t.online = false
	t.mu.Unlock()
}

// Close shuts the underlying connection down.
func (t *TCPInterface) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.online = false
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}
