package packet

import (
	"bytes"
	"testing"

	"github.com/n8sec/reticulum-go/pkg/destination"
	"github.com/n8sec/reticulum-go/pkg/identity"
)

func samplePacket() *Packet {
	return &Packet{
		HeaderType:      HeaderType1Address,
		PropagationType: PropagationBroadcast,
		DestinationType: destination.Single,
		PacketType:      PacketTypeAnnounce,
		Hops:            3,
		Addresses:       bytes.Repeat([]byte{0xAB}, Address1Size),
		Context:         0x01,
		Payload:         []byte("hello reticulum"),
	}
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	p := samplePacket()
	wire, err := Marshal(p, nil)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := Unmarshal(wire, nil)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if got.HeaderType != p.HeaderType || got.PropagationType != p.PropagationType ||
		got.DestinationType != p.DestinationType || got.PacketType != p.PacketType ||
		got.Hops != p.Hops || got.Context != p.Context {
		t.Errorf("round trip field mismatch: got %+v want %+v", got, p)
	}
	if !bytes.Equal(got.Addresses, p.Addresses) {
		t.Error("addresses mismatch after round trip")
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Error("payload mismatch after round trip")
	}
}

func TestMarshalUnmarshalTwoAddressForm(t *testing.T) {
	p := samplePacket()
	p.HeaderType = HeaderType2Address
	p.Addresses = bytes.Repeat([]byte{0xCD}, Address2Size)

	wire, err := Marshal(p, nil)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(wire, nil)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Addresses) != Address2Size {
		t.Errorf("address length = %d, want %d", len(got.Addresses), Address2Size)
	}
}

func TestMarshalRejectsBadAddressLength(t *testing.T) {
	p := samplePacket()
	p.Addresses = []byte{1, 2, 3}
	if _, err := Marshal(p, nil); err != ErrBadAddressLength {
		t.Errorf("expected ErrBadAddressLength, got %v", err)
	}
}

func TestMarshalRejectsOversizedPayload(t *testing.T) {
	p := samplePacket()
	p.Payload = bytes.Repeat([]byte{0}, MaxPayloadSize(p.HeaderType, false)+1)
	if _, err := Marshal(p, nil); err != ErrOversizedPayload {
		t.Errorf("expected ErrOversizedPayload, got %v", err)
	}
}

func TestPacketHashExcludesHops(t *testing.T) {
	p1 := samplePacket()
	p2 := samplePacket()
	p2.Hops = p1.Hops + 1

	h1, err := p1.Hash()
	if err != nil {
		t.Fatalf("hash p1: %v", err)
	}
	h2, err := p2.Hash()
	if err != nil {
		t.Fatalf("hash p2: %v", err)
	}
	if !bytes.Equal(h1, h2) {
		t.Error("packet hash changed when only hops changed")
	}
	if len(h1) != 16 {
		t.Errorf("hash length = %d, want 16", len(h1))
	}
}

func TestPacketHashChangesWithPayload(t *testing.T) {
	p1 := samplePacket()
	p2 := samplePacket()
	p2.Payload = []byte("different payload")

	h1, _ := p1.Hash()
	h2, _ := p2.Hash()
	if bytes.Equal(h1, h2) {
		t.Error("packet hash did not change with payload")
	}
}

func TestIncrementHops(t *testing.T) {
	p := samplePacket()
	p.Hops = 126
	next, err := p.IncrementHops(128)
	if err != nil {
		t.Fatalf("increment hops: %v", err)
	}
	if next.Hops != 127 {
		t.Errorf("hops = %d, want 127", next.Hops)
	}

	p.Hops = 127
	next, err = p.IncrementHops(128)
	if err != nil {
		t.Fatalf("expected hops=127 to forward once more (becomes 128), got error: %v", err)
	}
	if next.Hops != 128 {
		t.Errorf("hops = %d, want 128", next.Hops)
	}
}

func TestHopAtLimitDroppedWithoutForwarding(t *testing.T) {
	p := samplePacket()
	p.Hops = 128
	if _, err := p.IncrementHops(128); err != ErrHopLimitExceeded {
		t.Errorf("expected ErrHopLimitExceeded for a packet already at the hop limit, got %v", err)
	}
}

func TestIFACRoundTrip(t *testing.T) {
	p := samplePacket()
	key := []byte("interface-authentication-key-32")

	wire, err := Marshal(p, key)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(wire, key)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !got.IFAC {
		t.Error("expected IFAC flag to be set")
	}
	if !bytes.Equal(got.Payload, p.Payload) {
		t.Error("payload mismatch after IFAC round trip")
	}
}

func TestIFACRequiresKeyToVerify(t *testing.T) {
	p := samplePacket()
	key := []byte("interface-authentication-key-32")
	wire, _ := Marshal(p, key)

	if _, err := Unmarshal(wire, nil); err != ErrIFACRequired {
		t.Errorf("expected ErrIFACRequired, got %v", err)
	}
}

func TestIFACMismatchedKeyRejected(t *testing.T) {
	p := samplePacket()
	key := []byte("interface-authentication-key-32")
	wrongKey := []byte("a-completely-different-key-here")
	wire, _ := Marshal(p, key)

	if _, err := Unmarshal(wire, wrongKey); err != ErrIFACMismatch {
		t.Errorf("expected ErrIFACMismatch, got %v", err)
	}
}

func TestUnmarshalTooShort(t *testing.T) {
	if _, err := Unmarshal([]byte{0x00, 0x01}, nil); err != ErrTooShort {
		t.Errorf("expected ErrTooShort, got %v", err)
	}
}

func TestSingleEnvelopeRoundTrip(t *testing.T) {
	recipient, err := identity.New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	plaintext := []byte("a reliable request body")

	envelope, err := EncryptSingle(recipient.X25519PublicKey(), plaintext)
	if err != nil {
		t.Fatalf("encrypt single: %v", err)
	}
	got, err := DecryptSingle(recipient, envelope)
	if err != nil {
		t.Fatalf("decrypt single: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("single envelope round trip mismatch")
	}
}

func TestSingleEnvelopeUsesFreshEphemeralKeyEveryTime(t *testing.T) {
	recipient, _ := identity.New()
	plaintext := []byte("same message twice")

	e1, err := EncryptSingle(recipient.X25519PublicKey(), plaintext)
	if err != nil {
		t.Fatalf("encrypt 1: %v", err)
	}
	e2, err := EncryptSingle(recipient.X25519PublicKey(), plaintext)
	if err != nil {
		t.Fatalf("encrypt 2: %v", err)
	}
	if bytes.Equal(e1[:EphemeralPublicKeySize], e2[:EphemeralPublicKeySize]) {
		t.Error("expected a fresh ephemeral key per encryption")
	}
}

func TestGroupEnvelopeRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, destination.GroupKeySize)
	plaintext := []byte("group chat message")

	envelope, err := EncryptGroup(key, plaintext)
	if err != nil {
		t.Fatalf("encrypt group: %v", err)
	}
	got, err := DecryptGroup(key, envelope)
	if err != nil {
		t.Fatalf("decrypt group: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Error("group envelope round trip mismatch")
	}
}

func TestGroupEnvelopeWrongKeyFails(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, destination.GroupKeySize)
	wrongKey := bytes.Repeat([]byte{0x22}, destination.GroupKeySize)
	envelope, _ := EncryptGroup(key, []byte("secret"))

	if _, err := DecryptGroup(wrongKey, envelope); err == nil {
		t.Error("expected decryption with wrong group key to fail")
	}
}
