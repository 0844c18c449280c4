package identity

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestNewIdentityKeySizes(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if len(id.X25519PublicKey()) != 32 {
		t.Errorf("x25519 public key length = %d, want 32", len(id.X25519PublicKey()))
	}
	if len(id.EdPublicKey()) != 32 {
		t.Errorf("ed25519 public key length = %d, want 32", len(id.EdPublicKey()))
	}
	if len(id.PublicBlob()) != PublicBlobSize {
		t.Errorf("public blob length = %d, want %d", len(id.PublicBlob()), PublicBlobSize)
	}
}

func TestECDHAgreement(t *testing.T) {
	alice, err := New()
	if err != nil {
		t.Fatalf("alice: %v", err)
	}
	bob, err := New()
	if err != nil {
		t.Fatalf("bob: %v", err)
	}

	aliceShared, err := alice.ECDH(bob.X25519PublicKey())
	if err != nil {
		t.Fatalf("alice ECDH: %v", err)
	}
	bobShared, err := bob.ECDH(alice.X25519PublicKey())
	if err != nil {
		t.Fatalf("bob ECDH: %v", err)
	}
	if !bytes.Equal(aliceShared, bobShared) {
		t.Error("shared secrets don't match")
	}
}

func TestSignVerify(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	msg := []byte("link_id || responder_ephemeral_pub")
	sig := id.Sign(msg)
	if !Verify(id.EdPublicKey(), msg, sig) {
		t.Error("signature failed to verify")
	}
	sig[0] ^= 0xFF
	if Verify(id.EdPublicKey(), msg, sig) {
		t.Error("tampered signature verified")
	}
}

func TestDestinationHashDeterministic(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	h1 := id.DestinationHash("app", "node", "a")
	h2 := id.DestinationHash("app", "node", "a")
	if !bytes.Equal(h1, h2) {
		t.Error("destination hash is not deterministic")
	}
	if len(h1) != HashSize {
		t.Errorf("hash length = %d, want %d", len(h1), HashSize)
	}

	h3 := id.DestinationHash("app", "node", "b")
	if bytes.Equal(h1, h3) {
		t.Error("different aspects produced the same destination hash")
	}
}

func TestHashPlainDestinationHasNoIdentity(t *testing.T) {
	h1 := Hash(AspectString("lxmf", "delivery"), nil)
	h2 := Hash(AspectString("lxmf", "delivery"), nil)
	if !bytes.Equal(h1, h2) {
		t.Error("plain destination hash should be a pure function of aspects")
	}
}

func TestParsePublicBlobRoundTrip(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	blob := id.PublicBlob()
	x25519Pub, edPub, err := ParsePublicBlob(blob)
	if err != nil {
		t.Fatalf("parse public blob: %v", err)
	}
	if !bytes.Equal(x25519Pub, id.X25519PublicKey()) {
		t.Error("parsed x25519 public key mismatch")
	}
	if !bytes.Equal(edPub, id.EdPublicKey()) {
		t.Error("parsed ed25519 public key mismatch")
	}
}

func TestParsePublicBlobWrongSize(t *testing.T) {
	if _, _, err := ParsePublicBlob([]byte{1, 2, 3}); err != ErrCorruptBlob {
		t.Errorf("expected ErrCorruptBlob, got %v", err)
	}
}

func TestSaveLoadUnsealed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.blob")

	id, err := New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if err := id.Save(path, ""); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(loaded.PublicBlob(), id.PublicBlob()) {
		t.Error("loaded identity public blob mismatch")
	}
	if !bytes.Equal(loaded.Sign([]byte("x")), id.Sign([]byte("x"))) {
		t.Error("loaded identity does not sign the same as the original")
	}
}

func TestSaveLoadSealed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.blob")

	id, err := New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	if err := id.Save(path, "correct horse battery staple"); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path, "correct horse battery staple")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(loaded.PublicBlob(), id.PublicBlob()) {
		t.Error("loaded identity public blob mismatch")
	}

	if _, err := Load(path, "wrong passphrase"); err != ErrWrongPassphrase {
		t.Errorf("expected ErrWrongPassphrase, got %v", err)
	}
}

func TestLoadOrCreateGeneratesOnMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "identity.blob")

	id, err := LoadOrCreate(path, "")
	if err != nil {
		t.Fatalf("load or create: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected identity file to be created: %v", err)
	}

	again, err := LoadOrCreate(path, "")
	if err != nil {
		t.Fatalf("load or create again: %v", err)
	}
	if !bytes.Equal(id.PublicBlob(), again.PublicBlob()) {
		t.Error("second LoadOrCreate generated a different identity instead of loading the saved one")
	}
}

func TestLedgerRememberRecall(t *testing.T) {
	l := NewLedger()
	id, err := New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	dh := id.DestinationHash("app", "node", "a")

	if _, ok := l.Recall(dh); ok {
		t.Fatal("expected not_known before Remember")
	}

	l.Remember(dh, id.X25519PublicKey(), id.EdPublicKey())

	rec, ok := l.Recall(dh)
	if !ok {
		t.Fatal("expected record after Remember")
	}
	if !bytes.Equal(rec.X25519Pub, id.X25519PublicKey()) {
		t.Error("recalled x25519 public key mismatch")
	}
	if l.Len() != 1 {
		t.Errorf("ledger length = %d, want 1", l.Len())
	}

	l.Forget(dh)
	if _, ok := l.Recall(dh); ok {
		t.Error("expected not_known after Forget")
	}
}
