package destination

import (
	"bytes"
	"testing"

	"github.com/n8sec/reticulum-go/pkg/identity"
)

func TestRegisterSingle(t *testing.T) {
	id, err := identity.New()
	if err != nil {
		t.Fatalf("new identity: %v", err)
	}
	reg := NewRegistry()

	d, err := reg.Register(id, Single, "app", "node", "a")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if d.Type() != Single {
		t.Errorf("type = %v, want Single", d.Type())
	}
	if !bytes.Equal(d.Hash(), id.DestinationHash("app", "node", "a")) {
		t.Error("destination hash does not match identity-derived hash")
	}

	got, ok := reg.Lookup(d.Hash())
	if !ok || got != d {
		t.Error("lookup did not return the registered destination")
	}
}

func TestRegisterSingleRequiresIdentity(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Register(nil, Single, "app"); err == nil {
		t.Error("expected error registering single destination without identity")
	}
}

func TestRegisterGroupGeneratesKey(t *testing.T) {
	reg := NewRegistry()
	d, err := reg.Register(nil, Group, "app", "group", "chat")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(d.GroupKey()) != GroupKeySize {
		t.Errorf("group key length = %d, want %d", len(d.GroupKey()), GroupKeySize)
	}
}

func TestRegisterPlainHasNoKeyMaterial(t *testing.T) {
	reg := NewRegistry()
	d, err := reg.Register(nil, Plain, "app", "beacon")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if d.Identity() != nil {
		t.Error("plain destination should not own an identity")
	}
	if d.GroupKey() != nil {
		t.Error("plain destination should not own a group key")
	}
}

func TestRegisterLinkDirectlyRejected(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Register(nil, Link, "app"); err != ErrLinkNotDirectlyRegisterable {
		t.Errorf("expected ErrLinkNotDirectlyRegisterable, got %v", err)
	}
}

func TestDispatchPacketInvokesCallback(t *testing.T) {
	reg := NewRegistry()
	d, _ := reg.Register(nil, Plain, "app", "beacon")

	var gotPayload []byte
	var gotHash []byte
	d.OnPacket(func(payload, packetHash []byte) {
		gotPayload = payload
		gotHash = packetHash
	})

	d.DispatchPacket([]byte("hello"), []byte{1, 2, 3})
	if !bytes.Equal(gotPayload, []byte("hello")) {
		t.Error("callback did not receive payload")
	}
	if !bytes.Equal(gotHash, []byte{1, 2, 3}) {
		t.Error("callback did not receive packet hash")
	}
}

func TestDispatchWithoutCallbackDoesNotPanic(t *testing.T) {
	reg := NewRegistry()
	d, _ := reg.Register(nil, Plain, "app", "beacon")
	d.DispatchPacket([]byte("hello"), []byte{1})
	d.DispatchLinkEstablished([]byte{1})
	d.DispatchProof([]byte{1})
}

func TestUnregisterRemovesDestination(t *testing.T) {
	reg := NewRegistry()
	d, _ := reg.Register(nil, Plain, "app", "beacon")
	reg.Unregister(d.Hash())
	if _, ok := reg.Lookup(d.Hash()); ok {
		t.Error("expected destination to be removed")
	}
}

func TestListReturnsAllDestinations(t *testing.T) {
	reg := NewRegistry()
	reg.Register(nil, Plain, "app", "a")
	reg.Register(nil, Plain, "app", "b")
	if len(reg.List()) != 2 {
		t.Errorf("list length = %d, want 2", len(reg.List()))
	}
}
