package instance

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/n8sec/reticulum-go/pkg/announce"
	"github.com/n8sec/reticulum-go/pkg/cache"
	"github.com/n8sec/reticulum-go/pkg/destination"
	"github.com/n8sec/reticulum-go/pkg/iface"
	"github.com/n8sec/reticulum-go/pkg/identity"
	"github.com/n8sec/reticulum-go/pkg/link"
	"github.com/n8sec/reticulum-go/pkg/packet"
)

// fakeInterface is a minimal in-memory iface.Interface double: Send
// appends to an outbox instead of touching the network, and deliver
// feeds a frame to whatever receiver the instance registered.
type fakeInterface struct {
	id      string
	mode    iface.Mode
	ifacKey []byte

	mu       sync.Mutex
	outbox   [][]byte
	receiver func([]byte)
	closed   bool
	peer     *fakeInterface
}

func newFakeInterface(id string, mode iface.Mode) *fakeInterface {
	return &fakeInterface{id: id, mode: mode}
}

func (f *fakeInterface) ID() string      { return f.id }
func (f *fakeInterface) MTU() int        { return 500 }
func (f *fakeInterface) Bitrate() int    { return 10000 }
func (f *fakeInterface) Mode() iface.Mode { return f.mode }
func (f *fakeInterface) IFACKey() []byte { return f.ifacKey }
func (f *fakeInterface) Online() bool    { return !f.closed }

func (f *fakeInterface) Send(data []byte) error {
	f.mu.Lock()
	f.outbox = append(f.outbox, append([]byte(nil), data...))
	peer := f.peer
	f.mu.Unlock()
	if peer != nil {
		peer.deliver(data)
	}
	return nil
}

func (f *fakeInterface) SetReceiver(fn func([]byte)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiver = fn
}

func (f *fakeInterface) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// peer, when set, makes Send deliver straight to the other end of a
// simulated point-to-point link instead of only recording an outbox.
func (f *fakeInterface) setPeer(p *fakeInterface) {
	f.mu.Lock()
	f.peer = p
	f.mu.Unlock()
}

func newPipedInterfaces(idA, idB string) (*fakeInterface, *fakeInterface) {
	a := newFakeInterface(idA, iface.ModeFull)
	b := newFakeInterface(idB, iface.ModeFull)
	a.setPeer(b)
	b.setPeer(a)
	return a, b
}

func (f *fakeInterface) deliver(data []byte) {
	f.mu.Lock()
	recv := f.receiver
	f.mu.Unlock()
	if recv != nil {
		recv(data)
	}
}

func (f *fakeInterface) sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.outbox...)
}

func testConfig() Config {
	return Config{
		Announce:             announce.DefaultConfig(),
		Cache:                cache.DefaultOptions(),
		MaxHops:              128,
		LinkEstablishTimeout: 2 * time.Second,
	}
}

func newTestInstance(t *testing.T) (*Instance, *identity.Identity) {
	t.Helper()
	self, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	in := New(self, testConfig(), cache.NewMemoryStorage(), nil)
	return in, self
}

func runInstance(t *testing.T, in *Instance) {
	t.Helper()
	go in.Run()
	t.Cleanup(in.Stop)
}

func TestRegisterInterfaceWiresReceiver(t *testing.T) {
	in, _ := newTestInstance(t)
	fi := newFakeInterface("eth0", iface.ModeFull)
	in.RegisterInterface(fi)

	if _, ok := in.interfaceByID("eth0"); !ok {
		t.Fatal("expected eth0 to be registered")
	}
	if fi.receiver == nil {
		t.Fatal("expected RegisterInterface to set a receiver callback")
	}
}

func TestUnregisterInterfaceClosesAndForgets(t *testing.T) {
	in, _ := newTestInstance(t)
	fi := newFakeInterface("eth0", iface.ModeFull)
	in.RegisterInterface(fi)

	in.UnregisterInterface("eth0")

	if _, ok := in.interfaceByID("eth0"); ok {
		t.Fatal("expected eth0 to be forgotten")
	}
	if !fi.closed {
		t.Error("expected UnregisterInterface to close the interface")
	}
}

func TestAnnounceFromPeerDispatchesIntoEngine(t *testing.T) {
	in, _ := newTestInstance(t)
	runInstance(t, in)

	peer, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	destHash := peer.DestinationHash("test.app")

	a, err := announce.NewSigned(peer, destHash, nil, nil)
	if err != nil {
		t.Fatalf("announce.NewSigned: %v", err)
	}

	p := &packet.Packet{
		HeaderType:      packet.HeaderType1Address,
		PropagationType: packet.PropagationBroadcast,
		PacketType:      packet.PacketTypeAnnounce,
		Addresses:       destHash,
		Payload:         announce.EncodePayload(a),
	}
	wire, err := packet.Marshal(p, nil)
	if err != nil {
		t.Fatalf("packet.Marshal: %v", err)
	}

	fi := newFakeInterface("eth0", iface.ModeFull)
	in.RegisterInterface(fi)
	fi.deliver(wire)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var found bool
		in.Submit(func(in *Instance) {
			_, found = in.table.Lookup(destHash, time.Now())
		})
		time.Sleep(10 * time.Millisecond)
		if found {
			return
		}
	}
	t.Fatal("expected announce to populate the path table within the deadline")
}

func TestDeliverLocalPlainDestinationDispatchesPayload(t *testing.T) {
	in, _ := newTestInstance(t)
	runInstance(t, in)

	groupKey := make([]byte, destination.GroupKeySize)
	for i := range groupKey {
		groupKey[i] = byte(i)
	}
	d, err := in.Destinations().RegisterGroupWithKey(groupKey, "test.plain")
	if err != nil {
		t.Fatalf("RegisterGroupWithKey: %v", err)
	}

	received := make(chan []byte, 1)
	d.OnPacket(func(payload, _ []byte) {
		received <- payload
	})

	envelope, err := packet.EncryptGroup(groupKey, []byte("hello mesh"))
	if err != nil {
		t.Fatalf("EncryptGroup: %v", err)
	}
	p := &packet.Packet{
		HeaderType:      packet.HeaderType1Address,
		PropagationType: packet.PropagationBroadcast,
		PacketType:      packet.PacketTypeData,
		DestinationType: destination.Group,
		Addresses:       d.Hash(),
		Payload:         envelope,
	}
	wire, err := packet.Marshal(p, nil)
	if err != nil {
		t.Fatalf("packet.Marshal: %v", err)
	}

	fi := newFakeInterface("eth0", iface.ModeFull)
	in.RegisterInterface(fi)
	fi.deliver(wire)

	select {
	case got := <-received:
		if string(got) != "hello mesh" {
			t.Errorf("payload = %q, want %q", got, "hello mesh")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched packet")
	}
}

func TestAnnounceDestinationFloodsOnEveryInterface(t *testing.T) {
	in, self := newTestInstance(t)
	runInstance(t, in)

	d, err := in.Destinations().Register(self, destination.Single, "test.app")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	fi := newFakeInterface("eth0", iface.ModeFull)
	in.RegisterInterface(fi)

	done := make(chan error, 1)
	in.Submit(func(in *Instance) {
		done <- in.AnnounceDestination(d, nil, []byte("app data"), time.Now())
	})
	if err := <-done; err != nil {
		t.Fatalf("AnnounceDestination: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(fi.sent()) > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected the announce to be flooded onto the registered interface")
}

func TestSnapshotReflectsRegistryState(t *testing.T) {
	in, self := newTestInstance(t)
	runInstance(t, in)

	if _, err := in.Destinations().Register(self, destination.Single, "test.app"); err != nil {
		t.Fatalf("Register: %v", err)
	}

	var stats Stats
	done := make(chan struct{})
	in.Submit(func(in *Instance) {
		stats = in.Snapshot()
		close(done)
	})
	<-done

	if stats.PathTableSize != 0 {
		t.Errorf("PathTableSize = %d, want 0", stats.PathTableSize)
	}
	if stats.ActiveLinks != 0 {
		t.Errorf("ActiveLinks = %d, want 0", stats.ActiveLinks)
	}
}

// TestLinkEstablishmentEndToEnd wires two instances back to back and
// drives a full three-packet handshake: link request, proof, and the
// RTT-confirm riding back as ordinary link data, ending with both sides
// in StateActive.
func TestLinkEstablishmentEndToEnd(t *testing.T) {
	initiator, _ := newTestInstance(t)
	responder, responderSelf := newTestInstance(t)
	runInstance(t, initiator)
	runInstance(t, responder)

	d, err := responder.Destinations().Register(responderSelf, destination.Single, "test.link")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	fiInit, fiResp := newPipedInterfaces("to-responder", "to-initiator")
	initiator.RegisterInterface(fiInit)
	responder.RegisterInterface(fiResp)

	announceErr := make(chan error, 1)
	responder.Submit(func(in *Instance) {
		announceErr <- in.AnnounceDestination(d, nil, nil, time.Now())
	})
	if err := <-announceErr; err != nil {
		t.Fatalf("AnnounceDestination: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var cached bool
		done := make(chan struct{})
		initiator.Submit(func(in *Instance) {
			_, cached = in.cache.RecallAnnounce(d.Hash())
			close(done)
		})
		<-done
		if cached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("initiator never cached the responder's announce")
		}
		time.Sleep(10 * time.Millisecond)
	}

	established := make(chan []byte, 1)
	d.OnLinkEstablished(func(linkID []byte) { established <- linkID })

	linkIDCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	initiator.Submit(func(in *Instance) {
		id, err := in.EstablishLink(d.Hash(), time.Now())
		linkIDCh <- id
		errCh <- err
	})
	if err := <-errCh; err != nil {
		t.Fatalf("EstablishLink: %v", err)
	}
	linkID := <-linkIDCh

	select {
	case got := <-established:
		if !bytes.Equal(got, linkID) {
			t.Errorf("established link id = %x, want %x", got, linkID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("responder never observed link establishment")
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		var initiatorActive, responderActive bool
		doneI := make(chan struct{})
		initiator.Submit(func(in *Instance) {
			if l, ok := in.linkEng.GetLink(linkID); ok {
				initiatorActive = l.State == link.StateActive
			}
			close(doneI)
		})
		<-doneI
		doneR := make(chan struct{})
		responder.Submit(func(in *Instance) {
			if l, ok := in.linkEng.GetLink(linkID); ok {
				responderActive = l.State == link.StateActive
			}
			close(doneR)
		})
		<-doneR
		if initiatorActive && responderActive {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("link never reached StateActive on both sides (initiator=%v responder=%v)", initiatorActive, responderActive)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestSendOverLinkDeliversPayload drives the same handshake as
// TestLinkEstablishmentEndToEnd and then sends one application payload
// over the resulting link, checking it arrives decrypted at the
// responder's destination callback.
func TestSendOverLinkDeliversPayload(t *testing.T) {
	initiator, _ := newTestInstance(t)
	responder, responderSelf := newTestInstance(t)
	runInstance(t, initiator)
	runInstance(t, responder)

	d, err := responder.Destinations().Register(responderSelf, destination.Single, "test.sendlink")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	received := make(chan []byte, 1)
	d.OnPacket(func(payload, _ []byte) { received <- payload })

	fiInit, fiResp := newPipedInterfaces("to-responder", "to-initiator")
	initiator.RegisterInterface(fiInit)
	responder.RegisterInterface(fiResp)

	announceErr := make(chan error, 1)
	responder.Submit(func(in *Instance) {
		announceErr <- in.AnnounceDestination(d, nil, nil, time.Now())
	})
	if err := <-announceErr; err != nil {
		t.Fatalf("AnnounceDestination: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var cached bool
		done := make(chan struct{})
		initiator.Submit(func(in *Instance) {
			_, cached = in.cache.RecallAnnounce(d.Hash())
			close(done)
		})
		<-done
		if cached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("initiator never cached the responder's announce")
		}
		time.Sleep(10 * time.Millisecond)
	}

	linkIDCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	initiator.Submit(func(in *Instance) {
		id, err := in.EstablishLink(d.Hash(), time.Now())
		linkIDCh <- id
		errCh <- err
	})
	if err := <-errCh; err != nil {
		t.Fatalf("EstablishLink: %v", err)
	}
	linkID := <-linkIDCh

	deadline = time.Now().Add(2 * time.Second)
	for {
		var active bool
		done := make(chan struct{})
		initiator.Submit(func(in *Instance) {
			if l, ok := in.linkEng.GetLink(linkID); ok {
				active = l.State == link.StateActive
			}
			close(done)
		})
		<-done
		if active {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("link on initiator side never reached StateActive")
		}
		time.Sleep(10 * time.Millisecond)
	}

	sendErrCh := make(chan error, 1)
	initiator.Submit(func(in *Instance) {
		sendErrCh <- in.SendOverLink(linkID, []byte("hello over link"), time.Now())
	})
	if err := <-sendErrCh; err != nil {
		t.Fatalf("SendOverLink: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello over link" {
			t.Errorf("payload = %q, want %q", got, "hello over link")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("responder never received the link payload")
	}
}

// establishedLinkPair wires two fresh instances back to back, runs the
// full handshake and returns the resulting link id once both sides have
// reached StateActive, for tests exercising traffic over an established
// link rather than the handshake itself.
func establishedLinkPair(t *testing.T, aspect string) (initiator, responder *Instance, d *destination.Destination, linkID []byte) {
	t.Helper()
	var responderSelf *identity.Identity
	initiator, _ = newTestInstance(t)
	responder, responderSelf = newTestInstance(t)
	runInstance(t, initiator)
	runInstance(t, responder)

	var err error
	d, err = responder.Destinations().Register(responderSelf, destination.Single, aspect)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	fiInit, fiResp := newPipedInterfaces("to-responder", "to-initiator")
	initiator.RegisterInterface(fiInit)
	responder.RegisterInterface(fiResp)

	announceErr := make(chan error, 1)
	responder.Submit(func(in *Instance) {
		announceErr <- in.AnnounceDestination(d, nil, nil, time.Now())
	})
	if err := <-announceErr; err != nil {
		t.Fatalf("AnnounceDestination: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		var cached bool
		done := make(chan struct{})
		initiator.Submit(func(in *Instance) {
			_, cached = in.cache.RecallAnnounce(d.Hash())
			close(done)
		})
		<-done
		if cached {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("initiator never cached the responder's announce")
		}
		time.Sleep(10 * time.Millisecond)
	}

	linkIDCh := make(chan []byte, 1)
	errCh := make(chan error, 1)
	initiator.Submit(func(in *Instance) {
		id, err := in.EstablishLink(d.Hash(), time.Now())
		linkIDCh <- id
		errCh <- err
	})
	if err := <-errCh; err != nil {
		t.Fatalf("EstablishLink: %v", err)
	}
	linkID = <-linkIDCh

	deadline = time.Now().Add(2 * time.Second)
	for {
		var initiatorActive, responderActive bool
		doneI := make(chan struct{})
		initiator.Submit(func(in *Instance) {
			if l, ok := in.linkEng.GetLink(linkID); ok {
				initiatorActive = l.State == link.StateActive
			}
			close(doneI)
		})
		<-doneI
		doneR := make(chan struct{})
		responder.Submit(func(in *Instance) {
			if l, ok := in.linkEng.GetLink(linkID); ok {
				responderActive = l.State == link.StateActive
			}
			close(doneR)
		})
		<-doneR
		if initiatorActive && responderActive {
			return initiator, responder, d, linkID
		}
		if time.Now().After(deadline) {
			t.Fatalf("link never reached StateActive on both sides (initiator=%v responder=%v)", initiatorActive, responderActive)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestSendRequestRoundTrip drives the reliable request/response protocol
// (§4.6) over a live link: the responder's destination answers by method
// hash through OnRequest/DispatchRequest, and the initiator's SendRequest
// channel resolves with that answer without ever needing a retransmit.
func TestSendRequestRoundTrip(t *testing.T) {
	initiator, _, d, linkID := establishedLinkPair(t, "test.request")

	d.OnRequest(func(methodHash, arguments []byte) ([]byte, bool) {
		if string(arguments) != "ping" {
			return nil, false
		}
		return []byte("pong"), true
	})

	var respCh <-chan *link.Response
	done := make(chan struct{})
	initiator.Submit(func(in *Instance) {
		ch, err := in.SendRequest(linkID, "echo", []byte("ping"), 3, 200*time.Millisecond, time.Now())
		if err != nil {
			t.Errorf("SendRequest: %v", err)
		}
		respCh = ch
		close(done)
	})
	<-done

	select {
	case resp := <-respCh:
		if resp == nil {
			t.Fatal("request channel closed without a response")
		}
		if resp.Failed {
			t.Error("response reported failed, want handled")
		}
		if string(resp.Arguments) != "pong" {
			t.Errorf("response arguments = %q, want %q", resp.Arguments, "pong")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request response")
	}
}

// TestSendResourceDeliversPayload drives the wired resource-transfer
// protocol (§4.7) over a live link end to end: advertisement, windowed
// segment push, and finalisation proof all ride the established link's
// control-context dispatch, arriving at the responder's destination
// callback reassembled and verified.
func TestSendResourceDeliversPayload(t *testing.T) {
	initiator, _, d, linkID := establishedLinkPair(t, "test.resource")

	received := make(chan []byte, 1)
	d.OnPacket(func(payload, _ []byte) { received <- payload })

	data := bytes.Repeat([]byte("resource-payload-"), 200)
	done := make(chan error, 1)
	initiator.Submit(func(in *Instance) {
		_, err := in.SendResource(linkID, data, []byte("name.bin"), time.Now())
		done <- err
	})
	if err := <-done; err != nil {
		t.Fatalf("SendResource: %v", err)
	}

	select {
	case got := <-received:
		if !bytes.Equal(got, data) {
			t.Errorf("reassembled payload length = %d, want %d", len(got), len(data))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("responder never received the completed resource transfer")
	}
}
