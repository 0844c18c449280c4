// Package instance ties every core component into one running node
// (§5): a single event-loop goroutine owns the Path Table, Packet Cache,
// Link Table and Destination Registry, so none of them need their own
// external locking discipline beyond what they already do internally.
// Everything else — registered interfaces' read goroutines, the IPC
// listener, application code calling Submit — only ever reaches the core
// state by handing the loop a closure over its single channel.
//
// Grounded on cmd/ghostnodes/main.go's Server struct, which wires
// router/swarm/directory together as plain fields; here those fields
// become the seven core components plus the interfaces map, and the
// wiring happens through a cooperative loop instead of being implicitly
// single-threaded behind one HTTP handler at a time.
package instance

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/n8sec/reticulum-go/pkg/announce"
	"github.com/n8sec/reticulum-go/pkg/cache"
	"github.com/n8sec/reticulum-go/pkg/crypto"
	"github.com/n8sec/reticulum-go/pkg/destination"
	"github.com/n8sec/reticulum-go/pkg/iface"
	"github.com/n8sec/reticulum-go/pkg/identity"
	"github.com/n8sec/reticulum-go/pkg/link"
	"github.com/n8sec/reticulum-go/pkg/packet"
	"github.com/n8sec/reticulum-go/pkg/pathtable"
	"github.com/n8sec/reticulum-go/pkg/rlog"
	"github.com/n8sec/reticulum-go/pkg/transport"
)

// logComponent names this package in every log line it emits.
const logComponent = "instance"

// sweepInterval is how often the loop re-schedules its own housekeeping
// timer (link sweeps, announce dequeuing) when nothing else is driving it.
const sweepInterval = time.Second

// resourceSegmentSize is the fixed segment size resource transfers split
// their payload into (§4.7); the same value sizes both sides' windows.
const resourceSegmentSize = 512

// resourceWindowTimeout is how long a sender waits for a window's segments
// to be acknowledged (by a hashmap or by every index going quiet) before
// counting it against the transfer's retry budget.
const resourceWindowTimeout = 5 * time.Second

// Config bundles the tunables an Instance needs at construction, already
// resolved from pkg/config's YAML shape into the types each component
// expects.
type Config struct {
	Announce             announce.Config
	Cache                cache.Options
	MaxHops              uint8
	LinkEstablishTimeout time.Duration
}

// EventKind identifies what an Event is reporting.
type EventKind int

const (
	EventPacketIn EventKind = iota
	EventLinkUp
	EventLinkDown
	EventResourceProgress
)

// Event is one instance-observed notification, handed verbatim to every
// subscriber registered via OnEvent. Not every field applies to every
// kind: LinkID is set for the three link-scoped kinds, Packet only for
// EventPacketIn, and Progress only for EventResourceProgress (1.0 on
// completion, a negative value if the transfer was abandoned).
type Event struct {
	Kind     EventKind
	LinkID   []byte
	Packet   []byte
	Progress float64
}

// EventCallback receives Events as the loop observes them. Registered via
// OnEvent, it runs synchronously on the event loop goroutine, so it must
// not block or call back into the Instance other than through Submit.
type EventCallback func(Event)

// OnEvent registers cb to be notified of every subsequent Event this
// instance observes: packet delivery, link up/down, resource progress.
// Safe to call before Run starts; subsequent registrations are
// additive. This is the hook the local IPC bridge (§6.2) uses to push
// unsolicited notifications to connected clients without pkg/instance
// needing to know anything about IPC framing itself.
func (in *Instance) OnEvent(cb EventCallback) {
	in.eventMu.Lock()
	defer in.eventMu.Unlock()
	in.eventSubs = append(in.eventSubs, cb)
}

func (in *Instance) emit(e Event) {
	in.eventMu.RLock()
	subs := in.eventSubs
	in.eventMu.RUnlock()
	for _, cb := range subs {
		cb(e)
	}
}

// inboundFrame is what a registered interface's receiver callback hands
// to the loop; it must be constructible without blocking the interface's
// own read goroutine.
type inboundFrame struct {
	interfaceID string
	data        []byte
}

// registeredInterface pairs an iface.Interface with the capability facts
// the loop needs without calling back into it on the hot path.
type registeredInterface struct {
	iface.Interface
	mode    iface.Mode
	ifacKey []byte
}

// Instance is one running Reticulum node.
type Instance struct {
	log *rlog.Logger

	self         *identity.Identity
	destinations *destination.Registry
	table        *pathtable.Table
	cache        *cache.Cache
	announceEng  *announce.Engine
	linkEng      *link.Engine
	linkTable    *link.ForwardingLinkTable
	forwarder    *transport.Forwarder

	interfacesMu sync.RWMutex
	interfaces   map[string]*registeredInterface

	timers *TimerHeap

	// lastKeepaliveSent records, per link id (hex), the last time this
	// instance emitted a keepalive on it; all only ever touched from the
	// event loop goroutine, same as every other field below it.
	lastKeepaliveSent map[string]time.Time
	outgoingResources map[string]*link.SenderResource
	incomingResources map[string]*link.ReceiverResource
	requestCounter    uint64

	eventMu   sync.RWMutex
	eventSubs []EventCallback

	submit  chan func(*Instance)
	inbound chan inboundFrame
	stop    chan struct{}
	wg      sync.WaitGroup

	cfg Config
}

// New constructs an Instance. Call Run in its own goroutine to start the
// event loop; nothing else in this type is safe to touch directly from
// another goroutine except through Submit.
//
// The Transport Forwarder's Link Table is a link.ForwardingLinkTable:
// intermediate nodes populate it while relaying a link proof (§4.6 step
// 2), recording the interface the proof arrived on as the route towards
// the responder, so a subsequent confirm or link-data packet (header_type
// = 2) addressed by that link id has somewhere to go besides the Path
// Table, which never carries a link id.
func New(self *identity.Identity, cfg Config, storage cache.Storage, log *rlog.Logger) *Instance {
	if log == nil {
		log = rlog.Default()
	}
	table := pathtable.New()
	c := cache.New(storage, cfg.Cache)
	destinations := destination.NewRegistry()
	linkEng := link.NewEngine(cfg.LinkEstablishTimeout)
	linkTable := link.NewForwardingLinkTable()
	forwarder := transport.New(table, destinations, linkTable, cfg.MaxHops)

	return &Instance{
		log:               log,
		self:              self,
		destinations:      destinations,
		table:             table,
		cache:             c,
		announceEng:       announce.New(c, table, cfg.Announce),
		linkEng:           linkEng,
		linkTable:         linkTable,
		forwarder:         forwarder,
		interfaces:        make(map[string]*registeredInterface),
		timers:            NewTimerHeap(),
		lastKeepaliveSent: make(map[string]time.Time),
		outgoingResources: make(map[string]*link.SenderResource),
		incomingResources: make(map[string]*link.ReceiverResource),
		submit:            make(chan func(*Instance), 256),
		inbound:           make(chan inboundFrame, 256),
		stop:              make(chan struct{}),
		cfg:               cfg,
	}
}

// Destinations returns the Destination Registry. Registering/unregistering
// destinations is safe from any goroutine; only the registry's own lock
// guards it, same as the teacher's directory.Service did for nodes.
func (in *Instance) Destinations() *destination.Registry { return in.destinations }

// Identity returns this instance's own identity.
func (in *Instance) Identity() *identity.Identity { return in.self }

// RegisterInterface brings up a physical or virtual interface: wires its
// receiver callback to push frames onto the loop's inbound channel (never
// blocking the interface's own read goroutine thanks to the channel's
// buffer) and adds it to the interfaces map under the loop's control.
func (in *Instance) RegisterInterface(i iface.Interface) {
	ri := &registeredInterface{Interface: i, mode: i.Mode(), ifacKey: i.IFACKey()}
	id := i.ID()

	i.SetReceiver(func(data []byte) {
		select {
		case in.inbound <- inboundFrame{interfaceID: id, data: data}:
		default:
			in.log.Warn(logComponent, "dropping inbound frame, instance loop backed up on interface %s", id)
		}
	})

	in.interfacesMu.Lock()
	in.interfaces[id] = ri
	in.interfacesMu.Unlock()
}

// UnregisterInterface closes and removes an interface, and clears any
// path table entries that were learned through it.
func (in *Instance) UnregisterInterface(id string) {
	in.interfacesMu.Lock()
	ri, ok := in.interfaces[id]
	delete(in.interfaces, id)
	in.interfacesMu.Unlock()

	if ok {
		ri.Close()
		in.table.RemoveByInterface(id)
	}
}

func (in *Instance) interfaceByID(id string) (*registeredInterface, bool) {
	in.interfacesMu.RLock()
	defer in.interfacesMu.RUnlock()
	ri, ok := in.interfaces[id]
	return ri, ok
}

func (in *Instance) interfaceInfos() []transport.InterfaceInfo {
	in.interfacesMu.RLock()
	defer in.interfacesMu.RUnlock()
	out := make([]transport.InterfaceInfo, 0, len(in.interfaces))
	for id, ri := range in.interfaces {
		out = append(out, transport.InterfaceInfo{ID: id, Mode: ri.mode})
	}
	return out
}

// Submit enqueues fn to run on the event loop goroutine, the only
// sanctioned way for another goroutine (IPC handlers, application code,
// tests) to touch core state directly. fn must not block.
func (in *Instance) Submit(fn func(*Instance)) {
	select {
	case in.submit <- fn:
	case <-in.stop:
	}
}

// Stop signals the event loop to exit and waits for it to finish.
func (in *Instance) Stop() {
	close(in.stop)
	in.wg.Wait()
}

// Run drives the event loop until Stop is called. Call it in its own
// goroutine.
func (in *Instance) Run() {
	in.wg.Add(1)
	defer in.wg.Done()

	in.timers.Schedule(time.Now().Add(sweepInterval).UnixNano(), timerJanitor, "")

	for {
		timeout := in.nextTimeout()
		select {
		case <-in.stop:
			return
		case fn := <-in.submit:
			fn(in)
		case frame := <-in.inbound:
			in.handleInboundFrame(frame, time.Now())
		case <-timeout:
			in.fireDueTimers(time.Now())
		}
	}
}

// nextTimeout returns a channel that fires at the next scheduled
// deadline, or after sweepInterval if nothing is queued (which should
// only happen immediately at startup, before the first janitor timer is
// scheduled).
func (in *Instance) nextTimeout() <-chan time.Time {
	deadline, ok := in.timers.Peek()
	if !ok {
		return time.After(sweepInterval)
	}
	d := time.Until(time.Unix(0, deadline))
	if d < 0 {
		d = 0
	}
	return time.After(d)
}

func (in *Instance) fireDueTimers(now time.Time) {
	due := in.timers.PopDue(now.UnixNano())
	rescheduleJanitor := false
	for _, e := range due {
		switch e.kind {
		case timerJanitor:
			in.runJanitor(now)
			rescheduleJanitor = true
		case timerResourceWindow:
			in.checkResourceWindow(e.key, now)
		}
	}
	if rescheduleJanitor {
		in.timers.Schedule(now.Add(sweepInterval).UnixNano(), timerJanitor, "")
	}
}

// runJanitor is the loop's own periodic housekeeping: pop and transmit
// ready announces, sweep link establishment timeouts and stale links,
// emit due keepalives on every active link, and prune the path table and
// forwarding link table of expired entries.
func (in *Instance) runJanitor(now time.Time) {
	for _, sched := range in.announceEng.PopReady(now) {
		in.transmitAnnounce(sched, now)
	}

	for _, linkID := range in.linkEng.Sweep(now) {
		in.log.Debug(logComponent, "link abandoned or gone stale: %x", linkID)
		in.forgetLinkState(linkID)
		in.emit(Event{Kind: EventLinkDown, LinkID: linkID})
	}

	in.emitDueKeepalives(now)
	in.retransmitDueRequests(now)

	in.table.Prune(now)
	in.linkTable.Prune(now)
}

// emitDueKeepalives sends a keepalive on every StateActive link whose own
// stale interval has elapsed since its last one (§4.6: "the link emits a
// 14-byte keepalive ... at an interval such that the link is declared
// stale after ~max(60s, 6xRTT_est)"). A link already gone Stale gets no
// further keepalives from this side; it either hears from its peer again
// (Touch resets it to Active) or Sweep eventually closes it.
func (in *Instance) emitDueKeepalives(now time.Time) {
	for _, l := range in.linkEng.ActiveLinks() {
		if l.State != link.StateActive {
			continue
		}
		key := hex.EncodeToString(l.LinkID)
		interval := l.StaleAfter()
		if last, ok := in.lastKeepaliveSent[key]; ok && now.Sub(last) < interval {
			continue
		}
		if err := in.sendKeepalive(l.LinkID, now); err != nil {
			in.log.Debug(logComponent, "keepalive send for %x failed: %v", l.LinkID, err)
			continue
		}
		in.lastKeepaliveSent[key] = now
	}
}

// forgetLinkState discards any per-link bookkeeping this instance kept
// outside the Link Engine itself once a link is gone, so a later link id
// reuse (vanishingly unlikely, but free to guard against) never inherits
// stale keepalive or resource-transfer state.
func (in *Instance) forgetLinkState(linkID []byte) {
	key := hex.EncodeToString(linkID)
	delete(in.lastKeepaliveSent, key)
	delete(in.outgoingResources, key)
	delete(in.incomingResources, key)
}

// AnnounceDestination originates a fresh announce for one of this node's
// own destinations and feeds it into the Announce Engine exactly as if it
// had just arrived over the air with zero hops: the engine's own
// dedup/scheduling path is what gets it onto the propagation queue, the
// same machinery a forwarded announce uses.
func (in *Instance) AnnounceDestination(d *destination.Destination, ratchetMaterial, appData []byte, now time.Time) error {
	owner := d.Identity()
	if owner == nil {
		owner = in.self
	}
	a, err := announce.NewSigned(owner, d.Hash(), ratchetMaterial, appData)
	if err != nil {
		return err
	}

	p := &packet.Packet{
		HeaderType:      packet.HeaderType1Address,
		PropagationType: packet.PropagationBroadcast,
		PacketType:      packet.PacketTypeAnnounce,
		Addresses:       a.DestinationHash,
		Payload:         announce.EncodePayload(a),
	}
	packetHash, err := p.Hash()
	if err != nil {
		return err
	}

	in.announceEng.Receive(a, packetHash, "", nil, iface.ModeFull, now)
	return nil
}

// EstablishLink begins the initiator side of a link to destinationHash
// (§4.6 step 1): the Link Engine builds the ephemeral keys and request
// payload, and the request is flooded on every interface exactly like a
// self-originated announce, since the initiator has no path of its own
// towards the destination yet — that's the whole point of a broadcast
// link request.
func (in *Instance) EstablishLink(destinationHash []byte, now time.Time) ([]byte, error) {
	l, requestPayload, err := in.linkEng.InitiateLink(destinationHash, now)
	if err != nil {
		return nil, err
	}

	p := &packet.Packet{
		HeaderType:      packet.HeaderType1Address,
		PropagationType: packet.PropagationBroadcast,
		PacketType:      packet.PacketTypeLinkRequest,
		Addresses:       append([]byte(nil), destinationHash...),
		Payload:         requestPayload,
	}
	for _, info := range in.interfaceInfos() {
		if !info.Mode.Floods() {
			continue
		}
		in.sendOn(info.ID, p)
	}
	return l.LinkID, nil
}

// SendToDestination originates a Data packet addressed to a remote Single
// destination, encrypted under its X25519 public key recalled from a
// previously received announce (§4.3: the announce ledger is also the
// network's distributed public-key directory). It is routed hop by hop
// the same way an intermediate forwarder would route it, since an
// originated packet is just a forward with zero hops so far.
func (in *Instance) SendToDestination(destinationHash, payload []byte, now time.Time) error {
	record, ok := in.cache.RecallAnnounce(destinationHash)
	if !ok {
		return fmt.Errorf("instance: no known public key for destination %x", destinationHash)
	}
	x25519Pub, _, err := identity.ParsePublicBlob(record.PublicBlob)
	if err != nil {
		return fmt.Errorf("instance: parse cached public blob for %x: %w", destinationHash, err)
	}
	envelope, err := packet.EncryptSingle(x25519Pub, payload)
	if err != nil {
		return err
	}

	entry, ok := in.table.Lookup(destinationHash, now)
	if !ok {
		return fmt.Errorf("instance: no path table route to destination %x", destinationHash)
	}

	p := &packet.Packet{
		HeaderType:      packet.HeaderType1Address,
		PropagationType: packet.PropagationTransport,
		PacketType:      packet.PacketTypeData,
		DestinationType: destination.Single,
		Addresses:       append([]byte(nil), destinationHash...),
		Payload:         envelope,
	}
	in.sendOn(entry.NextHopInterfaceID, p)
	return nil
}

// SendOverLink encrypts payload under an established link's current Fernet
// envelope keys and sends it as header_type=2 link data. If this instance
// learned a forward route towards the other end while relaying that
// link's proof, it uses it; otherwise (the common case for a directly
// connected peer, which never populates its own Link Table) it floods the
// packet the same way the handshake's own confirm packet would fall back
// to, relying on the header_type=2 local-ownership shortcut at the
// receiving end.
func (in *Instance) SendOverLink(linkID, payload []byte, now time.Time) error {
	return in.sendLinkFrame(linkID, link.ContextData, payload, now)
}

// sendLinkFrame is the single choke point for everything this instance
// transmits over an established link: it prepends the one-byte control
// context (§4.6) ordinary data, keepalives, requests/responses and
// resource-transfer frames all share the same encrypted channel under,
// encrypts under the link's current Fernet envelope keys, and sends it
// the same way SendOverLink always has — by the Link Table's remembered
// route if this instance learned one while relaying the link's proof, or
// flooded otherwise.
func (in *Instance) sendLinkFrame(linkID []byte, context byte, body []byte, now time.Time) error {
	l, ok := in.linkEng.GetLink(linkID)
	if !ok {
		return fmt.Errorf("instance: unknown link %x", linkID)
	}
	if l.State != link.StateActive {
		return fmt.Errorf("instance: link %x is not active (state=%s)", linkID, l.State)
	}
	signingKey, encKey, err := l.EncryptKeyFor(0)
	if err != nil {
		return err
	}
	plaintext := make([]byte, 0, 1+len(body))
	plaintext = append(plaintext, context)
	plaintext = append(plaintext, body...)
	envelope, err := crypto.FernetEncrypt(signingKey, encKey, plaintext)
	if err != nil {
		return err
	}

	p := &packet.Packet{
		HeaderType:      packet.HeaderType2Address,
		PropagationType: packet.PropagationTransport,
		PacketType:      packet.PacketTypeData,
		Addresses:       append(append([]byte(nil), linkID...), l.DestinationHash...),
		Payload:         envelope,
	}

	if ifaceID, _, ok := in.linkTable.Lookup(linkID); ok {
		in.sendOn(ifaceID, p)
		return nil
	}
	for _, info := range in.interfaceInfos() {
		if info.Mode.Floods() {
			in.sendOn(info.ID, p)
		}
	}
	return nil
}

// sendKeepalive emits one keepalive frame on linkID.
func (in *Instance) sendKeepalive(linkID []byte, now time.Time) error {
	payload, err := link.BuildKeepalive()
	if err != nil {
		return err
	}
	return in.sendLinkFrame(linkID, link.ContextKeepalive, payload, now)
}

// SendRequest issues a reliable request over an established link (§4.6:
// "a request carries (request_id, method_hash, arguments) ... the sender
// retransmits until the proof returns"), registering it with the link's
// RequestTracker so runJanitor's DueRetries sweep retransmits it until a
// response arrives or the retry budget is exhausted.
func (in *Instance) SendRequest(linkID []byte, methodName string, arguments []byte, retries int, retryEvery time.Duration, now time.Time) (<-chan *link.Response, error) {
	tracker, ok := in.linkEng.TrackerFor(linkID)
	if !ok {
		return nil, fmt.Errorf("instance: unknown link %x", linkID)
	}
	in.requestCounter++
	req := &link.Request{
		RequestID:  link.NewRequestID(linkID, in.requestCounter),
		MethodHash: link.HashMethod(methodName),
		Arguments:  arguments,
	}
	ch := tracker.Send(req, retries, retryEvery, now)
	if err := in.sendLinkFrame(linkID, link.ContextRequest, link.EncodeRequest(req), now); err != nil {
		return nil, err
	}
	return ch, nil
}

// retransmitDueRequests resends every request whose retry timer has
// elapsed on every link with outstanding reliable requests.
func (in *Instance) retransmitDueRequests(now time.Time) {
	for _, l := range in.linkEng.ActiveLinks() {
		tracker, ok := in.linkEng.TrackerFor(l.LinkID)
		if !ok {
			continue
		}
		for _, req := range tracker.DueRetries(now) {
			if err := in.sendLinkFrame(l.LinkID, link.ContextRequest, link.EncodeRequest(req), now); err != nil {
				in.log.Debug(logComponent, "retransmit request on %x failed: %v", l.LinkID, err)
			}
		}
	}
}

// SendResource advertises and begins pushing a bulk transfer over an
// established link (§4.7), returning the resource hash clients correlate
// progress events against. Only one outbound transfer per link is tracked
// at a time, matching the single retry-budget window pkg/link.SenderResource
// itself keeps.
func (in *Instance) SendResource(linkID, data, metadata []byte, now time.Time) ([]byte, error) {
	if _, ok := in.linkEng.GetLink(linkID); !ok {
		return nil, fmt.Errorf("instance: unknown link %x", linkID)
	}
	sender, adv := link.NewSenderResource(data, resourceSegmentSize, metadata)
	key := hex.EncodeToString(linkID)
	in.outgoingResources[key] = sender

	if err := in.sendLinkFrame(linkID, link.ContextResourceAdvertise, link.EncodeAdvertisement(adv), now); err != nil {
		delete(in.outgoingResources, key)
		return nil, err
	}
	in.pumpResourceWindow(linkID, sender, now)
	return adv.ResourceHash, nil
}

// pumpResourceWindow transmits a sender's next window of unacknowledged
// segments and (re)schedules its retransmission-timeout check.
func (in *Instance) pumpResourceWindow(linkID []byte, sender *link.SenderResource, now time.Time) {
	resourceID := link.ResourceID(sender.Advertisement)
	for _, idx := range sender.NextWindow() {
		payload, err := sender.SegmentPayload(idx)
		if err != nil {
			continue
		}
		frame := link.EncodeSegmentFrame(resourceID, idx, payload)
		if err := in.sendLinkFrame(linkID, link.ContextResourceSegment, frame, now); err != nil {
			in.log.Debug(logComponent, "resource segment send on %x failed: %v", linkID, err)
		}
	}
	in.timers.Schedule(now.Add(resourceWindowTimeout).UnixNano(), timerResourceWindow, hex.EncodeToString(linkID))
}

// checkResourceWindow is timerResourceWindow's handler: if the sender's
// current window is still outstanding, it counts against the transfer's
// retry budget and either retransmits or abandons the transfer.
func (in *Instance) checkResourceWindow(key string, now time.Time) {
	sender, ok := in.outgoingResources[key]
	if !ok {
		return
	}
	if !sender.Outstanding() {
		return
	}
	linkID, err := hex.DecodeString(key)
	if err != nil {
		return
	}
	if err := sender.WindowTimedOut(); err != nil {
		in.log.Debug(logComponent, "resource transfer on %x abandoned: %v", linkID, err)
		delete(in.outgoingResources, key)
		in.emit(Event{Kind: EventResourceProgress, LinkID: linkID, Progress: -1})
		return
	}
	in.pumpResourceWindow(linkID, sender, now)
}

// CloseLink tears down a link this instance is a party to, the IPC
// bridge's close-link command.
func (in *Instance) CloseLink(linkID []byte) {
	in.linkEng.CloseLink(linkID)
	in.forgetLinkState(linkID)
	in.emit(Event{Kind: EventLinkDown, LinkID: linkID})
}

// PathQuery reports this instance's current Path Table knowledge of
// destinationHash, the IPC bridge's path-query command.
func (in *Instance) PathQuery(destinationHash []byte, now time.Time) (hopCount uint8, found bool) {
	entry, ok := in.table.Lookup(destinationHash, now)
	if !ok {
		return 0, false
	}
	return entry.HopCount, true
}

// transmitAnnounce marshals and floods one ready propagation-queue entry
// onto every interface except the one it arrived on.
func (in *Instance) transmitAnnounce(sched announce.ScheduledAnnounce, now time.Time) {
	p := &packet.Packet{
		HeaderType:      packet.HeaderType1Address,
		PropagationType: packet.PropagationBroadcast,
		PacketType:      packet.PacketTypeAnnounce,
		Hops:            sched.Announce.Hops + 1,
		Addresses:       sched.Announce.DestinationHash,
		Payload:         announce.EncodePayload(sched.Announce),
	}

	for _, info := range in.interfaceInfos() {
		if info.ID == sched.ArrivalInterfaceID {
			continue
		}
		if !info.Mode.Floods() {
			continue
		}
		in.sendOn(info.ID, p)
	}
}

func (in *Instance) sendOn(interfaceID string, p *packet.Packet) {
	ri, ok := in.interfaceByID(interfaceID)
	if !ok {
		return
	}
	wire, err := packet.Marshal(p, ri.ifacKey)
	if err != nil {
		in.log.Warn(logComponent, "marshal outgoing packet for %s: %v", interfaceID, err)
		return
	}
	if err := ri.Send(wire); err != nil {
		in.log.Warn(logComponent, "send on interface %s failed: %v", interfaceID, err)
	}
}

// handleInboundFrame parses one wire frame and dispatches it.
func (in *Instance) handleInboundFrame(frame inboundFrame, now time.Time) {
	ri, ok := in.interfaceByID(frame.interfaceID)
	var ifacKey []byte
	var mode iface.Mode
	if ok {
		ifacKey = ri.ifacKey
		mode = ri.mode
	}

	p, err := packet.Unmarshal(frame.data, ifacKey)
	if err != nil {
		in.log.Debug(logComponent, "dropping unparsable frame from %s: %v", frame.interfaceID, err)
		return
	}

	if p.PacketType == packet.PacketTypeAnnounce {
		in.handleAnnounce(p, frame.interfaceID, mode, now)
		return
	}

	in.handleRoutable(p, frame.interfaceID, now)
}

func (in *Instance) handleAnnounce(p *packet.Packet, interfaceID string, mode iface.Mode, now time.Time) {
	a, err := announce.DecodePayload(p.Payload, p.Addresses, p.Hops)
	if err != nil {
		in.log.Debug(logComponent, "dropping malformed announce: %v", err)
		return
	}
	packetHash, err := p.Hash()
	if err != nil {
		return
	}
	// Neighbour hash is not separately known for a 1-hop link over a
	// plain interface read, so the path table entry is recorded without
	// one.
	outcome := in.announceEng.Receive(a, packetHash, interfaceID, nil, mode, now)
	in.log.Debug(logComponent, "announce received for %x, outcome=%d", a.DestinationHash, int(outcome))
}

func (in *Instance) handleRoutable(p *packet.Packet, interfaceID string, now time.Time) {
	if p.PacketType == packet.PacketTypeProof {
		in.handleLinkProof(p, interfaceID, now)
		return
	}

	// A header_type=2 packet's first 16 bytes are a link id; if it's one
	// of ours, deliver it straight to the Link Engine rather than through
	// Decide, which only ever matches destinations by their own hash.
	if p.HeaderType == packet.HeaderType2Address && len(p.Addresses) >= link.LinkIDSize {
		if _, ok := in.linkEng.GetLink(p.Addresses[:link.LinkIDSize]); ok {
			in.deliverLocal(p, now)
			return
		}
	}

	destHash := p.Addresses
	decision := in.forwarder.Decide(p, destHash, now)

	switch decision.Action {
	case transport.ActionDeliverLocal:
		in.deliverLocal(p, now)
	case transport.ActionForward:
		in.sendOn(decision.NextHopInterfaceID, decision.Packet)
	case transport.ActionBroadcast:
		if p.PacketType == packet.PacketTypeLinkRequest {
			// §4.5: every forwarder along a link request's flood records
			// the reverse path so the eventual proof, which has no route
			// of its own through the Path Table, can find its way back.
			in.forwarder.RememberReversePath(linkIDFromRequest(decision.Packet.Payload), interfaceID, nil)
		}
		for _, target := range in.forwarder.FloodTargets(in.interfaceInfos(), interfaceID) {
			in.sendOn(target, decision.Packet)
		}
	case transport.ActionDrop:
		in.log.Debug(logComponent, "dropped packet, reason=%d", int(decision.DropReason))
	}
}

// linkIDFromRequest recomputes a link_id from a link-request packet's
// payload without needing to go through the Link Engine: both sides
// derive it identically, the same truncated hash link.Engine.InitiateLink
// uses to name the link it creates.
func linkIDFromRequest(requestPayload []byte) []byte {
	return crypto.Truncate16(crypto.Hash256(requestPayload))
}

// deliverLocal hands a packet addressed to one of this instance's own
// destinations (or an established link) to the right place: data
// payloads are decrypted per destination type and dispatched to the
// registered callback; link requests go to the Link Engine. Proof
// packets never reach here — handleRoutable hands those to
// handleLinkProof directly, since proofs are routed by reverse-path
// lookup rather than by destination match.
func (in *Instance) deliverLocal(p *packet.Packet, now time.Time) {
	switch p.PacketType {
	case packet.PacketTypeData:
		in.deliverData(p, now)
	case packet.PacketTypeLinkRequest:
		in.handleLinkRequest(p, now)
	}
}

func (in *Instance) deliverData(p *packet.Packet, now time.Time) {
	if p.HeaderType == packet.HeaderType2Address {
		in.deliverLinkData(p, now)
		return
	}

	d, ok := in.destinations.Lookup(p.Addresses)
	if !ok {
		return
	}

	var plaintext []byte
	var err error
	switch d.Type() {
	case destination.Single:
		plaintext, err = packet.DecryptSingle(d.Identity(), p.Payload)
	case destination.Group:
		plaintext, err = packet.DecryptGroup(d.GroupKey(), p.Payload)
	case destination.Plain:
		plaintext = p.Payload
	default:
		return
	}
	if err != nil {
		in.log.Debug(logComponent, "dropping undecryptable packet: %v", err)
		return
	}

	packetHash, err := p.Hash()
	if err != nil {
		return
	}
	d.DispatchPacket(plaintext, packetHash)
	in.emit(Event{Kind: EventPacketIn, Packet: plaintext})
}

// deliverLinkData decrypts a payload sent over an already-established
// link, using the link's current ratchet counter's envelope keys, and
// dispatches it by its leading control-context byte (§4.6): ordinary
// data goes to the destination's OnPacket callback, keepalives touch the
// link's stale clock, requests/responses drive the RequestTracker, and
// resource-transfer frames drive the per-link sender/receiver state
// (§4.7). The header_type=2 address field's first 16 bytes are the
// link_id; the remaining 16 carry the destination hash, which neither
// this function nor a forwarder's Link Table lookup reads (§4.5).
//
// The wire format has no packet type of its own for the RTT/confirm
// (§4.6 step 3) — it's carried as ordinary data with no context byte at
// all, distinguished only by the link still sitting in StateRequested on
// the responder's side. The first data packet a responder sees over a
// link it hasn't yet activated is always that confirm.
func (in *Instance) deliverLinkData(p *packet.Packet, now time.Time) {
	if len(p.Addresses) < link.LinkIDSize {
		return
	}
	linkID := p.Addresses[:link.LinkIDSize]
	l, ok := in.linkEng.GetLink(linkID)
	if !ok {
		return
	}

	if l.Role == link.RoleResponder && l.State == link.StateRequested {
		if _, err := in.linkEng.HandleRTTConfirm(linkID, p.Payload, now); err != nil {
			in.log.Debug(logComponent, "rejecting rtt confirm for %x: %v", linkID, err)
			return
		}
		in.emit(Event{Kind: EventLinkUp, LinkID: linkID})
		return
	}

	signingKey, encKey, err := l.EncryptKeyFor(0)
	if err != nil {
		return
	}
	plaintext, err := crypto.FernetDecrypt(signingKey, encKey, p.Payload)
	if err != nil {
		in.log.Debug(logComponent, "dropping undecryptable link payload: %v", err)
		return
	}
	if len(plaintext) < 1 {
		return
	}
	l.Touch(now)

	context, payload := plaintext[0], plaintext[1:]
	switch context {
	case link.ContextData:
		in.dispatchLinkData(l, linkID, payload, p, now)
	case link.ContextKeepalive:
		if err := in.linkEng.HandleKeepalive(linkID, payload, now); err != nil {
			in.log.Debug(logComponent, "rejecting keepalive for %x: %v", linkID, err)
		}
	case link.ContextRequest:
		in.handleLinkRequestFrame(l, linkID, payload, now)
	case link.ContextResponse:
		in.handleLinkResponseFrame(linkID, payload)
	case link.ContextResourceAdvertise:
		in.handleResourceAdvertise(linkID, payload)
	case link.ContextResourceSegment:
		in.handleResourceSegment(linkID, payload, now)
	case link.ContextResourceHashmap:
		in.handleResourceHashmap(linkID, payload, now)
	case link.ContextResourceProof:
		in.handleResourceProof(linkID, payload)
	default:
		in.log.Debug(logComponent, "dropping link payload with unknown context %d on %x", context, linkID)
	}
}

func (in *Instance) dispatchLinkData(l *link.Link, linkID, payload []byte, p *packet.Packet, now time.Time) {
	d, ok := in.destinations.Lookup(l.DestinationHash)
	if !ok {
		return
	}
	packetHash, herr := p.Hash()
	if herr != nil {
		return
	}
	d.DispatchPacket(payload, packetHash)
	in.emit(Event{Kind: EventPacketIn, LinkID: linkID, Packet: payload})
}

// handleLinkRequestFrame answers an inbound reliable request (§4.6) by
// looking up the destination the link was established against and
// dispatching by method hash, replying with the response over the same
// link.
func (in *Instance) handleLinkRequestFrame(l *link.Link, linkID, payload []byte, now time.Time) {
	req, err := link.DecodeRequest(payload)
	if err != nil {
		in.log.Debug(logComponent, "malformed request on %x: %v", linkID, err)
		return
	}
	d, ok := in.destinations.Lookup(l.DestinationHash)
	if !ok {
		return
	}
	args, handled := d.DispatchRequest(req.MethodHash, req.Arguments)
	resp := &link.Response{RequestID: req.RequestID, Arguments: args, Failed: !handled}
	if err := in.sendLinkFrame(linkID, link.ContextResponse, link.EncodeResponse(resp), now); err != nil {
		in.log.Debug(logComponent, "response send on %x failed: %v", linkID, err)
	}
}

// handleLinkResponseFrame resolves an outstanding request's waiting
// channel, letting SendRequest's caller stop retransmitting.
func (in *Instance) handleLinkResponseFrame(linkID, payload []byte) {
	resp, err := link.DecodeResponse(payload)
	if err != nil {
		in.log.Debug(logComponent, "malformed response on %x: %v", linkID, err)
		return
	}
	tracker, ok := in.linkEng.TrackerFor(linkID)
	if !ok {
		return
	}
	tracker.Resolve(resp)
}

// handleResourceAdvertise begins receive-side bookkeeping for a resource
// transfer a peer is about to push over this link.
func (in *Instance) handleResourceAdvertise(linkID, payload []byte) {
	adv, err := link.DecodeAdvertisement(payload)
	if err != nil {
		in.log.Debug(logComponent, "malformed resource advertisement on %x: %v", linkID, err)
		return
	}
	in.incomingResources[hex.EncodeToString(linkID)] = link.NewReceiverResource(adv)
	in.emit(Event{Kind: EventResourceProgress, LinkID: linkID, Progress: 0})
}

// handleResourceSegment stores an inbound segment, and — once every
// segment has arrived — reassembles, verifies and delivers the transfer,
// sending the finalisation proof back to the sender.
func (in *Instance) handleResourceSegment(linkID, payload []byte, now time.Time) {
	_, index, segment, err := link.DecodeSegmentFrame(payload)
	if err != nil {
		in.log.Debug(logComponent, "malformed resource segment on %x: %v", linkID, err)
		return
	}
	key := hex.EncodeToString(linkID)
	recv, ok := in.incomingResources[key]
	if !ok {
		return
	}
	if err := recv.ReceiveSegment(index, segment); err != nil {
		in.log.Debug(logComponent, "resource segment on %x rejected: %v", linkID, err)
		return
	}

	missing := recv.MissingIndices()
	segmentCount := recv.Advertisement.SegmentCount
	progress := 1.0
	if segmentCount > 0 {
		progress = 1.0 - float64(len(missing))/float64(segmentCount)
	}
	in.emit(Event{Kind: EventResourceProgress, LinkID: linkID, Progress: progress})

	if !recv.Complete() {
		resourceID := link.ResourceID(recv.Advertisement)
		bitfield := link.EncodeHashmap(segmentCount, missing)
		if err := in.sendLinkFrame(linkID, link.ContextResourceHashmap, link.EncodeHashmapFrame(resourceID, bitfield), now); err != nil {
			in.log.Debug(logComponent, "resource hashmap send on %x failed: %v", linkID, err)
		}
		return
	}

	proof, err := recv.Reassemble()
	if err != nil {
		in.log.Debug(logComponent, "resource reassembly on %x failed: %v", linkID, err)
		delete(in.incomingResources, key)
		in.emit(Event{Kind: EventResourceProgress, LinkID: linkID, Progress: -1})
		return
	}
	resourceID := link.ResourceID(recv.Advertisement)
	if err := in.sendLinkFrame(linkID, link.ContextResourceProof, link.EncodeResourceProofFrame(resourceID, proof), now); err != nil {
		in.log.Debug(logComponent, "resource proof send on %x failed: %v", linkID, err)
	}
	if l, ok := in.linkEng.GetLink(linkID); ok {
		if d, ok := in.destinations.Lookup(l.DestinationHash); ok {
			d.DispatchPacket(recv.Payload(), proof)
		}
	}
	delete(in.incomingResources, key)
	in.emit(Event{Kind: EventResourceProgress, LinkID: linkID, Progress: 1})
}

// handleResourceHashmap applies a receiver's periodic selective
// retransmission report to the matching outbound sender and pumps its
// next window.
func (in *Instance) handleResourceHashmap(linkID, payload []byte, now time.Time) {
	_, bitfield, err := link.DecodeHashmapFrame(payload)
	if err != nil {
		in.log.Debug(logComponent, "malformed resource hashmap on %x: %v", linkID, err)
		return
	}
	key := hex.EncodeToString(linkID)
	sender, ok := in.outgoingResources[key]
	if !ok {
		return
	}
	segmentCount := sender.Advertisement.SegmentCount
	missing := link.DecodeHashmap(bitfield, segmentCount)
	missingSet := make(map[uint32]bool, len(missing))
	for _, idx := range missing {
		missingSet[idx] = true
	}
	received := make([]uint32, 0, segmentCount)
	for i := uint32(0); i < segmentCount; i++ {
		if !missingSet[i] {
			received = append(received, i)
		}
	}
	sender.ApplyHashmap(received)
	progress := 1.0 - float64(len(missing))/float64(maxUint32(segmentCount, 1))
	in.emit(Event{Kind: EventResourceProgress, LinkID: linkID, Progress: progress})
	in.pumpResourceWindow(linkID, sender, now)
}

// handleResourceProof completes an outbound transfer once its receiver's
// finalisation proof arrives.
func (in *Instance) handleResourceProof(linkID, payload []byte) {
	_, proof, err := link.DecodeResourceProofFrame(payload)
	if err != nil {
		in.log.Debug(logComponent, "malformed resource proof on %x: %v", linkID, err)
		return
	}
	key := hex.EncodeToString(linkID)
	sender, ok := in.outgoingResources[key]
	if !ok {
		return
	}
	if !bytes.Equal(proof, sender.Advertisement.ResourceHash) {
		in.log.Debug(logComponent, "resource proof mismatch on %x", linkID)
		return
	}
	sender.Complete()
	delete(in.outgoingResources, key)
	in.emit(Event{Kind: EventResourceProgress, LinkID: linkID, Progress: 1})
}

func maxUint32(v, floor uint32) uint32 {
	if v < floor {
		return floor
	}
	return v
}

// handleLinkRequest is the responder side of link establishment (§4.6
// step 1→2): build the proof and flood it back out. Unlike an
// intermediate forwarder, the destination endpoint never recorded a
// reverse path for its own request — it only ever saw the request
// arrive, the same way any other node on the flood did — so it floods
// the proof exactly like a self-originated announce and relies on each
// forwarder's own remembered reverse path to steer it the rest of the
// way back to the initiator.
func (in *Instance) handleLinkRequest(p *packet.Packet, now time.Time) {
	d, ok := in.destinations.Lookup(p.Addresses)
	if !ok || d.Type() != destination.Single {
		return
	}
	l, proof, err := in.linkEng.HandleLinkRequest(d.Identity(), p.Addresses, p.Payload, now)
	if err != nil {
		in.log.Debug(logComponent, "rejecting link request: %v", err)
		return
	}
	d.DispatchLinkEstablished(l.LinkID)

	proofPacket := &packet.Packet{
		HeaderType:      packet.HeaderType1Address,
		PropagationType: packet.PropagationBroadcast,
		PacketType:      packet.PacketTypeProof,
		Addresses:       append([]byte(nil), l.LinkID...),
		Payload:         proof,
	}
	for _, info := range in.interfaceInfos() {
		if !info.Mode.Floods() {
			continue
		}
		in.sendOn(info.ID, proofPacket)
	}
}

// handleLinkProof is reached for every observed proof packet, whether or
// not it's ours (§4.6 step 2). p.Addresses is the link_id the proof is
// addressed to, and interfaceID is whichever interface it just arrived
// on. The destination's signing key isn't carried in the proof itself
// (that's the whole point — a forwarder can validate it without
// learning the session key) so it's recalled from the Announce Engine's
// cache of previously seen destinations.
func (in *Instance) handleLinkProof(p *packet.Packet, interfaceID string, now time.Time) {
	l, ok := in.linkEng.GetLink(p.Addresses)
	if !ok {
		// Not a link we initiated; relay it along the reverse path
		// recorded when the matching request was forwarded, and learn
		// the interface this proof came in on as the route towards the
		// responder for any confirm or link data that follows.
		in.forwardProofAlongReversePath(p, interfaceID, now)
		return
	}

	record, ok := in.cache.RecallAnnounce(l.DestinationHash)
	if !ok {
		in.log.Debug(logComponent, "link proof for %x: no known signing key for destination", p.Addresses)
		return
	}
	_, edPub, err := identity.ParsePublicBlob(record.PublicBlob)
	if err != nil {
		return
	}

	_, confirm, err := in.linkEng.HandleLinkProof(p.Addresses, edPub, p.Payload, now)
	if err != nil {
		in.log.Debug(logComponent, "rejecting link proof for %x: %v", p.Addresses, err)
		return
	}
	in.emit(Event{Kind: EventLinkUp, LinkID: p.Addresses})

	// The initiator never recorded a route of its own towards the
	// responder either — it only ever flooded the original request — so
	// the confirm goes out the same way the proof itself came in.
	confirmPacket := &packet.Packet{
		HeaderType:      packet.HeaderType2Address,
		PropagationType: packet.PropagationTransport,
		PacketType:      packet.PacketTypeData,
		Addresses:       append(append([]byte(nil), p.Addresses...), l.DestinationHash...),
		Payload:         confirm,
	}
	in.sendOn(interfaceID, confirmPacket)
}

// forwardProofAlongReversePath relays a proof this instance did not
// initiate. The reverse-path memory is keyed by the link id, exactly the
// value RememberReversePath was given when the matching request was
// flooded onward, because a proof is addressed directly by link id
// rather than by any hash of its own.
func (in *Instance) forwardProofAlongReversePath(p *packet.Packet, arrivalInterfaceID string, now time.Time) {
	ifaceID, _, ok := in.forwarder.ReversePathFor(p.Addresses)
	if !ok {
		return
	}
	in.linkTable.RememberRequest(p.Addresses, arrivalInterfaceID, nil, now)
	in.linkTable.UpgradeOnProof(p.Addresses, now)
	in.sendOn(ifaceID, p)
}

// Stats is a point-in-time snapshot of this instance's state, used by
// the status IPC command and the HTTP status endpoint.
type Stats struct {
	ActiveLinks      int
	PathTableSize    int
	PacketsCached    int
	AnnouncesCached  int
	PendingAnnounces int
}

// Snapshot returns a Stats value. Safe to call only via Submit from
// outside the loop goroutine.
func (in *Instance) Snapshot() Stats {
	return Stats{
		ActiveLinks:      in.linkEng.CountLinks(),
		PathTableSize:    in.table.Len(),
		PacketsCached:    in.cache.PacketLen(),
		AnnouncesCached:  in.cache.AnnounceLen(),
		PendingAnnounces: in.announceEng.PendingLen(),
	}
}
