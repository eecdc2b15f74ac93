// Package pipeline wires the envelope dataflow end to end: egress turns
// an application payload into signed, encrypted, chunked frames handed
// to the link layer; ingress reverses the process, deduplicating,
// verifying, and either delivering to the application or handing off to
// the relay controller.
package pipeline

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"time"

	"github.com/meshcore/meshcore/chunk"
	"github.com/meshcore/meshcore/cryptoengine"
	"github.com/meshcore/meshcore/delivery"
	"github.com/meshcore/meshcore/linklayer"
	"github.com/meshcore/meshcore/relay"
	"github.com/meshcore/meshcore/wire"
)

// DefaultMTU is the assumed BLE GATT payload ceiling chunks are sized
// against when the link layer does not report one.
const DefaultMTU = 182

// outboundQueueSize bounds the shared outbound channel; a full queue
// is backpressure, not an excuse to block the caller.
const outboundQueueSize = 256

// ErrNoRoute is returned by egress when a directed send has no known
// route and was handed to the offline queue instead.
var ErrNoRoute = errors.New("pipeline: no route, message spooled")

// RouteLookup resolves a destination to its next-hop neighbor.
type RouteLookup func(dest wire.ID) (nextHop wire.ID, hopPath []wire.ID, ok bool)

// Pipeline is the composition point tying the wire codec, chunker,
// crypto engine, relay controller, and delivery tracker to one
// linklayer.LinkLayer.
type Pipeline struct {
	self   wire.ID
	link   linklayer.LinkLayer
	policy Policy

	crypto    *cryptoengine.Engine
	store     linklayer.SecureStore
	chunker   *chunk.Chunker
	assembler *chunk.Assembler
	seen      *relay.SeenSet
	scheduler *relay.Scheduler
	offline   *delivery.OfflineQueue

	mu          sync.Mutex
	identities  map[wire.ID]*ecdsa.PublicKey
	lookupRoute RouteLookup

	onMessage        func(origin wire.ID, payload []byte)
	onControl        func(from wire.ID, kind wire.Kind, msg interface{})
	onRelay          func(env *wire.Envelope, ingress relay.IngressLink)
	onDeliveryStatus func(msgID wire.ID, state delivery.State)
	onRouteOutcome   func(dest wire.ID, delivered bool)
	trackersMu       sync.Mutex
	trackers         map[wire.ID]*delivery.Tracker
	outboundQueue    chan outboundFrame
	stop             chan struct{}
}

type outboundFrame struct {
	peer    wire.ID
	payload []byte
}

// New constructs a Pipeline for self, driven by link and governed by
// pol. The offline spool is restored from store if a previous process
// persisted one. The routing, relay, and delivery callbacks are wired
// in after construction via OnMessage/OnControl/OnRelay/SetRouteLookup
// since they are mutually referential with the routing and relay
// packages.
func New(self wire.ID, link linklayer.LinkLayer, crypto *cryptoengine.Engine, store linklayer.SecureStore, pol Policy) *Pipeline {
	if pol.MTU <= 0 {
		pol = DefaultPolicy()
	}
	p := &Pipeline{
		self:          self,
		link:          link,
		policy:        pol,
		crypto:        crypto,
		store:         store,
		chunker:       chunk.NewChunker(),
		assembler:     chunk.NewAssembler(),
		seen:          relay.NewSeenSet(),
		scheduler:     relay.NewScheduler(),
		offline:       delivery.NewOfflineQueue(pol.OfflineQueueCapacity),
		identities:    make(map[wire.ID]*ecdsa.PublicKey),
		trackers:      make(map[wire.ID]*delivery.Tracker),
		outboundQueue: make(chan outboundFrame, outboundQueueSize),
		stop:          make(chan struct{}),
	}
	if store != nil {
		if snapshot, ok, err := store.LoadOfflineQueue(); err == nil && ok {
			_ = p.offline.Restore(snapshot)
		}
	}
	link.OnFrameReceived(p.handleFrame)
	go p.outboundWorker()
	go p.seen.GCLoop(p.stop)
	go p.maintenanceLoop()
	return p
}

// maintenanceLoop expires stale spooled envelopes and persists the
// spool, the pipeline's half of the periodic sweeps the concurrency
// model calls for (the assembler and seen-set run their own).
func (p *Pipeline) maintenanceLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			p.offline.ExpireAll(now)
			p.persistOffline()
		case <-p.stop:
			return
		}
	}
}

// persistOffline snapshots the spool into the secure store. Failures
// are dropped: persistence is durability insurance, not a delivery
// precondition.
func (p *Pipeline) persistOffline() {
	if p.store == nil {
		return
	}
	snapshot, err := p.offline.Snapshot()
	if err != nil {
		return
	}
	_ = p.store.SaveOfflineQueue(snapshot)
}

// RegisterPeerIdentity records the signing public key used to verify
// envelopes originated by peer. Key exchange itself (how a device first
// learns a peer's long-term keys) happens out of band, ahead of the
// pipeline; this is simply where the result is recorded.
func (p *Pipeline) RegisterPeerIdentity(peer wire.ID, signingPub *ecdsa.PublicKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.identities[peer] = signingPub
}

// HasPeerIdentity reports whether a signing key is already registered
// for peer, so announce-learned keys never displace paired ones.
func (p *Pipeline) HasPeerIdentity(peer wire.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.identities[peer]
	return ok
}

// SetRouteLookup wires in the routing table lookup relay decisions and
// directed sends consult.
func (p *Pipeline) SetRouteLookup(fn RouteLookup) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lookupRoute = fn
}

// OnMessage registers the callback invoked for every application-level
// (non-control) envelope newly delivered to this node.
func (p *Pipeline) OnMessage(fn func(origin wire.ID, payload []byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = fn
}

// OnControl registers the callback invoked for every decoded control
// message, so routing.Engine and the delivery tracker can react to it.
func (p *Pipeline) OnControl(fn func(from wire.ID, kind wire.Kind, msg interface{})) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onControl = fn
}

// OnRelay registers the callback invoked when an ingress envelope needs
// to be forwarded, so the relay controller can make and schedule the
// K-of-N fanout or route-only decision.
func (p *Pipeline) OnRelay(fn func(env *wire.Envelope, ingress relay.IngressLink)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRelay = fn
}

// OnDeliveryStatus registers the callback invoked whenever a tracked
// outbound message's delivery.Tracker changes state (in-flight,
// spooled, delivered, failed).
func (p *Pipeline) OnDeliveryStatus(fn func(msgID wire.ID, state delivery.State)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDeliveryStatus = fn
}

// OnRouteOutcome registers the callback fed each tracked directed
// message's final fate, so the routing layer can adjust the used
// route's reliability score.
func (p *Pipeline) OnRouteOutcome(fn func(dest wire.ID, delivered bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onRouteOutcome = fn
}

func (p *Pipeline) reportRouteOutcome(dest wire.ID, delivered bool) {
	p.mu.Lock()
	cb := p.onRouteOutcome
	p.mu.Unlock()
	if cb != nil {
		cb(dest, delivered)
	}
}

func (p *Pipeline) reportStatus(msgID wire.ID, state delivery.State) {
	p.mu.Lock()
	cb := p.onDeliveryStatus
	p.mu.Unlock()
	if cb != nil {
		cb(msgID, state)
	}
}

func (p *Pipeline) mtu() int {
	for _, peer := range p.link.ConnectedPeers() {
		if peer.MTU > 0 {
			return peer.MTU
		}
	}
	return p.policy.MTU
}

// recentLoss looks up the observed frame loss rate on the direct link to
// peer, so sendEnvelopeTo can choose a FEC algorithm for it. Peers this
// node has no direct link to (the message is about to be relayed) get no
// protection here; the relaying node re-chunks and re-protects against
// its own next hop.
func (p *Pipeline) recentLoss(peer wire.ID) float64 {
	for _, info := range p.link.ConnectedPeers() {
		if info.ID == peer {
			return info.RecentLoss
		}
	}
	return 0
}

// SendControl implements routing.Transport: wrap msg as a control
// envelope addressed to one node. A directly connected destination is
// unicast; a multi-hop destination (a delivery ack or group key headed
// back across the mesh) goes to the route's next hop and is forwarded
// from there by each intermediate's relay controller.
func (p *Pipeline) SendControl(ctx context.Context, to wire.ID, kind wire.Kind, msg interface{}) error {
	return p.sendControlTTL(ctx, to, kind, msg, p.policy.DefaultTTL)
}

func (p *Pipeline) sendControlTTL(ctx context.Context, to wire.ID, kind wire.Kind, msg interface{}, ttl uint8) error {
	env, err := p.buildControlEnvelope(kind, msg, &to, ttl)
	if err != nil {
		return err
	}
	peer := to
	if !p.isConnected(to) {
		nextHop, _, ok := p.routeLookup()(to)
		if !ok {
			return ErrNoRoute
		}
		peer = nextHop
	}
	return p.sendEnvelopeTo(ctx, peer, *env)
}

func (p *Pipeline) isConnected(peer wire.ID) bool {
	for _, info := range p.link.ConnectedPeers() {
		if info.ID == peer {
			return true
		}
	}
	return false
}

// BroadcastControl implements routing.Transport: wrap msg as a control
// envelope and send it to every connected peer not in exclude.
func (p *Pipeline) BroadcastControl(ctx context.Context, kind wire.Kind, msg interface{}, exclude map[wire.ID]bool) error {
	env, err := p.buildControlEnvelope(kind, msg, nil, p.policy.DefaultTTL)
	if err != nil {
		return err
	}
	for _, peer := range p.link.ConnectedPeers() {
		if exclude[peer.ID] {
			continue
		}
		if err := p.sendEnvelopeTo(ctx, peer.ID, *env); err != nil {
			return err
		}
	}
	return nil
}

// Scheduler exposes the relay jitter scheduler so the caller's relay
// controller can arm a fanout and have a later duplicate arrival
// (handled internally by processEnvelope) cancel it through the same
// instance.
func (p *Pipeline) Scheduler() *relay.Scheduler { return p.scheduler }

// ConnectedPeers implements routing.Transport.
func (p *Pipeline) ConnectedPeers() []wire.ID {
	infos := p.link.ConnectedPeers()
	out := make([]wire.ID, len(infos))
	for i, info := range infos {
		out[i] = info.ID
	}
	return out
}

func (p *Pipeline) buildControlEnvelope(kind wire.Kind, msg interface{}, dest *wire.ID, ttl uint8) (*wire.Envelope, error) {
	body, err := wire.EncodeControl(kind, msg)
	if err != nil {
		return nil, err
	}
	seq, err := p.crypto.NextSequence()
	if err != nil {
		return nil, err
	}
	if ttl == 0 || ttl > wire.MaxTTL {
		ttl = p.policy.DefaultTTL
	}
	env := &wire.Envelope{
		ID:       wire.NewID(),
		Origin:   p.self,
		Dest:     dest,
		Sequence: seq,
		TTL:      ttl,
		HopPath:  []wire.ID{p.self},
		Flags:    wire.FlagControl,
		Payload:  body,
	}
	if err := p.crypto.SignEnvelope(env); err != nil {
		return nil, err
	}
	return env, nil
}

// SendDirect encrypts and signs payload for dest and hands it to a
// delivery.Tracker. If no route is known, the envelope is spooled in
// the offline queue instead and ErrNoRoute is returned.
func (p *Pipeline) SendDirect(ctx context.Context, dest wire.ID, payload []byte) (*delivery.Tracker, error) {
	ciphertext, nonce, counter, err := p.crypto.EncryptDirect(dest, payload)
	if err != nil {
		return nil, err
	}
	seq, err := p.crypto.NextSequence()
	if err != nil {
		return nil, err
	}
	env := &wire.Envelope{
		ID:       wire.NewID(),
		Origin:   p.self,
		Dest:     &dest,
		Sequence: seq,
		TTL:      p.policy.DefaultTTL,
		HopPath:  []wire.ID{p.self},
		Flags:    wire.FlagEncrypted,
		Payload:  encodeEncryptedBody(nonce, counter, ciphertext),
	}
	if err := p.crypto.SignEnvelope(env); err != nil {
		return nil, err
	}

	msgID := env.ID
	tr := delivery.NewTracker(env, p.policy.Retry, func(e *wire.Envelope) error {
		// Retries and spool-resumes outlive the original caller's
		// context, so sends run against the background context.
		nextHop, _, ok := p.routeLookup()(dest)
		if !ok {
			nextHop = dest
		}
		return p.sendEnvelopeTo(context.Background(), nextHop, *e)
	}, func(*wire.Envelope) {
		p.reportRouteOutcome(dest, true)
		p.reportStatus(msgID, delivery.StateDelivered)
	}, func(e *wire.Envelope) {
		p.reportRouteOutcome(dest, false)
		p.offline.Enqueue(dest, e)
		p.persistOffline()
		p.reportStatus(msgID, delivery.StateFailed)
	})
	p.trackersMu.Lock()
	p.trackers[env.ID] = tr
	p.trackersMu.Unlock()

	if _, _, ok := p.routeLookup()(dest); !ok {
		tr.Spool()
		p.offline.Enqueue(dest, env)
		p.persistOffline()
		p.reportStatus(msgID, delivery.StateSpooled)
		return tr, ErrNoRoute
	}
	if err := tr.Start(); err != nil {
		return tr, err
	}
	p.reportStatus(msgID, delivery.StateInFlight)
	return tr, nil
}

// SendBroadcast signs (but does not encrypt) payload and fans it out to
// every connected neighbor, for group-less broadcast messages.
func (p *Pipeline) SendBroadcast(ctx context.Context, payload []byte) error {
	seq, err := p.crypto.NextSequence()
	if err != nil {
		return err
	}
	env := wire.Envelope{
		ID:       wire.NewID(),
		Origin:   p.self,
		Sequence: seq,
		TTL:      p.policy.DefaultTTL,
		HopPath:  []wire.ID{p.self},
		Payload:  payload,
	}
	if err := p.crypto.SignEnvelope(&env); err != nil {
		return err
	}
	for _, peer := range p.link.ConnectedPeers() {
		if err := p.sendEnvelopeTo(ctx, peer.ID, env); err != nil {
			return err
		}
	}
	return nil
}

// SendGroup encrypts payload under groupID's shared key and floods it
// to every connected neighbor; members not directly connected receive
// it via relaying, same as a plaintext broadcast. The membership list
// itself is not consulted here, since it only matters when distributing the
// group key (see cryptoengine.Engine.WrapGroupKeyForPeer), since once a
// node has the key any envelope tagged with that group ID decrypts for it.
func (p *Pipeline) SendGroup(ctx context.Context, groupID wire.ID, payload []byte) error {
	counter, err := p.crypto.NextSequence()
	if err != nil {
		return err
	}
	ciphertext, nonce, err := p.crypto.EncryptGroup(groupID, payload, counter)
	if err != nil {
		return err
	}
	env := wire.Envelope{
		ID:           wire.NewID(),
		Origin:       p.self,
		Conversation: &groupID,
		Sequence:     counter,
		TTL:          p.policy.DefaultTTL,
		HopPath:      []wire.ID{p.self},
		Flags:        wire.FlagEncrypted | wire.FlagGroup,
		Payload:      encodeEncryptedBody(nonce, counter, ciphertext),
	}
	if err := p.crypto.SignEnvelope(&env); err != nil {
		return err
	}
	for _, peer := range p.link.ConnectedPeers() {
		if err := p.sendEnvelopeTo(ctx, peer.ID, env); err != nil {
			return err
		}
	}
	return nil
}

// AckDelivery resolves the tracker for messageID, if this node is
// tracking it (i.e. it was the original sender).
func (p *Pipeline) AckDelivery(messageID wire.ID) {
	p.trackersMu.Lock()
	tr, ok := p.trackers[messageID]
	if ok {
		delete(p.trackers, messageID)
	}
	p.trackersMu.Unlock()
	if ok {
		tr.Ack()
	}
}

// SpoolForRelay hands env to the offline queue for dest, used by the
// relay controller when a directed envelope it is forwarding (not one
// this node originated) currently has no known route.
func (p *Pipeline) SpoolForRelay(dest wire.ID, env *wire.Envelope) {
	p.offline.Enqueue(dest, env)
	p.persistOffline()
}

// HasSpooled reports whether any envelopes are waiting for dest.
func (p *Pipeline) HasSpooled(dest wire.ID) bool {
	return p.offline.Len(dest) > 0
}

// FlushOffline resends every envelope spooled for dest, called once
// routing reports a route to dest is available again. Envelopes this
// node originated resume their delivery tracker (SPOOLED ->
// IN_FLIGHT); relayed-then-spooled ones are simply re-sent.
func (p *Pipeline) FlushOffline(ctx context.Context, dest wire.ID) {
	flushed := p.offline.Flush(dest)
	if len(flushed) == 0 {
		return
	}
	peer := dest
	if !p.isConnected(dest) {
		if nextHop, _, ok := p.routeLookup()(dest); ok {
			peer = nextHop
		}
	}
	for _, env := range flushed {
		p.trackersMu.Lock()
		tr, tracked := p.trackers[env.ID]
		p.trackersMu.Unlock()
		if tracked {
			if err := tr.Resume(); err == nil {
				p.reportStatus(env.ID, delivery.StateInFlight)
			}
			continue
		}
		_ = p.sendEnvelopeTo(ctx, peer, *env)
	}
	p.persistOffline()
}

func (p *Pipeline) routeLookup() RouteLookup {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lookupRoute == nil {
		return func(wire.ID) (wire.ID, []wire.ID, bool) { return wire.ID{}, nil, false }
	}
	return p.lookupRoute
}

// sendEnvelopeTo encodes, chunks, and enqueues env for delivery to peer
// over the link layer's outbound worker.
func (p *Pipeline) sendEnvelopeTo(ctx context.Context, peer wire.ID, env wire.Envelope) error {
	encoded, err := wire.EncodeEnvelope(&env)
	if err != nil {
		return err
	}
	chunks, err := p.chunker.Split(env.ID, encoded, p.mtu())
	if err != nil {
		return err
	}
	algo := chunk.SelectAlgorithm(p.recentLoss(peer))
	chunks, err = chunk.ProtectChunks(algo, chunks)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		frame, err := wire.EncodeChunk(&c)
		if err != nil {
			return err
		}
		select {
		case p.outboundQueue <- outboundFrame{peer: peer, payload: frame}:
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stop:
			return errors.New("pipeline: closed")
		default:
			return errors.New("pipeline: outbound queue full")
		}
	}
	return nil
}

// outboundWorker drains the outbound queue into the link layer. One
// worker shared across peers is enough: a link send is a non-blocking
// hand-off to the transport, not an I/O wait.
func (p *Pipeline) outboundWorker() {
	for {
		select {
		case frame := <-p.outboundQueue:
			_ = p.link.Send(context.Background(), frame.peer, frame.payload)
		case <-p.stop:
			return
		}
	}
}

// handleFrame is the link layer's inbound callback: decode a chunk,
// assemble, and if the message is now complete, process the envelope.
func (p *Pipeline) handleFrame(frame linklayer.Frame) {
	c, err := wire.DecodeChunk(frame.Payload)
	if err != nil {
		return
	}
	full, ok := p.assembler.AddChunk(c)
	if !ok {
		return
	}
	env, err := wire.DecodeEnvelope(full)
	if err != nil {
		return
	}
	p.processEnvelope(env, frame.Peer, frame.Role)
}

func ingressRole(r linklayer.Role) relay.LinkRole {
	if r == linklayer.RolePeripheral {
		return relay.RolePeripheral
	}
	return relay.RoleCentral
}

func (p *Pipeline) processEnvelope(env *wire.Envelope, from wire.ID, role linklayer.Role) {
	fp := relay.MakeFingerprint(env.ID, env.Origin, env.Sequence)
	ingress := relay.IngressLink{Role: ingressRole(role), Peer: from}
	if !p.seen.CheckAndInsert(fp, ingress) {
		p.scheduler.CancelIfDense(fp, len(p.link.ConnectedPeers()))
		return
	}

	// Whenever the origin's signing key is known, the signature must
	// verify before anything else happens; failure is a security
	// reject, never a fall-through to the unverified variant. When the
	// key is unknown the classes diverge: control messages are accepted
	// (routing has to work between nodes that have never paired; the
	// per-peer ingress limiter and request dedup bound the abuse),
	// group envelopes fall back on the group key's own AEAD for
	// authenticity, pass-through relay traffic is not this node's to
	// judge, and locally-delivered data envelopes are accepted only
	// when the deployment has opted out of RequireSignature.
	p.mu.Lock()
	pub, haveKey := p.identities[env.Origin]
	p.mu.Unlock()
	if haveKey {
		if err := cryptoengine.VerifyEnvelope(env, pub); err != nil {
			return
		}
	} else {
		isData := !env.Flags.Has(wire.FlagControl) && !env.Flags.Has(wire.FlagGroup)
		deliversHere := env.Dest == nil || *env.Dest == p.self
		if isData && deliversHere && p.policy.RequireSignature {
			// Still a relay candidate: a broadcast we cannot verify may
			// verify fine at nodes that do hold the origin's key.
			if env.Dest == nil {
				p.relayOnly(env, ingress)
			}
			return
		}
	}

	if env.Flags.Has(wire.FlagControl) {
		// Control traffic carries no per-session AEAD counter of its own,
		// so the envelope sequence is its only replay protection.
		if !p.crypto.CheckReplay(env.Origin, env.Sequence) {
			return
		}
		kind, msg, err := wire.DecodeControl(env.Payload)
		if err != nil {
			return
		}
		p.mu.Lock()
		cb := p.onControl
		p.mu.Unlock()
		if cb != nil {
			cb(from, kind, msg)
		}
		if kind == wire.KindDeliveryAck {
			if ack, ok := msg.(*wire.DeliveryAck); ok {
				p.AckDelivery(ack.MessageID)
			}
		}
	} else if env.Flags.Has(wire.FlagGroup) {
		if env.Conversation == nil {
			return
		}
		// The group counter is allocated from the sender's device-wide
		// sequence, so DecryptGroup's per-origin replay check doubles as
		// the envelope-sequence check. A failed decrypt (this node is
		// not a member, or the body is mangled) skips local delivery but
		// still falls through to the relay: distant members depend on
		// non-members forwarding group traffic they cannot read.
		if nonce, counter, ciphertext, decErr := decodeEncryptedBody(env.Payload); decErr == nil {
			if plaintext, err := p.crypto.DecryptGroup(*env.Conversation, env.Origin, ciphertext, nonce, counter); err == nil {
				p.mu.Lock()
				cb := p.onMessage
				p.mu.Unlock()
				if cb != nil {
					cb(env.Origin, plaintext)
				}
			}
		}
	} else if env.Dest == nil || *env.Dest == p.self {
		if env.Dest != nil && !env.Flags.Has(wire.FlagEncrypted) && p.policy.RequireEncryption {
			return
		}
		var plaintext []byte
		var err error
		if env.Flags.Has(wire.FlagEncrypted) {
			// DecryptDirect enforces replay via the session's own
			// window: the ratchet counter is a per-session series, not
			// the device-wide envelope sequence, so checking the
			// envelope sequence here as well would collide the two
			// counter spaces in one per-origin window.
			nonce, counter, ciphertext, decErr := decodeEncryptedBody(env.Payload)
			if decErr != nil {
				return
			}
			plaintext, err = p.crypto.DecryptDirect(env.Origin, ciphertext, nonce, counter)
		} else {
			if !p.crypto.CheckReplay(env.Origin, env.Sequence) {
				return
			}
			plaintext, err = env.Payload, nil
		}
		if err != nil {
			return
		}
		if env.Dest != nil {
			// The ack retraces the delivery path, so its hop budget is
			// exactly the path length plus one rather than the default.
			ttl := uint8(len(env.HopPath)) + 1
			ack := &wire.DeliveryAck{MessageID: env.ID, ReceiverID: p.self, TTL: ttl}
			origin := env.Origin
			go func() { _ = p.sendControlTTL(context.Background(), origin, wire.KindDeliveryAck, ack, ttl) }()
		}
		p.mu.Lock()
		cb := p.onMessage
		p.mu.Unlock()
		if cb != nil {
			cb(env.Origin, plaintext)
		}
	}

	p.relayOnly(env, ingress)
}

// relayOnly hands env to the relay controller without any local
// delivery, the path both normally-processed envelopes and locally
// unverifiable broadcasts take on their way back out.
func (p *Pipeline) relayOnly(env *wire.Envelope, ingress relay.IngressLink) {
	p.mu.Lock()
	relayCb := p.onRelay
	p.mu.Unlock()
	if relayCb != nil {
		relayCb(env, ingress)
	}
}

// ForwardEnvelope re-sends env (already TTL-decremented and hop-appended
// by the caller) to peer, used by the relay controller to carry out a
// route-only or fanout decision.
func (p *Pipeline) ForwardEnvelope(ctx context.Context, peer wire.ID, env wire.Envelope) error {
	return p.sendEnvelopeTo(ctx, peer, env)
}

// Close stops the pipeline's background workers and the message
// assembler's GC loop.
func (p *Pipeline) Close() {
	close(p.stop)
	p.assembler.Close()
}
