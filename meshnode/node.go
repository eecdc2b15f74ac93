// Package meshnode is the mesh core's composition root: it wires one
// device's link layer, secure store, crypto engine, routing engine,
// relay controller, and delivery tracker into a single Node and
// exposes the application-facing API.
package meshnode

import (
	"context"
	"crypto/ecdh"
	"crypto/ecdsa"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/meshcore/meshcore/cryptoengine"
	"github.com/meshcore/meshcore/delivery"
	"github.com/meshcore/meshcore/linklayer"
	"github.com/meshcore/meshcore/meshnode/config"
	"github.com/meshcore/meshcore/pipeline"
	"github.com/meshcore/meshcore/relay"
	"github.com/meshcore/meshcore/routing"
	"github.com/meshcore/meshcore/wire"
)

// DeliveryStatus is the application-facing delivery state for a
// message this node originated, per the error-handling design's
// pending/sent/delivered/read/failed taxonomy. Transitions are
// monotone except that failed is terminal.
type DeliveryStatus int

const (
	StatusPending DeliveryStatus = iota
	StatusSent
	StatusDelivered
	StatusRead
	StatusFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// DeviceInfo describes one device this node currently knows about,
// either through a direct link or a relayed PeerAnnounce.
type DeviceInfo struct {
	ID          wire.ID
	DisplayName string
	HopCount    uint8
	Direct      bool
}

// Node is one device's mesh core instance, built explicitly from an
// injected LinkLayer, SecureStore, and Config rather than any
// package-level state, so two Nodes can coexist in one process (which
// the in-memory link layer's tests rely on).
type Node struct {
	self        wire.ID
	displayName string
	cfg         *config.Config
	log         config.Logger

	link          linklayer.LinkLayer
	store         linklayer.SecureStore
	crypto        *cryptoengine.Engine
	routingEngine *routing.Engine
	pipe          *pipeline.Pipeline
	limiter       *relay.IngressLimiter

	mu        sync.Mutex
	onMessage func(payload []byte, source wire.ID)
	onStatus  func(msgID wire.ID, status DeliveryStatus)

	devicesMu sync.Mutex
	devices   map[wire.ID]*DeviceInfo

	stop chan struct{}
}

// New constructs a Node for link's local device, persisting (or
// restoring) its identity via store and applying cfg's policy knobs.
// A nil cfg or log falls back to config.Default()/config.NewLogger.
func New(link linklayer.LinkLayer, store linklayer.SecureStore, cfg *config.Config, log config.Logger) (*Node, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = config.NewLogger(config.LogLevelInfo, "")
	}

	self := link.LocalID()
	identity, err := loadOrCreateIdentity(self, store)
	if err != nil {
		return nil, err
	}

	crypto, err := cryptoengine.NewEngine(identity, store)
	if err != nil {
		return nil, err
	}

	pipe := pipeline.New(self, link, crypto, store, policyFromConfig(cfg))

	n := &Node{
		self:          self,
		displayName:   cfg.DisplayName,
		cfg:           cfg,
		log:           log,
		link:          link,
		store:         store,
		crypto:        crypto,
		pipe:          pipe,
		limiter:       relay.NewIngressLimiter(rate.Limit(cfg.IngressRatePerSecond), cfg.IngressBurst),
		devices:       make(map[wire.ID]*DeviceInfo),
		stop:          make(chan struct{}),
	}
	n.routingEngine = routing.NewEngine(self, pipe)
	if snapshot, ok, err := store.LoadRoutingSnapshot(); err == nil && ok {
		_ = n.routingEngine.Table().Restore(snapshot)
	}

	pipe.SetRouteLookup(func(dest wire.ID) (wire.ID, []wire.ID, bool) {
		r, ok := n.lookupValidRoute(dest)
		if !ok {
			return wire.ID{}, nil, false
		}
		return r.NextHop, r.HopPath, true
	})
	pipe.OnControl(n.handleControl)
	pipe.OnRelay(n.handleRelay)
	pipe.OnDeliveryStatus(n.handleDeliveryStatus)
	pipe.OnRouteOutcome(func(dest wire.ID, delivered bool) {
		table := n.routingEngine.Table()
		if delivered {
			table.RecordSuccess(dest)
			table.MarkUsed(dest)
		} else {
			table.RecordFailure(dest)
		}
	})
	link.OnPeerConnected(n.handlePeerConnected)
	link.OnPeerDisconnected(n.handlePeerDisconnected)

	go n.routingEngine.SweepLoop(n.stop)
	go n.announceLoop()

	return n, nil
}

// announceInterval paces the periodic re-announce that lets nodes which
// joined after our connect-time announce learn about us (and our keys).
const announceInterval = 30 * time.Second

func (n *Node) announceLoop() {
	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx := context.Background()
			signingPub, agreementPub := n.crypto.PublicSigningKey(), n.crypto.PublicAgreementKey()
			if err := n.routingEngine.AnnouncePeer(ctx, n.displayName, signingPub, agreementPub); err != nil {
				n.log.Debugf("periodic announce: %v", err)
			}
		case <-n.stop:
			return
		}
	}
}

// policyFromConfig translates the deployment config into the
// pipeline's runtime policy.
func policyFromConfig(cfg *config.Config) pipeline.Policy {
	return pipeline.Policy{
		MTU:                  cfg.MTU,
		DefaultTTL:           cfg.DefaultTTL,
		RequireSignature:     cfg.RequireSignature,
		RequireEncryption:    cfg.RequireEncryption,
		OfflineQueueCapacity: cfg.OfflineQueueCapacity,
		Retry: delivery.RetryPolicy{
			MaxRetries:  cfg.MaxRetries,
			BaseBackoff: cfg.BaseBackoff,
			MaxBackoff:  cfg.MaxBackoff,
		},
	}
}

func loadOrCreateIdentity(self wire.ID, store linklayer.SecureStore) (*cryptoengine.Identity, error) {
	agreementPriv, signingPriv, ok, err := store.LoadIdentity()
	if err != nil {
		return nil, err
	}
	if ok {
		return cryptoengine.IdentityFromKeys(self, agreementPriv, signingPriv)
	}
	identity, err := cryptoengine.NewIdentity(self)
	if err != nil {
		return nil, err
	}
	if err := store.SaveIdentity(identity.AgreementPrivateBytes(), identity.SigningPrivateBytes()); err != nil {
		return nil, err
	}
	return identity, nil
}

func (n *Node) lookupValidRoute(dest wire.ID) (*routing.RouteEntry, bool) {
	r, ok := n.routingEngine.Table().Lookup(dest)
	if !ok || !r.IsValid(time.Now()) {
		return nil, false
	}
	return r, true
}

// PublicKeys returns this node's own long-term agreement and signing
// public keys, in the wire-transmissible form ParseAgreementPublicKey
// and ParseSigningPublicKey expect. A caller distributes these to
// peers out of band (QR, NFC) so each side can call Pair.
func (n *Node) PublicKeys() (agreementPub, signingPub []byte) {
	return n.crypto.PublicAgreementKey(), n.crypto.PublicSigningKey()
}

// Pair records peerID's long-term public keys: establishes the
// pairwise crypto session and registers the signing key for envelope
// verification. Key exchange itself (how a device first learns a
// peer's long-term keys, e.g. via local QR/NFC bootstrap) is out of
// this core's scope; this is where the result lands.
func (n *Node) Pair(peerID wire.ID, signingPub *ecdsa.PublicKey, agreementPub *ecdh.PublicKey) error {
	if _, err := n.crypto.EstablishSession(peerID, signingPub, agreementPub); err != nil {
		return err
	}
	n.pipe.RegisterPeerIdentity(peerID, signingPub)
	return nil
}

// SendDirect encrypts and sends payload to dest, returning the
// message ID the caller can correlate against OnDeliveryStatusChanged.
// If no route to dest is currently known, it awaits route discovery
// (bounded by ctx) before handing the message to the pipeline, per the
// suspension-point the routing engine's RREQ/RREP round trip
// introduces.
func (n *Node) SendDirect(ctx context.Context, dest wire.ID, payload []byte) (wire.ID, error) {
	if _, ok := n.lookupValidRoute(dest); !ok {
		if _, err := n.routingEngine.DiscoverRoute(ctx, dest); err != nil {
			n.log.Debugf("discover route to %v: %v", dest, err)
		}
	}
	tr, err := n.pipe.SendDirect(ctx, dest, payload)
	if tr == nil {
		return wire.ID{}, err
	}
	return tr.MessageID(), err
}

// SendBroadcast signs and floods payload, unencrypted, to every
// connected neighbor.
func (n *Node) SendBroadcast(ctx context.Context, payload []byte) error {
	return n.pipe.SendBroadcast(ctx, payload)
}

// SendGroup encrypts payload under groupID's shared key (established
// beforehand via NewGroup, which distributes it to each member) and
// floods it.
func (n *Node) SendGroup(ctx context.Context, groupID wire.ID, members []wire.ID, payload []byte) error {
	return n.pipe.SendGroup(ctx, groupID, payload)
}

// NewGroup generates a fresh group key, records it locally under
// groupID, and wraps+distributes it to every listed member over their
// established pairwise sessions.
func (n *Node) NewGroup(ctx context.Context, groupID wire.ID, members []wire.ID) error {
	gk, err := cryptoengine.NewGroupKey(groupID)
	if err != nil {
		return err
	}
	n.crypto.AddGroup(gk)
	for _, member := range members {
		msg, err := n.crypto.WrapGroupKeyForPeer(groupID, member)
		if err != nil {
			n.log.Errorf("wrap group key for %v: %v", member, err)
			continue
		}
		if err := n.pipe.SendControl(ctx, member, wire.KindGroupKeyDistribute, &msg); err != nil {
			n.log.Errorf("distribute group key to %v: %v", member, err)
		}
	}
	return nil
}

// OnMessage registers the callback invoked for every application
// message (direct or group) newly delivered to this node. Broadcasts
// surface here too, indistinguishable from directed traffic at this
// layer since the application rarely needs to tell them apart.
func (n *Node) OnMessage(fn func(payload []byte, source wire.ID)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onMessage = fn
	n.pipe.OnMessage(func(origin wire.ID, payload []byte) {
		n.mu.Lock()
		cb := n.onMessage
		n.mu.Unlock()
		if cb != nil {
			cb(payload, origin)
		}
	})
}

// OnDeliveryStatusChanged registers the callback invoked whenever a
// message this node sent changes DeliveryStatus.
func (n *Node) OnDeliveryStatusChanged(fn func(msgID wire.ID, status DeliveryStatus)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onStatus = fn
}

// KnownDevices lists every device this node currently knows about,
// directly connected or reachable through a discovered route.
func (n *Node) KnownDevices() []DeviceInfo {
	n.devicesMu.Lock()
	defer n.devicesMu.Unlock()
	out := make([]DeviceInfo, 0, len(n.devices))
	for _, d := range n.devices {
		out = append(out, *d)
	}
	return out
}

// MarkRead sends a read receipt for messageID back to its origin, the
// transition behind the application-visible "read" delivery status.
func (n *Node) MarkRead(ctx context.Context, origin, messageID wire.ID) error {
	rr := &wire.ReadReceipt{MessageID: messageID, ReceiverID: n.self, TTL: n.cfg.DefaultTTL}
	return n.pipe.SendControl(ctx, origin, wire.KindReadReceipt, rr)
}

// Close stops the node's background loops, snapshots the routing table
// for the next warm start, and releases its link layer.
func (n *Node) Close() error {
	close(n.stop)
	_ = n.store.SaveRoutingSnapshot(n.routingEngine.Table().Snapshot())
	n.pipe.Close()
	n.crypto.Close()
	return n.link.Close()
}

func (n *Node) reportStatus(msgID wire.ID, status DeliveryStatus) {
	n.mu.Lock()
	cb := n.onStatus
	n.mu.Unlock()
	if cb != nil {
		cb(msgID, status)
	}
}

func (n *Node) handleDeliveryStatus(msgID wire.ID, state delivery.State) {
	switch state {
	case delivery.StateInFlight:
		n.reportStatus(msgID, StatusSent)
	case delivery.StateDelivered:
		n.reportStatus(msgID, StatusDelivered)
	case delivery.StateFailed:
		n.reportStatus(msgID, StatusFailed)
	case delivery.StateSpooled:
		n.reportStatus(msgID, StatusPending)
	}
}

func (n *Node) handleControl(from wire.ID, kind wire.Kind, msg interface{}) {
	ctx := context.Background()
	switch kind {
	case wire.KindRouteRequest:
		if !n.limiter.Allow(from) {
			return
		}
		req := msg.(*wire.RouteRequest)
		if err := n.routingEngine.HandleRouteRequest(ctx, from, *req); err != nil {
			n.log.Debugf("route request from %v: %v", from, err)
		}
	case wire.KindRouteReply:
		rep := msg.(*wire.RouteReply)
		if err := n.routingEngine.HandleRouteReply(ctx, from, *rep); err != nil {
			n.log.Debugf("route reply from %v: %v", from, err)
		}
	case wire.KindRouteError:
		rerr := msg.(*wire.RouteError)
		if err := n.routingEngine.HandleRouteError(ctx, from, *rerr); err != nil {
			n.log.Debugf("route error from %v: %v", from, err)
		}
	case wire.KindPeerAnnounce:
		pa := msg.(*wire.PeerAnnounce)
		n.recordDevice(pa.Self, pa.DisplayName, pa.HopCount+1, false)
		n.learnAnnouncedKeys(pa)
		if err := n.routingEngine.HandlePeerAnnounce(ctx, from, *pa); err != nil {
			n.log.Debugf("peer announce from %v: %v", from, err)
		}
		// The announce may have just made a spooled destination
		// reachable (a new bridge node appearing between us and it).
		if n.pipe.HasSpooled(pa.Self) {
			if _, ok := n.lookupValidRoute(pa.Self); ok {
				n.pipe.FlushOffline(ctx, pa.Self)
			}
		}
	case wire.KindGroupKeyDistribute:
		gkd := msg.(*wire.GroupKeyDistribute)
		if _, err := n.crypto.UnwrapGroupKeyFromPeer(from, *gkd); err != nil {
			n.log.Errorf("group key from %v: %v", from, err)
		}
	case wire.KindReadReceipt:
		rr := msg.(*wire.ReadReceipt)
		n.reportStatus(rr.MessageID, StatusRead)
	}
}

// handleRelay implements the relay decision tree's wiring: ask relay.Decide
// what to do with an ingress envelope not addressed to this node, then
// carry out route-only forwarding, offline spooling, or a jittered,
// duplicate-cancelable K-of-N fanout.
func (n *Node) handleRelay(env *wire.Envelope, ingress relay.IngressLink) {
	n.installReversePath(env, ingress)
	if env.Dest != nil && *env.Dest == n.self {
		return
	}
	if !n.limiter.Allow(ingress.Peer) {
		return
	}

	lookup := func(dest wire.ID) (wire.ID, bool) {
		r, ok := n.lookupValidRoute(dest)
		if !ok {
			return wire.ID{}, false
		}
		return r.NextHop, true
	}
	decision := relay.Decide(env, n.self, lookup, isRoutingControl(env), false)

	ctx := context.Background()
	switch decision {
	case relay.DecisionDrop:
		return
	case relay.DecisionRouteOnly:
		nextHop, ok := lookup(*env.Dest)
		if !ok {
			n.pipe.SpoolForRelay(*env.Dest, env)
			return
		}
		fwd := env.WithForwardingHop(n.self)
		if err := n.pipe.ForwardEnvelope(ctx, nextHop, fwd); err != nil {
			n.log.Debugf("relay to %v: %v", nextHop, err)
			return
		}
		n.routingEngine.Table().MarkUsed(*env.Dest)
	case relay.DecisionSpool:
		n.pipe.SpoolForRelay(*env.Dest, env)
	case relay.DecisionFanout:
		n.scheduleFanout(env, ingress)
	}
}

func (n *Node) scheduleFanout(env *wire.Envelope, ingress relay.IngressLink) {
	fp := relay.MakeFingerprint(env.ID, env.Origin, env.Sequence)
	peers := n.pipe.ConnectedPeers()
	degree := len(peers)

	candidates := make([]wire.ID, 0, len(peers))
	for _, p := range peers {
		if p == ingress.Peer {
			continue
		}
		if containsID(env.HopPath, p) {
			continue
		}
		candidates = append(candidates, p)
	}

	n.pipe.Scheduler().Schedule(fp, degree, func() {
		fwd := env.WithForwardingHop(n.self)
		ctx := context.Background()
		for _, peer := range relay.SelectFanout(candidates, fp) {
			if err := n.pipe.ForwardEnvelope(ctx, peer, fwd); err != nil {
				n.log.Debugf("fanout to %v: %v", peer, err)
			}
		}
	})
}

// installReversePath learns a route back to an envelope's origin from
// the path the envelope itself traversed, the same reverse-route trick
// route requests use. This is what lets a delivery ack retrace a
// multi-hop path without a discovery round trip of its own.
func (n *Node) installReversePath(env *wire.Envelope, ingress relay.IngressLink) {
	if env.Origin == n.self || len(env.HopPath) == 0 {
		return
	}
	hopPath := make([]wire.ID, 0, len(env.HopPath)+1)
	hopPath = append(hopPath, n.self)
	for i := len(env.HopPath) - 1; i >= 0; i-- {
		hopPath = append(hopPath, env.HopPath[i])
	}
	now := time.Now()
	n.routingEngine.Table().Install(routing.RouteEntry{
		Dest:      env.Origin,
		NextHop:   ingress.Peer,
		HopCount:  uint8(len(env.HopPath)) - 1,
		HopPath:   hopPath,
		ExpiresAt: now.Add(routing.DefaultRouteTTL),
		LastUsed:  now,
	})
}

// isRoutingControl reports whether env carries one of the routing
// control kinds the routing engine re-originates hop by hop
// (RREQ/RREP/RERR/announce). Those are excluded from the generic relay
// path, which would double-forward them; directed control like
// delivery acks, read receipts and wrapped group keys has no per-hop
// handler and does ride the relay.
func isRoutingControl(env *wire.Envelope) bool {
	if !env.Flags.Has(wire.FlagControl) {
		return false
	}
	kind, ok := wire.PeekControlKind(env.Payload)
	if !ok {
		return true
	}
	switch kind {
	case wire.KindRouteRequest, wire.KindRouteReply, wire.KindRouteError, wire.KindPeerAnnounce:
		return true
	}
	return false
}

// learnAnnouncedKeys records a remote node's announce-carried public
// keys if this node has none for it yet: trust-on-first-use, so
// envelopes from beyond pairing range can still be verified and
// sessions established. Keys learned from an out-of-band Pair call are
// never displaced by an announce.
func (n *Node) learnAnnouncedKeys(pa *wire.PeerAnnounce) {
	if pa.Self == n.self || len(pa.SigningPub) == 0 || len(pa.AgreementPub) == 0 {
		return
	}
	if n.pipe.HasPeerIdentity(pa.Self) {
		return
	}
	signingPub, err := cryptoengine.ParseSigningPublicKey(pa.SigningPub)
	if err != nil {
		n.log.Debugf("announce from %v carries a bad signing key: %v", pa.Self, err)
		return
	}
	agreementPub, err := cryptoengine.ParseAgreementPublicKey(pa.AgreementPub)
	if err != nil {
		n.log.Debugf("announce from %v carries a bad agreement key: %v", pa.Self, err)
		return
	}
	if err := n.Pair(pa.Self, signingPub, agreementPub); err != nil {
		n.log.Debugf("establish session with announced peer %v: %v", pa.Self, err)
	}
}

// containsID reports whether id appears anywhere in ids, used to keep
// scheduleFanout from re-sending to a peer that has already relayed or
// seen an envelope.
func containsID(ids []wire.ID, id wire.ID) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}

func (n *Node) handlePeerConnected(info linklayer.PeerInfo) {
	n.recordDevice(info.ID, "", 0, true)
	ctx := context.Background()
	signingPub, agreementPub := n.crypto.PublicSigningKey(), n.crypto.PublicAgreementKey()
	if err := n.routingEngine.AnnouncePeer(ctx, n.displayName, signingPub, agreementPub); err != nil {
		n.log.Debugf("announce on connect: %v", err)
	}
	n.pipe.FlushOffline(ctx, info.ID)
}

func (n *Node) handlePeerDisconnected(id wire.ID) {
	ctx := context.Background()
	if err := n.routingEngine.HandlePeerDisconnect(ctx, id); err != nil {
		n.log.Debugf("peer disconnect %v: %v", id, err)
	}
	n.devicesMu.Lock()
	delete(n.devices, id)
	n.devicesMu.Unlock()
}

func (n *Node) recordDevice(id wire.ID, name string, hopCount uint8, direct bool) {
	if id == n.self {
		return
	}
	n.devicesMu.Lock()
	defer n.devicesMu.Unlock()
	existing, ok := n.devices[id]
	if !ok {
		n.devices[id] = &DeviceInfo{ID: id, DisplayName: name, HopCount: hopCount, Direct: direct}
		return
	}
	if name != "" {
		existing.DisplayName = name
	}
	if direct {
		existing.Direct = true
		existing.HopCount = 0
	} else if !existing.Direct && hopCount < existing.HopCount {
		existing.HopCount = hopCount
	}
}
