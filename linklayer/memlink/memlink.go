// Package memlink is an in-process linklayer.LinkLayer for tests: a
// Hub plus per-node Bind values connected through buffered Go channels,
// forming an arbitrary mesh of nodes joined pairwise through
// Hub.Connect, with no real radio anywhere.
package memlink

import (
	"context"
	"sync"
	"time"

	"github.com/meshcore/meshcore/linklayer"
	"github.com/meshcore/meshcore/wire"
)

const defaultMTU = 512

// Hub is the shared medium a test mesh's Binds are wired through. Create
// one with NewHub: Join writes into the bind map NewHub allocates, so a
// zero Hub is not ready to use.
type Hub struct {
	mu    sync.Mutex
	binds map[wire.ID]*Bind
}

// NewHub creates an empty hub.
func NewHub() *Hub { return &Hub{binds: make(map[wire.ID]*Bind)} }

// Join creates a Bind for localID attached to h. The Bind starts with
// no connected peers; call Hub.Connect to wire up direct neighbors.
func (h *Hub) Join(localID wire.ID) *Bind {
	b := &Bind{
		hub:     h,
		localID: localID,
		inbox:   make(chan linklayer.Frame, 256),
		peers:   make(map[wire.ID]*linklayer.PeerInfo),
		stop:    make(chan struct{}),
	}
	h.mu.Lock()
	h.binds[localID] = b
	h.mu.Unlock()
	go b.dispatchLoop()
	return b
}

// Connect makes a and b direct neighbors of one another, invoking each
// side's OnPeerConnected callback if registered.
func (h *Hub) Connect(a, b wire.ID) {
	h.mu.Lock()
	ba, okA := h.binds[a]
	bb, okB := h.binds[b]
	h.mu.Unlock()
	if !okA || !okB {
		return
	}
	// The Connect caller's first argument plays the central (initiator)
	// role, the second the peripheral, mirroring a BLE scanner
	// connecting to an advertiser.
	now := time.Now()
	ba.addPeer(linklayer.PeerInfo{ID: b, Role: linklayer.RoleCentral, ConnectedAt: now, MTU: defaultMTU})
	bb.addPeer(linklayer.PeerInfo{ID: a, Role: linklayer.RolePeripheral, ConnectedAt: now, MTU: defaultMTU})
}

// Disconnect tears down a direct connection between a and b, invoking
// each side's OnPeerDisconnected callback if registered.
func (h *Hub) Disconnect(a, b wire.ID) {
	h.mu.Lock()
	ba, okA := h.binds[a]
	bb, okB := h.binds[b]
	h.mu.Unlock()
	if okA {
		ba.removePeer(b)
	}
	if okB {
		bb.removePeer(a)
	}
}

// Bind is one node's linklayer.LinkLayer backed by a Hub.
type Bind struct {
	hub     *Hub
	localID wire.ID

	inbox chan linklayer.Frame

	mu           sync.Mutex
	peers        map[wire.ID]*linklayer.PeerInfo
	onFrame      func(linklayer.Frame)
	onConnect    func(linklayer.PeerInfo)
	onDisconnect func(wire.ID)

	closeOnce sync.Once
	stop      chan struct{}
}

var _ linklayer.LinkLayer = (*Bind)(nil)

func (b *Bind) LocalID() wire.ID { return b.localID }

func (b *Bind) Send(ctx context.Context, peer wire.ID, payload []byte) error {
	b.hub.mu.Lock()
	target, ok := b.hub.binds[peer]
	b.hub.mu.Unlock()
	if !ok {
		return linklayer.ErrPeerNotConnected
	}
	b.mu.Lock()
	_, connected := b.peers[peer]
	b.mu.Unlock()
	if !connected {
		return linklayer.ErrPeerNotConnected
	}

	target.mu.Lock()
	role := linklayer.RoleCentral
	if info, ok := target.peers[b.localID]; ok {
		role = info.Role
	}
	target.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	frame := linklayer.Frame{Peer: b.localID, Role: role, Payload: cp}

	select {
	case target.inbox <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-target.stop:
		return linklayer.ErrPeerNotConnected
	}
}

func (b *Bind) Broadcast(ctx context.Context, payload []byte) error {
	b.mu.Lock()
	peers := make([]wire.ID, 0, len(b.peers))
	for id := range b.peers {
		peers = append(peers, id)
	}
	b.mu.Unlock()
	for _, id := range peers {
		if err := b.Send(ctx, id, payload); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bind) ConnectedPeers() []linklayer.PeerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]linklayer.PeerInfo, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, *p)
	}
	return out
}

func (b *Bind) OnFrameReceived(fn func(linklayer.Frame)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onFrame = fn
}

func (b *Bind) OnPeerConnected(fn func(linklayer.PeerInfo)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onConnect = fn
}

func (b *Bind) OnPeerDisconnected(fn func(wire.ID)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onDisconnect = fn
}

func (b *Bind) Close() error {
	b.closeOnce.Do(func() {
		close(b.stop)
	})
	return nil
}

func (b *Bind) addPeer(info linklayer.PeerInfo) {
	b.mu.Lock()
	b.peers[info.ID] = &info
	cb := b.onConnect
	b.mu.Unlock()
	if cb != nil {
		cb(info)
	}
}

func (b *Bind) removePeer(id wire.ID) {
	b.mu.Lock()
	_, existed := b.peers[id]
	delete(b.peers, id)
	cb := b.onDisconnect
	b.mu.Unlock()
	if existed && cb != nil {
		cb(id)
	}
}

func (b *Bind) dispatchLoop() {
	for {
		select {
		case frame := <-b.inbox:
			b.mu.Lock()
			cb := b.onFrame
			b.mu.Unlock()
			if cb != nil {
				cb(frame)
			}
		case <-b.stop:
			return
		}
	}
}
