// Package linklayer defines the boundary between the mesh core and the
// underlying BLE transport. The core depends only on this interface,
// never on a concrete radio stack, so it can be driven by a real BLE
// GATT bearer in production and by an in-process channel bearer
// (linklayer/memlink) in tests.
package linklayer

import (
	"context"
	"errors"
	"time"

	"github.com/meshcore/meshcore/wire"
)

// ErrPeerNotConnected is returned by Send when the named peer is not
// among the link layer's currently connected direct neighbors.
var ErrPeerNotConnected = errors.New("linklayer: peer not connected")

// Role is which side of a link this device took when the connection
// was established. A BLE link always has one central (the scanner that
// initiated) and one peripheral (the advertiser).
type Role uint8

const (
	RoleCentral Role = iota
	RolePeripheral
)

// PeerInfo describes one directly connected neighbor.
type PeerInfo struct {
	ID          wire.ID
	Role        Role // the local device's role on this link
	ConnectedAt time.Time
	MTU         int
	RecentLoss  float64 // observed frame loss rate over the recent window, used to pick a FEC algorithm
}

// Frame is the unit the link layer moves: either a chunk or a control
// message, already wire-encoded, destined for one specific directly
// connected peer.
type Frame struct {
	Peer    wire.ID
	Role    Role // the receiving device's role on the link the frame arrived over
	Payload []byte
}

// LinkLayer is the transport boundary a mesh Node is built on. A single
// LinkLayer instance corresponds to one local device's set of direct BLE
// connections.
type LinkLayer interface {
	// LocalID is this device's node identifier.
	LocalID() wire.ID

	// Send delivers payload to one directly connected peer. It returns an
	// error if peer is not currently connected.
	Send(ctx context.Context, peer wire.ID, payload []byte) error

	// Broadcast delivers payload to every currently connected peer.
	Broadcast(ctx context.Context, payload []byte) error

	// ConnectedPeers lists currently connected direct neighbors.
	ConnectedPeers() []PeerInfo

	// OnFrameReceived registers the callback invoked for every inbound
	// frame from a direct peer. Only one callback may be registered;
	// calling this again replaces it. Must be called before the link
	// layer is started.
	OnFrameReceived(func(Frame))

	// OnPeerConnected registers the callback invoked when a new direct
	// neighbor appears.
	OnPeerConnected(func(PeerInfo))

	// OnPeerDisconnected registers the callback invoked when a direct
	// neighbor drops.
	OnPeerDisconnected(func(wire.ID))

	// Close releases any underlying transport resources.
	Close() error
}

// SecureStore persists the state that must survive a process restart:
// long-term identity key material, sequence counters, replay
// high-water marks, the routing table snapshot, and the offline message
// queue. How and where the host platform stores it (keychain, file,
// flash) is the collaborator's business, not the core's.
type SecureStore interface {
	// LoadIdentity returns previously persisted identity key material,
	// or ok=false if this device has never stored an identity.
	LoadIdentity() (agreementPriv, signingPriv []byte, ok bool, err error)
	SaveIdentity(agreementPriv, signingPriv []byte) error

	// SequenceCounter returns the next sequence number to use for
	// outbound envelopes from this device, persisted so a restart never
	// reuses a sequence value.
	LoadSequenceCounter() (uint64, error)
	SaveSequenceCounter(next uint64) error

	// ReplayHighWaterMark persists the highest accepted sequence number
	// seen from a given origin, so a restart does not re-open a closed
	// replay window.
	LoadReplayHighWaterMark(origin wire.ID) (uint64, bool, error)
	SaveReplayHighWaterMark(origin wire.ID, mark uint64) error

	// RoutingSnapshot persists/restores the routing table across
	// restarts so known routes are not rediscovered from scratch.
	LoadRoutingSnapshot() ([]byte, bool, error)
	SaveRoutingSnapshot(snapshot []byte) error

	// OfflineQueue persists undelivered outbound messages so they
	// survive a restart and can be retried once a route reappears.
	LoadOfflineQueue() ([]byte, bool, error)
	SaveOfflineQueue(snapshot []byte) error
}
