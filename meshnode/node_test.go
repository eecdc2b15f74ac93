package meshnode_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshcore/meshcore/cryptoengine"
	"github.com/meshcore/meshcore/linklayer"
	"github.com/meshcore/meshcore/linklayer/memlink"
	"github.com/meshcore/meshcore/meshnode"
	"github.com/meshcore/meshcore/meshnode/config"
	"github.com/meshcore/meshcore/pipeline"
	"github.com/meshcore/meshcore/wire"
)

// memStore is a non-persistent linklayer.SecureStore for tests.
type memStore struct {
	mu     sync.Mutex
	seq    uint64
	replay map[wire.ID]uint64
}

func newMemStore() *memStore { return &memStore{replay: make(map[wire.ID]uint64)} }

func (m *memStore) LoadIdentity() ([]byte, []byte, bool, error) { return nil, nil, false, nil }
func (m *memStore) SaveIdentity(agreementPriv, signingPriv []byte) error { return nil }

func (m *memStore) LoadSequenceCounter() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seq, nil
}

func (m *memStore) SaveSequenceCounter(next uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq = next
	return nil
}

func (m *memStore) LoadReplayHighWaterMark(origin wire.ID) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mark, ok := m.replay[origin]
	return mark, ok, nil
}

func (m *memStore) SaveReplayHighWaterMark(origin wire.ID, mark uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replay[origin] = mark
	return nil
}

func (m *memStore) LoadRoutingSnapshot() ([]byte, bool, error) { return nil, false, nil }
func (m *memStore) SaveRoutingSnapshot(snapshot []byte) error  { return nil }
func (m *memStore) LoadOfflineQueue() ([]byte, bool, error)    { return nil, false, nil }
func (m *memStore) SaveOfflineQueue(snapshot []byte) error     { return nil }

var _ linklayer.SecureStore = (*memStore)(nil)

func newTestNode(t *testing.T, hub *memlink.Hub, name string) (*meshnode.Node, wire.ID) {
	t.Helper()
	id := wire.NewID()
	bind := hub.Join(id)
	cfg := config.Default()
	cfg.DisplayName = name
	n, err := meshnode.New(bind, newMemStore(), cfg, config.NewLogger(config.LogLevelSilent, ""))
	if err != nil {
		t.Fatalf("meshnode.New(%s): %v", name, err)
	}
	t.Cleanup(func() { n.Close() })
	return n, id
}

func pairTestNodes(t *testing.T, a *meshnode.Node, aID wire.ID, b *meshnode.Node, bID wire.ID) {
	t.Helper()
	aAgreement, aSigning := a.PublicKeys()
	bAgreement, bSigning := b.PublicKeys()

	aAgreementPub, err := cryptoengine.ParseAgreementPublicKey(aAgreement)
	if err != nil {
		t.Fatalf("parse a agreement pub: %v", err)
	}
	aSigningPub, err := cryptoengine.ParseSigningPublicKey(aSigning)
	if err != nil {
		t.Fatalf("parse a signing pub: %v", err)
	}
	bAgreementPub, err := cryptoengine.ParseAgreementPublicKey(bAgreement)
	if err != nil {
		t.Fatalf("parse b agreement pub: %v", err)
	}
	bSigningPub, err := cryptoengine.ParseSigningPublicKey(bSigning)
	if err != nil {
		t.Fatalf("parse b signing pub: %v", err)
	}

	if err := a.Pair(bID, bSigningPub, bAgreementPub); err != nil {
		t.Fatalf("a.Pair(b): %v", err)
	}
	if err := b.Pair(aID, aSigningPub, aAgreementPub); err != nil {
		t.Fatalf("b.Pair(a): %v", err)
	}
}

// TestDirectDelivery: two directly linked nodes, A sends B a direct
// message, B's application receives it exactly once, and A observes a
// delivered status within a second.
func TestDirectDelivery(t *testing.T) {
	hub := memlink.NewHub()
	a, aID := newTestNode(t, hub, "alice")
	b, bID := newTestNode(t, hub, "bob")
	hub.Connect(aID, bID)
	pairTestNodes(t, a, aID, b, bID)

	var mu sync.Mutex
	var gotCount int
	var gotPayload []byte
	received := make(chan struct{}, 1)
	b.OnMessage(func(payload []byte, source wire.ID) {
		mu.Lock()
		gotCount++
		gotPayload = payload
		mu.Unlock()
		select {
		case received <- struct{}{}:
		default:
		}
	})

	statuses := make(chan meshnode.DeliveryStatus, 8)
	a.OnDeliveryStatusChanged(func(msgID wire.ID, status meshnode.DeliveryStatus) {
		statuses <- status
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := a.SendDirect(ctx, bID, []byte("hi")); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}

	select {
	case <-received:
	case <-time.After(1 * time.Second):
		t.Fatal("b never received the message")
	}

	mu.Lock()
	if gotCount != 1 {
		t.Fatalf("expected exactly one delivery, got %d", gotCount)
	}
	if string(gotPayload) != "hi" {
		t.Fatalf("unexpected payload %q", gotPayload)
	}
	mu.Unlock()

	deadline := time.After(1 * time.Second)
	for {
		select {
		case s := <-statuses:
			if s == meshnode.StatusDelivered {
				return
			}
		case <-deadline:
			t.Fatal("a never observed a delivered status within 1s")
		}
	}
}

// TestTwoHopRelayWithIntermediateOpacity: A-B-C with A not linked to
// C. A sends C an encrypted message; C delivers it, B's application
// never sees the plaintext.
func TestTwoHopRelayWithIntermediateOpacity(t *testing.T) {
	hub := memlink.NewHub()
	a, aID := newTestNode(t, hub, "alice")
	b, bID := newTestNode(t, hub, "bob")
	c, cID := newTestNode(t, hub, "carol")
	hub.Connect(aID, bID)
	hub.Connect(bID, cID)

	pairTestNodes(t, a, aID, c, cID)

	b.OnMessage(func(payload []byte, source wire.ID) {
		t.Errorf("intermediate node b must never see application payload, got %q from %v", payload, source)
	})

	received := make(chan []byte, 1)
	c.OnMessage(func(payload []byte, source wire.ID) {
		if source == aID {
			received <- payload
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.SendDirect(ctx, cID, []byte("secret")); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "secret" {
			t.Fatalf("unexpected payload %q", got)
		}
	case <-ctx.Done():
		t.Fatal("c never received the relayed message")
	}
}

// TestBroadcastReachesAllPeers exercises SendBroadcast across a small
// star topology.
func TestBroadcastReachesAllPeers(t *testing.T) {
	hub := memlink.NewHub()
	a, aID := newTestNode(t, hub, "alice")
	b, bID := newTestNode(t, hub, "bob")
	c, cID := newTestNode(t, hub, "carol")
	hub.Connect(aID, bID)
	hub.Connect(aID, cID)

	bGot := make(chan []byte, 1)
	cGot := make(chan []byte, 1)
	b.OnMessage(func(payload []byte, source wire.ID) { bGot <- payload })
	c.OnMessage(func(payload []byte, source wire.ID) { cGot <- payload })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.SendBroadcast(ctx, []byte("all hands")); err != nil {
		t.Fatalf("SendBroadcast: %v", err)
	}

	for name, ch := range map[string]chan []byte{"b": bGot, "c": cGot} {
		select {
		case got := <-ch:
			if string(got) != "all hands" {
				t.Fatalf("%s: unexpected payload %q", name, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: timed out waiting for broadcast", name)
		}
	}
}

// TestGroupMessageDelivery exercises NewGroup key distribution followed
// by SendGroup: both members decrypt the group message, a third node
// that was never added to the group never receives anything.
func TestGroupMessageDelivery(t *testing.T) {
	hub := memlink.NewHub()
	a, aID := newTestNode(t, hub, "alice")
	b, bID := newTestNode(t, hub, "bob")
	c, cID := newTestNode(t, hub, "carol")
	hub.Connect(aID, bID)
	hub.Connect(aID, cID)
	pairTestNodes(t, a, aID, b, bID)
	pairTestNodes(t, a, aID, c, cID)

	groupID := wire.NewID()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.NewGroup(ctx, groupID, []wire.ID{bID}); err != nil {
		t.Fatalf("NewGroup: %v", err)
	}

	bGot := make(chan []byte, 1)
	b.OnMessage(func(payload []byte, source wire.ID) { bGot <- payload })
	c.OnMessage(func(payload []byte, source wire.ID) {
		t.Errorf("carol was never added to the group and should not decrypt group traffic, got %q", payload)
	})

	// Give the key-distribution control message time to land before the
	// group message follows.
	time.Sleep(50 * time.Millisecond)

	if err := a.SendGroup(ctx, groupID, []wire.ID{bID}, []byte("group hello")); err != nil {
		t.Fatalf("SendGroup: %v", err)
	}

	select {
	case got := <-bGot:
		if string(got) != "group hello" {
			t.Fatalf("unexpected payload %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the group message")
	}
}

// TestRouteRepairAndSpoolFlush: A-B-C goes stable, B drops, a
// directed send from A spools, and a new bridge D appearing between A
// and C gets the spooled message flushed through.
func TestRouteRepairAndSpoolFlush(t *testing.T) {
	hub := memlink.NewHub()
	a, aID := newTestNode(t, hub, "alice")
	b, bID := newTestNode(t, hub, "bob")
	c, cID := newTestNode(t, hub, "carol")
	_ = b
	hub.Connect(aID, bID)
	hub.Connect(bID, cID)
	pairTestNodes(t, a, aID, c, cID)

	// Warm the path so A holds a route to C via B, then sever B.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	warm := make(chan struct{}, 1)
	received := make(chan []byte, 2)
	c.OnMessage(func(payload []byte, source wire.ID) {
		if string(payload) == "warmup" {
			select {
			case warm <- struct{}{}:
			default:
			}
			return
		}
		received <- payload
	})
	if _, err := a.SendDirect(ctx, cID, []byte("warmup")); err != nil {
		t.Fatalf("warmup SendDirect: %v", err)
	}
	select {
	case <-warm:
	case <-ctx.Done():
		t.Fatal("warmup message never arrived")
	}

	hub.Disconnect(aID, bID)
	hub.Disconnect(bID, cID)

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer sendCancel()
	_, err := a.SendDirect(sendCtx, cID, []byte("x"))
	if !errors.Is(err, pipeline.ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute after the bridge dropped, got %v", err)
	}

	// A new bridge node appears between A and C; its announce makes C
	// reachable again and the spooled message must flush through it.
	d, dID := newTestNode(t, hub, "dave")
	_ = d
	hub.Connect(aID, dID)
	hub.Connect(dID, cID)

	select {
	case got := <-received:
		if string(got) != "x" {
			t.Fatalf("unexpected payload %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("spooled message never flushed through the new bridge")
	}
}

// TestLargePayloadChunksAndReassembles: a payload far above the link
// MTU fragments into chunks and is delivered exactly once after
// reassembly.
func TestLargePayloadChunksAndReassembles(t *testing.T) {
	hub := memlink.NewHub()
	a, aID := newTestNode(t, hub, "alice")
	b, bID := newTestNode(t, hub, "bob")
	hub.Connect(aID, bID)
	pairTestNodes(t, a, aID, b, bID)

	payload := make([]byte, 3000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	var mu sync.Mutex
	var deliveries int
	var got []byte
	received := make(chan struct{}, 1)
	b.OnMessage(func(p []byte, source wire.ID) {
		mu.Lock()
		deliveries++
		got = p
		mu.Unlock()
		select {
		case received <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := a.SendDirect(ctx, bID, payload); err != nil {
		t.Fatalf("SendDirect: %v", err)
	}

	select {
	case <-received:
	case <-ctx.Done():
		t.Fatal("large payload never arrived")
	}

	mu.Lock()
	defer mu.Unlock()
	if deliveries != 1 {
		t.Fatalf("expected exactly one delivery, got %d", deliveries)
	}
	if len(got) != len(payload) {
		t.Fatalf("payload length mismatch: got %d want %d", len(got), len(payload))
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("payload corrupted at byte %d", i)
		}
	}
}

// TestBroadcastDiamondDedup: a diamond topology where the far node
// hears the broadcast from two forwarders but must deliver it exactly
// once.
func TestBroadcastDiamondDedup(t *testing.T) {
	hub := memlink.NewHub()
	a, aID := newTestNode(t, hub, "alice")
	b, bID := newTestNode(t, hub, "bob")
	c, cID := newTestNode(t, hub, "carol")
	d, dID := newTestNode(t, hub, "dave")
	hub.Connect(aID, bID)
	hub.Connect(aID, cID)
	hub.Connect(bID, dID)
	hub.Connect(cID, dID)

	// Every node holds alice's key so the broadcast verifies everywhere,
	// including at dave who is two hops out.
	pairTestNodes(t, a, aID, b, bID)
	pairTestNodes(t, a, aID, c, cID)
	pairTestNodes(t, a, aID, d, dID)

	var mu sync.Mutex
	counts := map[wire.ID]int{}
	for id, n := range map[wire.ID]*meshnode.Node{bID: b, cID: c, dID: d} {
		nodeID := id
		n.OnMessage(func(payload []byte, source wire.ID) {
			mu.Lock()
			counts[nodeID]++
			mu.Unlock()
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.SendBroadcast(ctx, []byte("all")); err != nil {
		t.Fatalf("SendBroadcast: %v", err)
	}

	// Give both forwarding paths (and their jitter timers) time to run.
	time.Sleep(1500 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, id := range []wire.ID{bID, cID, dID} {
		if counts[id] != 1 {
			t.Fatalf("node %v delivered %d times, want exactly 1", id, counts[id])
		}
	}
}
