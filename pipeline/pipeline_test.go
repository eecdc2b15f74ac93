package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meshcore/meshcore/cryptoengine"
	"github.com/meshcore/meshcore/delivery"
	"github.com/meshcore/meshcore/linklayer/memlink"
	"github.com/meshcore/meshcore/wire"
)

type memStore struct {
	mu     sync.Mutex
	seq    uint64
	replay map[wire.ID]uint64
}

func newMemStore() *memStore { return &memStore{replay: make(map[wire.ID]uint64)} }

func (m *memStore) LoadIdentity() ([]byte, []byte, bool, error)      { return nil, nil, false, nil }
func (m *memStore) SaveIdentity(a, s []byte) error                   { return nil }
func (m *memStore) LoadSequenceCounter() (uint64, error)             { return m.seq, nil }
func (m *memStore) SaveSequenceCounter(next uint64) error             { m.seq = next; return nil }
func (m *memStore) LoadReplayHighWaterMark(o wire.ID) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mark, ok := m.replay[o]
	return mark, ok, nil
}
func (m *memStore) SaveReplayHighWaterMark(o wire.ID, mark uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replay[o] = mark
	return nil
}
func (m *memStore) LoadRoutingSnapshot() ([]byte, bool, error) { return nil, false, nil }
func (m *memStore) SaveRoutingSnapshot(s []byte) error         { return nil }
func (m *memStore) LoadOfflineQueue() ([]byte, bool, error)    { return nil, false, nil }
func (m *memStore) SaveOfflineQueue(s []byte) error            { return nil }

type node struct {
	id       wire.ID
	identity *cryptoengine.Identity
	engine   *cryptoengine.Engine
	bind     *memlink.Bind
	pipe     *Pipeline
}

func newNode(t *testing.T, hub *memlink.Hub) *node {
	t.Helper()
	id := wire.NewID()
	identity, err := cryptoengine.NewIdentity(id)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	engine, err := cryptoengine.NewEngine(identity, newMemStore())
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	bind := hub.Join(id)
	pipe := New(id, bind, engine, newMemStore(), DefaultPolicy())
	// Every destination is reachable directly in this two/three-node test
	// mesh, so the route lookup always succeeds.
	pipe.SetRouteLookup(func(dest wire.ID) (wire.ID, []wire.ID, bool) {
		return dest, []wire.ID{id, dest}, true
	})
	return &node{id: id, identity: identity, engine: engine, bind: bind, pipe: pipe}
}

func pairNodes(t *testing.T, a, b *node) {
	t.Helper()
	aAgreementPub, err := cryptoengine.ParseAgreementPublicKey(a.identity.PublicAgreementKey())
	if err != nil {
		t.Fatalf("ParseAgreementPublicKey: %v", err)
	}
	aSigningPub, err := cryptoengine.ParseSigningPublicKey(a.identity.PublicSigningKey())
	if err != nil {
		t.Fatalf("ParseSigningPublicKey: %v", err)
	}
	bAgreementPub, err := cryptoengine.ParseAgreementPublicKey(b.identity.PublicAgreementKey())
	if err != nil {
		t.Fatalf("ParseAgreementPublicKey: %v", err)
	}
	bSigningPub, err := cryptoengine.ParseSigningPublicKey(b.identity.PublicSigningKey())
	if err != nil {
		t.Fatalf("ParseSigningPublicKey: %v", err)
	}

	if _, err := a.engine.EstablishSession(b.id, bSigningPub, bAgreementPub); err != nil {
		t.Fatalf("a.EstablishSession: %v", err)
	}
	if _, err := b.engine.EstablishSession(a.id, aSigningPub, aAgreementPub); err != nil {
		t.Fatalf("b.EstablishSession: %v", err)
	}
	a.pipe.RegisterPeerIdentity(b.id, bSigningPub)
	b.pipe.RegisterPeerIdentity(a.id, aSigningPub)
}

func TestSendDirectEndToEnd(t *testing.T) {
	hub := memlink.NewHub()
	a := newNode(t, hub)
	b := newNode(t, hub)
	hub.Connect(a.id, b.id)
	pairNodes(t, a, b)
	defer a.bind.Close()
	defer b.bind.Close()

	received := make(chan []byte, 1)
	b.pipe.OnMessage(func(origin wire.ID, payload []byte) {
		if origin == a.id {
			received <- payload
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := a.pipe.SendDirect(ctx, b.id, []byte("hello over the mesh"))
	if err != nil {
		t.Fatalf("SendDirect: %v", err)
	}

	select {
	case got := <-received:
		if string(got) != "hello over the mesh" {
			t.Fatalf("unexpected payload: %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message delivery")
	}

	deadline := time.After(2 * time.Second)
	for tr.State() != delivery.StateDelivered {
		select {
		case <-deadline:
			t.Fatalf("tracker never reached StateDelivered, stuck at %v", tr.State())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSendBroadcastReachesAllPeers(t *testing.T) {
	hub := memlink.NewHub()
	a := newNode(t, hub)
	b := newNode(t, hub)
	c := newNode(t, hub)
	hub.Connect(a.id, b.id)
	hub.Connect(a.id, c.id)
	pairNodes(t, a, b)
	pairNodes(t, a, c)
	defer a.bind.Close()
	defer b.bind.Close()
	defer c.bind.Close()

	bGot := make(chan []byte, 1)
	cGot := make(chan []byte, 1)
	b.pipe.OnMessage(func(origin wire.ID, payload []byte) { bGot <- payload })
	c.pipe.OnMessage(func(origin wire.ID, payload []byte) { cGot <- payload })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.pipe.SendBroadcast(ctx, []byte("all hands")); err != nil {
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
