// Command meshd is a small demonstration daemon: it wires up two
// memlink-connected Nodes in a single process and exchanges one direct
// message between them, to exercise the mesh core's composition-root
// wiring (meshnode.New) end to end without a real BLE bearer.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/meshcore/meshcore/cryptoengine"
	"github.com/meshcore/meshcore/flags"
	"github.com/meshcore/meshcore/linklayer/memlink"
	"github.com/meshcore/meshcore/meshnode"
	"github.com/meshcore/meshcore/meshnode/config"
	"github.com/meshcore/meshcore/wire"
)

const meshdVersion = "0.1.0"

func logLevelFromName(name string) int {
	switch name {
	case "debug":
		return config.LogLevelDebug
	case "info":
		return config.LogLevelInfo
	case "error":
		return config.LogLevelError
	case "silent":
		return config.LogLevelSilent
	}
	return config.LogLevelInfo
}

// memStore is a non-persistent linklayer.SecureStore: identity and
// sequence state live only for the process lifetime, which is fine for
// this demo but not for a real deployment (see config.Load for the
// on-disk policy file a real daemon would pair with a durable store).
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

// pair exchanges a's and b's long-term public keys and establishes a
// pairwise session in both directions. A real deployment learns these
// keys out of band (QR code, NFC tap) rather than handing them across
// a function call, but the result is the same: two Node.Pair calls.
func pair(a, b *meshnode.Node, aID, bID wire.ID) error {
	aAgreement, aSigning := a.PublicKeys()
	bAgreement, bSigning := b.PublicKeys()

	aAgreementPub, err := cryptoengine.ParseAgreementPublicKey(aAgreement)
	if err != nil {
		return err
	}
	aSigningPub, err := cryptoengine.ParseSigningPublicKey(aSigning)
	if err != nil {
		return err
	}
	bAgreementPub, err := cryptoengine.ParseAgreementPublicKey(bAgreement)
	if err != nil {
		return err
	}
	bSigningPub, err := cryptoengine.ParseSigningPublicKey(bSigning)
	if err != nil {
		return err
	}

	if err := a.Pair(bID, bSigningPub, bAgreementPub); err != nil {
		return err
	}
	return b.Pair(aID, aSigningPub, aAgreementPub)
}

func main() {
	opts := flags.NewOptions()
	if err := flags.Parse(opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if opts.ShowVersion {
		fmt.Printf("meshd v%s\n", meshdVersion)
		return
	}

	log := config.NewLogger(logLevelFromName(opts.LogLevel), "(meshd) ")

	cfg := config.Default()
	if opts.ConfigPath != "" {
		loaded, err := config.Load(opts.ConfigPath)
		if err != nil {
			log.Errorf("load config %s: %v", opts.ConfigPath, err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if opts.DisplayName != "" {
		cfg.DisplayName = opts.DisplayName
	}

	hub := memlink.NewHub()
	aID := wire.NewID()
	bID := wire.NewID()

	aNode, err := meshnode.New(hub.Join(aID), newMemStore(), cfg, log)
	if err != nil {
		log.Errorf("build node a: %v", err)
		os.Exit(1)
	}
	defer aNode.Close()

	bNode, err := meshnode.New(hub.Join(bID), newMemStore(), config.Default(), log)
	if err != nil {
		log.Errorf("build node b: %v", err)
		os.Exit(1)
	}
	defer bNode.Close()

	hub.Connect(aID, bID)

	if err := pair(aNode, bNode, aID, bID); err != nil {
		log.Errorf("pair: %v", err)
		os.Exit(1)
	}

	received := make(chan []byte, 1)
	bNode.OnMessage(func(payload []byte, source wire.ID) {
		received <- payload
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgID, err := aNode.SendDirect(ctx, bID, []byte("hello over the mesh"))
	if err != nil {
		log.Errorf("send direct: %v", err)
		os.Exit(1)
	}
	log.Infof("a sent message %v to b", msgID)

	select {
	case payload := <-received:
		fmt.Printf("b received from a: %s\n", payload)
	case <-ctx.Done():
		log.Errorf("timed out waiting for message delivery")
		os.Exit(1)
	}
}
