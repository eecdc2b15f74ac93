package cryptoengine

import (
	"sync"
	"testing"

	"github.com/meshcore/meshcore/wire"
)

// memStore is a minimal in-memory linklayer.SecureStore for tests.
type memStore struct {
	mu       sync.Mutex
	seq      uint64
	replay   map[wire.ID]uint64
	identity [2][]byte
}

func newMemStore() *memStore {
	return &memStore{replay: make(map[wire.ID]uint64)}
}

func (m *memStore) LoadIdentity() ([]byte, []byte, bool, error) {
	if m.identity[0] == nil {
		return nil, nil, false, nil
	}
	return m.identity[0], m.identity[1], true, nil
}
func (m *memStore) SaveIdentity(agreementPriv, signingPriv []byte) error {
	m.identity[0], m.identity[1] = agreementPriv, signingPriv
	return nil
}
func (m *memStore) LoadSequenceCounter() (uint64, error) { return m.seq, nil }
func (m *memStore) SaveSequenceCounter(next uint64) error {
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
func (m *memStore) LoadRoutingSnapshot() ([]byte, bool, error)  { return nil, false, nil }
func (m *memStore) SaveRoutingSnapshot(snapshot []byte) error   { return nil }
func (m *memStore) LoadOfflineQueue() ([]byte, bool, error)     { return nil, false, nil }
func (m *memStore) SaveOfflineQueue(snapshot []byte) error      { return nil }

func pairedEngines(t *testing.T) (alice, bob *Engine, aliceID, bobID wire.ID) {
	t.Helper()
	aliceID, bobID = wire.NewID(), wire.NewID()

	aliceIdentity, err := NewIdentity(aliceID)
	if err != nil {
		t.Fatalf("NewIdentity(alice): %v", err)
	}
	bobIdentity, err := NewIdentity(bobID)
	if err != nil {
		t.Fatalf("NewIdentity(bob): %v", err)
	}

	alice, err = NewEngine(aliceIdentity, newMemStore())
	if err != nil {
		t.Fatalf("NewEngine(alice): %v", err)
	}
	bob, err = NewEngine(bobIdentity, newMemStore())
	if err != nil {
		t.Fatalf("NewEngine(bob): %v", err)
	}

	bobAgreementPub, err := ParseAgreementPublicKey(bobIdentity.PublicAgreementKey())
	if err != nil {
		t.Fatalf("ParseAgreementPublicKey(bob): %v", err)
	}
	bobSigningPub, err := ParseSigningPublicKey(bobIdentity.PublicSigningKey())
	if err != nil {
		t.Fatalf("ParseSigningPublicKey(bob): %v", err)
	}
	aliceAgreementPub, err := ParseAgreementPublicKey(aliceIdentity.PublicAgreementKey())
	if err != nil {
		t.Fatalf("ParseAgreementPublicKey(alice): %v", err)
	}
	aliceSigningPub, err := ParseSigningPublicKey(aliceIdentity.PublicSigningKey())
	if err != nil {
		t.Fatalf("ParseSigningPublicKey(alice): %v", err)
	}

	if _, err := alice.EstablishSession(bobID, bobSigningPub, bobAgreementPub); err != nil {
		t.Fatalf("alice.EstablishSession: %v", err)
	}
	if _, err := bob.EstablishSession(aliceID, aliceSigningPub, aliceAgreementPub); err != nil {
		t.Fatalf("bob.EstablishSession: %v", err)
	}
	return alice, bob, aliceID, bobID
}

func TestDirectEncryptDecryptRoundTrip(t *testing.T) {
	alice, bob, aliceID, bobID := pairedEngines(t)

	plaintext := []byte("hello mesh")
	ciphertext, nonce, counter, err := alice.EncryptDirect(bobID, plaintext)
	if err != nil {
		t.Fatalf("EncryptDirect: %v", err)
	}

	got, err := bob.DecryptDirect(aliceID, ciphertext, nonce, counter)
	if err != nil {
		t.Fatalf("DecryptDirect: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDirectSessionsAgreeOnRootKey(t *testing.T) {
	// Both ends independently derive the session root key via ECDH; if
	// they disagreed, decrypting alice's first message at bob would fail
	// even though no replay or corruption occurred.
	alice, bob, aliceID, bobID := pairedEngines(t)
	aSess, err := alice.sessionFor(bobID)
	if err != nil {
		t.Fatalf("alice.sessionFor: %v", err)
	}
	bSess, err := bob.sessionFor(aliceID)
	if err != nil {
		t.Fatalf("bob.sessionFor: %v", err)
	}
	if aSess.rootKey != bSess.rootKey {
		t.Fatalf("root keys disagree: %x != %x", aSess.rootKey, bSess.rootKey)
	}
}

func TestDecryptRejectsReplayedCounter(t *testing.T) {
	alice, bob, aliceID, bobID := pairedEngines(t)

	ciphertext, nonce, counter, err := alice.EncryptDirect(bobID, []byte("msg one"))
	if err != nil {
		t.Fatalf("EncryptDirect: %v", err)
	}
	if _, err := bob.DecryptDirect(aliceID, ciphertext, nonce, counter); err != nil {
		t.Fatalf("first DecryptDirect: %v", err)
	}
	if _, err := bob.DecryptDirect(aliceID, ciphertext, nonce, counter); err != ErrReplay {
		t.Fatalf("replayed counter: got err=%v, want ErrReplay", err)
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	alice, bob, aliceID, bobID := pairedEngines(t)

	ciphertext, nonce, counter, err := alice.EncryptDirect(bobID, []byte("msg one"))
	if err != nil {
		t.Fatalf("EncryptDirect: %v", err)
	}
	tampered := append([]byte{}, ciphertext...)
	tampered[0] ^= 0xFF

	if _, err := bob.DecryptDirect(aliceID, tampered, nonce, counter); err != ErrDecryptFailed {
		t.Fatalf("tampered ciphertext: got err=%v, want ErrDecryptFailed", err)
	}
}

func TestEncryptDirectAdvancesCounterMonotonically(t *testing.T) {
	alice, _, _, bobID := pairedEngines(t)

	_, _, c0, err := alice.EncryptDirect(bobID, []byte("a"))
	if err != nil {
		t.Fatalf("EncryptDirect: %v", err)
	}
	_, _, c1, err := alice.EncryptDirect(bobID, []byte("b"))
	if err != nil {
		t.Fatalf("EncryptDirect: %v", err)
	}
	if c1 != c0+1 {
		t.Fatalf("counters not monotonic: %d then %d", c0, c1)
	}
}

func TestSignEnvelopeVerifiesAgainstOriginKey(t *testing.T) {
	aliceID := wire.NewID()
	identity, err := NewIdentity(aliceID)
	if err != nil {
		t.Fatalf("NewIdentity: %v", err)
	}
	destID := wire.NewID()
	env := &wire.Envelope{
		ID:       wire.NewID(),
		Origin:   aliceID,
		Dest:     &destID,
		TTL:      wire.DefaultTTL,
		HopPath:  []wire.ID{aliceID},
		Sequence: 1,
		Payload:  []byte("payload"),
	}
	if err := identity.SignEnvelope(env); err != nil {
		t.Fatalf("SignEnvelope: %v", err)
	}

	pub, err := ParseSigningPublicKey(identity.PublicSigningKey())
	if err != nil {
		t.Fatalf("ParseSigningPublicKey: %v", err)
	}
	if err := VerifyEnvelope(env, pub); err != nil {
		t.Fatalf("VerifyEnvelope: %v", err)
	}

	env.Sequence = 2 // mutate a signed field
	if err := VerifyEnvelope(env, pub); err == nil {
		t.Fatalf("VerifyEnvelope accepted a mutated envelope")
	}
}

func TestGroupKeyWrapUnwrapRoundTrip(t *testing.T) {
	alice, bob, aliceID, bobID := pairedEngines(t)

	groupID := wire.NewID()
	gk, err := NewGroupKey(groupID)
	if err != nil {
		t.Fatalf("NewGroupKey: %v", err)
	}
	alice.AddGroup(gk)

	msg, err := alice.WrapGroupKeyForPeer(groupID, bobID)
	if err != nil {
		t.Fatalf("WrapGroupKeyForPeer: %v", err)
	}

	got, err := bob.UnwrapGroupKeyFromPeer(aliceID, msg)
	if err != nil {
		t.Fatalf("UnwrapGroupKeyFromPeer: %v", err)
	}
	if got.Key != gk.Key {
		t.Fatalf("unwrapped group key mismatch")
	}

	plaintext := []byte("group broadcast")
	ciphertext, nonce, err := alice.EncryptGroup(groupID, plaintext, 0)
	if err != nil {
		t.Fatalf("EncryptGroup: %v", err)
	}
	out, err := bob.DecryptGroup(groupID, aliceID, ciphertext, nonce, 0)
	if err != nil {
		t.Fatalf("DecryptGroup: %v", err)
	}
	if string(out) != string(plaintext) {
		t.Fatalf("group round trip mismatch: got %q want %q", out, plaintext)
	}
}

func TestReplayWindowToleratesOutOfOrderWithinWindow(t *testing.T) {
	w := &ReplayWindow{}
	if !w.Accept(10) {
		t.Fatalf("first sequence rejected")
	}
	if !w.Accept(8) {
		t.Fatalf("out-of-order but within-window sequence rejected")
	}
	if w.Accept(8) {
		t.Fatalf("duplicate sequence accepted twice")
	}
	if !w.Accept(11) {
		t.Fatalf("advancing sequence rejected")
	}
}

func TestReplayWindowRejectsTooOld(t *testing.T) {
	w := &ReplayWindow{}
	w.Accept(counterWindowSize + 100)
	if w.Accept(5) {
		t.Fatalf("sequence far behind the window was accepted")
	}
}
