package cryptoengine

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"sync"

	"github.com/meshcore/meshcore/linklayer"
	"github.com/meshcore/meshcore/ratelimiter"
	"github.com/meshcore/meshcore/wire"
)

// Engine is the composition root for everything cryptographic: the
// device's own identity, pairwise sessions established through
// EstablishSession, per-origin replay windows, and the persisted outbound sequence
// counter. A Node owns exactly one Engine, constructed with its
// linklayer.SecureStore rather than reaching for any package-level
// state.
type Engine struct {
	identity *Identity
	store    linklayer.SecureStore

	mu              sync.Mutex
	sessions        map[wire.ID]*Session
	replay          map[wire.ID]*ReplayWindow
	replayPersisted map[wire.ID]uint64
	groups          map[wire.ID]*GroupKey
	nextSeq         uint64

	handshakeLimiter *ratelimiter.Ratelimiter
}

// NewEngine constructs an Engine for identity, restoring its persisted
// sequence counter and any known replay high-water marks from store.
func NewEngine(identity *Identity, store linklayer.SecureStore) (*Engine, error) {
	seq, err := store.LoadSequenceCounter()
	if err != nil {
		return nil, err
	}
	return &Engine{
		identity:         identity,
		store:            store,
		sessions:         make(map[wire.ID]*Session),
		replay:           make(map[wire.ID]*ReplayWindow),
		replayPersisted:  make(map[wire.ID]uint64),
		groups:           make(map[wire.ID]*GroupKey),
		nextSeq:          seq,
		handshakeLimiter: ratelimiter.New(),
	}, nil
}

// Close releases the engine's background resources (the handshake
// flood guard's garbage-collection loop).
func (e *Engine) Close() {
	e.handshakeLimiter.Close()
}

// NextSequence allocates and persists the next outbound sequence number
// for this device's envelopes.
func (e *Engine) NextSequence() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	seq := e.nextSeq
	e.nextSeq++
	if err := e.store.SaveSequenceCounter(e.nextSeq); err != nil {
		e.nextSeq--
		return 0, err
	}
	return seq, nil
}

// PublicAgreementKey and PublicSigningKey return this engine's own
// long-term public keys, in the form ParseAgreementPublicKey and
// ParseSigningPublicKey expect, so a caller can hand them to a peer
// out of band ahead of EstablishSession.
func (e *Engine) PublicAgreementKey() []byte { return e.identity.PublicAgreementKey() }
func (e *Engine) PublicSigningKey() []byte   { return e.identity.PublicSigningKey() }

// EstablishSession records or refreshes the pairwise session with peerID
// given its long-term public keys, establishing it immediately rather
// than waiting for the first encrypt/decrypt call. Safe to call again
// with the same keys; re-keying with different public keys replaces the
// session (used when a peer rotates its identity).
func (e *Engine) EstablishSession(peerID wire.ID, peerSigningPub *ecdsa.PublicKey, peerAgreementPub *ecdh.PublicKey) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.sessions[peerID]; ok && s.peerSigningPub.Equal(peerSigningPub) && s.peerAgreementPub.Equal(peerAgreementPub) {
		return s, nil
	}
	if !e.handshakeLimiter.Allow(peerID) {
		return nil, ErrHandshakeLimited
	}
	s, err := newSession(*e.identity, peerID, peerSigningPub, peerAgreementPub)
	if err != nil {
		return nil, err
	}
	e.sessions[peerID] = s
	return s, nil
}

// sessionFor returns the established session with peerID, or ErrNoSession
// if EstablishSession has not yet been called for it. Sessions come from
// EstablishSession (an out-of-band Pair, or a PeerAnnounce carrying the
// peer's public keys), never implicitly here.
func (e *Engine) sessionFor(peerID wire.ID) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[peerID]
	if !ok {
		return nil, ErrNoSession
	}
	return s, nil
}

// EncryptDirect encrypts plaintext for peerID under its established
// session, returning the ciphertext, nonce, and ratchet counter to carry
// on the wire.
func (e *Engine) EncryptDirect(peerID wire.ID, plaintext []byte) (ciphertext, nonce []byte, counter uint64, err error) {
	s, err := e.sessionFor(peerID)
	if err != nil {
		return nil, nil, 0, err
	}
	return s.sealDirect(plaintext)
}

// DecryptDirect decrypts a message from peerID, carrying the wire
// counter as associated data. Replayed counters are rejected by the
// session's own window: the ratchet counter is a per-session series and
// must not share the per-origin envelope-sequence window, or the first
// encrypted message from a peer would collide with its control
// traffic's sequence numbers.
func (e *Engine) DecryptDirect(peerID wire.ID, ciphertext, nonce []byte, counter uint64) ([]byte, error) {
	s, err := e.sessionFor(peerID)
	if err != nil {
		return nil, err
	}
	return s.openDirect(ciphertext, nonce, counter)
}

// CheckReplay reports whether sequence is new for origin, recording it
// if so. Exposed directly for envelope-level replay checks that are
// independent of any pairwise session (e.g. relayed/broadcast traffic).
func (e *Engine) CheckReplay(origin wire.ID, sequence uint64) bool {
	return e.checkReplay(origin, sequence)
}

// replayPersistStride batches high-water-mark persistence: the
// in-memory check stays strict on every envelope, but the store is
// written only when the mark has advanced this far past the last
// persisted value, bounding write amplification on chatty links. The
// worst a crash can cost is re-accepting at most a stride of sequences
// the previous process had seen but not yet persisted.
const replayPersistStride = 16

func (e *Engine) checkReplay(origin wire.ID, sequence uint64) bool {
	e.mu.Lock()
	w, ok := e.replay[origin]
	if !ok {
		if mark, found, err := e.store.LoadReplayHighWaterMark(origin); err == nil && found {
			w = RestoreHighWaterMark(mark)
			e.replayPersisted[origin] = mark
		} else {
			w = &ReplayWindow{}
		}
		e.replay[origin] = w
	}
	accepted := w.Accept(sequence)
	mark := w.HighWaterMark()
	persist := false
	if accepted {
		last, seen := e.replayPersisted[origin]
		if !seen || mark >= last+replayPersistStride {
			e.replayPersisted[origin] = mark
			persist = true
		}
	}
	e.mu.Unlock()

	if persist {
		_ = e.store.SaveReplayHighWaterMark(origin, mark)
	}
	return accepted
}

// SignEnvelope signs env with this device's signing key.
func (e *Engine) SignEnvelope(env *wire.Envelope) error {
	return e.identity.SignEnvelope(env)
}

// VerifyEnvelope verifies env's signature against originPub.
func (e *Engine) VerifyEnvelope(env *wire.Envelope, originPub *ecdsa.PublicKey) error {
	return VerifyEnvelope(env, originPub)
}

// AddGroup records a group key this device has generated or received,
// keyed by group ID, for use by EncryptGroup/DecryptGroup.
func (e *Engine) AddGroup(gk *GroupKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.groups[gk.GroupID] = gk
}

// WrapGroupKeyForPeer wraps groupID's key under the pairwise session
// with peerID, for distribution via a GroupKeyDistribute control
// message.
func (e *Engine) WrapGroupKeyForPeer(groupID, peerID wire.ID) (wire.GroupKeyDistribute, error) {
	e.mu.Lock()
	gk, ok := e.groups[groupID]
	e.mu.Unlock()
	if !ok {
		return wire.GroupKeyDistribute{}, ErrNoSession
	}
	s, err := e.sessionFor(peerID)
	if err != nil {
		return wire.GroupKeyDistribute{}, err
	}
	return gk.WrapForPeer(s)
}

// UnwrapGroupKeyFromPeer recovers and records a group key distributed by
// peerID.
func (e *Engine) UnwrapGroupKeyFromPeer(peerID wire.ID, msg wire.GroupKeyDistribute) (*GroupKey, error) {
	s, err := e.sessionFor(peerID)
	if err != nil {
		return nil, err
	}
	gk, err := UnwrapFromPeer(s, msg)
	if err != nil {
		return nil, err
	}
	e.AddGroup(gk)
	return gk, nil
}

// EncryptGroup encrypts plaintext for every member of groupID under
// counter (the group's own monotonically-advancing sequence, allocated
// by the caller via NextSequence so it shares the device's outbound
// sequence space).
func (e *Engine) EncryptGroup(groupID wire.ID, plaintext []byte, counter uint64) (ciphertext, nonce []byte, err error) {
	e.mu.Lock()
	gk, ok := e.groups[groupID]
	e.mu.Unlock()
	if !ok {
		return nil, nil, ErrNoSession
	}
	return gk.sealGroup(plaintext, counter)
}

// DecryptGroup decrypts a group-encrypted message, checking counter
// against origin's per-origin replay window (the one CheckReplay uses;
// direct messages are checked against their session's window instead).
func (e *Engine) DecryptGroup(groupID, origin wire.ID, ciphertext, nonce []byte, counter uint64) ([]byte, error) {
	e.mu.Lock()
	gk, ok := e.groups[groupID]
	e.mu.Unlock()
	if !ok {
		return nil, ErrNoSession
	}
	if !e.checkReplay(origin, counter) {
		return nil, ErrReplay
	}
	return gk.openGroup(ciphertext, nonce, counter)
}
