package cryptoengine

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/sha256"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/meshcore/meshcore/wire"
)

// Session is a pairwise cryptographic session with one remote peer:
// a root key derived once from ECDH, ratcheted per message.
//
// A Session is created eagerly by Engine.EstablishSession, which derives
// the root key as soon as the peer's public keys are supplied. It is not
// created on first use: encrypting or decrypting for a peer that has no
// session fails with ErrNoSession.
type Session struct {
	mu sync.Mutex

	selfID           wire.ID
	peerID           wire.ID
	peerSigningPub   *ecdsa.PublicKey
	peerAgreementPub *ecdh.PublicKey

	rootKey [32]byte

	sendCounter uint64
	// recv rejects replayed or ancient ratchet counters. The ratchet
	// counter is a per-session series starting at zero, distinct from
	// the device-wide envelope sequence, so it gets its own window here
	// rather than sharing the engine's per-origin one.
	recv      ReplayWindow
	createdAt time.Time
	lastUsed  time.Time
}

const sessionInfo = "mesh-session-v1"

func deriveRootKey(selfID, peerID wire.ID, shared []byte) ([32]byte, error) {
	var root [32]byte
	salt := sortedIDPair(selfID, peerID)
	kdf := hkdf.New(sha256.New, shared, salt, []byte(sessionInfo))
	if _, err := kdf.Read(root[:]); err != nil {
		return root, ErrKDFFailed
	}
	return root, nil
}

// sortedIDPair returns selfID and peerID concatenated in a
// deterministic, sorted order so both ends of a session derive the
// identical salt.
func sortedIDPair(a, b wire.ID) []byte {
	ids := [][]byte{a[:], b[:]}
	sort.Slice(ids, func(i, j int) bool {
		for k := 0; k < wire.IDSize; k++ {
			if ids[i][k] != ids[j][k] {
				return ids[i][k] < ids[j][k]
			}
		}
		return false
	})
	out := make([]byte, 0, 2*wire.IDSize)
	out = append(out, ids[0]...)
	out = append(out, ids[1]...)
	return out
}

func newSession(selfID Identity, peerID wire.ID, peerSigningPub *ecdsa.PublicKey, peerAgreementPub *ecdh.PublicKey) (*Session, error) {
	shared, err := selfID.agreementPriv.ECDH(peerAgreementPub)
	if err != nil {
		return nil, ErrKDFFailed
	}
	root, err := deriveRootKey(selfID.NodeID, peerID, shared)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Session{
		selfID:           selfID.NodeID,
		peerID:           peerID,
		peerSigningPub:   peerSigningPub,
		peerAgreementPub: peerAgreementPub,
		rootKey:          root,
		createdAt:        now,
		lastUsed:         now,
	}, nil
}

func (s *Session) touch() { s.lastUsed = time.Now() }
