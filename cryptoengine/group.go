package cryptoengine

import (
	"crypto/rand"

	"github.com/meshcore/meshcore/wire"
)

// GroupKey is a symmetric key shared by every member of a group
// conversation, generated once by the group's creator and distributed to
// each member wrapped under that member's pairwise session.
type GroupKey struct {
	GroupID wire.ID
	Key     [32]byte
}

// NewGroupKey generates a fresh random group key.
func NewGroupKey(groupID wire.ID) (*GroupKey, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, ErrKDFFailed
	}
	return &GroupKey{GroupID: groupID, Key: key}, nil
}

// WrapForPeer encrypts gk's key under the pairwise session with s, for
// inclusion in a GroupKeyDistribute control message sent to that peer.
func (gk *GroupKey) WrapForPeer(s *Session) (wire.GroupKeyDistribute, error) {
	s.mu.Lock()
	root := s.rootKey
	peerID := s.peerID
	s.mu.Unlock()

	key, err := messageKey(root, peerID, 0)
	if err != nil {
		return wire.GroupKeyDistribute{}, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return wire.GroupKeyDistribute{}, ErrEncryptFailed
	}

	var nonce [12]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return wire.GroupKeyDistribute{}, ErrEncryptFailed
	}

	sealed := aead.Seal(nil, nonce[:], gk.Key[:], gk.GroupID[:])
	ct, tag := splitTag(sealed)

	var tagArr [16]byte
	copy(tagArr[:], tag)

	return wire.GroupKeyDistribute{
		GroupID:    gk.GroupID,
		Ciphertext: ct,
		Nonce:      nonce,
		Tag:        tagArr,
	}, nil
}

// UnwrapFromPeer recovers a group key from a GroupKeyDistribute message
// received over the pairwise session with s. The wrapping key is salted
// on the message's destination, which from the receiving session's side
// is this node itself, not the peer (see openDirect).
func UnwrapFromPeer(s *Session, msg wire.GroupKeyDistribute) (*GroupKey, error) {
	s.mu.Lock()
	root := s.rootKey
	selfID := s.selfID
	s.mu.Unlock()

	key, err := messageKey(root, selfID, 0)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryptFailed
	}

	sealed := append(append([]byte{}, msg.Ciphertext...), msg.Tag[:]...)
	plaintext, err := aead.Open(nil, msg.Nonce[:], sealed, msg.GroupID[:])
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(plaintext) != 32 {
		return nil, ErrDecryptFailed
	}

	gk := &GroupKey{GroupID: msg.GroupID}
	copy(gk.Key[:], plaintext)
	return gk, nil
}

// sealGroup encrypts plaintext for the whole group under counter n,
// mirroring the direct-session ratchet but keyed from the shared group
// key instead of a pairwise root key.
func (gk *GroupKey) sealGroup(plaintext []byte, counter uint64) (ciphertext, nonce []byte, err error) {
	key, err := messageKey(gk.Key, gk.GroupID, counter)
	if err != nil {
		return nil, nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, ErrEncryptFailed
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, ErrEncryptFailed
	}
	ciphertext = aead.Seal(nil, nonce, plaintext, counterAD(counter))
	return ciphertext, nonce, nil
}

// openGroup decrypts a group-encrypted message under counter n.
func (gk *GroupKey) openGroup(ciphertext, nonce []byte, counter uint64) ([]byte, error) {
	if len(nonce) != nonceSize {
		return nil, ErrInvalidNonce
	}
	key, err := messageKey(gk.Key, gk.GroupID, counter)
	if err != nil {
		return nil, err
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, counterAD(counter))
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

func splitTag(sealed []byte) (ciphertext, tag []byte) {
	n := len(sealed) - 16
	return sealed[:n], sealed[n:]
}
