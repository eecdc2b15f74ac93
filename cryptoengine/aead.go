package cryptoengine

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
)

const nonceSize = 12

// sealDirect encrypts plaintext under the session's current send counter,
// advances that counter, and returns (ciphertext||tag, nonce, counter).
//
// The counter is carried on the wire as AEAD associated data rather than
// trusted to arrive in strict unbroken order: the receiver derives Kn
// directly from the counter it reads off the wire and checks it against
// the replay window, instead of requiring the two sides' counters to
// march in perfect lockstep. A sender retry or an out-of-order multi-hop
// delivery no longer desynchronizes the ratchet.
func (s *Session) sealDirect(plaintext []byte) (ciphertext, nonce []byte, counter uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counter = s.sendCounter
	s.sendCounter++
	s.touch()

	key, err := messageKey(s.rootKey, s.peerID, counter)
	if err != nil {
		return nil, nil, 0, err
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, nil, 0, ErrEncryptFailed
	}

	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, 0, ErrEncryptFailed
	}

	ad := counterAD(counter)
	ciphertext = aead.Seal(nil, nonce, plaintext, ad)
	return ciphertext, nonce, counter, nil
}

// openDirect decrypts ciphertext sent by the session's peer under
// counter, using the counter carried as associated data to derive the
// matching Kn. A counter the session's replay window has already
// accepted is rejected, but only after the AEAD tag verifies: a forged
// message must never consume a counter the genuine one still needs.
//
// Kn is keyed on the message's destination, per the ratchet's
// salt on the destination id, and the destination of a message this session is
// decrypting is always this node itself, not the peer: sealDirect salts
// on s.peerID because there the peer *is* the destination, but that
// is not symmetric here.
func (s *Session) openDirect(ciphertext, nonce []byte, counter uint64) ([]byte, error) {
	if len(nonce) != nonceSize {
		return nil, ErrInvalidNonce
	}

	s.mu.Lock()
	root := s.rootKey
	selfID := s.selfID
	s.touch()
	s.mu.Unlock()

	key, err := messageKey(root, selfID, counter)
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

	s.mu.Lock()
	fresh := s.recv.Accept(counter)
	s.mu.Unlock()
	if !fresh {
		return nil, ErrReplay
	}
	return plaintext, nil
}

func newGCM(key [32]byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func counterAD(counter uint64) []byte {
	ad := make([]byte, 8)
	binary.BigEndian.PutUint64(ad, counter)
	return ad
}
