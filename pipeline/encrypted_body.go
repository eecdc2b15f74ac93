package pipeline

import (
	"encoding/binary"
	"errors"
)

// errShortEncryptedBody is returned when an envelope flagged Encrypted
// is too short to contain the fixed nonce+counter prefix.
var errShortEncryptedBody = errors.New("pipeline: encrypted body truncated")

// encodeEncryptedBody lays out an encrypted envelope payload as
// nonce(12) || counter(8, big-endian) || ciphertext, the fixed binary
// layout the receiver needs to re-derive the ratchet key before
// attempting decryption.
func encodeEncryptedBody(nonce []byte, counter uint64, ciphertext []byte) []byte {
	out := make([]byte, 12+8+len(ciphertext))
	copy(out[:12], nonce)
	binary.BigEndian.PutUint64(out[12:20], counter)
	copy(out[20:], ciphertext)
	return out
}

func decodeEncryptedBody(body []byte) (nonce []byte, counter uint64, ciphertext []byte, err error) {
	if len(body) < 20 {
		return nil, 0, nil, errShortEncryptedBody
	}
	nonce = body[:12]
	counter = binary.BigEndian.Uint64(body[12:20])
	ciphertext = body[20:]
	return nonce, counter, ciphertext, nil
}
