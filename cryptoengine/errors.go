package cryptoengine

import "errors"

// Sentinel errors for the engine's failure modes. Callers compare with
// errors.Is; none of these carry structured detail worth a custom type.
var (
	ErrNoSession        = errors.New("cryptoengine: no session established for peer")
	ErrKDFFailed        = errors.New("cryptoengine: key derivation failed")
	ErrEncryptFailed    = errors.New("cryptoengine: encryption failed")
	ErrDecryptFailed    = errors.New("cryptoengine: decryption failed (aead tag mismatch)")
	ErrInvalidNonce     = errors.New("cryptoengine: invalid nonce length")
	ErrSignatureInvalid = errors.New("cryptoengine: signature does not verify")
	ErrNoSigningKey     = errors.New("cryptoengine: no signing key available for origin")
	ErrReplay           = errors.New("cryptoengine: sequence number already seen or too old")
	ErrHandshakeLimited = errors.New("cryptoengine: too many handshake attempts from peer")
)
