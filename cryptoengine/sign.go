package cryptoengine

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"

	"github.com/meshcore/meshcore/wire"
)

// SignEnvelope signs the envelope's canonical signing input with this
// identity's signing key and writes the result into env.Signature.
func (id *Identity) SignEnvelope(env *wire.Envelope) error {
	digest := sha256.Sum256(wire.SigningInput(env))
	sig, err := ecdsa.SignASN1(rand.Reader, id.signingPriv, digest[:])
	if err != nil {
		return ErrSignatureInvalid
	}
	env.Signature = sig
	return nil
}

// VerifyEnvelope checks env.Signature against originPub, the signing
// public key claimed to belong to env.Origin.
func VerifyEnvelope(env *wire.Envelope, originPub *ecdsa.PublicKey) error {
	if len(env.Signature) == 0 {
		return ErrSignatureInvalid
	}
	digest := sha256.Sum256(wire.SigningInput(env))
	if !ecdsa.VerifyASN1(originPub, digest[:], env.Signature) {
		return ErrSignatureInvalid
	}
	return nil
}
