// Package cryptoengine implements the mesh core's per-device identity,
// per-peer pairwise sessions with a forward-secret message-key ratchet,
// envelope signing/verification, and replay protection.
package cryptoengine

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/meshcore/meshcore/wire"
)

// agreementCurve and signingCurve are both P-256. Agreement and
// signing are separate keypairs; one key never serves both roles.
var (
	agreementCurve = ecdh.P256()
	signingCurve   = elliptic.P256()
)

// Identity holds a device's long-term keys. Private keys leave this struct
// only through AgreementPrivateBytes/SigningPrivateBytes, for persistence
// in SecureStore; every other component only sees Identity.PublicX() bytes.
type Identity struct {
	NodeID wire.ID

	agreementPriv *ecdh.PrivateKey
	signingPriv   *ecdsa.PrivateKey
}

var ErrInvalidPublicKey = errors.New("cryptoengine: invalid public key encoding")

// NewIdentity generates a fresh agreement keypair and signing keypair for
// nodeID.
func NewIdentity(nodeID wire.ID) (*Identity, error) {
	agreementPriv, err := agreementCurve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	signingPriv, err := ecdsa.GenerateKey(signingCurve, rand.Reader)
	if err != nil {
		return nil, err
	}
	return &Identity{NodeID: nodeID, agreementPriv: agreementPriv, signingPriv: signingPriv}, nil
}

// IdentityFromKeys reconstructs an Identity from previously persisted raw
// key bytes, as loaded from SecureStore-backed key material at startup.
func IdentityFromKeys(nodeID wire.ID, agreementPriv, signingPriv []byte) (*Identity, error) {
	ap, err := agreementCurve.NewPrivateKey(agreementPriv)
	if err != nil {
		return nil, err
	}
	sp, err := unmarshalECDSAPrivateKey(signingPriv)
	if err != nil {
		return nil, err
	}
	return &Identity{NodeID: nodeID, agreementPriv: ap, signingPriv: sp}, nil
}

// AgreementPrivateBytes returns the raw agreement private key, for
// handing to SecureStore at shutdown. Never sent over the wire.
func (id *Identity) AgreementPrivateBytes() []byte { return id.agreementPriv.Bytes() }

// SigningPrivateBytes returns the raw signing private key, for handing to
// SecureStore. Never sent over the wire.
func (id *Identity) SigningPrivateBytes() []byte {
	return id.signingPriv.D.FillBytes(make([]byte, 32))
}

// PublicAgreementKey returns the bytes exchanged out-of-band during
// discovery so peers can establish a session with this device.
func (id *Identity) PublicAgreementKey() []byte {
	return id.agreementPriv.PublicKey().Bytes()
}

// PublicSigningKey returns the bytes a peer needs to verify this device's
// envelope signatures.
func (id *Identity) PublicSigningKey() []byte {
	return marshalECDSAPublicKey(&id.signingPriv.PublicKey)
}

// ParseAgreementPublicKey parses bytes obtained from PublicAgreementKey.
func ParseAgreementPublicKey(b []byte) (*ecdh.PublicKey, error) {
	pub, err := agreementCurve.NewPublicKey(b)
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return pub, nil
}

// ParseSigningPublicKey parses bytes obtained from PublicSigningKey.
func ParseSigningPublicKey(b []byte) (*ecdsa.PublicKey, error) {
	return unmarshalECDSAPublicKey(b)
}

func marshalECDSAPublicKey(pub *ecdsa.PublicKey) []byte {
	out := make([]byte, 64)
	pub.X.FillBytes(out[:32])
	pub.Y.FillBytes(out[32:])
	return out
}

func unmarshalECDSAPublicKey(b []byte) (*ecdsa.PublicKey, error) {
	if len(b) != 64 {
		return nil, ErrInvalidPublicKey
	}
	x := new(big.Int).SetBytes(b[:32])
	y := new(big.Int).SetBytes(b[32:])
	if !signingCurve.IsOnCurve(x, y) {
		return nil, ErrInvalidPublicKey
	}
	return &ecdsa.PublicKey{Curve: signingCurve, X: x, Y: y}, nil
}

func unmarshalECDSAPrivateKey(b []byte) (*ecdsa.PrivateKey, error) {
	if len(b) != 32 {
		return nil, ErrInvalidPublicKey
	}
	d := new(big.Int).SetBytes(b)
	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = signingCurve
	priv.D = d
	priv.PublicKey.X, priv.PublicKey.Y = signingCurve.ScalarBaseMult(b)
	return priv, nil
}
