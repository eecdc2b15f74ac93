package wire

import (
	"errors"
	"time"
)

// Flags is a bitmask of envelope properties.
type Flags uint8

const (
	// FlagControl marks an envelope as routing/ack/session control traffic.
	// Control envelopes never surface through the application's OnMessage.
	FlagControl Flags = 1 << iota
	// FlagEncrypted marks the payload as AEAD-sealed.
	FlagEncrypted
	// FlagGroup marks the envelope as addressed to a group rather than a
	// single destination.
	FlagGroup
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// Default and maximum envelope hop budgets.
const (
	DefaultTTL uint8 = 3
	MaxTTL     uint8 = 8
)

// MaxEnvelopeSize is the hard cap enforced by the codec before chunking.
const MaxEnvelopeSize = 64 * 1024

// Envelope is the unit of transmission that crosses the wire between
// nodes. Plaintext and encrypted traffic share this one type with flag
// bits; policy (require-signature, require-encryption) is a deployment
// configuration, not a distinct Go type.
type Envelope struct {
	ID           ID
	Origin       ID
	Dest         *ID // nil => broadcast
	Conversation *ID
	Timestamp    time.Time
	Sequence     uint64
	TTL          uint8
	HopPath      []ID
	Flags        Flags
	Payload      []byte
	Signature    []byte // nil unless signed
}

var (
	ErrEmptyHopPath      = errors.New("wire: hop path must include the origin")
	ErrOriginMismatch    = errors.New("wire: hop path head does not match origin")
	ErrDuplicateHop      = errors.New("wire: hop path contains a duplicate node")
	ErrEnvelopeTooLarge  = errors.New("wire: envelope payload exceeds MaxEnvelopeSize")
	ErrInvalidTTL        = errors.New("wire: ttl out of range")
	ErrSequenceNotMoving = errors.New("wire: sequence must be strictly increasing")
)

// Validate checks the structural invariants from the data model: the hop
// path starts at the origin, carries no duplicates, and the TTL is within
// the configured bounds. It does not check signatures or sequence
// monotonicity; those are cryptoengine's job since they need per-origin
// state this type does not carry.
func (e *Envelope) Validate() error {
	if len(e.HopPath) == 0 {
		return ErrEmptyHopPath
	}
	if e.HopPath[0] != e.Origin {
		return ErrOriginMismatch
	}
	seen := make(map[ID]struct{}, len(e.HopPath))
	for _, hop := range e.HopPath {
		if _, dup := seen[hop]; dup {
			return ErrDuplicateHop
		}
		seen[hop] = struct{}{}
	}
	if e.TTL > MaxTTL {
		return ErrInvalidTTL
	}
	if len(e.Payload) > MaxEnvelopeSize {
		return ErrEnvelopeTooLarge
	}
	return nil
}

// WithForwardingHop returns a copy of e updated as it would look after
// being relayed by self: TTL decremented and self appended to the hop
// path. The original envelope is left untouched (hop path only grows by
// append, so callers that still hold e must not alias its backing array).
func (e *Envelope) WithForwardingHop(self ID) Envelope {
	out := *e
	out.TTL = e.TTL - 1
	out.HopPath = make([]ID, len(e.HopPath)+1)
	copy(out.HopPath, e.HopPath)
	out.HopPath[len(e.HopPath)] = self
	return out
}

// IsBroadcast reports whether the envelope has no single destination.
func (e *Envelope) IsBroadcast() bool {
	return e.Dest == nil
}
