// Package wire implements the mesh core's canonical wire format: the
// envelope and chunk encoding, and the control-message variants that ride
// the same pipe as user data.
package wire

import (
	"encoding/hex"
	"errors"

	"github.com/google/uuid"
)

// IDSize is the width of a node, message or conversation identifier.
const IDSize = 16

// ID is a 128-bit identifier. It is used for message ids, node ids,
// conversation ids and route request ids alike.
type ID [IDSize]byte

// ZeroID is the all-zero identifier, never valid as a real node or message id.
var ZeroID ID

// NewID generates a fresh random identifier.
func NewID() ID {
	return ID(uuid.New())
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == ZeroID
}

// String renders id as fixed-width lowercase hex. This is deliberately
// hex rather than UUID's hyphenated textual form: the dashed form is a
// display convention that varies across libraries, not a canonical
// byte layout, and anything that feeds a signature must be byte-exact
// everywhere.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// ParseID parses the fixed-width hex form produced by String.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != IDSize*2 {
		return id, errors.New("wire: id must be exactly 32 hex characters")
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	copy(id[:], b)
	return id, nil
}
