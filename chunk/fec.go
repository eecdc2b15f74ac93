// Package chunk fragments serialized envelopes into link-MTU-sized wire
// chunks and reassembles them on the other side, optionally protected by
// forward error correction for lossy links.
package chunk

// Packet is a single FEC shard: a source packet or a repair packet,
// depending on context. A nil Packet marks an erasure (not received).
type Packet []byte

// Algorithm names a forward-error-correction scheme.
type Algorithm uint8

const (
	// None disables FEC: chunks are sent as plain data shards only.
	None Algorithm = iota
	// XOR protects a group of data shards with a single parity shard.
	XOR
	// ReedSolomon protects a group of data shards with a configurable
	// number of parity shards, tolerating that many erasures.
	ReedSolomon
	// RaptorQ is a fountain code: any sufficiently large subset of the
	// generated symbols reconstructs the source block, which suits links
	// with bursty, unpredictable loss better than a fixed-parity scheme.
	RaptorQ
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case XOR:
		return "xor"
	case ReedSolomon:
		return "reed-solomon"
	case RaptorQ:
		return "raptorq"
	default:
		return "unknown"
	}
}

// Loss-rate thresholds for SelectAlgorithm: light loss doesn't justify
// the bandwidth overhead of coding, moderate loss is well served by a
// small fixed-parity code, and only links bad enough to lose bursts of
// several consecutive chunks benefit from a fountain code.
const (
	NoFECMaxLossRate       = 0.01
	XORMaxLossRate         = 0.05
	ReedSolomonMaxLossRate = 0.20
)

// SelectAlgorithm picks a FEC scheme from a recent observed loss rate on
// the link to a given peer. The pipeline passes the link layer's
// linklayer.PeerInfo.RecentLoss for that peer; this function only
// encodes the policy thresholds.
func SelectAlgorithm(recentLossRate float64) Algorithm {
	switch {
	case recentLossRate <= NoFECMaxLossRate:
		return None
	case recentLossRate <= XORMaxLossRate:
		return XOR
	case recentLossRate <= ReedSolomonMaxLossRate:
		return ReedSolomon
	default:
		return RaptorQ
	}
}

// Protector encodes a group of data shards into a larger group including
// repair shards, and reconstructs the data shards from any sufficient
// subset of a received group (subset size depends on the algorithm).
type Protector interface {
	Algorithm() Algorithm
	NumDataShards() int
	// TotalShards is the full shard group size (data plus repair) Encode
	// produces and Decode expects, regardless of which shards a given
	// Decode call actually received.
	TotalShards() int
	// Encode takes exactly NumDataShards() source packets and returns the
	// full shard group (data followed by repair shards).
	Encode(source []Packet) ([]Packet, error)
	// Decode takes a received shard group, possibly with nil erasures in
	// place of missing shards, and returns the NumDataShards() source
	// packets if reconstruction succeeded.
	Decode(received []Packet) ([]Packet, error)
}

// NewProtector constructs the Protector for algo, or nil (no error) for
// Algorithm None, signaling "send data shards only, no repair shards".
func NewProtector(algo Algorithm, dataShards int, shardSize uint16) (Protector, error) {
	switch algo {
	case None:
		return nil, nil
	case XOR:
		return newXORProtector(dataShards)
	case ReedSolomon:
		return newReedSolomonProtector(dataShards, dataShards/4+1)
	case RaptorQ:
		return newRaptorQProtector(dataShards, shardSize)
	default:
		return nil, &UnsupportedAlgorithmError{Algorithm: algo}
	}
}

// UnsupportedAlgorithmError is returned by NewProtector for an unknown
// Algorithm value.
type UnsupportedAlgorithmError struct {
	Algorithm Algorithm
}

func (e *UnsupportedAlgorithmError) Error() string {
	return "chunk: unsupported FEC algorithm " + e.Algorithm.String()
}
